// Package embedding 提供共识打分所依赖的窄嵌入接口与相似度计算。
// 具体嵌入模型由调用方注入；Deterministic 实现用于测试与离线模式。
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Provider 定义嵌入提供者接口。
type Provider interface {
	// Embed 为给定文本生成嵌入向量。
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimensions 返回嵌入维度。
	Dimensions() int

	// Name 返回提供者名称。
	Name() string
}

// Cosine 计算两个向量的余弦相似度，结果收敛到 [0,1]。
// 维度不一致或零向量返回 0。
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// 词袋式嵌入可能产生轻微负值，夹取到 [0,1]
	return math.Max(0, math.Min(1, sim))
}

// Deterministic 是基于词哈希的确定性嵌入实现。
// 相同文本恒产生相同向量，词汇重叠度高的文本相似度高，
// 用于单元测试与未配置外部嵌入服务时的降级路径。
type Deterministic struct {
	dims int
}

// NewDeterministic 创建确定性嵌入提供者；dims <= 0 时使用 256。
func NewDeterministic(dims int) *Deterministic {
	if dims <= 0 {
		dims = 256
	}
	return &Deterministic{dims: dims}
}

func (d *Deterministic) Name() string    { return "deterministic" }
func (d *Deterministic) Dimensions() int { return d.dims }

// Embed 将文本按词哈希到固定维度的词袋向量并归一化。
func (d *Deterministic) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, d.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32())%d.dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
