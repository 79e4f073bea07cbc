// Package consensus 计算一轮辩论的共识度并生成综合结论。
// 共识度 = 置信度加权的两两余弦相似度，与平均置信度按 ConfidenceBlend 混合。
package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/roles"
)

// Response 是参与共识计算的单个模型回复。
// 由协调器从网关结果与角色分配组装而来。
type Response struct {
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Role           roles.RoleType `json:"role"`
	RoleConfidence float64        `json:"role_confidence"`
	Content        string         `json:"content"`
	Confidence     float64        `json:"confidence"`
	Cost           float64        `json:"cost"`
	ResponseTimeMs int64          `json:"response_time_ms"`

	// Embedding 内容向量。为空时由 Scorer 现场计算。
	Embedding []float64 `json:"embedding,omitempty"`
}

// Result 一次共识计算的结果
type Result struct {
	// ConsensusScore 共识度 ∈ [0,1]
	ConsensusScore float64 `json:"consensus_score"`

	// MeanConfidence 参与回复的平均置信度
	MeanConfidence float64 `json:"mean_confidence"`

	// Synthesis 综合结论文本
	Synthesis string `json:"synthesis"`

	// LowSampleSize 样本不足（仅一个回复）时为 true，
	// 此时 ConsensusScore 即该回复的置信度
	LowSampleSize bool `json:"low_sample_size"`

	// Weights 各提供者在综合结论中的归一化权重
	Weights map[string]float64 `json:"weights"`

	// Top 权重最高的回复，综合结论的"推荐方案"来源
	Top *Response `json:"-"`
}

// Config 共识计算配置
type Config struct {
	// ConfidenceBlend 平均置信度在最终得分中的占比，相似度占 1-ConfidenceBlend
	ConfidenceBlend float64

	// CacheTTL 向量缓存过期时间
	CacheTTL time.Duration

	// CachePrefix 缓存键前缀
	CachePrefix string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ConfidenceBlend: 0.3,
		CacheTTL:        24 * time.Hour,
		CachePrefix:     "debateflow:emb:",
	}
}

// Scorer 共识计算器
type Scorer struct {
	config   Config
	embedder embedding.Provider
	cache    redis.UniversalClient
	logger   *zap.Logger
}

// NewScorer 创建共识计算器。cache 为 nil 时禁用向量缓存。
func NewScorer(config Config, embedder embedding.Provider, cache redis.UniversalClient, logger *zap.Logger) *Scorer {
	if config.ConfidenceBlend < 0 || config.ConfidenceBlend > 1 {
		config.ConfidenceBlend = DefaultConfig().ConfidenceBlend
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultConfig().CacheTTL
	}
	if config.CachePrefix == "" {
		config.CachePrefix = DefaultConfig().CachePrefix
	}
	if embedder == nil {
		embedder = embedding.NewDeterministic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		config:   config,
		embedder: embedder,
		cache:    cache,
		logger:   logger.With(zap.String("component", "consensus")),
	}
}

// Score 计算一组回复的共识度并生成综合结论。
// 空输入返回零分结果；单个回复返回其置信度并置 LowSampleSize。
func (s *Scorer) Score(ctx context.Context, responses []*Response) (*Result, error) {
	if len(responses) == 0 {
		return &Result{Weights: map[string]float64{}}, nil
	}

	if err := s.fillEmbeddings(ctx, responses); err != nil {
		return nil, fmt.Errorf("embed responses: %w", err)
	}

	meanConf := 0.0
	for _, r := range responses {
		meanConf += r.Confidence
	}
	meanConf /= float64(len(responses))

	ordered := orderByWeight(responses)
	weights := normalizedWeights(ordered)

	if len(responses) == 1 {
		top := ordered[0]
		return &Result{
			ConsensusScore: clamp01(top.Confidence),
			MeanConfidence: meanConf,
			Synthesis:      renderSynthesis(clamp01(top.Confidence), ordered),
			LowSampleSize:  true,
			Weights:        weights,
			Top:            top,
		}, nil
	}

	// 置信度加权的两两相似度
	var weightedSim, totalWeight float64
	for i := 0; i < len(responses); i++ {
		for j := i + 1; j < len(responses); j++ {
			w := responses[i].Confidence * responses[j].Confidence
			if w <= 0 {
				continue
			}
			weightedSim += w * embedding.Cosine(responses[i].Embedding, responses[j].Embedding)
			totalWeight += w
		}
	}

	similarity := 0.0
	if totalWeight > 0 {
		similarity = weightedSim / totalWeight
	}

	score := clamp01((1-s.config.ConfidenceBlend)*similarity + s.config.ConfidenceBlend*meanConf)

	s.logger.Debug("consensus computed",
		zap.Float64("similarity", similarity),
		zap.Float64("mean_confidence", meanConf),
		zap.Float64("score", score),
		zap.Int("responses", len(responses)),
	)

	return &Result{
		ConsensusScore: score,
		MeanConfidence: meanConf,
		Synthesis:      renderSynthesis(score, ordered),
		Weights:        weights,
		Top:            ordered[0],
	}, nil
}

// fillEmbeddings 为缺少向量的回复计算内容向量，优先读缓存。
func (s *Scorer) fillEmbeddings(ctx context.Context, responses []*Response) error {
	for _, r := range responses {
		if len(r.Embedding) > 0 {
			continue
		}

		key := s.cacheKey(r.Content)
		if vec, ok := s.cacheGet(ctx, key); ok {
			r.Embedding = vec
			continue
		}

		vec, err := s.embedder.Embed(ctx, r.Content)
		if err != nil {
			return fmt.Errorf("provider %s: %w", r.Provider, err)
		}
		r.Embedding = vec
		s.cacheSet(ctx, key, vec)
	}
	return nil
}

func (s *Scorer) cacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return s.config.CachePrefix + s.embedder.Name() + ":" + hex.EncodeToString(sum[:])
}

// cacheGet 缓存读取。缓存故障静默降级为现场计算。
func (s *Scorer) cacheGet(ctx context.Context, key string) ([]float64, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.Debug("embedding cache get failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (s *Scorer) cacheSet(ctx context.Context, key string, vec []float64) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.config.CacheTTL).Err(); err != nil {
		s.logger.Debug("embedding cache set failed", zap.Error(err))
	}
}

// orderByWeight 按综合权重降序排列回复。
// 同分时先比角色分配置信度（高者优先），再比成本（低者优先）。
func orderByWeight(responses []*Response) []*Response {
	ordered := make([]*Response, len(responses))
	copy(ordered, responses)

	sort.SliceStable(ordered, func(i, j int) bool {
		wi, wj := responseWeight(ordered[i]), responseWeight(ordered[j])
		if wi != wj {
			return wi > wj
		}
		if ordered[i].RoleConfidence != ordered[j].RoleConfidence {
			return ordered[i].RoleConfidence > ordered[j].RoleConfidence
		}
		return ordered[i].Cost < ordered[j].Cost
	})
	return ordered
}

func responseWeight(r *Response) float64 {
	return r.Confidence
}

func normalizedWeights(ordered []*Response) map[string]float64 {
	weights := make(map[string]float64, len(ordered))
	total := 0.0
	for _, r := range ordered {
		total += responseWeight(r)
	}
	for _, r := range ordered {
		if total > 0 {
			weights[r.Provider] = responseWeight(r) / total
		} else {
			weights[r.Provider] = 1.0 / float64(len(ordered))
		}
	}
	return weights
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
