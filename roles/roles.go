// Package roles 基于任务上下文为每个候选模型分配辩论角色。
// 分配是纯函数：只依赖任务内容、领域与模型能力元数据，不做外部调用。
package roles

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// RoleType 辩论角色类型
type RoleType string

const (
	RoleProponent   RoleType = "proponent"   // 正方：论证方案可行性
	RoleSkeptic     RoleType = "skeptic"     // 质疑方：寻找风险与漏洞
	RoleSynthesizer RoleType = "synthesizer" // 综合方：整合各方观点
	RoleAnalyst     RoleType = "analyst"     // 分析方：量化评估

	// 领域特化角色
	RoleFinanceConservative RoleType = "finance_conservative"
	RoleFinanceGrowth       RoleType = "finance_growth"
	RoleTechnicalPragmatic  RoleType = "technical_pragmatic"
	RoleTechnicalInnovative RoleType = "technical_innovative"
	RoleLegalCompliance     RoleType = "legal_compliance"
	RoleStrategyVision      RoleType = "strategy_vision"
)

// ModelProfile 候选模型的能力元数据
type ModelProfile struct {
	Name     string `json:"name"`     // 模型名称（如 gpt-4）
	Provider string `json:"provider"` // 提供者名称（如 openai）

	// Strengths 模型声明的强项，如 reasoning、creativity、caution、synthesis
	Strengths []string `json:"strengths"`
}

// Assignment 一次角色分配结果
type Assignment struct {
	Model      ModelProfile `json:"model"`
	Role       RoleType     `json:"role"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
}

// Config 分配器配置
type Config struct {
	// MinConfidence 低于此置信度的模型被跳过（不是错误）
	MinConfidence float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{MinConfidence: 0.35}
}

// roleSpec 角色的匹配特征
type roleSpec struct {
	role RoleType
	// strengths 该角色偏好的模型强项
	strengths []string
	// domains 该角色亲和的任务领域
	domains []string
	// keywords 任务内容中提升该角色权重的关键词
	keywords []string
	// base 基础分，保证通用角色总有兜底得分
	base float64
}

// 角色目录。顺序即同分时的优先顺序：通用角色在前，保证每个任务
// 至少产生正反两方。
var catalog = []roleSpec{
	{
		role:      RoleProponent,
		strengths: []string{"reasoning", "persuasion", "creativity"},
		keywords:  []string{"should", "propose", "plan", "opportunity"},
		base:      0.5,
	},
	{
		role:      RoleSkeptic,
		strengths: []string{"caution", "analysis", "critique"},
		keywords:  []string{"risk", "cost", "problem", "concern"},
		base:      0.5,
	},
	{
		role:      RoleSynthesizer,
		strengths: []string{"synthesis", "summarization", "reasoning"},
		base:      0.45,
	},
	{
		role:      RoleAnalyst,
		strengths: []string{"analysis", "math", "reasoning"},
		keywords:  []string{"estimate", "forecast", "metric", "data"},
		base:      0.4,
	},
	{
		role:      RoleFinanceConservative,
		strengths: []string{"caution", "analysis"},
		domains:   []string{"finance", "proposal"},
		keywords:  []string{"budget", "investment", "revenue", "margin"},
		base:      0.2,
	},
	{
		role:      RoleFinanceGrowth,
		strengths: []string{"creativity", "persuasion"},
		domains:   []string{"finance", "proposal"},
		keywords:  []string{"growth", "market", "expansion", "scale"},
		base:      0.2,
	},
	{
		role:      RoleTechnicalPragmatic,
		strengths: []string{"coding", "analysis", "caution"},
		domains:   []string{"technical", "engineering"},
		keywords:  []string{"architecture", "latency", "migration", "deploy"},
		base:      0.2,
	},
	{
		role:      RoleTechnicalInnovative,
		strengths: []string{"coding", "creativity"},
		domains:   []string{"technical", "engineering"},
		keywords:  []string{"prototype", "redesign", "novel"},
		base:      0.2,
	},
	{
		role:      RoleLegalCompliance,
		strengths: []string{"caution", "analysis"},
		domains:   []string{"legal", "contract"},
		keywords:  []string{"regulation", "compliance", "liability", "gdpr"},
		base:      0.2,
	},
	{
		role:      RoleStrategyVision,
		strengths: []string{"creativity", "reasoning"},
		domains:   []string{"strategy"},
		keywords:  []string{"vision", "roadmap", "long-term"},
		base:      0.2,
	},
}

// Assigner 角色分配器
type Assigner struct {
	config Config
	logger *zap.Logger
}

// NewAssigner 创建角色分配器
func NewAssigner(config Config, logger *zap.Logger) *Assigner {
	if config.MinConfidence <= 0 || config.MinConfidence >= 1 {
		config.MinConfidence = DefaultConfig().MinConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assigner{
		config: config,
		logger: logger.With(zap.String("component", "roles")),
	}
}

// AssignRoles 为候选模型分配角色。
// 每个模型至多一个角色；同一任务内已占用的角色不重复分配，
// 角色目录耗尽后允许复用。得分低于 MinConfidence 的模型被跳过。
func (a *Assigner) AssignRoles(domain, content string, candidates []ModelProfile) []Assignment {
	contentLower := strings.ToLower(content)
	domainLower := strings.ToLower(domain)

	assignments := make([]Assignment, 0, len(candidates))
	used := make(map[RoleType]bool)

	for _, model := range candidates {
		best, ok := a.pickRole(model, domainLower, contentLower, used)
		if !ok {
			a.logger.Info("model skipped: no role above minimum confidence",
				zap.String("model", model.Name),
				zap.String("domain", domain),
			)
			continue
		}

		used[best.Role] = true
		assignments = append(assignments, best)
	}

	a.logger.Debug("roles assigned",
		zap.String("domain", domain),
		zap.Int("candidates", len(candidates)),
		zap.Int("assigned", len(assignments)),
	)
	return assignments
}

// pickRole 为单个模型挑选得分最高的可用角色。
func (a *Assigner) pickRole(model ModelProfile, domain, content string, used map[RoleType]bool) (Assignment, bool) {
	type scored struct {
		spec  roleSpec
		score float64
	}

	scores := make([]scored, 0, len(catalog))
	for _, spec := range catalog {
		scores = append(scores, scored{spec: spec, score: scoreRole(spec, model, domain, content)})
	}
	// 稳定排序保证同分时按目录顺序取
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	pick := func(requireUnused bool) (Assignment, bool) {
		for _, s := range scores {
			if s.score < a.config.MinConfidence {
				continue
			}
			if requireUnused && used[s.spec.role] {
				continue
			}
			return Assignment{
				Model:      model,
				Role:       s.spec.role,
				Confidence: clamp01(s.score),
				Reason:     assignmentReason(s.spec, model, domain),
			}, true
		}
		return Assignment{}, false
	}

	if best, ok := pick(true); ok {
		return best, true
	}
	// 所有合格角色均被占用时允许复用
	return pick(false)
}

// scoreRole 计算模型与角色的匹配度：强项匹配 0.6 权重，
// 领域/关键词亲和 0.4 权重，叠加基础分后截断到 [0,1]。
func scoreRole(spec roleSpec, model ModelProfile, domain, content string) float64 {
	strengthHits := 0
	for _, want := range spec.strengths {
		for _, have := range model.Strengths {
			if strings.EqualFold(want, have) {
				strengthHits++
				break
			}
		}
	}
	strengthScore := 0.0
	if len(spec.strengths) > 0 {
		strengthScore = float64(strengthHits) / float64(len(spec.strengths))
	}

	affinity := 0.0
	for _, d := range spec.domains {
		if d == domain {
			affinity += 0.6
			break
		}
	}
	hits := 0
	for _, kw := range spec.keywords {
		if strings.Contains(content, kw) {
			hits++
		}
	}
	if len(spec.keywords) > 0 {
		affinity += 0.4 * float64(hits) / float64(len(spec.keywords))
	}
	if affinity > 1 {
		affinity = 1
	}

	return clamp01(spec.base + 0.6*strengthScore*(1-spec.base) + 0.4*affinity*(1-spec.base))
}

func assignmentReason(spec roleSpec, model ModelProfile, domain string) string {
	if len(model.Strengths) == 0 {
		return fmt.Sprintf("default fit for %s in domain %s", spec.role, domain)
	}
	return fmt.Sprintf("strengths %s match role %s in domain %s",
		strings.Join(model.Strengths, ","), spec.role, domain)
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
