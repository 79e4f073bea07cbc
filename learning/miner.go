package learning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/internal/metrics"
	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/store"
)

// MinerConfig 模式挖掘配置
type MinerConfig struct {
	// Interval 后台扫描周期
	Interval time.Duration

	// Window 回看窗口，只扫描该时段内的事件
	Window time.Duration

	// SimilarityThreshold 输入归入同一簇的最低相似度
	SimilarityThreshold float64

	// MinFrequency 形成模式所需的最少支持事件数
	MinFrequency int

	// MinImprovement 人工修正簇形成模式所需的最低平均质量提升
	MinImprovement float64

	// RetrainFrequency 触发再训练建议的支持数
	RetrainFrequency int

	// MaxEventsPerScan 单次扫描的事件上限
	MaxEventsPerScan int
}

// DefaultMinerConfig 返回默认配置
func DefaultMinerConfig() MinerConfig {
	return MinerConfig{
		Interval:            10 * time.Minute,
		Window:              7 * 24 * time.Hour,
		SimilarityThreshold: 0.82,
		MinFrequency:        3,
		MinImprovement:      0.1,
		RetrainFrequency:    10,
		MaxEventsPerScan:    500,
	}
}

// Miner 周期性扫描学习事件并聚合出模式。只读事件日志，永不回写任务。
type Miner struct {
	config    MinerConfig
	store     store.Store
	embedder  embedding.Provider
	collector *metrics.Collector
	logger    *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMiner 创建模式挖掘器
func NewMiner(config MinerConfig, st store.Store, embedder embedding.Provider, collector *metrics.Collector, logger *zap.Logger) *Miner {
	def := DefaultMinerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.SimilarityThreshold <= 0 || config.SimilarityThreshold > 1 {
		config.SimilarityThreshold = def.SimilarityThreshold
	}
	if config.MinFrequency <= 1 {
		config.MinFrequency = def.MinFrequency
	}
	if config.MinImprovement < 0 {
		config.MinImprovement = def.MinImprovement
	}
	if config.RetrainFrequency < config.MinFrequency {
		config.RetrainFrequency = def.RetrainFrequency
	}
	if config.MaxEventsPerScan <= 0 {
		config.MaxEventsPerScan = def.MaxEventsPerScan
	}
	if embedder == nil {
		embedder = embedding.NewDeterministic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Miner{
		config:    config,
		store:     st,
		embedder:  embedder,
		collector: collector,
		logger:    logger.With(zap.String("component", "pattern_miner")),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动后台扫描循环。
func (m *Miner) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if _, err := m.MineOnce(context.Background()); err != nil {
					m.logger.Warn("mining pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop 停止后台循环并等待退出。
func (m *Miner) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

// MineOnce 执行一次扫描：按领域分组、相似度聚类、产出模式与再训练建议。
func (m *Miner) MineOnce(ctx context.Context) ([]*store.LearningPattern, error) {
	events, err := m.store.ListLearningEvents(ctx, store.EventFilter{
		Since: time.Now().Add(-m.config.Window),
		Limit: m.config.MaxEventsPerScan,
	})
	if err != nil {
		return nil, fmt.Errorf("list learning events: %w", err)
	}

	byDomain := make(map[string][]*store.ShadowLearningEvent)
	for _, ev := range events {
		byDomain[ev.Domain] = append(byDomain[ev.Domain], ev)
	}

	var patterns []*store.LearningPattern
	for domain, group := range byDomain {
		clusters, err := m.cluster(ctx, group)
		if err != nil {
			return nil, err
		}
		for _, cl := range clusters {
			p := m.patternFromCluster(domain, cl)
			if p == nil {
				continue
			}
			if err := m.store.SavePattern(ctx, p); err != nil {
				m.logger.Warn("failed to persist pattern", zap.String("pattern_id", p.PatternID), zap.Error(err))
				continue
			}
			patterns = append(patterns, p)

			if p.Frequency >= m.config.RetrainFrequency {
				m.suggestRetraining(ctx, p)
			}
		}
	}

	m.collector.RecordMinerRun(len(patterns))
	m.logger.Info("mining pass finished",
		zap.Int("events", len(events)),
		zap.Int("patterns", len(patterns)),
	)
	return patterns, nil
}

type cluster struct {
	centroid []float64
	events   []*store.ShadowLearningEvent
	simSum   float64
}

// cluster 贪心聚类：事件归入首个质心相似度达标的簇，否则自成一簇。
func (m *Miner) cluster(ctx context.Context, events []*store.ShadowLearningEvent) ([]*cluster, error) {
	var clusters []*cluster
	for _, ev := range events {
		vec, err := m.embedder.Embed(ctx, ev.OriginalInput)
		if err != nil {
			return nil, fmt.Errorf("embed event %s: %w", ev.EventID, err)
		}

		placed := false
		for _, cl := range clusters {
			sim := embedding.Cosine(cl.centroid, vec)
			if sim >= m.config.SimilarityThreshold {
				cl.events = append(cl.events, ev)
				cl.simSum += sim
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, &cluster{centroid: vec, events: []*store.ShadowLearningEvent{ev}, simSum: 1})
		}
	}
	return clusters, nil
}

// patternFromCluster 将达标的簇转为模式。不足门槛返回 nil。
func (m *Miner) patternFromCluster(domain string, cl *cluster) *store.LearningPattern {
	if len(cl.events) < m.config.MinFrequency {
		return nil
	}

	corrected := 0
	improvement := 0.0
	examples := make([]string, 0, 5)
	for _, ev := range cl.events {
		if ev.HumanIntervention != "" {
			corrected++
			improvement += ev.QualityDelta
		}
		if len(examples) < 5 {
			examples = append(examples, ev.EventID)
		}
	}

	patternType := "recurring_input"
	if corrected*2 >= len(cl.events) {
		// 人工修正占多数的簇才值得改变模型行为
		avgImprovement := improvement / float64(corrected)
		if avgImprovement < m.config.MinImprovement {
			return nil
		}
		patternType = "recurring_correction"
	}

	confidence := cl.simSum / float64(len(cl.events))
	if confidence > 1 {
		confidence = 1
	}

	return &store.LearningPattern{
		PatternID:   stablePatternID(domain, cl.events[0].EventID),
		Domain:      domain,
		PatternType: patternType,
		Confidence:  confidence,
		Frequency:   len(cl.events),
		Examples:    examples,
	}
}

func (m *Miner) suggestRetraining(ctx context.Context, p *store.LearningPattern) {
	tr := &store.RetrainingTrigger{
		TriggerID:       uuid.NewString(),
		Domain:          p.Domain,
		PatternID:       p.PatternID,
		Reason:          fmt.Sprintf("pattern %s seen %d times (threshold %d)", p.PatternType, p.Frequency, m.config.RetrainFrequency),
		SupportingCases: p.Frequency,
	}
	if err := m.store.SaveRetrainingTrigger(ctx, tr); err != nil {
		m.logger.Warn("failed to persist retraining trigger", zap.String("pattern_id", p.PatternID), zap.Error(err))
		return
	}
	m.logger.Info("retraining suggested",
		zap.String("domain", p.Domain),
		zap.String("pattern_id", p.PatternID),
		zap.Int("supporting_cases", p.Frequency),
	)
}

// stablePatternID 由领域与簇锚点事件导出确定性模式 ID，
// 保证多次扫描同一簇时更新而非重复插入。
func stablePatternID(domain, anchorEventID string) string {
	sum := sha256.Sum256([]byte(domain + ":" + anchorEventID))
	return hex.EncodeToString(sum[:16])
}
