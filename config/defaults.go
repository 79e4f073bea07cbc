// =============================================================================
// 📦 DebateFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"fmt"
	"time"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Gateway:    DefaultGatewayConfig(),
		Debate:     DefaultDebateConfig(),
		Escalation: DefaultEscalationConfig(),
		Learning:   DefaultLearningConfig(),
		Router:     DefaultRouterConfig(),
		Log:        DefaultLogConfig(),
		Models:     DefaultModels(),
	}
}

// DefaultServerConfig 返回默认服务进程配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:      9091,
		MetricsNamespace: "debateflow",
		Workers:          4,
		QueueSize:        256,
		ShutdownTimeout:  15 * time.Second,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		DSN:             "debateflow.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     "",
		Password: "",
		DB:       0,
		CacheTTL: 24 * time.Hour,
	}
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CallTimeout:             30 * time.Second,
		DefaultConfidence:       0.5,
		RateLimit:               0,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         60 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
	}
}

// DefaultDebateConfig 返回默认辩论策略
func DefaultDebateConfig() DebateConfig {
	return DebateConfig{
		ConsensusThreshold: 0.7,
		MaxRounds:          3,
		MinQuorum:          2,
		ReviewPriority:     5,
		MaxRetries:         1,
		ConfidenceBlend:    0.3,
		RoleMinConfidence:  0.35,
	}
}

// DefaultEscalationConfig 返回默认人工复核配置
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Timeout:       5 * time.Minute,
		TimeoutPolicy: "auto_approve",
		ApproveCost:   0,
		ModifyCost:    1.0,
		RejectCost:    2.0,
	}
}

// DefaultLearningConfig 返回默认影子学习配置
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		MinerEnabled:        true,
		MinerInterval:       10 * time.Minute,
		Window:              7 * 24 * time.Hour,
		SimilarityThreshold: 0.82,
		MinFrequency:        3,
		MinImprovement:      0.1,
		RetrainFrequency:    10,
	}
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MinScore:           0.1,
		LoadPenalty:        0.1,
		GeneralistAffinity: 0.8,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultModels 返回默认候选模型
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{Name: "gpt-4", Provider: "openai", Strengths: []string{"reasoning", "analysis"}},
		{Name: "claude-3-opus", Provider: "anthropic", Strengths: []string{"caution", "critique"}},
		{Name: "gemini-pro", Provider: "google", Strengths: []string{"synthesis", "creativity"}},
	}
}

// Validate 校验配置
func Validate(cfg *Config) error {
	if cfg.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", cfg.Server.Workers)
	}
	if cfg.Server.QueueSize <= 0 {
		return fmt.Errorf("server.queue_size must be positive, got %d", cfg.Server.QueueSize)
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Debate.ConsensusThreshold <= 0 || cfg.Debate.ConsensusThreshold > 1 {
		return fmt.Errorf("debate.consensus_threshold must be in (0,1], got %v", cfg.Debate.ConsensusThreshold)
	}
	if cfg.Debate.MaxRounds <= 0 {
		return fmt.Errorf("debate.max_rounds must be positive, got %d", cfg.Debate.MaxRounds)
	}
	if cfg.Debate.MinQuorum <= 0 {
		return fmt.Errorf("debate.min_quorum must be positive, got %d", cfg.Debate.MinQuorum)
	}
	if cfg.Debate.ConfidenceBlend < 0 || cfg.Debate.ConfidenceBlend > 1 {
		return fmt.Errorf("debate.confidence_blend must be in [0,1], got %v", cfg.Debate.ConfidenceBlend)
	}
	switch cfg.Escalation.TimeoutPolicy {
	case "auto_approve", "fail":
	default:
		return fmt.Errorf("escalation.timeout_policy must be auto_approve or fail, got %q", cfg.Escalation.TimeoutPolicy)
	}
	if cfg.Escalation.Timeout <= 0 {
		return fmt.Errorf("escalation.timeout must be positive, got %v", cfg.Escalation.Timeout)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", cfg.Log.Format)
	}
	if len(cfg.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	for i, m := range cfg.Models {
		if m.Name == "" || m.Provider == "" {
			return fmt.Errorf("models[%d]: name and provider are required", i)
		}
	}
	return nil
}
