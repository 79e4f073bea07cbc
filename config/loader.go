// =============================================================================
// 📦 DebateFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("DEBATEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 DebateFlow 的完整配置结构
type Config struct {
	// Server 服务进程配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 向量缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Gateway 模型网关配置
	Gateway GatewayConfig `yaml:"gateway" env:"GATEWAY"`

	// Debate 辩论策略配置
	Debate DebateConfig `yaml:"debate" env:"DEBATE"`

	// Escalation 人工复核配置
	Escalation EscalationConfig `yaml:"escalation" env:"ESCALATION"`

	// Learning 影子学习配置
	Learning LearningConfig `yaml:"learning" env:"LEARNING"`

	// Router 任务路由配置
	Router RouterConfig `yaml:"router" env:"ROUTER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Models 参与辩论的候选模型
	Models []ModelConfig `yaml:"models" env:"-"`
}

// ServerConfig 服务进程配置
type ServerConfig struct {
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 指标命名空间
	MetricsNamespace string `yaml:"metrics_namespace" env:"METRICS_NAMESPACE"`
	// 并发工作协程数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 任务队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 连接串
	DSN string `yaml:"dsn" env:"DSN"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置。Addr 为空时禁用向量缓存。
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 缓存过期时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// GatewayConfig 模型网关配置
type GatewayConfig struct {
	// 单次调用超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	// 默认置信度
	DefaultConfidence float64 `yaml:"default_confidence" env:"DEFAULT_CONFIDENCE"`
	// 每提供者每秒请求上限（0 不限流）
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 熔断失败阈值
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	// 熔断冷却时间
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
	// 半开状态试探调用数
	BreakerHalfOpenMaxCalls int `yaml:"breaker_half_open_max_calls" env:"BREAKER_HALF_OPEN_MAX_CALLS"`
}

// DebateConfig 辩论策略配置
type DebateConfig struct {
	// 共识阈值
	ConsensusThreshold float64 `yaml:"consensus_threshold" env:"CONSENSUS_THRESHOLD"`
	// 最大轮数
	MaxRounds int `yaml:"max_rounds" env:"MAX_ROUNDS"`
	// 有效回复法定人数
	MinQuorum int `yaml:"min_quorum" env:"MIN_QUORUM"`
	// 强制复核优先级
	ReviewPriority int `yaml:"review_priority" env:"REVIEW_PRIORITY"`
	// 人工驳回重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 共识计算中置信度占比
	ConfidenceBlend float64 `yaml:"confidence_blend" env:"CONFIDENCE_BLEND"`
	// 角色分配最低置信度
	RoleMinConfidence float64 `yaml:"role_min_confidence" env:"ROLE_MIN_CONFIDENCE"`
}

// EscalationConfig 人工复核配置
type EscalationConfig struct {
	// 复核时限
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 超时兜底策略: auto_approve, fail
	TimeoutPolicy string `yaml:"timeout_policy" env:"TIMEOUT_POLICY"`
	// approve 成本
	ApproveCost float64 `yaml:"approve_cost" env:"APPROVE_COST"`
	// modify 成本
	ModifyCost float64 `yaml:"modify_cost" env:"MODIFY_COST"`
	// reject 成本
	RejectCost float64 `yaml:"reject_cost" env:"REJECT_COST"`
}

// LearningConfig 影子学习配置
type LearningConfig struct {
	// 是否启用模式挖掘
	MinerEnabled bool `yaml:"miner_enabled" env:"MINER_ENABLED"`
	// 挖掘周期
	MinerInterval time.Duration `yaml:"miner_interval" env:"MINER_INTERVAL"`
	// 事件回看窗口
	Window time.Duration `yaml:"window" env:"WINDOW"`
	// 聚类相似度阈值
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// 模式最低支持数
	MinFrequency int `yaml:"min_frequency" env:"MIN_FREQUENCY"`
	// 模式最低质量提升
	MinImprovement float64 `yaml:"min_improvement" env:"MIN_IMPROVEMENT"`
	// 再训练建议支持数
	RetrainFrequency int `yaml:"retrain_frequency" env:"RETRAIN_FREQUENCY"`
}

// RouterConfig 任务路由配置
type RouterConfig struct {
	// 目的地最低得分
	MinScore float64 `yaml:"min_score" env:"MIN_SCORE"`
	// 在途任务负载惩罚系数
	LoadPenalty float64 `yaml:"load_penalty" env:"LOAD_PENALTY"`
	// 通用目的地领域亲和度
	GeneralistAffinity float64 `yaml:"generalist_affinity" env:"GENERALIST_AFFINITY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// ModelConfig 一个候选模型
type ModelConfig struct {
	// 模型名称
	Name string `yaml:"name"`
	// 提供者名称
	Provider string `yaml:"provider"`
	// 声明的强项
	Strengths []string `yaml:"strengths"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DEBATEFLOW",
		validators: []func(*Config) error{Validate},
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}

	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}
	return nil
}
