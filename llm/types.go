package llm

import (
	"context"
	"time"
)

// 统一的 LLM 错误码，用于对齐可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"  // 参数/格式错误（不计入熔断失败）
	ErrCircuitOpen     ErrorCode = "LLM_CIRCUIT_OPEN"     // 提供者熔断中，调用被直接拒绝
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT" // 单次调用超时
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"   // 上游 5xx/网络错误
	ErrNoQuorum        ErrorCode = "LLM_NO_QUORUM"        // 一轮辩论中成功响应数不足
	ErrNoDestination   ErrorCode = "LLM_NO_DESTINATION"   // 路由候选全部不可用
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"     // 本地限流
)

// Error 是网关对外暴露的统一错误。
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewError 构造统一错误。
func NewError(code ErrorCode, msg, provider string, retryable bool) *Error {
	return &Error{Code: code, Message: msg, Provider: provider, Retryable: retryable}
}

// CodeOf 提取错误中的统一错误码；非 *Error 返回 ErrUpstreamError。
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if le, ok := err.(*Error); ok {
		return le.Code
	}
	return ErrUpstreamError
}

// IsClientError 判断错误是否为客户端错误（不应计入熔断失败）。
func IsClientError(err error) bool {
	return CodeOf(err) == ErrInvalidRequest
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是对任意模型提供者的统一请求。
type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage 记录一次调用的 Token 用量与成本（USD）。
type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// ChatResponse 是统一的模型响应。
// Confidence 为模型自报的置信度，取值 [0,1]；提供者未返回时由网关按默认值补齐。
type ChatResponse struct {
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence,omitempty"`
	Usage      ChatUsage `json:"usage,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Provider 定义统一的模型提供者接口。
// 实现方负责与具体厂商 API 的通信；网关在其外层提供熔断与超时。
type Provider interface {
	// Name 返回提供者名称（如 "openai"、"anthropic"）。
	Name() string

	// Completion 执行一次对话补全。
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
