package gateway

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/debateflow/llm"
)

// tokenCounter 在提供者未返回用量时估算 Token 数。
// 优先使用 tiktoken cl100k_base 精确计数；编码数据不可用时
// 退化为区分 CJK/ASCII 的字符估算。
type tokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{}
}

func (c *tokenCounter) init() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
}

// count 返回文本的估算 Token 数。
func (c *tokenCounter) count(text string) int {
	if text == "" {
		return 0
	}

	c.init()
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// countMessages 返回消息列表的总 Token 数，含每条消息的角色标记开销。
func (c *tokenCounter) countMessages(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += c.count(msg.Content) + 4
	}
	if total > 0 {
		total += 3
	}
	return total
}

// estimateTokens 字符估算：CJK 约 1.5 字符/Token，ASCII 约 4 字符/Token。
func estimateTokens(text string) int {
	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
