// Package redact masks personal data in text before it reaches a log sink.
package redact

import (
	"regexp"
	"unicode/utf8"
)

var rules = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	// 11 位数字优先识别为意大利增值税号，其余 10 位数字视为电话。
	{regexp.MustCompile(`\b\d{11}\b`), "[VAT]"},
	{regexp.MustCompile(`\b\d{10}\b`), "[PHONE]"},
	{regexp.MustCompile(`\b[A-Z]{6}\d{2}[A-Z]\d{2}[A-Z]\d{3}[A-Z]\b`), "[CF]"},
}

// PII 替换文本中的邮箱、电话、增值税号与意大利税号。
func PII(text string) string {
	for _, rule := range rules {
		text = rule.pattern.ReplaceAllString(text, rule.replacement)
	}
	return text
}

// Snippet 先脱敏再截断到 limit 个字符，用于日志中的原文片段。
func Snippet(text string, limit int) string {
	text = PII(text)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "..."
}
