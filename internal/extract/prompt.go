package extract

import (
	"encoding/json"
	"reflect"
	"strings"
)

const userPrefix = "Document to analyze:\n\n"

const rules = `CRITICAL RULES:
1. Respond ONLY with valid JSON
2. NO text before or after the JSON
3. NO markdown code blocks
4. Use null for missing values
5. Follow the requested schema exactly`

// BuildSystemPrompt 组合调用方指令、固定规则与期望的 JSON 结构。
func BuildSystemPrompt(instructions, schema string) string {
	var b strings.Builder
	b.WriteString("You are an assistant specialised in extracting structured data.\n\n")
	b.WriteString("INSTRUCTIONS:\n")
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n\n")
	b.WriteString(rules)
	if schema = strings.TrimSpace(schema); schema != "" {
		b.WriteString("\n\nExpected JSON shape:\n")
		b.WriteString(schema)
	}
	b.WriteString("\n")
	return b.String()
}

// SchemaHint 序列化 T 的零值，作为模型输出结构的示例。指针类型会先分配元素。
func SchemaHint[T any]() string {
	var zero T
	v := reflect.ValueOf(&zero).Elem()
	if v.Kind() == reflect.Pointer && v.IsNil() {
		v.Set(reflect.New(v.Type().Elem()))
	}
	encoded, err := json.MarshalIndent(v.Interface(), "", "  ")
	if err != nil || string(encoded) == "null" {
		return ""
	}
	return string(encoded)
}

// CleanResponse 去掉首尾的 markdown 代码围栏（可带语言标记，如 ```json）。
// 语言标记后可以是换行、空白，也可以直接跟 JSON。
func CleanResponse(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(stripLanguageTag(text))
}

func stripLanguageTag(text string) string {
	i := 0
	for i < len(text) && isTagByte(text[i]) {
		i++
	}
	if i == 0 || i == len(text) {
		return text
	}
	switch text[i] {
	case '\n', '\r', ' ', '\t', '{', '[':
		return text[i:]
	}
	return text
}

func isTagByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '+'
}
