package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// DefaultPrefix 是缓存键的默认命名空间。
const DefaultPrefix = "llm"

// Key 由系统提示词与用户消息推导缓存键。两段输入都带长度前缀后再求 SHA-256，
// 因此 ("ab","c") 与 ("a","bc") 不会得到相同的键。
func Key(prefix, systemPrompt, userMessage string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	h := sha256.New()
	writeField(h, systemPrompt)
	writeField(h, userMessage)
	return prefix + ":" + hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, field string) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
	_, _ = h.Write(lenBuf[:n])
	_, _ = h.Write([]byte(field))
}
