package requester

import (
	"math"
	"unicode/utf8"
)

// Byte-ratio heuristic used when the provider reports no usage. Latin text
// runs about one token per four UTF-8 bytes; CJK scripts tokenize denser,
// about 0.7 tokens per character.
const (
	bytesPerTokenLatin = 4
	bytesPerTokenCJK   = 3
	tokensPerCJKChar   = 0.7
)

// estimateTokens approximates the token count of text from its UTF-8 byte
// length. Never exact; good enough to keep throughput numbers meaningful for
// providers that omit usage blocks.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}

	totalBytes := len(text)
	cjkChars := 0
	for _, r := range text {
		if isCJK(r) {
			cjkChars++
		}
	}

	cjkTokens := int(math.Ceil(float64(cjkChars) * tokensPerCJKChar))
	remaining := totalBytes - cjkChars*bytesPerTokenCJK
	latinTokens := 0
	if remaining > 0 {
		latinTokens = int(math.Ceil(float64(remaining) / bytesPerTokenLatin))
	}

	if est := cjkTokens + latinTokens; est > 0 {
		return est
	}
	return 1
}

func isCJK(r rune) bool {
	if r < utf8.RuneSelf {
		return false
	}
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK Ext-A
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana, Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul
		return true
	}
	return false
}
