package clients

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenBudget truncates region text to a maximum number of input tokens.
// The encoding is loaded on first use; when it cannot be loaded the budget
// falls back to four runes per token.
type TokenBudget struct {
	max      int
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenBudget creates a budget; max <= 0 disables truncation
func NewTokenBudget(max int) *TokenBudget {
	return &TokenBudget{max: max, encoding: "cl100k_base"}
}

func (b *TokenBudget) load() *tiktoken.Tiktoken {
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding(b.encoding)
		if err == nil {
			b.enc = enc
		}
	})
	return b.enc
}

// Count returns the token count of text
func (b *TokenBudget) Count(text string) int {
	if enc := b.load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Truncate returns text cut to the budget
func (b *TokenBudget) Truncate(text string) string {
	if b == nil || b.max <= 0 || text == "" {
		return text
	}
	if enc := b.load(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= b.max {
			return text
		}
		return enc.Decode(tokens[:b.max])
	}
	limit := b.max * 4
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
