package planner

import (
	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used for prompt budgeting.
const DefaultEncoding = "cl100k_base"

// charsPerToken approximates token counts when no encoding is available.
const charsPerToken = 4

// Tokenizer counts and trims prompt text against a token budget.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer loads the default encoding. Loading may need network access
// the first time; on failure the returned Tokenizer estimates instead and
// the error is returned for logging.
func NewTokenizer() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return &Tokenizer{}, err
	}
	return &Tokenizer{enc: enc}, nil
}

// Exact reports whether counts come from a real encoding.
func (t *Tokenizer) Exact() bool {
	return t != nil && t.enc != nil
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if !t.Exact() {
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate returns the longest prefix of text that fits in maxTokens and
// whether anything was cut.
func (t *Tokenizer) Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return "", text != ""
	}

	if !t.Exact() {
		limit := maxTokens * charsPerToken
		if len(text) <= limit {
			return text, false
		}
		return validPrefix(text, limit), true
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, false
	}
	return t.enc.Decode(tokens[:maxTokens]), true
}

// validPrefix cuts s to at most n bytes without splitting a UTF-8 sequence.
func validPrefix(s string, n int) string {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
