package planner

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSteps(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    []Step
		wantErr string
	}{
		{
			name:  "object",
			reply: `{"steps": [{"action": "fill", "selector": "#q", "value": "pandas"}]}`,
			want:  []Step{{Action: "fill", Selector: "#q", Value: "pandas"}},
		},
		{
			name:  "bare array",
			reply: `[{"action": "Navigate", "value": "https://example.com"}]`,
			want:  []Step{{Action: "navigate", Value: "https://example.com"}},
		},
		{
			name:  "fenced",
			reply: "```json\n{\"steps\": [{\"action\": \"done\"}]}\n```",
			want:  []Step{{Action: "done"}},
		},
		{
			name:    "unknown action",
			reply:   `{"steps": [{"action": "hover", "selector": "a"}]}`,
			wantErr: "unknown action",
		},
		{
			name:    "empty",
			reply:   `{"steps": []}`,
			wantErr: "no steps",
		},
		{
			name:    "prose",
			reply:   "Sure! First, click the button.",
			wantErr: "decode steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSteps(tt.reply)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitThinking(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantMessage  string
		wantThinking string
	}{
		{
			name:        "no thinking",
			content:     `{"steps": []}`,
			wantMessage: `{"steps": []}`,
		},
		{
			name:         "leading thinking",
			content:      "<thinking>look for the run button</thinking>\n{\"steps\": []}",
			wantMessage:  `{"steps": []}`,
			wantThinking: "look for the run button",
		},
		{
			name:         "angle brackets inside thinking",
			content:      "<thinking>if x>3 and i<10 then <b>click</b></thinking>ok",
			wantMessage:  "ok",
			wantThinking: "if x>3 and i<10 then <b>click</b>",
		},
		{
			name:        "other tags are message text",
			content:     "<div>a</div>",
			wantMessage: "<div>a</div>",
		},
		{
			name:         "unterminated",
			content:      "done<thinking>still going",
			wantMessage:  "done",
			wantThinking: "still going",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			message, thinking := splitThinking(tt.content)
			assert.Equal(t, tt.wantMessage, message)
			assert.Equal(t, tt.wantThinking, thinking)
		})
	}
}

func TestEstimatingTokenizer(t *testing.T) {
	tok := &Tokenizer{}
	assert.False(t, tok.Exact())
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 1, tok.Count("abc"))
	assert.Equal(t, 3, tok.Count("hello world!"))

	out, cut := tok.Truncate("short", 10)
	assert.Equal(t, "short", out)
	assert.False(t, cut)

	out, cut = tok.Truncate("ééééé", 1)
	assert.True(t, cut)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "éé", out)

	out, cut = tok.Truncate("anything", 0)
	assert.Empty(t, out)
	assert.True(t, cut)
}

func TestTiktokenTokenizer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping tokenizer download in short mode")
	}
	tok, err := NewTokenizer()
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	require.True(t, tok.Exact())

	text := "The quick brown fox jumps over the lazy dog."
	n := tok.Count(text)
	assert.Greater(t, n, 5)

	out, cut := tok.Truncate(text, 3)
	assert.True(t, cut)
	assert.True(t, len(out) < len(text))
	assert.Equal(t, 3, tok.Count(out))
}
