package planner

import "strings"

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
)

// splitThinking separates <thinking> sections from the rest of a model
// reply. Other tags and stray angle brackets are kept as message text. An
// unterminated <thinking> section runs to the end of the reply.
func splitThinking(content string) (message, thinking string) {
	var msg, think strings.Builder
	inThinking := false

	for len(content) > 0 {
		i := strings.IndexByte(content, '<')
		if i < 0 {
			writeTo(&msg, &think, inThinking, content)
			break
		}
		writeTo(&msg, &think, inThinking, content[:i])
		content = content[i:]

		switch {
		case !inThinking && strings.HasPrefix(content, thinkingOpen):
			inThinking = true
			content = content[len(thinkingOpen):]
		case inThinking && strings.HasPrefix(content, thinkingClose):
			inThinking = false
			content = content[len(thinkingClose):]
		default:
			writeTo(&msg, &think, inThinking, "<")
			content = content[1:]
		}
	}

	return strings.TrimSpace(msg.String()), strings.TrimSpace(think.String())
}

func writeTo(msg, think *strings.Builder, inThinking bool, s string) {
	if inThinking {
		think.WriteString(s)
	} else {
		msg.WriteString(s)
	}
}
