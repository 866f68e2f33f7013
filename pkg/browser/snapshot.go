package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Snapshot is a page's HTML reduced to what a planner needs to pick
// targets: semantic structure, text and targeting attributes.
type Snapshot struct {
	HTML        string `json:"html"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Truncated   bool   `json:"truncated"`
}

var (
	skippedElements = map[string]bool{
		"script": true, "style": true, "noscript": true, "template": true,
		"iframe": true, "embed": true, "object": true, "svg": true,
	}
	blockElements = map[string]bool{
		"div": true, "p": true, "section": true, "article": true, "header": true,
		"footer": true, "nav": true, "main": true, "aside": true, "dialog": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"ul": true, "ol": true, "li": true, "table": true, "tr": true, "td": true,
		"th": true, "form": true, "fieldset": true, "blockquote": true, "pre": true,
	}
	voidElements = map[string]bool{
		"area": true, "base": true, "br": true, "col": true, "embed": true,
		"hr": true, "img": true, "input": true, "link": true, "meta": true,
		"param": true, "source": true, "track": true, "wbr": true,
	}
	globalAttributes = map[string]bool{
		"id": true, "class": true, "role": true, "title": true,
		"aria-label": true, "aria-describedby": true, "contenteditable": true,
	}
)

// CleanHTML parses rawHTML and keeps at most maxLength characters of
// cleaned markup. Scripts, styles and embedded documents are dropped.
func CleanHTML(rawHTML string, maxLength int) (*Snapshot, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	w := &snapshotWriter{max: maxLength}
	truncated := w.node(doc, 0)

	return &Snapshot{
		HTML:        w.b.String(),
		Title:       findTitle(doc),
		Description: findMeta(doc, "description"),
		Truncated:   truncated,
	}, nil
}

type snapshotWriter struct {
	b   strings.Builder
	n   int
	max int
}

// node writes n and its subtree; it reports whether output was truncated.
func (w *snapshotWriter) node(n *html.Node, depth int) bool {
	if w.n >= w.max {
		return true
	}

	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return false
	case html.TextNode:
		return w.text(n.Data)
	case html.ElementNode:
		if skippedElements[strings.ToLower(n.Data)] {
			return false
		}
		return w.element(n, depth)
	default:
		return w.children(n, depth)
	}
}

func (w *snapshotWriter) text(data string) bool {
	text := strings.TrimSpace(data)
	if text == "" {
		return false
	}
	if w.n+len(text) > w.max {
		w.b.WriteString(text[:w.max-w.n])
		w.b.WriteString("...")
		w.n = w.max
		return true
	}
	w.b.WriteString(text)
	w.n += len(text)
	return false
}

func (w *snapshotWriter) element(n *html.Node, depth int) bool {
	tag := strings.ToLower(n.Data)
	block := blockElements[tag]

	if depth > 0 && block {
		w.indent(depth)
	}
	w.b.WriteString("<")
	w.b.WriteString(tag)
	for _, attr := range n.Attr {
		if keepAttribute(tag, attr.Key) {
			fmt.Fprintf(&w.b, ` %s="%s"`, attr.Key, html.EscapeString(attr.Val))
		}
	}
	w.b.WriteString(">")
	w.n += len(tag) + 2

	truncated := w.children(n, depth+1)

	if !voidElements[tag] {
		if block {
			w.indent(depth)
		}
		w.b.WriteString("</")
		w.b.WriteString(tag)
		w.b.WriteString(">")
		w.n += len(tag) + 3
	}
	return truncated
}

func (w *snapshotWriter) children(n *html.Node, depth int) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if w.node(c, depth) {
			return true
		}
	}
	return false
}

func (w *snapshotWriter) indent(depth int) {
	w.b.WriteString("\n")
	w.b.WriteString(strings.Repeat("  ", depth))
}

// keepAttribute reports whether an attribute helps locate or describe an
// element.
func keepAttribute(tag, attr string) bool {
	attr = strings.ToLower(attr)
	if globalAttributes[attr] || strings.HasPrefix(attr, "data-") {
		return true
	}

	switch tag {
	case "a":
		return attr == "href" || attr == "target"
	case "img":
		return attr == "src" || attr == "alt"
	case "input", "textarea", "select":
		return attr == "name" || attr == "type" || attr == "placeholder" || attr == "value"
	case "button":
		return attr == "type" || attr == "name"
	case "form":
		return attr == "action" || attr == "method"
	case "table":
		return attr == "summary"
	}
	return false
}

// findTitle returns the text of the first <title> element.
func findTitle(doc *html.Node) string {
	n := findElement(doc, func(n *html.Node) bool { return n.Data == "title" })
	if n == nil || n.FirstChild == nil || n.FirstChild.Type != html.TextNode {
		return ""
	}
	return strings.TrimSpace(n.FirstChild.Data)
}

// findMeta returns the content of the first <meta name=name> element.
func findMeta(doc *html.Node, name string) string {
	n := findElement(doc, func(n *html.Node) bool {
		return n.Data == "meta" && strings.EqualFold(attrValue(n, "name"), name)
	})
	if n == nil {
		return ""
	}
	return strings.TrimSpace(attrValue(n, "content"))
}

// findElement returns the first element in document order matching match.
func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}
