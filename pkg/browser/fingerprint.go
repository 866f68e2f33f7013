package browser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// FingerprintDepth bounds how deep into <body> the skeleton reaches.
// Application shells differ near the top; deeper nodes are mostly content.
const FingerprintDepth = 6

// Fingerprint identifies which application a page belongs to. Pages of the
// same application share a Digest even when their content differs.
type Fingerprint struct {
	Digest    string `json:"digest"`
	Title     string `json:"title"`
	Generator string `json:"generator,omitempty"`
	Elements  int    `json:"elements"`
}

// ComputeFingerprint hashes the structural skeleton of rawHTML: element
// names, ids, roles and classes down to FingerprintDepth, ignoring text.
func ComputeFingerprint(rawHTML string) (*Fingerprint, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	fp := &Fingerprint{
		Title:     findTitle(doc),
		Generator: findMeta(doc, "generator"),
	}

	h := sha256.New()
	body := findElement(doc, func(n *html.Node) bool { return n.Data == "body" })
	if body != nil {
		fp.Elements = skeleton(body, 0, func(token string) {
			h.Write([]byte(token))
			h.Write([]byte{'\n'})
		})
	}
	fp.Digest = hex.EncodeToString(h.Sum(nil))
	return fp, nil
}

// skeleton emits one token per element under n and returns the count.
func skeleton(n *html.Node, depth int, emit func(string)) int {
	if depth > FingerprintDepth {
		return 0
	}

	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || skippedElements[c.Data] {
			continue
		}
		emit(strings.Repeat(" ", depth) + elementToken(c))
		count += 1 + skeleton(c, depth+1, emit)
	}
	return count
}

// elementToken renders an element as tag#id.classA.classB[role].
func elementToken(n *html.Node) string {
	var b strings.Builder
	b.WriteString(n.Data)

	if id := attrValue(n, "id"); id != "" && !volatileID(id) {
		b.WriteString("#")
		b.WriteString(id)
	}

	classes := strings.Fields(attrValue(n, "class"))
	sort.Strings(classes)
	for _, class := range classes {
		b.WriteString(".")
		b.WriteString(class)
	}

	if role := attrValue(n, "role"); role != "" {
		b.WriteString("[")
		b.WriteString(role)
		b.WriteString("]")
	}
	return b.String()
}

// volatileID reports ids that embed generated numbers, such as
// "cell-8f3a2c" or "output_17"; they change between loads of one app.
func volatileID(id string) bool {
	digits := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits > 0
}
