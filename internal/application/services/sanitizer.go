package services

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var basicFormattingTags = map[atom.Atom]bool{
	atom.B:      true,
	atom.I:      true,
	atom.U:      true,
	atom.Strong: true,
	atom.Em:     true,
	atom.P:      true,
	atom.Br:     true,
}

// Sanitizer removes HTML from user-supplied text such as task descriptions
// and feedback. Text content is kept; script and style bodies are dropped.
type Sanitizer struct {
	allowBasicFormatting bool
}

// NewSanitizer creates a sanitizer. With allowBasicFormatting set, b, i, u,
// strong, em, p and br survive without attributes.
func NewSanitizer(allowBasicFormatting bool) *Sanitizer {
	return &Sanitizer{allowBasicFormatting: allowBasicFormatting}
}

// Sanitize returns text with disallowed markup removed
func (s *Sanitizer) Sanitize(text string) string {
	if !strings.ContainsAny(text, "<&") {
		return strings.TrimSpace(text)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return strings.TrimSpace(html.EscapeString(text))
	}

	var b strings.Builder
	doc.Find("body").Contents().Each(func(_ int, sel *goquery.Selection) {
		for _, n := range sel.Nodes {
			s.render(&b, n)
		}
	})
	return strings.TrimSpace(b.String())
}

func (s *Sanitizer) render(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if s.allowBasicFormatting {
			b.WriteString(html.EscapeString(n.Data))
		} else {
			b.WriteString(n.Data)
		}
	case html.ElementNode:
		if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
			return
		}
		keep := s.allowBasicFormatting && basicFormattingTags[n.DataAtom]
		if keep {
			b.WriteString("<" + n.Data + ">")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			s.render(b, c)
		}
		if keep && n.DataAtom != atom.Br {
			b.WriteString("</" + n.Data + ">")
		}
	}
}
