package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizer_StripAll(t *testing.T) {
	s := NewSanitizer(false)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Summarize {input} in one line", "Summarize {input} in one line"},
		{"trims", "  classify tickets \n", "classify tickets"},
		{"tags stripped", "<b>bold</b> and <a href=\"x\">link</a>", "bold and link"},
		{"script body dropped", "hi<script>alert(1)</script> there", "hi there"},
		{"entities decoded", "Q&amp;A bot", "Q&A bot"},
		{"attributes gone", `<p onclick="evil()">text</p>`, "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Sanitize(tt.in))
		})
	}
}

func TestSanitizer_BasicFormatting(t *testing.T) {
	s := NewSanitizer(true)

	assert.Equal(t, "<b>bold</b> <em>it</em>", s.Sanitize(`<b class="x">bold</b> <em>it</em>`))
	assert.Equal(t, "line<br>next", s.Sanitize("line<br/>next"))
	assert.Equal(t, "click", s.Sanitize(`<a href="javascript:x">click</a>`))
	assert.Equal(t, "1 &lt; 2", s.Sanitize("1 &lt; 2"))
}
