package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToHTMLRendersHeadings(t *testing.T) {
	out := string(ToHTML("# Title\n\nSome *body* text."))
	assert.Contains(t, out, "<h1>Title</h1>")
	assert.Contains(t, out, "<em>body</em>")
}

func TestToHTMLEmptyInput(t *testing.T) {
	out := string(ToHTML(""))
	assert.Equal(t, "", out)
}
