// Package markdown renders project documents (VISION.md, soul.md,
// milestone docs) to HTML for the control API's doc-preview endpoint.
//
// Grounded on the teacher's "markdown" template func in
// internal/web/server.go, which wraps goldmark.Convert the same way;
// generalized into its own small package since Anima has no HTML
// template layer of its own to hang the func off of.
package markdown

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
)

// ToHTML renders s as sanitized-by-construction HTML (goldmark does not
// pass through raw script content by default). Falls back to an escaped
// plain-text rendering if conversion fails, mirroring the teacher's
// fallback.
func ToHTML(s string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(s), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(s)) //nolint:gosec // explicitly escaped
	}
	return template.HTML(buf.String()) //nolint:gosec // goldmark output is the rendered doc, not user-controlled markup
}
