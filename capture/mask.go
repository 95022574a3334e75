package capture

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/tempslabs/replay/recorder"
)

// structuralElements are allowed in sanitised snapshots regardless of policy
// tuning. Script elements are never allowed: replayed markup must be inert.
var structuralElements = []string{
	"html", "head", "body", "title", "style",
	"header", "footer", "nav", "main", "section", "article", "aside",
	"div", "span", "form", "label", "input", "button", "select", "option",
	"textarea", "fieldset", "legend", "datalist", "output", "progress",
	"canvas", "svg", "path", "g", "rect", "circle", "line", "polygon",
	"video", "audio", "source", "track", "picture", "figure", "figcaption",
	"details", "summary", "dialog", "template", "noscript",
}

// snapshotPolicy builds the sanitiser for serialised DOM snapshots: a UGC
// baseline widened to full-document structure, with head noise controlled by
// the slim-DOM settings.
func snapshotPolicy(slim recorder.SlimDOM) *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements(structuralElements...)
	p.AllowAttrs("id", "class", "style", "title", "role", "placeholder",
		"type", "name", "value", "checked", "selected", "disabled",
		"width", "height", "viewBox", "d", "fill", "stroke").Globally()
	p.AllowDataURIImages()

	if !slim.HeadMeta {
		p.AllowElements("meta")
		p.AllowAttrs("charset", "content", "http-equiv", "property").OnElements("meta")
	}
	if !slim.HeadFavicon {
		p.AllowElements("link")
		p.AllowAttrs("rel", "href", "sizes").OnElements("link")
	}
	if !slim.Comment {
		p.AllowComments()
	}
	return p
}

// SanitizeHTML cleans a serialised DOM before it leaves the page: scripts
// and event-handler attributes are removed, head noise is dropped per the
// slim settings.
func SanitizeHTML(html string, slim recorder.SlimDOM) string {
	return snapshotPolicy(slim).Sanitize(html)
}

// MaskText replaces every non-space character with an asterisk, preserving
// word layout so masked text still occupies realistic space on replay.
func MaskText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			b.WriteRune(r)
		} else {
			b.WriteRune('*')
		}
	}
	return b.String()
}
