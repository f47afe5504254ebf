// Package extract pulls HTML, CSS and JavaScript sources out of a raw model
// response using fenced code block conventions.
package extract

import (
	"regexp"
	"strings"
)

const (
	cssPlaceholder = "<!-- CSS moved to separate block -->"
	jsPlaceholder  = "<!-- JS moved to separate block -->"
)

var (
	htmlFence = regexp.MustCompile("(?is)```html\\s*\\n(.*?)```")
	cssFence  = regexp.MustCompile("(?is)```css\\s*\\n(.*?)```")
	jsFence   = regexp.MustCompile("(?is)```(?:javascript|js)\\s*\\n(.*?)```")

	styleRegion  = regexp.MustCompile(`(?is)<style[^>]*>(.*?)</style>`)
	scriptRegion = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)
)

// Result holds the extracted sources. A nil field means the response carried
// no block for that language and the existing value should be kept. An empty
// fence yields a pointer to "" and clears that source.
type Result struct {
	HTML *string `json:"html"`
	CSS  *string `json:"css"`
	JS   *string `json:"js"`
}

// Empty reports whether no source block was found at all.
func (r Result) Empty() bool {
	return r.HTML == nil && r.CSS == nil && r.JS == nil
}

// Fields returns how many of the three sources are present.
func (r Result) Fields() int {
	n := 0
	for _, f := range []*string{r.HTML, r.CSS, r.JS} {
		if f != nil {
			n++
		}
	}
	return n
}

// Extract scans text for ```html, ```css and ```javascript (or ```js) fences.
// The first fence of each kind wins and its content is trimmed.
//
// When only an html fence is present and it embeds both a <style> and a
// <script> region, the first region of each is lifted out into CSS and JS and
// every region of that kind in the HTML is replaced by a placeholder comment.
func Extract(text string) Result {
	res := Result{
		HTML: fenceBody(htmlFence, text),
		CSS:  fenceBody(cssFence, text),
		JS:   fenceBody(jsFence, text),
	}

	if res.HTML != nil && res.CSS == nil && res.JS == nil {
		html := *res.HTML
		if styleRegion.MatchString(html) && scriptRegion.MatchString(html) {
			res = salvage(html)
		}
	}
	return res
}

func salvage(html string) Result {
	res := Result{
		CSS: regionBody(styleRegion, html),
		JS:  regionBody(scriptRegion, html),
	}
	if res.CSS != nil {
		html = styleRegion.ReplaceAllLiteralString(html, cssPlaceholder)
	}
	if res.JS != nil {
		html = scriptRegion.ReplaceAllLiteralString(html, jsPlaceholder)
	}
	res.HTML = &html
	return res
}

// fenceBody returns the trimmed body of the first matching fence, or nil
// when there is none. A blank fence is returned as "".
func fenceBody(re *regexp.Regexp, text string) *string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	s := strings.TrimSpace(m[1])
	return &s
}

// regionBody is fenceBody for embedded <style> and <script> regions, where a
// blank region counts as absent.
func regionBody(re *regexp.Regexp, html string) *string {
	s := fenceBody(re, html)
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// Fence wraps the non-nil fields of r back into fenced blocks.
func Fence(r Result) string {
	var b strings.Builder
	write := func(lang string, s *string) {
		if s == nil {
			return
		}
		b.WriteString("```" + lang + "\n")
		b.WriteString(*s)
		b.WriteString("\n```\n\n")
	}
	write("html", r.HTML)
	write("css", r.CSS)
	write("javascript", r.JS)
	return strings.TrimRight(b.String(), "\n") + "\n"
}
