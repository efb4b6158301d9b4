// Package sanitizer inspects and cleans the HTML bodies of received mail.
package sanitizer

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Finding kinds reported by Inspect
const (
	FindingScript        = "script"
	FindingEventHandler  = "event_handler"
	FindingJavascriptURL = "javascript_url"
	FindingExternalImage = "external_image"
	FindingForm          = "form"
	FindingIframe        = "iframe"
)

var (
	scriptRe       = regexp.MustCompile(`(?i)<script[^>]*>[\s\S]*?</script\s*>|<script[^>]*/?>`)
	noscriptRe     = regexp.MustCompile(`(?i)<noscript[^>]*>[\s\S]*?</noscript\s*>`)
	eventHandlerRe = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	jsURLRe        = regexp.MustCompile(`(?i)(?:href|src|action)\s*=\s*["']?\s*javascript:`)
	imgSrcRe       = regexp.MustCompile(`(?i)<img[^>]*\ssrc\s*=\s*["']([^"']*)["']`)
	formRe         = regexp.MustCompile(`(?i)<form[\s>]`)
	iframeRe       = regexp.MustCompile(`(?i)<i?frame[\s>]`)
)

// Report is the result of inspecting one HTML body
type Report struct {
	// Sanitized is the HTML after scripts, handlers and unsafe markup were removed
	Sanitized string
	// Findings lists the kinds of unsafe content found, each at most once
	Findings []string
}

// Safe reports whether no unsafe content was found
func (r Report) Safe() bool {
	return len(r.Findings) == 0
}

// HTMLSanitizer cleans mail HTML with a bluemonday policy
type HTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer creates a sanitizer with a mail-oriented policy: common
// formatting and tables are kept, scripts and forms are not.
func NewHTMLSanitizer() *HTMLSanitizer {
	policy := bluemonday.UGCPolicy()

	policy.AllowElements(
		"p", "br", "hr", "div", "span",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"strong", "b", "em", "i", "u", "s", "strike",
		"blockquote", "pre", "code",
		"ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td",
		"a", "img", "font", "center",
	)
	policy.AllowAttrs("href").OnElements("a")
	policy.AllowAttrs("src", "alt", "width", "height").OnElements("img")
	policy.AllowAttrs("style", "class").Globally()
	policy.AllowAttrs("align", "valign", "bgcolor", "color", "size", "face").Globally()
	policy.AllowAttrs("colspan", "rowspan", "border", "cellpadding", "cellspacing").OnElements("table", "td", "th")
	policy.AllowURLSchemes("http", "https", "mailto", "cid")
	policy.AllowDataURIImages()

	return &HTMLSanitizer{policy: policy}
}

// Sanitize returns html with unsafe content removed
func (s *HTMLSanitizer) Sanitize(html string) string {
	if html == "" {
		return ""
	}
	cleaned := scriptRe.ReplaceAllString(html, "")
	cleaned = noscriptRe.ReplaceAllString(cleaned, "")
	cleaned = eventHandlerRe.ReplaceAllString(cleaned, "")
	return s.policy.Sanitize(cleaned)
}

// Inspect reports unsafe content in html and returns the sanitized form
func (s *HTMLSanitizer) Inspect(html string) Report {
	if html == "" {
		return Report{}
	}

	var findings []string
	add := func(kind string, found bool) {
		if found {
			findings = append(findings, kind)
		}
	}

	add(FindingScript, scriptRe.MatchString(html))
	add(FindingEventHandler, eventHandlerRe.MatchString(html))
	add(FindingJavascriptURL, jsURLRe.MatchString(html))
	add(FindingExternalImage, hasExternalImage(html))
	add(FindingForm, formRe.MatchString(html))
	add(FindingIframe, iframeRe.MatchString(html))

	return Report{Sanitized: s.Sanitize(html), Findings: findings}
}

func hasExternalImage(html string) bool {
	for _, m := range imgSrcRe.FindAllStringSubmatch(html, -1) {
		if isExternalURL(m[1]) {
			return true
		}
	}
	return false
}

// isExternalURL checks if a URL is external (http, https, ftp, protocol-relative)
func isExternalURL(url string) bool {
	url = strings.TrimSpace(strings.ToLower(url))
	return strings.HasPrefix(url, "//") ||
		strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "ftp://")
}
