// Package content classifies upstream bodies and normalizes them to
// uncompressed UTF-8 before rewriting.
package content

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the rewrite category of a response body.
type Kind int

const (
	KindOther Kind = iota
	KindHTML
	KindCSS
)

func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	default:
		return "other"
	}
}

// Rewritable reports whether bodies of this kind carry references to rewrite.
func (k Kind) Rewritable() bool {
	return k == KindHTML || k == KindCSS
}

// Classify maps a Content-Type header value to a Kind.
func Classify(contentType string) Kind {
	mt := MediaType(contentType)
	switch mt {
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/css":
		return KindCSS
	}
	return KindOther
}

// MediaType returns the lower-cased media type without parameters.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// SniffLen is how many leading bytes Sniff needs.
const SniffLen = 3072

// Sniff detects the type of an undeclared body from its leading bytes and
// returns its kind along with a Content-Type value for the response.
func Sniff(prefix []byte) (Kind, string) {
	mt := mimetype.Detect(prefix)
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/html") {
			return KindHTML, m.String()
		}
	}
	return KindOther, mt.String()
}

// SetCharset returns contentType with its charset parameter replaced.
func SetCharset(contentType, charset string) string {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = MediaType(contentType)
		params = map[string]string{}
	}
	if mt == "" {
		return contentType
	}
	params["charset"] = charset
	if s := mime.FormatMediaType(mt, params); s != "" {
		return s
	}
	return mt + "; charset=" + charset
}
