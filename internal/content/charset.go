package content

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// minDetectConfidence is the chardet confidence below which a detection is
// ignored and the body is treated as windows-1252, as browsers do.
const minDetectConfidence = 30

// ToUTF8 converts body to UTF-8 and returns the name of the source charset.
// The declared charset wins, then an HTML BOM or meta prescan, then valid
// UTF-8, then statistical detection. Bodies that cannot be converted are
// returned unchanged.
func ToUTF8(body []byte, contentType string, kind Kind) ([]byte, string) {
	name := declaredCharset(contentType)

	if name == "" && kind == KindHTML {
		// An uncertain windows-1252 is the prescan's fallback unless the
		// document actually declared a charset.
		if _, n, certain := charset.DetermineEncoding(body, contentType); certain || n != "windows-1252" || mentionsCharset(body) {
			name = n
		}
	}
	if name == "" && utf8.Valid(body) {
		return body, "utf-8"
	}
	if name == "" {
		name = detectCharset(body, kind)
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return body, "utf-8"
	}
	canonical, _ := htmlindex.Name(enc)
	if canonical == "utf-8" {
		return body, canonical
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return body, "utf-8"
	}
	return out, canonical
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(params["charset"]))
}

func mentionsCharset(body []byte) bool {
	if len(body) > 1024 {
		body = body[:1024]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}

func detectCharset(body []byte, kind Kind) string {
	var d *chardet.Detector
	if kind == KindHTML {
		d = chardet.NewHtmlDetector()
	} else {
		d = chardet.NewTextDetector()
	}
	res, err := d.DetectBest(body)
	if err != nil || res == nil || res.Confidence < minDetectConfidence {
		return "windows-1252"
	}
	return strings.ToLower(res.Charset)
}
