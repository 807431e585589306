package rewrite

import (
	"regexp"

	"webproxy-go/internal/model"
)

var (
	cssURLPattern     = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s]*))\s*\)`)
	cssImportPattern  = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
	cssCharsetPattern = regexp.MustCompile(`(?i)@charset\s+(?:"[^"]*"|'[^']*')\s*;`)
)

// CSS rewrites url() references and string @import rules in a stylesheet or
// inline style. The pipeline re-encodes bodies as UTF-8, so any @charset rule
// is normalized to match.
func (r *Rewriter) CSS(src string, rc *model.RewriteContext) string {
	out := cssURLPattern.ReplaceAllStringFunc(src, func(m string) string {
		sub := cssURLPattern.FindStringSubmatch(m)
		switch {
		case sub[1] != "":
			return `url("` + r.url(sub[1], rc) + `")`
		case sub[2] != "":
			return `url('` + r.url(sub[2], rc) + `')`
		case sub[3] != "":
			return "url(" + r.url(sub[3], rc) + ")"
		}
		return m
	})

	out = cssImportPattern.ReplaceAllStringFunc(out, func(m string) string {
		sub := cssImportPattern.FindStringSubmatch(m)
		if sub[1] != "" {
			return `@import "` + r.url(sub[1], rc) + `"`
		}
		if sub[2] != "" {
			return `@import '` + r.url(sub[2], rc) + `'`
		}
		return m
	})

	return cssCharsetPattern.ReplaceAllString(out, `@charset "utf-8";`)
}
