// Package rewrite maps the references inside HTML and CSS bodies into the
// proxy's address space.
package rewrite

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/content"
	"webproxy-go/internal/inject"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/model"
)

// urlAttrs hold a single URL. Form actions are handled separately.
var urlAttrs = map[string]bool{
	"href":       true,
	"src":        true,
	"formaction": true,
	"poster":     true,
	"background": true,
	"cite":       true,
	"longdesc":   true,
	"icon":       true,
	"manifest":   true,
}

// Rewriter rewrites documents for one proxy deployment. It holds no
// per-request state and is safe for concurrent use.
type Rewriter struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	injector *inject.Injector
}

// New creates a Rewriter. Both m and injector may be nil.
func New(logger *slog.Logger, m *metrics.Metrics, injector *inject.Injector) *Rewriter {
	return &Rewriter{
		logger:   logger.With("component", "rewriter"),
		metrics:  m,
		injector: injector,
	}
}

// Rewrite dispatches on kind. Bodies of other kinds are returned as is.
func (r *Rewriter) Rewrite(body []byte, kind content.Kind, rc *model.RewriteContext) ([]byte, error) {
	switch kind {
	case content.KindHTML:
		return r.HTML(body, rc)
	case content.KindCSS:
		return []byte(r.CSS(string(body), rc)), nil
	default:
		return body, nil
	}
}

// HTML rewrites a UTF-8 HTML document.
func (r *Rewriter) HTML(body []byte, rc *model.RewriteContext) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rewrite: parse html: %w", err)
	}

	rc = r.rebase(doc, rc)
	r.meta(doc, rc)

	// Forms go first: their submit buttons need the original formaction.
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		r.form(s, rc)
	})
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		r.element(s.Get(0), rc)
	})
	r.inject(doc, rc)

	var buf bytes.Buffer
	buf.Grow(len(body) + len(body)/4)
	if err := html.Render(&buf, doc.Get(0)); err != nil {
		return nil, fmt.Errorf("rewrite: render html: %w", err)
	}
	return buf.Bytes(), nil
}

// rebase adopts the document's <base href> as the base reference, removes
// every <base> and prepends one pointing at the proxied base.
func (r *Rewriter) rebase(doc *goquery.Document, rc *model.RewriteContext) *model.RewriteContext {
	bases := doc.Find("base")
	if href, ok := bases.Filter("[href]").First().Attr("href"); ok {
		ref, err := url.Parse(strings.TrimSpace(href))
		switch {
		case err != nil:
			r.fail(href, err)
		case Classify(href) != RefSkip:
			if base := rc.Page.ResolveReference(ref); base.Host != "" {
				base.Fragment, base.RawFragment = "", ""
				rc = rc.WithBase(base)
			}
		}
	}
	bases.Remove()

	target := *rc.Base
	target.Fragment, target.RawFragment = "", ""
	if target.Path == "" {
		target.Path = "/"
	}
	node := &html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: rc.Encode(&target).String()}},
	}
	doc.Find("head").First().PrependNodes(node)
	return rc
}

func (r *Rewriter) meta(doc *goquery.Document, rc *model.RewriteContext) {
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("charset"); ok {
			s.SetAttr("charset", "utf-8")
		}

		value := s.AttrOr("content", "")
		switch strings.ToLower(strings.TrimSpace(s.AttrOr("http-equiv", ""))) {
		case "content-security-policy", "content-security-policy-report-only":
			s.Remove()
		case "refresh":
			out, err := Refresh(value, rc)
			if err != nil {
				r.fail(value, err)
				return
			}
			s.SetAttr("content", out)
		case "content-type":
			s.SetAttr("content", content.SetCharset(value, "utf-8"))
		}
	})
}

// element rewrites the URL-bearing attributes of n in place.
func (r *Rewriter) element(n *html.Node, rc *model.RewriteContext) {
	if n == nil || n.Type != html.ElementNode || n.DataAtom == atom.Base {
		return
	}

	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		switch {
		case a.Namespace != "" && key != "href":
		case key == "integrity":
			continue
		case urlAttrs[key]:
			a.Val = r.url(a.Val, rc)
		case key == "data" && n.DataAtom == atom.Object:
			a.Val = r.url(a.Val, rc)
		case key == "srcset" || key == "imagesrcset":
			a.Val = r.srcset(a.Val, rc)
		case key == "style":
			a.Val = r.CSS(a.Val, rc)
		}
		attrs = append(attrs, a)
	}
	n.Attr = attrs

	if n.DataAtom == atom.Style {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				c.Data = r.CSS(c.Data, rc)
			}
		}
	}
}

// form points the action at the proxy. Empty and fragment-only actions
// submit to the current page. GET submissions replace the action query, so
// it is dropped, and codecs that keep their state in the query get hidden
// fields instead.
func (r *Rewriter) form(s *goquery.Selection, rc *model.RewriteContext) {
	method := formMethod(s.AttrOr("method", ""))

	if target, ok := r.formTarget(s.AttrOr("action", ""), rc); ok {
		action, fields := r.formAction(target, method, rc)
		s.SetAttr("action", action)
		if fields != nil {
			s.SetAttr(inject.FieldsAttr, fields.Encode())
			s.Find("input[" + inject.MarkerAttr + "]").Remove()

			names := make([]string, 0, len(fields))
			for name := range fields {
				names = append(names, name)
			}
			sort.Strings(names)
			for i := len(names) - 1; i >= 0; i-- {
				for _, v := range fields[names[i]] {
					s.PrependNodes(hiddenInput(names[i], v))
				}
			}
		}
	}

	// Submit buttons override the form's action and method.
	s.Find("button[formaction], input[formaction]").Each(func(_ int, b *goquery.Selection) {
		m := method
		if fm, ok := b.Attr("formmethod"); ok {
			m = formMethod(fm)
		}
		target, ok := r.formTarget(b.AttrOr("formaction", ""), rc)
		if !ok {
			return
		}
		action, fields := r.formAction(target, m, rc)
		b.SetAttr("formaction", action)
		if fields != nil {
			b.SetAttr(inject.FieldsAttr, fields.Encode())
		}
	})
}

// formMethod normalizes a method attribute; anything but post and dialog
// submits as get.
func formMethod(m string) string {
	switch m = strings.ToLower(strings.TrimSpace(m)); m {
	case "post", "dialog":
		return m
	}
	return "get"
}

// formTarget resolves an action or formaction value. Empty and
// fragment-only values submit to the current page.
func (r *Rewriter) formTarget(raw string, rc *model.RewriteContext) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] == '#' {
		return rc.Page, true
	}
	abs, ok, err := Resolve(raw, rc)
	if err != nil {
		r.fail(raw, err)
		return nil, false
	}
	return abs, ok
}

// formAction returns the proxied action for a submission to target. GET
// submissions replace the action query, so codecs that carry the target in
// the query return the bare endpoint plus the hidden fields to submit; the
// others drop the target query the browser would discard anyway.
func (r *Rewriter) formAction(target *url.URL, method string, rc *model.RewriteContext) (string, url.Values) {
	if method != "get" {
		return rc.Encode(target).String(), nil
	}
	if fe, ok := rc.Codec.(codec.FormEncoder); ok {
		endpoint, fields := fe.EncodeForm(target, rc.ProxyOrigin)
		return endpoint.String(), fields
	}
	t := *target
	t.RawQuery, t.ForceQuery = "", false
	t.Fragment, t.RawFragment = "", ""
	return rc.Encode(&t).String(), nil
}

func hiddenInput(name, value string) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     "input",
		DataAtom: atom.Input,
		Attr: []html.Attribute{
			{Key: "type", Val: "hidden"},
			{Key: "name", Val: name},
			{Key: "value", Val: value},
			{Key: inject.MarkerAttr},
		},
	}
}

// inject appends the interception script once, as the last child of <body>.
func (r *Rewriter) inject(doc *goquery.Document, rc *model.RewriteContext) {
	if !r.injector.Enabled() || doc.Find("script["+inject.MarkerAttr+"]").Length() > 0 {
		return
	}

	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: inject.MarkerAttr}},
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: r.injector.Script(rc)})

	parent := doc.Find("body").First()
	if parent.Length() == 0 {
		parent = doc.Find("html").First()
	}
	parent.AppendNodes(script)
}

// srcset rewrites every candidate URL of a srcset value, keeping descriptors.
func (r *Rewriter) srcset(v string, rc *model.RewriteContext) string {
	var b strings.Builder
	i := 0
	for i < len(v) {
		for i < len(v) && (isSpace(v[i]) || v[i] == ',') {
			i++
		}
		if i >= len(v) {
			break
		}

		start := i
		for i < len(v) && !isSpace(v[i]) {
			i++
		}
		ref := v[start:i]

		var desc string
		if trimmed := strings.TrimRight(ref, ","); trimmed != ref {
			ref = trimmed
		} else {
			dstart, depth := i, 0
		loop:
			for ; i < len(v); i++ {
				switch v[i] {
				case '(':
					depth++
				case ')':
					if depth > 0 {
						depth--
					}
				case ',':
					if depth == 0 {
						break loop
					}
				}
			}
			desc = strings.TrimSpace(v[dstart:i])
		}

		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.url(ref, rc))
		if desc != "" {
			b.WriteByte(' ')
			b.WriteString(desc)
		}
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// url rewrites one reference, leaving it untouched on failure.
func (r *Rewriter) url(raw string, rc *model.RewriteContext) string {
	out, err := URL(raw, rc)
	if err != nil {
		r.fail(raw, err)
		return raw
	}
	return out
}

func (r *Rewriter) fail(raw string, err error) {
	if r.metrics != nil {
		r.metrics.RewriteURLFailures.Inc()
	}
	r.logger.Debug("leaving reference unchanged", "ref", raw, "err", err)
}
