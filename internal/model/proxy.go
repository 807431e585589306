// Package model holds the types passed between handler, service and rewriter.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"webproxy-go/internal/codec"
)

// ProxyRequest represents an inbound request that has been mapped to a target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser
	// ContentLength is the inbound body length, or -1 when unknown.
	ContentLength int64
	Rewrite       *RewriteContext
}

// ProxyResponse represents the relayed upstream response. Body is either the
// upstream stream or a materialized, rewritten buffer.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Rewritten  bool
}

// RewriteContext carries everything needed to map references found in one
// response back into the proxy's address space. It is built per request and
// never shared.
type RewriteContext struct {
	// Base resolves relative references. It starts as the page URL and is
	// replaced by the document's <base href> when present.
	Base *url.URL
	// Page is the URL of the document being rewritten.
	Page *url.URL
	// ProxyOrigin is the scheme://host browsers use to reach the proxy.
	ProxyOrigin *url.URL
	// Codec is the encoding strategy of the inbound request.
	Codec codec.Codec
}

// NewRewriteContext returns a context whose base is the page itself.
func NewRewriteContext(page, proxyOrigin *url.URL, c codec.Codec) *RewriteContext {
	return &RewriteContext{Base: page, Page: page, ProxyOrigin: proxyOrigin, Codec: c}
}

// Encode maps an absolute target URL to its proxy form.
func (rc *RewriteContext) Encode(target *url.URL) *url.URL {
	return rc.Codec.Encode(target, rc.ProxyOrigin)
}

// WithBase returns a copy of rc resolving against base.
func (rc *RewriteContext) WithBase(base *url.URL) *RewriteContext {
	c := *rc
	c.Base = base
	return &c
}

// ErrorResponse is the JSON body returned for proxy-originated failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Input   string `json:"input,omitempty"`
}
