package service

import (
	"net/http"
	"net/url"
	"strings"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/content"
	"webproxy-go/internal/model"
	"webproxy-go/internal/rewrite"
)

// hopByHopHeaders apply to a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// droppedRequestHeaders would reveal the client or the proxy to the target.
var droppedRequestHeaders = map[string]bool{
	"Host":             true,
	"Content-Length":   true,
	"Forwarded":        true,
	"Via":              true,
	"X-Real-Ip":        true,
	"True-Client-Ip":   true,
	"X-Client-Ip":      true,
	"X-Cluster-Client": true,
}

// droppedRequestPrefixes match whole header families.
var droppedRequestPrefixes = []string{"X-Forwarded-", "Cf-"}

// strippedResponseHeaders would stop proxied pages from loading through the
// proxy origin, or are replaced by the proxy's own CORS headers.
var strippedResponseHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"X-Webkit-Csp",
	"X-Frame-Options",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Embedder-Policy",
	"Cross-Origin-Resource-Policy",
	"Strict-Transport-Security",
	"Public-Key-Pins",
	"Public-Key-Pins-Report-Only",
	"Expect-Ct",
	"Alt-Svc",
	"Clear-Site-Data",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"Access-Control-Expose-Headers",
}

// outboundHeaders builds the header set sent to the target.
func (s *ProxyService) outboundHeaders(pr *model.ProxyRequest) http.Header {
	dst := make(http.Header, len(pr.Header))
	connTokens := connectionTokens(pr.Header)

	for key, vals := range pr.Header {
		ck := http.CanonicalHeaderKey(key)
		if droppedRequestHeaders[ck] || connTokens[ck] || hasAnyPrefix(ck, droppedRequestPrefixes) {
			continue
		}
		dst[ck] = append([]string(nil), vals...)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}

	target := pr.Target
	if dst.Get("Origin") != "" {
		dst.Set("Origin", originOf(target))
	}
	if ref := dst.Get("Referer"); ref != "" {
		dst.Set("Referer", s.targetReferer(ref, target))
	}
	if ae := dst.Get("Accept-Encoding"); ae != "" {
		if filtered := supportedEncodings(ae); filtered != "" {
			dst.Set("Accept-Encoding", filtered)
		} else {
			dst.Del("Accept-Encoding")
		}
	}
	if cookies := dst.Values("Cookie"); len(cookies) > 0 {
		dst.Del("Cookie")
		if kept := filterCookies(cookies); kept != "" {
			dst.Set("Cookie", kept)
		}
	}
	if s.userAgent != "" {
		dst.Set("User-Agent", s.userAgent)
	}
	return dst
}

// targetReferer maps an inbound proxy referer back to the page it stands for.
// Referers that cannot be decoded collapse to the target origin.
func (s *ProxyService) targetReferer(raw string, target *url.URL) string {
	u, err := url.Parse(raw)
	if err == nil {
		if t, err := s.registry.Decode(u); err == nil {
			t.Fragment, t.RawFragment = "", ""
			return t.String()
		}
	}
	return originOf(target) + "/"
}

// filterCookies drops proxy-reserved cookies from Cookie header values.
func filterCookies(values []string) string {
	var kept []string
	for _, v := range values {
		for _, pair := range strings.Split(v, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, _, _ := strings.Cut(pair, "=")
			if strings.HasPrefix(name, codec.ReservedParamPrefix) {
				continue
			}
			kept = append(kept, pair)
		}
	}
	return strings.Join(kept, "; ")
}

// supportedEncodings keeps the Accept-Encoding entries the pipeline can undo.
func supportedEncodings(header string) string {
	var kept []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		name, _, _ := strings.Cut(part, ";")
		name = strings.TrimSpace(name)
		if name == "identity" || content.Supported(name) {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

// relayHeaders rewrites the target's response headers in place.
func (s *ProxyService) relayHeaders(h http.Header, pr *model.ProxyRequest) {
	for _, name := range connectionTokenList(h) {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for _, name := range strippedResponseHeaders {
		h.Del(name)
	}

	rc := pr.Rewrite
	for _, name := range []string{"Location", "Content-Location"} {
		if v := h.Get(name); v != "" {
			out, err := rewrite.URL(v, rc)
			if err != nil {
				s.logger.Debug("leaving header unchanged", "header", name, "err", err)
			}
			h.Set(name, out)
		}
	}
	if v := h.Get("Refresh"); v != "" {
		if out, err := rewrite.Refresh(v, rc); err == nil {
			h.Set("Refresh", out)
		}
	}

	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		h.Del("Set-Cookie")
		for _, v := range cookies {
			if out, ok := s.rewriteSetCookie(v, pr.Target, rc); ok {
				h.Add("Set-Cookie", out)
			}
		}
	}

	if origin := pr.Header.Get("Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	} else {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	h.Set("Access-Control-Expose-Headers", "*")
	h.Add("Vary", "Origin")
}

// rewriteSetCookie scopes a target cookie to the proxy origin. Domain is
// dropped, Path is mapped into the proxy address space and, on a plain http
// proxy origin, Secure is dropped so the browser keeps the cookie.
func (s *ProxyService) rewriteSetCookie(raw string, target *url.URL, rc *model.RewriteContext) (string, bool) {
	c, err := http.ParseSetCookie(raw)
	if err != nil {
		s.logger.Debug("dropping malformed Set-Cookie", "err", err)
		return "", false
	}

	c.Domain = ""
	if rc.Codec.Name() == codec.Path {
		p := c.Path
		if p == "" || p[0] != '/' {
			p = "/"
		}
		c.Path = rc.Encode(&url.URL{Scheme: target.Scheme, Host: target.Host, Path: p}).EscapedPath()
	} else if c.Path != "" {
		c.Path = "/"
	}

	if rc.ProxyOrigin.Scheme == "http" {
		c.Secure = false
		if c.SameSite == http.SameSiteNoneMode {
			c.SameSite = http.SameSiteLaxMode
		}
	}
	return c.String(), true
}

func connectionTokens(h http.Header) map[string]bool {
	tokens := make(map[string]bool)
	for _, name := range connectionTokenList(h) {
		tokens[name] = true
	}
	return tokens
}

// connectionTokenList returns the header names listed in Connection.
func connectionTokenList(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				names = append(names, http.CanonicalHeaderKey(f))
			}
		}
	}
	return names
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
