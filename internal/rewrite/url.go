package rewrite

import (
	"errors"
	"net/url"
	"strings"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/model"
)

// RefKind classifies a reference found in page content.
type RefKind int

const (
	// RefSkip covers empty values, fragments and non-http(s) schemes.
	RefSkip RefKind = iota
	RefAbsolute
	RefProtocolRelative
	RefRootRelative
	RefDocumentRelative
)

func (k RefKind) String() string {
	switch k {
	case RefAbsolute:
		return "absolute"
	case RefProtocolRelative:
		return "protocol-relative"
	case RefRootRelative:
		return "root-relative"
	case RefDocumentRelative:
		return "document-relative"
	default:
		return "skip"
	}
}

var errNoHost = errors.New("resolved reference has no host")

// Classify reports how raw should be treated. It does not validate the URL.
func Classify(raw string) RefKind {
	s := strings.TrimSpace(raw)
	switch {
	case s == "", s[0] == '#':
		return RefSkip
	case strings.HasPrefix(s, "//"):
		return RefProtocolRelative
	case s[0] == '/':
		return RefRootRelative
	}

	if scheme, ok := schemeOf(s); ok {
		if strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https") {
			return RefAbsolute
		}
		return RefSkip
	}
	return RefDocumentRelative
}

// schemeOf returns the RFC 3986 scheme of s, if it has one.
func schemeOf(s string) (string, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9', c == '+', c == '-', c == '.':
			if i == 0 {
				return "", false
			}
		case c == ':':
			if i == 0 {
				return "", false
			}
			return s[:i], true
		default:
			return "", false
		}
	}
	return "", false
}

// Resolve returns the absolute target raw refers to under rc. ok is false
// for references that must not be rewritten.
func Resolve(raw string, rc *model.RewriteContext) (*url.URL, bool, error) {
	if Classify(raw) == RefSkip {
		return nil, false, nil
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, false, err
	}

	abs := rc.Base.ResolveReference(ref)
	if abs.Host == "" {
		return nil, false, errNoHost
	}
	if codec.IsProxyURL(abs, rc.ProxyOrigin) {
		return nil, false, nil
	}
	if rc.ProxyOrigin != nil && strings.EqualFold(abs.Host, rc.ProxyOrigin.Host) {
		// Written against the proxy itself; the path belongs to the target.
		abs = rc.Base.ResolveReference(&url.URL{
			Path:        abs.Path,
			RawPath:     abs.RawPath,
			RawQuery:    abs.RawQuery,
			Fragment:    abs.Fragment,
			RawFragment: abs.RawFragment,
		})
	}
	return abs, true, nil
}

// URL maps a single reference into the proxy address space. References that
// are skipped or already proxied come back unchanged with a nil error; a
// reference that cannot be parsed comes back unchanged with the error.
func URL(raw string, rc *model.RewriteContext) (string, error) {
	abs, ok, err := Resolve(raw, rc)
	if err != nil || !ok {
		return raw, err
	}
	return rc.Encode(abs).String(), nil
}

// Refresh rewrites the URL part of a refresh value such as
// "5; url=/next". Values without a URL are returned unchanged.
func Refresh(value string, rc *model.RewriteContext) (string, error) {
	i := strings.IndexAny(value, ";,")
	if i < 0 {
		return value, nil
	}
	delay, rest := value[:i], strings.TrimSpace(value[i+1:])
	if len(rest) >= 4 && strings.EqualFold(rest[:3], "url") {
		if after := strings.TrimSpace(rest[3:]); strings.HasPrefix(after, "=") {
			rest = strings.TrimSpace(after[1:])
		}
	}
	rest = strings.Trim(rest, `"'`)
	if rest == "" {
		return value, nil
	}

	out, err := URL(rest, rc)
	if err != nil {
		return value, err
	}
	return delay + "; url=" + out, nil
}
