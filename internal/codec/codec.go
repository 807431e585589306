// Package codec maps target URLs into the proxy's own address space and back.
//
// Three strategies are provided: a query-parameter codec (/proxy?url=...),
// an opaque base64url token codec (/t/<token>) and a structured path codec
// (/s/<scheme>/<host>/<path>). All of them keep the target fragment outside
// the encoding and reattach it on decode, since browsers never send
// fragments to the server.
package codec

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Codec names accepted in configuration and on the /go endpoint.
const (
	Query = "query"
	Token = "token"
	Path  = "path"
)

// ReservedParamPrefix marks query parameters that belong to the proxy rather
// than to the target. They are stripped before the target query is rebuilt.
const ReservedParamPrefix = "__wp_"

// ErrDecode matches every error returned by Codec.Decode.
var ErrDecode = errors.New("cannot decode target")

// DecodeError describes why an inbound proxy URL could not be mapped back to
// a target. Codecs never guess a target when decoding fails.
type DecodeError struct {
	Codec  string
	Input  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec %s: %s: %q", e.Codec, e.Reason, e.Input)
}

// Is reports whether target is ErrDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Codec is a bijective mapping between target URLs and proxy URLs.
type Codec interface {
	// Name returns the codec identifier used in configuration.
	Name() string
	// Route returns the echo route pattern served by this codec.
	Route() string
	// Owns reports whether an escaped request path belongs to this codec.
	Owns(escapedPath string) bool
	// Encode returns the absolute proxy URL for target under origin.
	// URLs that are already proxy encodings are returned unchanged.
	Encode(target, origin *url.URL) *url.URL
	// Decode recovers the target from an inbound proxy URL.
	Decode(u *url.URL) (*url.URL, error)
}

// FormEncoder is implemented by codecs whose encoding lives in the query
// string. Browsers replace the action query on GET submission, so such codecs
// hand out the bare endpoint plus hidden fields instead.
type FormEncoder interface {
	EncodeForm(target, origin *url.URL) (*url.URL, url.Values)
}

// Registry holds the available codecs and the configured default.
type Registry struct {
	byName map[string]Codec
	all    []Codec
	def    Codec
}

// NewRegistry returns a registry with all built-in codecs. defaultName
// selects the codec used by the front-end when none is requested; an empty
// name selects the path codec.
func NewRegistry(defaultName string) (*Registry, error) {
	all := []Codec{QueryCodec{}, TokenCodec{}, PathCodec{}}
	r := &Registry{byName: make(map[string]Codec, len(all)), all: all}
	for _, c := range all {
		r.byName[c.Name()] = c
	}

	if defaultName == "" {
		defaultName = Path
	}
	def, ok := r.byName[defaultName]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", defaultName)
	}
	r.def = def
	return r, nil
}

// Known reports whether name identifies a built-in codec.
func Known(name string) bool {
	switch name {
	case Query, Token, Path:
		return true
	}
	return false
}

// Prefixes returns the path prefixes owned by the built-in codecs.
func Prefixes() []string {
	return []string{queryRoute, tokenPrefix, pathPrefix}
}

// PrefixOf returns the path prefix a codec encodes under.
func PrefixOf(c Codec) string {
	switch c.Name() {
	case Query:
		return queryRoute
	case Token:
		return tokenPrefix
	default:
		return pathPrefix
	}
}

// Lookup returns the codec registered under name.
func (r *Registry) Lookup(name string) (Codec, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Default returns the configured default codec.
func (r *Registry) Default() Codec {
	return r.def
}

// All returns every registered codec in a stable order.
func (r *Registry) All() []Codec {
	return r.all
}

// Match returns the codec owning the path of u, if any.
func (r *Registry) Match(u *url.URL) (Codec, bool) {
	p := u.EscapedPath()
	for _, c := range r.all {
		if c.Owns(p) {
			return c, true
		}
	}
	return nil, false
}

// Decode decodes u with whichever codec owns its path.
func (r *Registry) Decode(u *url.URL) (*url.URL, error) {
	c, ok := r.Match(u)
	if !ok {
		return nil, &DecodeError{Codec: "none", Input: u.String(), Reason: "not a proxy path"}
	}
	return c.Decode(u)
}

// IsProxyURL reports whether u already addresses one of the proxy's codec
// endpoints under origin. Relative URLs are compared by path only.
func IsProxyURL(u, origin *url.URL) bool {
	if u == nil {
		return false
	}
	if u.Host != "" && origin != nil {
		if !strings.EqualFold(u.Host, origin.Host) {
			return false
		}
		if u.Scheme != "" && !strings.EqualFold(u.Scheme, origin.Scheme) {
			return false
		}
	}
	p := u.EscapedPath()
	return ownsQuery(p) || ownsToken(p) || ownsPath(p)
}

// checkTarget validates a decoded target: absolute, http(s), with a host.
func checkTarget(codec, input string, t *url.URL) error {
	switch {
	case t.Scheme == "":
		return &DecodeError{Codec: codec, Input: input, Reason: "missing scheme"}
	case !isHTTPScheme(t.Scheme):
		return &DecodeError{Codec: codec, Input: input, Reason: "unsupported scheme " + t.Scheme}
	case t.Host == "":
		return &DecodeError{Codec: codec, Input: input, Reason: "missing host"}
	}
	t.Scheme = strings.ToLower(t.Scheme)
	return nil
}

func isHTTPScheme(s string) bool {
	return strings.EqualFold(s, "http") || strings.EqualFold(s, "https")
}

// withOrigin returns a copy of origin with path, raw query and fragment set.
func withOrigin(origin *url.URL, path, rawPath, rawQuery string, fragment *url.URL) *url.URL {
	u := &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     path,
		RawPath:  rawPath,
		RawQuery: rawQuery,
	}
	if fragment != nil {
		u.Fragment = fragment.Fragment
		u.RawFragment = fragment.RawFragment
	}
	return u
}

// stripFragment returns a copy of u without its fragment.
func stripFragment(u *url.URL) *url.URL {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return &c
}

// attachFragment moves the inbound fragment onto the decoded target unless the
// target already carries one.
func attachFragment(target, inbound *url.URL) {
	if target.Fragment == "" && inbound.Fragment != "" {
		target.Fragment = inbound.Fragment
		target.RawFragment = inbound.RawFragment
	}
}

// filterQuery drops reserved proxy parameters from a raw query while keeping
// the remaining pairs in order and in their original encoding.
func filterQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if strings.HasPrefix(key, ReservedParamPrefix) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

// appendQuery joins two raw query strings.
func appendQuery(base, extra string) string {
	switch {
	case extra == "":
		return base
	case base == "":
		return extra
	default:
		return base + "&" + extra
	}
}
