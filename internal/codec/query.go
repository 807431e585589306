package codec

import (
	"net/url"
	"strings"
)

const (
	queryRoute = "/proxy"
	queryParam = "url"
)

// QueryCodec carries the target in the url query parameter of /proxy.
type QueryCodec struct{}

func (QueryCodec) Name() string  { return Query }
func (QueryCodec) Route() string { return queryRoute }

func (QueryCodec) Owns(escapedPath string) bool { return ownsQuery(escapedPath) }

func ownsQuery(p string) bool {
	return p == queryRoute || p == queryRoute+"/"
}

// Param returns the query parameter that carries the target.
func (QueryCodec) Param() string { return queryParam }

func (QueryCodec) Encode(target, origin *url.URL) *url.URL {
	if IsProxyURL(target, origin) {
		c := *target
		return &c
	}
	raw := queryParam + "=" + url.QueryEscape(stripFragment(target).String())
	return withOrigin(origin, queryRoute, "", raw, target)
}

// EncodeForm returns the bare endpoint and a hidden url field for GET forms.
// The target query is dropped because the browser rebuilds it from the form.
func (QueryCodec) EncodeForm(target, origin *url.URL) (*url.URL, url.Values) {
	t := stripFragment(target)
	t.RawQuery = ""
	t.ForceQuery = false
	return withOrigin(origin, queryRoute, "", "", nil), url.Values{queryParam: {t.String()}}
}

// Decode takes the first url parameter as the target. Any other parameters
// (typically appended by a GET form submission) are added to the target
// query in their original order.
func (QueryCodec) Decode(u *url.URL) (*url.URL, error) {
	input := u.String()

	var (
		rawTarget string
		found     bool
		extra     []string
	)
	for _, p := range strings.Split(u.RawQuery, "&") {
		if p == "" {
			continue
		}
		key, val, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		switch {
		case key == queryParam && !found:
			v, err := url.QueryUnescape(val)
			if err != nil {
				return nil, &DecodeError{Codec: Query, Input: input, Reason: "malformed url parameter"}
			}
			rawTarget, found = v, true
		case strings.HasPrefix(key, ReservedParamPrefix):
		default:
			extra = append(extra, p)
		}
	}

	if !found || strings.TrimSpace(rawTarget) == "" {
		return nil, &DecodeError{Codec: Query, Input: input, Reason: "missing url parameter"}
	}

	target, err := url.Parse(strings.TrimSpace(rawTarget))
	if err != nil {
		return nil, &DecodeError{Codec: Query, Input: input, Reason: "unparseable target"}
	}
	if err := checkTarget(Query, input, target); err != nil {
		return nil, err
	}

	target.RawQuery = appendQuery(target.RawQuery, strings.Join(extra, "&"))
	attachFragment(target, u)
	return target, nil
}
