package codec

import (
	"net/url"
	"strings"
)

const pathPrefix = "/s/"

// PathCodec spells the target out as path segments:
// /s/<scheme>/<host[:port]><path>[?query]. Because the target path survives
// as a real path, browsers resolve relative references against it natively.
type PathCodec struct{}

func (PathCodec) Name() string  { return Path }
func (PathCodec) Route() string { return pathPrefix + "*" }

func (PathCodec) Owns(escapedPath string) bool { return ownsPath(escapedPath) }

func ownsPath(p string) bool {
	return strings.HasPrefix(p, pathPrefix)
}

func (PathCodec) Encode(target, origin *url.URL) *url.URL {
	if IsProxyURL(target, origin) {
		c := *target
		return &c
	}

	host := target.Host
	if target.User != nil {
		host = target.User.String() + "@" + host
	}
	escaped := pathPrefix + strings.ToLower(target.Scheme) + "/" + host + target.EscapedPath()

	p, err := url.PathUnescape(escaped)
	if err != nil {
		p = escaped
	}
	return withOrigin(origin, p, escaped, target.RawQuery, target)
}

func (PathCodec) Decode(u *url.URL) (*url.URL, error) {
	input := u.String()

	rest := strings.TrimPrefix(u.EscapedPath(), pathPrefix)
	scheme, rest, ok := strings.Cut(rest, "/")
	if !ok || scheme == "" {
		return nil, &DecodeError{Codec: Path, Input: input, Reason: "missing scheme"}
	}
	host, path, hasPath := strings.Cut(rest, "/")
	if host == "" {
		return nil, &DecodeError{Codec: Path, Input: input, Reason: "missing host"}
	}
	if h, err := url.PathUnescape(host); err == nil {
		host = h
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	if hasPath {
		b.WriteString("/")
		b.WriteString(path)
	}
	if q := filterQuery(u.RawQuery); q != "" {
		b.WriteString("?")
		b.WriteString(q)
	}

	target, err := url.Parse(b.String())
	if err != nil {
		return nil, &DecodeError{Codec: Path, Input: input, Reason: "unparseable target"}
	}
	if err := checkTarget(Path, input, target); err != nil {
		return nil, err
	}

	attachFragment(target, u)
	return target, nil
}
