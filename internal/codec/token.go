package codec

import (
	"encoding/base64"
	"net/url"
	"strings"
)

const tokenPrefix = "/t/"

// TokenCodec carries the target as an unpadded base64url token: /t/<token>.
// Query parameters on the proxy URL are appended to the decoded target.
type TokenCodec struct{}

func (TokenCodec) Name() string  { return Token }
func (TokenCodec) Route() string { return tokenPrefix + "*" }

func (TokenCodec) Owns(escapedPath string) bool { return ownsToken(escapedPath) }

func ownsToken(p string) bool {
	return strings.HasPrefix(p, tokenPrefix)
}

func (TokenCodec) Encode(target, origin *url.URL) *url.URL {
	if IsProxyURL(target, origin) {
		c := *target
		return &c
	}
	token := base64.RawURLEncoding.EncodeToString([]byte(stripFragment(target).String()))
	return withOrigin(origin, tokenPrefix+token, "", "", target)
}

func (TokenCodec) Decode(u *url.URL) (*url.URL, error) {
	input := u.String()

	token := strings.TrimPrefix(u.EscapedPath(), tokenPrefix)
	token = strings.TrimSuffix(token, "/")
	if token == "" {
		return nil, &DecodeError{Codec: Token, Input: input, Reason: "missing token"}
	}
	if strings.Contains(token, "/") {
		return nil, &DecodeError{Codec: Token, Input: input, Reason: "unexpected path after token"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Accept padded tokens produced by other encoders.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, &DecodeError{Codec: Token, Input: input, Reason: "invalid token"}
		}
	}

	target, err := url.Parse(string(raw))
	if err != nil {
		return nil, &DecodeError{Codec: Token, Input: input, Reason: "unparseable target"}
	}
	if err := checkTarget(Token, input, target); err != nil {
		return nil, err
	}

	target.RawQuery = appendQuery(target.RawQuery, filterQuery(u.RawQuery))
	attachFragment(target, u)
	return target, nil
}
