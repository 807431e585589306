package content

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for Content-Encoding values the proxy
// cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content-encoding")

// SupportedEncodings lists the Content-Encoding tokens NewDecoder accepts,
// in the order they are advertised upstream.
var SupportedEncodings = []string{"gzip", "deflate", "br", "zstd"}

// Supported reports whether a single Content-Encoding token can be decoded.
func Supported(token string) bool {
	switch normalizeToken(token) {
	case "", "identity", "gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

func normalizeToken(token string) string {
	t := strings.ToLower(strings.TrimSpace(token))
	switch t {
	case "x-gzip":
		return "gzip"
	case "brotli":
		return "br"
	}
	return t
}

// NewDecoder wraps body so that reads return the payload with every coding
// in the Content-Encoding header undone. Closing the result closes body.
func NewDecoder(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	tokens := strings.Split(contentEncoding, ",")

	var (
		r       io.Reader = body
		closers []io.Closer
	)
	// Codings are listed in the order they were applied.
	for i := len(tokens) - 1; i >= 0; i-- {
		dec, closer, err := decodeOne(r, tokens[i])
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		r = dec
		if closer != nil {
			closers = append(closers, closer)
		}
	}

	return &decodedBody{r: r, closers: append(closers, body)}, nil
}

func decodeOne(r io.Reader, token string) (io.Reader, io.Closer, error) {
	switch normalizeToken(token) {
	case "", "identity":
		return r, nil, nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, zr, nil
	case "deflate":
		return newDeflateReader(r)
	case "br":
		return brotli.NewReader(r), nil, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		return rc, rc, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, strings.TrimSpace(token))
	}
}

// newDeflateReader accepts both zlib-wrapped streams (what the RFC means by
// "deflate") and raw deflate (what some servers actually send).
func newDeflateReader(r io.Reader) (io.Reader, io.Closer, error) {
	br := bufio.NewReader(r)
	hdr, err := br.Peek(2)
	if err == nil && isZlibHeader(hdr[0], hdr[1]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("deflate: %w", err)
		}
		return zr, zr, nil
	}
	fr := flate.NewReader(br)
	return fr, fr, nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

type decodedBody struct {
	r       io.Reader
	closers []io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decodedBody) Close() error {
	return closeAll(d.closers)
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
