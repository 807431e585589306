package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"webproxy-go/internal/content"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/model"
)

// readCloser pairs a reader with the closer of the stream it wraps.
type readCloser struct {
	io.Reader
	io.Closer
}

// hasBody reports whether a response to method with status can carry a body.
func hasBody(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// relayBody decides between streaming and rewriting. Only HTML and CSS are
// rewritten; they are decoded, converted to UTF-8 and buffered up to
// maxRewriteBytes. Larger bodies are relayed decoded but unrewritten.
func (s *ProxyService) relayBody(pr *model.ProxyRequest, resp *model.ProxyResponse) error {
	if !hasBody(pr.Method, resp.StatusCode) {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	encoding := strings.TrimSpace(resp.Header.Get("Content-Encoding"))
	kind := content.Classify(contentType)

	if contentType == "" && (encoding == "" || strings.EqualFold(encoding, "identity")) {
		var err error
		if kind, contentType, err = s.sniff(resp); err != nil {
			return err
		}
	}
	if !kind.Rewritable() {
		return nil
	}

	decoded, err := content.NewDecoder(resp.Body, encoding)
	if errors.Is(err, content.ErrUnsupportedEncoding) {
		s.logger.Debug("relaying undecodable body", "encoding", encoding, "err", err)
		s.countRewrite(kind, metrics.OutcomeFailed)
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode upstream body: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(decoded, s.maxRewriteBytes+1))
	if err != nil {
		_ = decoded.Close()
		return fmt.Errorf("read upstream body: %w", err)
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.Header.Del("Content-Md5")
	resp.Header.Del("Digest")

	if int64(len(data)) > s.maxRewriteBytes {
		s.logger.Info("body exceeds rewrite limit, relaying unrewritten",
			"kind", kind.String(),
			"limit", s.maxRewriteBytes,
		)
		s.countRewrite(kind, metrics.OutcomeOversize)
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), decoded), Closer: decoded}
		return nil
	}
	_ = decoded.Close()

	utf8, _ := content.ToUTF8(data, contentType, kind)
	out, err := s.rewriter.Rewrite(utf8, kind, pr.Rewrite)
	if err != nil {
		s.logger.Warn("rewrite failed, relaying decoded body", "kind", kind.String(), "err", err)
		s.countRewrite(kind, metrics.OutcomeFailed)
		out = utf8
	} else {
		s.countRewrite(kind, metrics.OutcomeRewritten)
		if s.metrics != nil {
			s.metrics.RewrittenBytes.Observe(float64(len(out)))
		}
	}

	resp.Header.Set("Content-Type", content.SetCharset(contentType, "utf-8"))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Del("Etag")
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.Rewritten = true
	return nil
}

// sniff classifies a body without a Content-Type from its first bytes and
// records the detected type on the response.
func (s *ProxyService) sniff(resp *model.ProxyResponse) (content.Kind, string, error) {
	prefix := make([]byte, content.SniffLen)
	n, err := io.ReadFull(resp.Body, prefix)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return content.KindOther, "", fmt.Errorf("read upstream body: %w", err)
	}
	prefix = prefix[:n]
	resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(prefix), resp.Body), Closer: resp.Body}

	if n == 0 {
		return content.KindOther, "", nil
	}
	kind, mediaType := content.Sniff(prefix)
	resp.Header.Set("Content-Type", mediaType)
	return kind, mediaType, nil
}

func (s *ProxyService) countRewrite(kind content.Kind, outcome string) {
	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(kind.String(), outcome).Inc()
	}
}
