// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"webproxy-go/internal/client"
	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
	"webproxy-go/internal/guard"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/model"
	"webproxy-go/internal/rewrite"
)

// ErrNoRewriteContext is returned when a request reaches the pipeline without
// the context needed to map references back into the proxy.
var ErrNoRewriteContext = errors.New("proxy request has no rewrite context")

const defaultMaxRewriteBytes = 8 * 1024 * 1024

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client          *client.UpstreamClient
	guard           *guard.Guard
	rewriter        *rewrite.Rewriter
	registry        *codec.Registry
	logger          *slog.Logger
	metrics         *metrics.Metrics
	userAgent       string
	maxRewriteBytes int64
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyService(
	c *client.UpstreamClient,
	g *guard.Guard,
	rw *rewrite.Rewriter,
	reg *codec.Registry,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	maxRewrite := cfg.Upstream.MaxRewriteBytes
	if maxRewrite <= 0 {
		maxRewrite = defaultMaxRewriteBytes
	}

	return &ProxyService{
		client:          c,
		guard:           g,
		rewriter:        rw,
		registry:        reg,
		logger:          logger.With("component", "proxy_service"),
		metrics:         m,
		userAgent:       cfg.Upstream.UserAgent,
		maxRewriteBytes: maxRewrite,
	}
}

// Forward checks the target against the guard, sends the request upstream
// and returns the relayed response. HTML and CSS bodies come back rewritten
// and fully buffered; everything else is the upstream stream.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Rewrite == nil {
		return nil, ErrNoRewriteContext
	}
	if err := s.guard.Check(pr.Target); err != nil {
		return nil, err
	}

	target := *pr.Target
	target.Fragment, target.RawFragment = "", ""
	header := s.outboundHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host,
		"path", target.Path,
		"codec", pr.Rewrite.Codec.Name(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	s.relayHeaders(resp.Header, pr)
	if err := s.relayBody(pr, resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
