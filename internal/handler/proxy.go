package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/model"
	"webproxy-go/internal/service"
)

const copyBufferSize = 32 * 1024

// ProxyHandler decodes proxy URLs and relays the target's response.
type ProxyHandler struct {
	service      *service.ProxyService
	registry     *codec.Registry
	publicOrigin *url.URL
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable decode error counting.
func NewProxyHandler(svc *service.ProxyService, reg *codec.Registry, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:      svc,
		registry:     reg,
		publicOrigin: cfg.Server.PublicOriginURL(),
		logger:       logger.With("component", "proxy_handler"),
		metrics:      m,
	}
}

// Handle returns the handler for the routes owned by cd. A path under cd
// that does not decode is usually a relative reference resolved against the
// injected <base>; it is recovered from the Referer when that names a page
// proxied with the same codec.
func (h *ProxyHandler) Handle(cd codec.Codec) echo.HandlerFunc {
	return func(c echo.Context) error {
		target, err := cd.Decode(c.Request().URL)
		if err != nil {
			if loc, ok := h.recoverOwned(c, cd); ok {
				return c.Redirect(http.StatusTemporaryRedirect, loc)
			}
			if h.metrics != nil {
				h.metrics.DecodeErrors.WithLabelValues(cd.Name()).Inc()
			}
			return h.mapError(c, err, "")
		}
		return h.forward(c, cd, target)
	}
}

func (h *ProxyHandler) forward(c echo.Context, cd codec.Codec, target *url.URL) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        target,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Rewrite:       model.NewRewriteContext(target, proxyOrigin(c, h.publicOrigin), cd),
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err, target.Redacted())
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent, so a failed copy leaves the client with a
	// truncated body under the original status. Log it and move on.
	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(c.Response(), resp.Body, buf); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"host", target.Host,
			"rewritten", resp.Rewritten,
		)
	}

	return nil
}

// Fallback recovers requests for paths that escaped rewriting, such as
// references built by scripts. When the Referer is a proxy URL, the path is
// resolved against the page it stands for and the client is redirected to
// the proxied form.
func (h *ProxyHandler) Fallback(c echo.Context) error {
	req := c.Request()
	_, cd, page, ok := h.referer(c)
	if !ok {
		return h.notFound(c)
	}

	target := page.ResolveReference(&url.URL{
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	})

	h.logger.Debug("recovered escaped reference",
		"path", req.URL.Path,
		"target_host", target.Host,
	)
	return c.Redirect(http.StatusTemporaryRedirect, cd.Encode(target, proxyOrigin(c, h.publicOrigin)).String())
}

// recoverOwned maps an undecodable request under cd back to the reference
// the page meant. The browser resolved that reference against the page's
// proxy URL, so the part of the request below the Referer's directory is
// relative to the page itself: "/t/img/a.png" under "/t/<token>" is
// "img/a.png", and "/proxy?page=2" under "/proxy?url=..." is "?page=2".
func (h *ProxyHandler) recoverOwned(c echo.Context, cd codec.Codec) (string, bool) {
	ref, refCodec, page, ok := h.referer(c)
	if !ok || refCodec.Name() != cd.Name() {
		return "", false
	}

	req := c.Request()
	reqPath, refPath := req.URL.EscapedPath(), ref.EscapedPath()

	var rel *url.URL
	switch dir := refPath[:strings.LastIndex(refPath, "/")+1]; {
	case reqPath == refPath:
		rel = &url.URL{RawQuery: req.URL.RawQuery}
	case strings.HasPrefix(reqPath, dir):
		// The "./" keeps a first segment containing a colon from parsing
		// as a scheme.
		var err error
		if rel, err = url.Parse("./" + reqPath[len(dir):]); err != nil {
			return "", false
		}
		rel.RawQuery = req.URL.RawQuery
	default:
		return "", false
	}

	target := page.ResolveReference(rel)
	if codec.IsProxyURL(target, proxyOrigin(c, h.publicOrigin)) {
		return "", false
	}

	h.logger.Debug("recovered reference under codec route",
		"codec", cd.Name(),
		"path", req.URL.Path,
		"target_host", target.Host,
	)
	return cd.Encode(target, proxyOrigin(c, h.publicOrigin)).String(), true
}

// referer decodes the request's Referer when it is a proxy URL, returning
// the proxy URL itself, its codec and the page it stands for.
func (h *ProxyHandler) referer(c echo.Context) (*url.URL, codec.Codec, *url.URL, bool) {
	origin := proxyOrigin(c, h.publicOrigin)

	ref, err := url.Parse(c.Request().Header.Get("Referer"))
	if err != nil || ref.Host == "" || !codec.IsProxyURL(ref, origin) {
		return nil, nil, nil, false
	}
	cd, ok := h.registry.Match(ref)
	if !ok {
		return nil, nil, nil, false
	}
	page, err := cd.Decode(ref)
	if err != nil {
		return nil, nil, nil, false
	}
	return ref, cd, page, true
}

func (h *ProxyHandler) notFound(c echo.Context) error {
	return writeError(c, http.StatusNotFound, codeNotFound, "no proxy route for this path", c.Request().URL.Path)
}

// proxyOrigin returns the scheme and host browsers use to reach the proxy:
// the configured public origin, or the inbound request's own.
func proxyOrigin(c echo.Context, public *url.URL) *url.URL {
	if public != nil {
		return public
	}
	return &url.URL{Scheme: c.Scheme(), Host: c.Request().Host}
}
