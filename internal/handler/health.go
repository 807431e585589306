package handler

import (
	"net/http"
	"net/url"
	"sort"

	"github.com/labstack/echo/v4"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// redactedHeaders are never echoed by the status endpoint.
var redactedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Proxy-Authorization": true,
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	registry *codec.Registry
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, reg *codec.Registry, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, registry: reg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status         string              `json:"status"`
	Version        string              `json:"version"`
	DefaultCodec   string              `json:"default_codec"`
	Codecs         []string            `json:"codecs"`
	ProxyOrigin    string              `json:"proxy_origin"`
	RequestHeaders map[string][]string `json:"request_headers"`
	Samples        map[string]string   `json:"samples,omitempty"`
}

// Status reports proxy status, the headers the proxy received and, when a
// url query parameter is given, its encoding under every codec.
func (h *HealthHandler) Status(c echo.Context) error {
	origin := proxyOrigin(c, h.cfg.Server.PublicOriginURL())

	resp := StatusResponse{
		Status:         "ok",
		Version:        string(h.version),
		DefaultCodec:   h.registry.Default().Name(),
		ProxyOrigin:    origin.String(),
		RequestHeaders: make(map[string][]string),
	}
	for _, cd := range h.registry.All() {
		resp.Codecs = append(resp.Codecs, cd.Name())
	}
	sort.Strings(resp.Codecs)

	for key, vals := range c.Request().Header {
		if redactedHeaders[key] {
			resp.RequestHeaders[key] = []string{"[REDACTED]"}
			continue
		}
		resp.RequestHeaders[key] = vals
	}

	if raw := c.QueryParam("url"); raw != "" {
		if target, err := url.Parse(raw); err == nil && target.IsAbs() && target.Host != "" {
			resp.Samples = make(map[string]string, len(resp.Codecs))
			for _, cd := range h.registry.All() {
				resp.Samples[cd.Name()] = cd.Encode(target, origin).String()
			}
		}
	}

	return c.JSON(http.StatusOK, resp)
}
