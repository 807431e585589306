package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
	"webproxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every codec serves its own prefix; anything else falls through to the
// Referer-based recovery handler.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	reg *codec.Registry,
	m *metrics.Metrics,
	proxy *ProxyHandler,
	front *FrontendHandler,
	health *HealthHandler,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	e.GET("/", front.Index)
	e.GET("/go", front.Go)
	e.POST("/go", front.Go)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	for _, cd := range reg.All() {
		e.Any(cd.Route(), proxy.Handle(cd))
	}
	e.Any("/*", proxy.Fallback)
}
