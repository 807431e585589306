package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"webproxy-go/internal/metrics"
)

// MetricsMiddleware records request count, latency and in-flight requests.
// Requests matched by skip are served but not counted; a nil skip counts
// everything. A nil m yields a pass-through middleware.
func MetricsMiddleware(m *metrics.Metrics, skip echomw.Skipper) echo.MiddlewareFunc {
	if skip == nil {
		skip = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			if skip(c) {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			var labels prometheus.Labels
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(s float64) {
				m.RequestDuration.With(labels).Observe(s)
			}))

			err := next(c)

			labels = prometheus.Labels{
				"method":      metrics.NormalizeMethod(c.Request().Method),
				"status_code": strconv.Itoa(statusOf(c, err)),
				"path_prefix": metrics.NormalizePath(c.Request().URL.Path),
			}
			m.RequestsTotal.With(labels).Inc()
			timer.ObserveDuration()

			return err
		}
	}
}

// SkipPath matches requests for exactly path, such as the scrape endpoint.
func SkipPath(path string) echomw.Skipper {
	return func(c echo.Context) bool {
		return c.Request().URL.Path == path
	}
}

// statusOf returns the status the client receives. A returned error is
// written by echo's error handler only after the middleware chain unwinds.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
