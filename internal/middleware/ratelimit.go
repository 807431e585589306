package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"webproxy-go/internal/config"
	"webproxy-go/internal/model"
)

// RateLimiter returns a per-client-IP rate limiter backed by an in-memory
// store. Rejections use the proxy's error body with the rate_limited code.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))

	deny := func(c echo.Context, code, message string) error {
		c.Response().Header().Set("X-Proxy-Error", code)
		return c.JSON(http.StatusTooManyRequests, model.ErrorResponse{
			Error:   code,
			Message: message,
		})
	}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			logger.Warn("rate limiter identifier", "err", err)
			return deny(c, "rate_limited", "request rejected")
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			logger.Debug("rate limited", "remote_ip", identifier)
			return deny(c, "rate_limited", "too many requests")
		},
	})
}
