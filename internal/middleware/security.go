package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and marks responses as not indexable. Proxied pages must stay
// frameable, so no frame policy is set. Headers are added just before the
// status line is written because proxy handlers stream their bodies.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				if h.Get("X-Content-Type-Options") == "" {
					h.Set("X-Content-Type-Options", "nosniff")
				}
				h.Set("X-Robots-Tag", "noindex, nofollow")
			})

			return next(c)
		}
	}
}
