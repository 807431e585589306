package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"syscall"

	"github.com/labstack/echo/v4"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/guard"
	"webproxy-go/internal/model"
)

// Error classifications returned in the error body and X-Proxy-Error header.
const (
	codeInvalidTarget      = "invalid_target"
	codeForbiddenTarget    = "forbidden_target"
	codeHostNotFound       = "host_not_found"
	codeConnectionRefused  = "connection_refused"
	codeConnectionFailed   = "upstream_connection_failed"
	codeUpstreamTimeout    = "upstream_timeout"
	codeClientDisconnected = "client_disconnected"
	codeNotFound           = "not_found"
)

// HeaderProxyError distinguishes proxy-originated errors from relayed
// upstream error responses.
const HeaderProxyError = "X-Proxy-Error"

// userinfoPattern matches the password part of URLs embedded in error messages.
var userinfoPattern = regexp.MustCompile(`(://[^/\s:@]+:)[^/\s@]+@`)

func (h *ProxyHandler) mapError(c echo.Context, err error, input string) error {
	status, code, message := classifyError(err)

	var decodeErr *codec.DecodeError
	if errors.As(err, &decodeErr) {
		input = decodeErr.Input
	}
	var forbidden *guard.ForbiddenError
	if errors.As(err, &forbidden) && input == "" {
		input = forbidden.Host
	}

	level := h.logger.Error
	if status < http.StatusInternalServerError {
		level = h.logger.Warn
	}
	level("proxy error",
		"err", sanitizeError(err),
		"error_code", code,
		"path", c.Request().URL.Path,
	)

	return writeError(c, status, code, message, sanitize(input))
}

// classifyError maps a pipeline error to a status, classification and message.
func classifyError(err error) (int, string, string) {
	var decodeErr *codec.DecodeError
	if errors.As(err, &decodeErr) {
		return http.StatusBadRequest, codeInvalidTarget, "cannot decode target: " + decodeErr.Reason
	}
	if errors.Is(err, codec.ErrDecode) {
		return http.StatusBadRequest, codeInvalidTarget, "cannot decode target"
	}

	var forbidden *guard.ForbiddenError
	if errors.As(err, &forbidden) {
		return http.StatusForbidden, codeForbiddenTarget, "target is not allowed: " + forbidden.Reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, codeUpstreamTimeout, "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, codeClientDisconnected, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return http.StatusBadGateway, codeHostNotFound, "upstream host could not be resolved"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, codeUpstreamTimeout, "upstream request timed out"
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return http.StatusServiceUnavailable, codeConnectionRefused, "upstream refused the connection"
	}

	return http.StatusBadGateway, codeConnectionFailed, "upstream connection failed"
}

func writeError(c echo.Context, status int, code, message, input string) error {
	c.Response().Header().Set(HeaderProxyError, code)
	return c.JSON(status, model.ErrorResponse{
		Error:   code,
		Message: message,
		Input:   input,
	})
}

// sanitizeError redacts URL passwords from error messages that may contain
// target URLs.
func sanitizeError(err error) string {
	return sanitize(err.Error())
}

func sanitize(s string) string {
	return userinfoPattern.ReplaceAllString(s, "${1}[REDACTED]@")
}
