package handler

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
	"webproxy-go/internal/guard"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>webproxy</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; }
form { display: flex; gap: .5rem; }
input[type=text] { flex: 1; padding: .5rem; }
</style>
</head>
<body>
<h1>webproxy</h1>
<form method="post" action="/go">
<input type="text" name="url" placeholder="https://example.com" autofocus required>
<select name="codec">
{{- range .Codecs}}
<option value="{{.}}"{{if eq . $.Default}} selected{{end}}>{{.}}</option>
{{- end}}
</select>
<button type="submit">Go</button>
</form>
</body>
</html>
`))

// FrontendHandler serves the landing page and the /go encoder.
type FrontendHandler struct {
	registry     *codec.Registry
	guard        *guard.Guard
	publicOrigin *url.URL
	logger       *slog.Logger
}

// NewFrontendHandler creates a FrontendHandler.
func NewFrontendHandler(reg *codec.Registry, g *guard.Guard, cfg *config.Config, logger *slog.Logger) *FrontendHandler {
	return &FrontendHandler{
		registry:     reg,
		guard:        g,
		publicOrigin: cfg.Server.PublicOriginURL(),
		logger:       logger.With("component", "frontend_handler"),
	}
}

// Index renders the landing page.
func (h *FrontendHandler) Index(c echo.Context) error {
	names := make([]string, 0, len(h.registry.All()))
	for _, cd := range h.registry.All() {
		names = append(names, cd.Name())
	}

	var buf bytes.Buffer
	err := landingTemplate.Execute(&buf, struct {
		Codecs  []string
		Default string
	}{names, h.registry.Default().Name()})
	if err != nil {
		h.logger.Error("render landing page", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}

// Go encodes the url form value with the requested codec and redirects to
// it. A missing scheme is taken to mean https; codecs themselves never guess.
func (h *FrontendHandler) Go(c echo.Context) error {
	raw := strings.TrimSpace(c.FormValue("url"))
	if raw == "" {
		return writeError(c, http.StatusBadRequest, codeInvalidTarget, "missing url", "")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}

	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return writeError(c, http.StatusBadRequest, codeInvalidTarget, "url must be an absolute http(s) URL", sanitize(raw))
	}

	cd := h.registry.Default()
	if name := c.FormValue("codec"); name != "" {
		var ok bool
		if cd, ok = h.registry.Lookup(name); !ok {
			return writeError(c, http.StatusBadRequest, codeInvalidTarget, "unknown codec "+name, name)
		}
	}

	if err := h.guard.Check(target); err != nil {
		_, code, message := classifyError(err)
		return writeError(c, http.StatusForbidden, code, message, target.Host)
	}

	return c.Redirect(http.StatusSeeOther, cd.Encode(target, proxyOrigin(c, h.publicOrigin)).String())
}
