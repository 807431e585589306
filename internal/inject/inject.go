// Package inject builds the client-side script that keeps dynamically
// created references flowing through the proxy.
package inject

import (
	_ "embed"
	"encoding/json"
	"strings"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
	"webproxy-go/internal/model"
)

//go:embed script.js
var scriptSource string

// MarkerAttr identifies elements added by the proxy.
const MarkerAttr = "data-webproxy"

// FieldsAttr holds, on a GET form or one of its submit buttons, the
// url-encoded hidden fields that submission must carry. The script loads
// them into the marked hidden inputs on submit.
const FieldsAttr = "data-webproxy-fields"

// scriptConfig is passed to the script as a JSON literal.
type scriptConfig struct {
	Origin   string   `json:"origin"`
	Codec    string   `json:"codec"`
	Prefix   string   `json:"prefix"`
	Param    string   `json:"param"`
	Prefixes []string `json:"prefixes"`
	Base     string   `json:"base"`
	Page     string   `json:"page"`
	Rescan   int      `json:"rescan"`
	Observe  bool     `json:"observe"`
}

// Injector renders the interception script for a page.
type Injector struct {
	enabled  bool
	rescanMS int
	observe  bool
}

// New creates an Injector from the [inject] config section.
func New(cfg *config.Config) *Injector {
	return &Injector{
		enabled:  cfg.Inject.IsEnabled(),
		rescanMS: cfg.Inject.RescanIntervalMS,
		observe:  cfg.Inject.Observe(),
	}
}

// Enabled reports whether pages get the script.
func (i *Injector) Enabled() bool {
	return i != nil && i.enabled
}

// Script returns a self-contained script for the page described by rc.
func (i *Injector) Script(rc *model.RewriteContext) string {
	sc := scriptConfig{
		Origin:   strings.TrimSuffix(rc.ProxyOrigin.String(), "/"),
		Codec:    rc.Codec.Name(),
		Prefix:   codec.PrefixOf(rc.Codec),
		Param:    codec.QueryCodec{}.Param(),
		Prefixes: codec.Prefixes(),
		Base:     rc.Base.String(),
		Page:     rc.Page.String(),
		Rescan:   i.rescanMS,
		Observe:  i.observe,
	}

	// json.Marshal escapes <, > and &, so the literal cannot close the
	// surrounding <script> element.
	data, err := json.Marshal(sc)
	if err != nil {
		return ""
	}

	var b strings.Builder
	b.Grow(len(scriptSource) + len(data) + 64)
	b.WriteString("(")
	b.WriteString(strings.TrimSpace(scriptSource))
	b.WriteString(")(")
	b.Write(data)
	b.WriteString(", typeof window !== 'undefined' ? window : this);")
	return b.String()
}
