package inject

import (
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webproxy-go/internal/codec"
	"webproxy-go/internal/config"
	"webproxy-go/internal/model"
)

var (
	testOrigin = &url.URL{Scheme: "http", Host: "proxy.test:8080"}
	testPage   = &url.URL{Scheme: "https", Host: "ex.com", Path: "/dir/page.html"}
)

// installURL provides a WHATWG-like URL constructor backed by net/url.
func installURL(t *testing.T, vm *goja.Runtime) {
	t.Helper()
	err := vm.Set("URL", func(call goja.ConstructorCall) *goja.Object {
		raw := call.Argument(0).String()
		ref, err := url.Parse(raw)
		if err != nil {
			panic(vm.NewTypeError("Invalid URL: " + raw))
		}
		u := ref
		if b := call.Argument(1); !goja.IsUndefined(b) && !goja.IsNull(b) {
			base, err := url.Parse(b.String())
			if err != nil || !base.IsAbs() {
				panic(vm.NewTypeError("Invalid base URL: " + b.String()))
			}
			u = base.ResolveReference(ref)
		}
		if !u.IsAbs() {
			panic(vm.NewTypeError("Invalid URL: " + raw))
		}
		if u.Host != "" && u.Path == "" {
			u.Path = "/"
		}

		obj := call.This
		search := ""
		if u.RawQuery != "" {
			search = "?" + u.RawQuery
		}
		hash := ""
		if u.Fragment != "" {
			hash = "#" + u.EscapedFragment()
		}
		password, _ := u.User.Password()
		query := u.Query()
		params := vm.NewObject()
		_ = params.Set("get", func(name string) goja.Value {
			if vs := query[name]; len(vs) > 0 {
				return vm.ToValue(vs[0])
			}
			return goja.Null()
		})
		_ = obj.Set("href", u.String())
		_ = obj.Set("protocol", u.Scheme+":")
		_ = obj.Set("host", u.Host)
		_ = obj.Set("hostname", u.Hostname())
		_ = obj.Set("origin", u.Scheme+"://"+u.Host)
		_ = obj.Set("pathname", u.EscapedPath())
		_ = obj.Set("search", search)
		_ = obj.Set("hash", hash)
		_ = obj.Set("username", u.User.Username())
		_ = obj.Set("password", password)
		_ = obj.Set("searchParams", params)
		return nil
	})
	require.NoError(t, err)
}

func newInjector() *Injector {
	cfg := &config.Config{}
	cfg.Inject.RescanIntervalMS = 0
	return New(cfg)
}

func runScript(t *testing.T, c codec.Codec, setup string) *goja.Runtime {
	t.Helper()
	return runScriptWith(t, newInjector(), c, setup)
}

func runScriptWith(t *testing.T, inj *Injector, c codec.Codec, setup string) *goja.Runtime {
	t.Helper()
	vm := goja.New()
	installURL(t, vm)
	if setup != "" {
		_, err := vm.RunString(setup)
		require.NoError(t, err)
	}

	rc := model.NewRewriteContext(testPage, testOrigin, c)
	_, err := vm.RunString(inj.Script(rc))
	require.NoError(t, err)
	return vm
}

func jsRewrite(t *testing.T, vm *goja.Runtime, in string) string {
	t.Helper()
	v, err := vm.RunString("__webproxy.rewrite(" + strconv.Quote(in) + ")")
	require.NoError(t, err)
	return v.String()
}

func TestScript_MatchesServerCodecs(t *testing.T) {
	reg, err := codec.NewRegistry("")
	require.NoError(t, err)

	tests := []struct {
		ref  string
		want string
	}{
		{"img/a.png", "https://ex.com/dir/img/a.png"},
		{"../up.html", "https://ex.com/up.html"},
		{"/root.css", "https://ex.com/root.css"},
		{"//cdn.ex.org/x.js", "https://cdn.ex.org/x.js"},
		{"https://other.org/p?q=1&r=two#h", "https://other.org/p?q=1&r=two#h"},
		{"?page=2", "https://ex.com/dir/page.html?page=2"},
	}

	for _, c := range reg.All() {
		vm := runScript(t, c, "")
		for _, tt := range tests {
			t.Run(c.Name()+" "+tt.ref, func(t *testing.T) {
				out := jsRewrite(t, vm, tt.ref)

				u, err := url.Parse(out)
				require.NoError(t, err)
				assert.Equal(t, testOrigin.Host, u.Host)

				target, err := reg.Decode(u)
				require.NoError(t, err)
				assert.Equal(t, tt.want, target.String())
			})
		}
	}
}

func TestScript_TokenAndPathAreByteIdentical(t *testing.T) {
	target, _ := url.Parse("https://ex.com/dir/img/a.png")
	for _, c := range []codec.Codec{codec.TokenCodec{}, codec.PathCodec{}} {
		vm := runScript(t, c, "")
		assert.Equal(t, c.Encode(target, testOrigin).String(), jsRewrite(t, vm, "img/a.png"), c.Name())
	}
}

func TestScript_SkipsNonNavigable(t *testing.T) {
	vm := runScript(t, codec.PathCodec{}, "")
	for _, in := range []string{"", "#top", "javascript:void(0)", "data:image/png;base64,AAAA", "mailto:a@ex.com", "tel:+100", "blob:https://ex.com/1"} {
		assert.Equal(t, in, jsRewrite(t, vm, in), "input %q", in)
	}
}

func TestScript_Idempotent(t *testing.T) {
	for _, c := range []codec.Codec{codec.QueryCodec{}, codec.TokenCodec{}, codec.PathCodec{}} {
		vm := runScript(t, c, "")
		once := jsRewrite(t, vm, "/a/b?c=d")
		assert.Equal(t, once, jsRewrite(t, vm, once), c.Name())
	}
}

func TestScript_ProxyOriginReferenceResolvedAgainstTarget(t *testing.T) {
	vm := runScript(t, codec.PathCodec{}, "")
	out := jsRewrite(t, vm, "http://proxy.test:8080/api/data?x=1")
	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/api/data?x=1", out)
}

func TestScript_MalformedLeftUnchanged(t *testing.T) {
	vm := runScript(t, codec.PathCodec{}, "")
	assert.Equal(t, "http://[bad", jsRewrite(t, vm, "http://[bad"))
}

func TestScript_WrapsNetworkAPIs(t *testing.T) {
	setup := `
var calls = {};
var fetch = function (input) { calls.fetch = input; };
var open = function (u) { calls.open = u; };
function XMLHttpRequest() {}
XMLHttpRequest.prototype.open = function (m, u) { calls.xhr = u; };
var history = { pushState: function (s, t, u) { calls.push = u; } };
var navigator = { sendBeacon: function (u) { calls.beacon = u; return true; } };
`
	vm := runScript(t, codec.PathCodec{}, setup)

	_, err := vm.RunString(`
fetch('/api/items');
open('next.html');
new XMLHttpRequest().open('GET', 'https://api.other.org/v1');
history.pushState({}, '', '/route/2');
navigator.sendBeacon('/beacon');
`)
	require.NoError(t, err)

	calls := vm.Get("calls").ToObject(vm)
	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/api/items", calls.Get("fetch").String())
	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/dir/next.html", calls.Get("open").String())
	assert.Equal(t, "http://proxy.test:8080/s/https/api.other.org/v1", calls.Get("xhr").String())
	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/route/2", calls.Get("push").String())
	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/beacon", calls.Get("beacon").String())
}

func TestScript_RegistersDocumentListeners(t *testing.T) {
	setup := `
var listeners = [];
var root = {
  nodeType: 1, tagName: 'HTML',
  getAttribute: function () { return null; },
  hasAttribute: function () { return false; },
  querySelectorAll: function () { return []; }
};
var document = {
  documentElement: root,
  addEventListener: function (type, fn, capture) { listeners.push(type + ':' + capture); }
};
`
	vm := runScript(t, codec.QueryCodec{}, setup)

	v, err := vm.RunString("listeners.join(',')")
	require.NoError(t, err)
	assert.Equal(t, "submit:true,click:true,click:false", v.String())
}

// domShim is a minimal DOM: element trees, attribute and childList mutation
// records, event dispatch with capture and bubble listeners, and recorders
// for navigation and timers. flush delivers queued records until the queue
// drains and returns the number of rounds, or -1 if it never drains.
const domShim = `
var observers = [], listeners = [], navigations = [], timers = [];

function Node(tag) {
  this.nodeType = 1;
  this.tagName = tag.toUpperCase();
  this.attrs = {};
  this.childNodes = [];
  this.parentNode = null;
}
Node.prototype.getAttribute = function (n) {
  return Object.prototype.hasOwnProperty.call(this.attrs, n) ? this.attrs[n] : null;
};
Node.prototype.hasAttribute = function (n) {
  return Object.prototype.hasOwnProperty.call(this.attrs, n);
};
Node.prototype.setAttribute = function (n, v) {
  this.attrs[n] = String(v);
  queue({ type: 'attributes', target: this, attributeName: n, addedNodes: [] });
};
Node.prototype.insertBefore = function (child, ref) {
  var i = ref ? this.childNodes.indexOf(ref) : -1;
  if (i < 0) {
    this.childNodes.push(child);
  } else {
    this.childNodes.splice(i, 0, child);
  }
  child.parentNode = this;
  queue({ type: 'childList', target: this, addedNodes: [child] });
  return child;
};
Node.prototype.appendChild = function (child) {
  return this.insertBefore(child, null);
};
Object.defineProperty(Node.prototype, 'firstChild', {
  get: function () { return this.childNodes.length ? this.childNodes[0] : null; }
});
Object.defineProperty(Node.prototype, 'form', {
  get: function () {
    var p = this.parentNode;
    while (p && p.tagName !== 'FORM') { p = p.parentNode; }
    return p;
  }
});

function matchOne(el, sel) {
  var m = /^([a-z]*)((?:\[[^\]]+\])*)$/i.exec(sel.replace(/^\s+|\s+$/g, ''));
  if (!m || (m[1] && el.tagName !== m[1].toUpperCase())) { return false; }
  var conds = m[2].match(/\[[^\]]+\]/g) || [];
  for (var i = 0; i < conds.length; i++) {
    var c = /^\[([\w-]+)(?:="([^"]*)")?\]$/.exec(conds[i]);
    if (!el.hasAttribute(c[1])) { return false; }
    if (c[2] !== undefined && el.getAttribute(c[1]) !== c[2]) { return false; }
  }
  return true;
}
Node.prototype.querySelectorAll = function (sel) {
  var parts = sel.split(','), out = [];
  (function walk(n) {
    for (var i = 0; i < n.childNodes.length; i++) {
      var c = n.childNodes[i];
      for (var j = 0; j < parts.length; j++) {
        if (matchOne(c, parts[j])) { out.push(c); break; }
      }
      walk(c);
    }
  })(this);
  return out;
};
Node.prototype.querySelector = function (sel) {
  var all = this.querySelectorAll(sel);
  return all.length ? all[0] : null;
};

function queue(rec) {
  for (var i = 0; i < observers.length; i++) {
    var o = observers[i];
    if (rec.type === 'attributes' && o.filter && o.filter.indexOf(rec.attributeName) < 0) { continue; }
    o.records.push(rec);
  }
}
function MutationObserver(fn) {
  this.fn = fn;
  this.records = [];
}
MutationObserver.prototype.observe = function (root, opts) {
  this.filter = opts.attributeFilter || null;
  observers.push(this);
};
MutationObserver.prototype.takeRecords = function () {
  var r = this.records;
  this.records = [];
  return r;
};
function flush() {
  for (var round = 0; round < 100; round++) {
    var pending = false;
    for (var i = 0; i < observers.length; i++) {
      var recs = observers[i].takeRecords();
      if (recs.length) {
        pending = true;
        observers[i].fn(recs, observers[i]);
      }
    }
    if (!pending) { return round; }
  }
  return -1;
}

var root = new Node('html');
var body = new Node('body');
root.appendChild(body);
var document = {
  documentElement: root,
  body: body,
  createElement: function (tag) { return new Node(tag); },
  addEventListener: function (type, fn, capture) {
    listeners.push({ type: type, fn: fn, capture: !!capture });
  }
};
function el(tag, attrs, parent) {
  var n = new Node(tag);
  for (var k in attrs) { n.attrs[k] = attrs[k]; }
  (parent || body).appendChild(n);
  return n;
}
function dispatch(type, target, props) {
  var ev = { type: type, target: target, defaultPrevented: false, button: 0 };
  for (var k in props) { ev[k] = props[k]; }
  ev.preventDefault = function () { ev.defaultPrevented = true; };
  [true, false].forEach(function (capture) {
    listeners.forEach(function (l) {
      if (l.type === type && l.capture === capture) { l.fn(ev); }
    });
  });
  return ev;
}
var location = { assign: function (u) { navigations.push('assign ' + u); } };
function open(u, target) { navigations.push('open ' + u + ' ' + target); }
function setInterval(fn, ms) { timers.push({ fn: fn, ms: ms }); return timers.length; }
`

func jsString(t *testing.T, vm *goja.Runtime, expr string) string {
	t.Helper()
	v, err := vm.RunString(expr)
	require.NoError(t, err)
	return v.String()
}

func jsInt(t *testing.T, vm *goja.Runtime, expr string) int64 {
	t.Helper()
	v, err := vm.RunString(expr)
	require.NoError(t, err)
	return v.ToInteger()
}

func TestScript_ObserverSettles(t *testing.T) {
	reg, err := codec.NewRegistry("")
	require.NoError(t, err)

	for _, c := range reg.All() {
		t.Run(c.Name(), func(t *testing.T) {
			proxied := c.Encode(mustParse(t, "https://ex.com/login"), testOrigin).String()
			setup := domShim + `
var post = el('form', {method: 'post', action: ` + strconv.Quote(proxied) + `});
var get = el('form', {action: '/search'});
var btn = el('button', {formaction: '/alt'}, get);
var a = el('a', {href: 'next.html'});
`
			vm := runScript(t, c, setup)

			// The initial scan queues records of its own writes.
			rounds := jsInt(t, vm, "flush()")
			assert.GreaterOrEqual(t, rounds, int64(0))
			assert.LessOrEqual(t, rounds, int64(2))
			assert.Equal(t, proxied, jsString(t, vm, "post.getAttribute('action')"))
			assert.Equal(t, "https://ex.com/dir/next.html", decodeJS(t, reg, jsString(t, vm, "a.getAttribute('href')")))

			_, err := vm.RunString(`a.setAttribute('href', '/later'); var img = el('img', {src: 'late.png'}, get);`)
			require.NoError(t, err)
			rounds = jsInt(t, vm, "flush()")
			assert.GreaterOrEqual(t, rounds, int64(0))
			assert.LessOrEqual(t, rounds, int64(2))
			assert.Equal(t, "https://ex.com/later", decodeJS(t, reg, jsString(t, vm, "a.getAttribute('href')")))
			assert.Equal(t, "https://ex.com/dir/late.png", decodeJS(t, reg, jsString(t, vm, "img.getAttribute('src')")))
			assert.Equal(t, int64(0), jsInt(t, vm, "flush()"))
		})
	}
}

func TestScript_SubmitRewritesEmptyAndFragmentActions(t *testing.T) {
	vm := runScript(t, codec.PathCodec{}, domShim)

	_, err := vm.RunString(`
var forms = [el('form', {action: ''}), el('form', {action: '#top'}), el('form', {})];
forms.forEach(function (f) { dispatch('submit', f, {}); });
var actions = forms.map(function (f) { return f.getAttribute('action'); });
`)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/dir/page.html",
			jsString(t, vm, "actions["+strconv.Itoa(i)+"]"))
	}
}

func TestScript_SubmitQueryCodecGETFields(t *testing.T) {
	vm := runScript(t, codec.QueryCodec{}, domShim)

	_, err := vm.RunString(`
var form = el('form', {action: '/search?x=1'});
var q = el('input', {name: 'q'}, form);
var other = el('button', {formaction: '/alt'}, form);
dispatch('submit', form, {submitter: other});
var field = form.querySelector('input[name="url"][data-webproxy]');
var viaOther = field.value;
dispatch('submit', form, {});
var viaForm = field.value;
`)
	require.NoError(t, err)

	assert.Equal(t, "http://proxy.test:8080/proxy", jsString(t, vm, "form.getAttribute('action')"))
	assert.Equal(t, "http://proxy.test:8080/proxy", jsString(t, vm, "other.getAttribute('formaction')"))
	assert.Equal(t, "hidden", jsString(t, vm, "field.getAttribute('type')"))
	assert.Equal(t, "true", jsString(t, vm, "String(form.firstChild === field)"))
	assert.Equal(t, "https://ex.com/alt", jsString(t, vm, "viaOther"))
	assert.Equal(t, "https://ex.com/search", jsString(t, vm, "viaForm"))
	assert.Equal(t, int64(1), jsInt(t, vm, "form.querySelectorAll('input[data-webproxy]').length"))
}

func TestScript_ClickNavigation(t *testing.T) {
	tests := []struct {
		name      string
		setup     string
		anchor    string
		props     string
		want      string
		prevented bool
	}{
		{
			name:      "nested element",
			anchor:    `{href: 'next.html'}`,
			props:     `{}`,
			want:      "assign http://proxy.test:8080/s/https/ex.com/dir/next.html",
			prevented: true,
		},
		{
			name:      "named target",
			anchor:    `{href: '/x', target: '_blank', rel: 'noopener'}`,
			props:     `{}`,
			want:      "open http://proxy.test:8080/s/https/ex.com/x _blank",
			prevented: true,
		},
		{
			name:   "modifier key",
			anchor: `{href: 'next.html'}`,
			props:  `{ctrlKey: true}`,
		},
		{
			name:   "middle button",
			anchor: `{href: 'next.html'}`,
			props:  `{button: 1}`,
		},
		{
			name:   "download",
			anchor: `{href: 'file.zip', download: ''}`,
			props:  `{}`,
		},
		{
			name:   "script href",
			anchor: `{href: 'javascript:void(0)'}`,
			props:  `{}`,
		},
		{
			name: "page handled",
			setup: `
document.addEventListener('click', function (ev) { ev.preventDefault(); }, true);
`,
			anchor:    `{href: 'next.html'}`,
			props:     `{}`,
			prevented: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := runScript(t, codec.PathCodec{}, domShim+tt.setup)
			_, err := vm.RunString(`
var a = el('a', ` + tt.anchor + `);
var span = el('span', {}, a);
var ev = dispatch('click', span, ` + tt.props + `);
`)
			require.NoError(t, err)

			assert.Equal(t, tt.want, jsString(t, vm, "navigations.join('|')"))
			assert.Equal(t, tt.prevented, jsString(t, vm, "String(ev.defaultPrevented)") == "true")
		})
	}
}

func TestScript_ClickRewritesHrefBeforePageHandlers(t *testing.T) {
	setup := domShim + `
var seen = '';
`
	vm := runScript(t, codec.PathCodec{}, setup)
	_, err := vm.RunString(`
document.addEventListener('click', function (ev) { seen = ev.target.parentNode.getAttribute('href'); ev.preventDefault(); }, false);
var a = el('a', {href: 'next.html'});
var span = el('span', {}, a);
dispatch('click', span, {});
`)
	require.NoError(t, err)

	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/dir/next.html", jsString(t, vm, "seen"))
}

func TestScript_RescanFixesLateElements(t *testing.T) {
	off := false
	cfg := &config.Config{Inject: config.InjectConfig{RescanIntervalMS: 500, ObserveMutations: &off}}
	vm := runScriptWith(t, New(cfg), codec.PathCodec{}, domShim)

	require.Equal(t, int64(1), jsInt(t, vm, "timers.length"))
	assert.Equal(t, int64(500), jsInt(t, vm, "timers[0].ms"))
	assert.Equal(t, int64(0), jsInt(t, vm, "observers.length"))

	_, err := vm.RunString(`
var img = new Node('img');
img.attrs.src = 'late.png';
body.childNodes.push(img);
img.parentNode = body;
`)
	require.NoError(t, err)
	assert.Equal(t, "late.png", jsString(t, vm, "img.getAttribute('src')"))

	_, err = vm.RunString("timers[0].fn()")
	require.NoError(t, err)
	assert.Equal(t, "http://proxy.test:8080/s/https/ex.com/dir/late.png", jsString(t, vm, "img.getAttribute('src')"))
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func decodeJS(t *testing.T, reg *codec.Registry, raw string) string {
	t.Helper()
	target, err := reg.Decode(mustParse(t, raw))
	require.NoError(t, err, "not a proxy URL: %s", raw)
	return target.String()
}

func TestScript_RunsOnce(t *testing.T) {
	vm := runScript(t, codec.PathCodec{}, "")
	before, err := vm.RunString("__webproxy")
	require.NoError(t, err)

	rc := model.NewRewriteContext(testPage, testOrigin, codec.TokenCodec{})
	_, err = vm.RunString(newInjector().Script(rc))
	require.NoError(t, err)

	after, err := vm.RunString("__webproxy.config.codec")
	require.NoError(t, err)
	assert.Equal(t, "path", after.String())
	assert.NotNil(t, before)
}

func TestScript_ConfigCannotCloseScriptElement(t *testing.T) {
	page, _ := url.Parse("https://ex.com/search?q=</script><script>alert(1)</script>")
	rc := model.NewRewriteContext(page, testOrigin, codec.PathCodec{})
	src := newInjector().Script(rc)
	assert.NotContains(t, strings.ToLower(src), "</script")
}

func TestNew_FromConfig(t *testing.T) {
	off := false
	cfg := &config.Config{Inject: config.InjectConfig{Enabled: &off, RescanIntervalMS: 750}}
	i := New(cfg)
	assert.False(t, i.Enabled())
	assert.Equal(t, 750, i.rescanMS)
	assert.True(t, i.observe)

	var nilInjector *Injector
	assert.False(t, nilInjector.Enabled())
}
