// Package mcpproxy relays browser MCP traffic to arbitrary MCP servers and
// converts MCP tool output into agent tool results.
package mcpproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gigachain-team/giga-agent/internal/observability"
)

const (
	mcpMarker       = "/mcp/@"
	wellKnownPrefix = "/.well-known/"
)

// Proxy forwards /mcp/@<url> and /.well-known/<prefix>/@<url> requests.
// Targets are read from the raw request URI, so it must sit in front of
// any ServeMux (which would clean the "://" in the path).
type Proxy struct {
	proxy  *httputil.ReverseProxy
	logger zerolog.Logger
}

// New creates the proxy.
func New(logger zerolog.Logger) *Proxy {
	observability.EnsureRegistered()
	p := &Proxy{logger: logger}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := *pr.In.Context().Value(targetKey{}).(*url.URL)
			pr.Out.URL = &target
			pr.Out.Host = target.Host
			pr.Out.Header.Set("Accept-Encoding", "identity")
		},
		// flush every write so SSE streams are not buffered
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Content-Encoding")
			setCORS(resp.Header, origin(resp.Request))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn().Err(err).Str("target", r.Context().Value(targetKey{}).(*url.URL).String()).Msg("Upstream request failed")
			setCORS(w.Header(), origin(r))
			http.Error(w, fmt.Sprintf("Upstream request failed: %v", err), http.StatusBadGateway)
		},
	}
	return p
}

type targetKey struct{}

// Wrap serves proxy routes and hands everything else to next.
func (p *Proxy) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := rawPath(r)
		switch {
		case strings.HasPrefix(path, mcpMarker):
			p.serve(w, r, "mcp", mcpTarget(r))
		case strings.HasPrefix(path, wellKnownPrefix) && strings.Contains(path, "/@"):
			p.serve(w, r, "well_known", wellKnownTarget(r))
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, route string, target *url.URL) {
	if target == nil {
		observability.RecordHTTPRequest("mcpproxy", route, http.StatusBadRequest)
		http.Error(w, "Invalid target URL", http.StatusBadRequest)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() { observability.RecordHTTPRequest("mcpproxy", route, rec.status) }()

	p.logger.Debug().Str("method", r.Method).Str("target", target.String()).Msg("Proxying MCP request")
	ctx := context.WithValue(r.Context(), targetKey{}, target)
	p.proxy.ServeHTTP(rec, r.WithContext(ctx))
}

// mcpTarget extracts the URL after /mcp/@.
func mcpTarget(r *http.Request) *url.URL {
	return parseTarget(afterMarker(r, mcpMarker))
}

// wellKnownTarget maps /.well-known/<prefix>/@<url> to
// <scheme>://<host>/.well-known/<prefix> keeping the incoming query.
func wellKnownTarget(r *http.Request) *url.URL {
	path := rawPath(r)
	rest := strings.TrimPrefix(path, wellKnownPrefix)
	idx := strings.Index(rest, "/@")
	if idx <= 0 {
		return nil
	}
	prefix := rest[:idx]

	target := parseTarget(afterMarker(r, wellKnownPrefix+prefix+"/@"))
	if target == nil {
		return nil
	}
	return &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		Path:     wellKnownPrefix + prefix,
		RawQuery: r.URL.RawQuery,
	}
}

func rawPath(r *http.Request) string {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		return uri[:i]
	}
	return uri
}

// afterMarker returns the unescaped remainder of the request URI (query
// included) after marker.
func afterMarker(r *http.Request, marker string) string {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	idx := strings.Index(uri, marker)
	if idx < 0 {
		return ""
	}
	raw := uri[idx+len(marker):]
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return raw
}

// parseTarget accepts absolute http(s) URLs. Intermediaries sometimes
// collapse "://" into ":/", which is repaired.
func parseTarget(raw string) *url.URL {
	switch {
	case strings.HasPrefix(raw, "http:/") && !strings.HasPrefix(raw, "http://"):
		raw = "http://" + strings.TrimPrefix(raw, "http:/")
	case strings.HasPrefix(raw, "https:/") && !strings.HasPrefix(raw, "https://"):
		raw = "https://" + strings.TrimPrefix(raw, "https:/")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil
	}
	return u
}

func origin(r *http.Request) string {
	if r != nil {
		if o := r.Header.Get("Origin"); o != "" {
			return o
		}
	}
	return "*"
}

func setCORS(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush keeps streaming responses flowing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
