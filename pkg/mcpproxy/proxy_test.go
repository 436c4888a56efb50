package mcpproxy

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	method string
	path   string
	query  string
	body   string
	header http.Header
}

func newUpstream(t *testing.T) (*httptest.Server, chan seen) {
	t.Helper()
	ch := make(chan seen, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- seen{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body), header: r.Header.Clone()}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-1")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func newFront(t *testing.T) *httptest.Server {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("next"))
	})
	srv := httptest.NewServer(New(zerolog.Nop()).Wrap(next))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxy_MCP(t *testing.T) {
	upstream, ch := newUpstream(t)
	front := newFront(t)

	t.Run("should forward the request to the target", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, front.URL+"/mcp/@"+upstream.URL+"/mcp?session=1", strings.NewReader(`{"jsonrpc":"2.0"}`))
		require.NoError(t, err)
		req.Header.Set("Origin", "http://ui.local")
		req.Header.Set("Authorization", "Bearer upstream-token")
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"ok":true}`, string(body))
		assert.Equal(t, "http://ui.local", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "sess-1", resp.Header.Get("Mcp-Session-Id"))

		got := <-ch
		assert.Equal(t, http.MethodPost, got.method)
		assert.Equal(t, "/mcp", got.path)
		assert.Equal(t, "session=1", got.query)
		assert.Equal(t, `{"jsonrpc":"2.0"}`, got.body)
		assert.Equal(t, "identity", got.header.Get("Accept-Encoding"))
		assert.Equal(t, "Bearer upstream-token", got.header.Get("Authorization"))
	})

	t.Run("should use a wildcard origin without an Origin header", func(t *testing.T) {
		resp, err := http.Get(front.URL + "/mcp/@" + upstream.URL + "/sse")
		require.NoError(t, err)
		resp.Body.Close()
		<-ch

		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("should repair a collapsed scheme separator", func(t *testing.T) {
		target := strings.Replace(upstream.URL, "http://", "http:/", 1)
		resp, err := http.Get(front.URL + "/mcp/@" + target + "/fixed")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "/fixed", (<-ch).path)
	})

	t.Run("should reject targets that are not http urls", func(t *testing.T) {
		resp, err := http.Get(front.URL + "/mcp/@ftp://example.com/x")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "Invalid target URL")
	})

	t.Run("should answer 502 when the upstream is down", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL := dead.URL
		dead.Close()

		resp, err := http.Get(front.URL + "/mcp/@" + deadURL + "/mcp")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Contains(t, string(body), "Upstream request failed")
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("should pass other paths to the next handler", func(t *testing.T) {
		resp, err := http.Get(front.URL + "/tasks/")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, "next", string(body))
	})
}

func TestProxy_WellKnown(t *testing.T) {
	upstream, ch := newUpstream(t)
	front := newFront(t)

	resp, err := http.Get(front.URL + "/.well-known/oauth-authorization-server/@" + upstream.URL + "/api/mcp?resource=x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := <-ch
	assert.Equal(t, "/.well-known/oauth-authorization-server", got.path)
	assert.Equal(t, "resource=x", got.query)
}

func TestProxy_StreamsEvents(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		<-release
		_, _ = w.Write([]byte("data: second\n\n"))
	}))
	defer upstream.Close()
	front := newFront(t)

	resp, err := http.Get(front.URL + "/mcp/@" + upstream.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", line)

	close(release)
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "data: second")
}
