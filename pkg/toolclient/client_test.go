package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigachain-team/giga-agent/pkg/registry"
)

func TestInvoke_RequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/weather", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data": "{\"temp\": 21}"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	res, err := c.Invoke(context.Background(), "weather", map[string]any{"city": "Moscow"}, Session{ThreadID: "t1", CheckpointID: "cp1"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"temp": float64(21)}, res)
	assert.Equal(t, map[string]any{"city": "Moscow"}, got["kwargs"])
	assert.Equal(t, "t1", got["thread_id"])
	assert.Equal(t, "cp1", got["checkpoint_id"])
}

func TestInvoke_DataDecoding(t *testing.T) {
	tests := []struct {
		name string
		body string
		want any
	}{
		{"json string payload", `{"data": "[1, 2]"}`, []any{float64(1), float64(2)}},
		{"plain string payload", `{"data": "just text"}`, "just text"},
		{"already structured", `{"data": {"k": "v"}}`, map[string]any{"k": "v"}},
		{"null", `{"data": null}`, nil},
		{"missing", `{}`, nil},
		{"quoted string inside string", `{"data": "\"hi\""}`, "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := New(srv.URL).Invoke(context.Background(), "t", nil, Session{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestInvoke_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"code": "tool_not_found", "message": "no such tool: nope"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Invoke(context.Background(), "nope", nil, Session{})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.False(t, errors.Is(err, ErrToolExecution))

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindNotFound, te.Kind)
	assert.Equal(t, 404, te.Status)
	assert.Equal(t, "no such tool: nope", te.Message)
}

func TestInvoke_ExecutionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail": "division by zero"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Invoke(context.Background(), "calc", nil, Session{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolExecution))
	assert.False(t, errors.Is(err, ErrToolNotFound))

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindExecution, te.Kind)
	assert.Equal(t, map[string]any{"detail": "division by zero"}, te.Detail)
	assert.Contains(t, err.Error(), "division by zero")
}

func TestInvoke_NonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Invoke(context.Background(), "x", nil, Session{})
	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "upstream down", te.Detail)
	assert.Equal(t, 502, te.Status)
}

func TestInvoke_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url).Invoke(context.Background(), "x", nil, Session{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolExecution))

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindNetwork, te.Kind)
}

func TestInvoke_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	calls := 0
	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	c.httpClient.Transport = countingTransport(&calls)

	_, err := c.Invoke(context.Background(), "slow", nil, Session{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolExecution))
	assert.Equal(t, 1, calls, "no retry on timeout")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func countingTransport(n *int) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		*n++
		return http.DefaultTransport.RoundTrip(r)
	})
}

func TestDefaults(t *testing.T) {
	c := New("")
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	assert.Equal(t, 600*time.Second, c.httpClient.Timeout)
}

func TestListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"name": "weather", "description": "Weather", "inputSchema": {"type": "object"}},
			{"name": "vk_get_posts", "description": "VK", "parameters": {"type": "object", "properties": {}}}
		]`))
	}))
	defer srv.Close()

	descs, err := New(srv.URL).ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "weather", descs[0].Name)
	assert.Equal(t, map[string]any{"type": "object"}, descs[0].Parameters)
	assert.Contains(t, descs[1].Parameters, "properties")
}

func TestRegisterRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools":
			_, _ = w.Write([]byte(`[{"name": "weather"}, {"name": "vk_get_posts"}]`))
		case "/weather":
			_, _ = w.Write([]byte(`{"data": "\"sunny\""}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	reg := registry.New(registry.WithEnv(func(string) string { return "" }))
	n, err := RegisterRemote(context.Background(), New(srv.URL), reg, registry.DefaultManifest())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "vk tools need VK_TOKEN")

	tool, ok := reg.Lookup("weather")
	require.True(t, ok)
	assert.Equal(t, registry.KindRemote, tool.Kind())

	res, err := tool.Invoke(context.Background(), nil, registry.InvokeContext{ThreadID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "sunny", res)
}
