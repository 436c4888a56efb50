package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigachain-team/giga-agent/pkg/agent"
	"github.com/gigachain-team/giga-agent/pkg/checkpoint"
)

// fakeRunner keeps thread states in memory and answers every run with a
// fixed assistant message.
type fakeRunner struct {
	mu      sync.Mutex
	states  map[string]*agent.State
	running map[string]bool
	runErr  error
	panics  bool
	block   chan struct{}
	inputs  []agent.Input
	decided []agent.Decision
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		states:  make(map[string]*agent.State),
		running: make(map[string]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, threadID string, in agent.Input) (*agent.State, error) {
	f.mu.Lock()
	if f.runErr != nil {
		f.mu.Unlock()
		return nil, f.runErr
	}
	f.inputs = append(f.inputs, in)
	if f.panics {
		f.mu.Unlock()
		panic("runner exploded")
	}
	f.running[threadID] = true
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, threadID)
	st, ok := f.states[threadID]
	if !ok {
		st = agent.NewState(threadID)
		f.states[threadID] = st
	}
	st.CheckpointID = "cp-1"
	st.Messages = append(st.Messages,
		agent.Message{Role: agent.RoleUser, Content: in.Content},
		agent.Message{Role: agent.RoleAssistant, Content: "done: " + in.Content},
	)
	return st, nil
}

func (f *fakeRunner) Resume(ctx context.Context, threadID string, decision agent.Decision) (*agent.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[threadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	if st.Status != agent.StatusAwaitingApproval {
		return nil, agent.ErrNotAwaiting
	}
	f.decided = append(f.decided, decision)
	st.Status = agent.StatusIdle
	st.Pending = nil
	st.Messages = append(st.Messages, agent.Message{Role: agent.RoleAssistant, Content: "resumed"})
	return st, nil
}

func (f *fakeRunner) State(ctx context.Context, threadID string) (*agent.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[threadID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return st, nil
}

func (f *fakeRunner) History(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[threadID]; !ok {
		return nil, nil
	}
	return []checkpoint.Checkpoint{{ThreadID: threadID, CheckpointID: "cp-1"}}, nil
}

func (f *fakeRunner) Abort(threadID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[threadID]
}

func (f *fakeRunner) IsRunning(threadID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[threadID]
}

func newTestServer(t *testing.T, runner ThreadRunner, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{Runner: runner, Logger: zerolog.Nop(), TickInterval: -1}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeError(t *testing.T, raw []byte) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body.Error
}

func TestNewServer(t *testing.T) {
	t.Run("should require a runner", func(t *testing.T) {
		_, err := NewServer(Config{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should reject a negative port", func(t *testing.T) {
		_, err := NewServer(Config{Port: -1, Runner: newFakeRunner()})
		assert.Error(t, err)
	})
}

func TestServer_Threads(t *testing.T) {
	runner := newFakeRunner()
	_, ts := newTestServer(t, runner, nil)

	t.Run("should create a thread with a generated id", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads", nil, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.NotEmpty(t, body["thread_id"])
		assert.NotEmpty(t, resp.Header.Get("X-Trace-Id"))
	})

	t.Run("should run a turn and return the thread view", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs", agent.Input{Content: "hello"}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

		var view ThreadView
		require.NoError(t, json.Unmarshal(raw, &view))
		assert.Equal(t, "t1", view.ThreadID)
		assert.Equal(t, "cp-1", view.CheckpointID)
		assert.Equal(t, "done: hello", view.Answer)
		assert.Len(t, view.Messages, 2)
	})

	t.Run("should reject creating an existing thread", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads", map[string]string{"thread_id": "t1"}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, CodeConflict, decodeError(t, raw).Code)
	})

	t.Run("should return the thread state", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/threads/t1", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var view ThreadView
		require.NoError(t, json.Unmarshal(raw, &view))
		assert.Equal(t, agent.StatusIdle, view.Status)
		assert.False(t, view.Running)
	})

	t.Run("should return 404 for unknown threads", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/threads/missing", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, CodeNotFound, decodeError(t, raw).Code)
	})

	t.Run("should list the checkpoint history", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/threads/t1/history", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		require.Len(t, body.Checkpoints, 1)
		assert.Equal(t, "cp-1", body.Checkpoints[0].CheckpointID)
	})

	t.Run("should return an empty history for unknown threads", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/threads/none/history", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"checkpoints":[]}`, string(raw))
	})

	t.Run("should reject runs without content", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs", agent.Input{Content: "  "}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeBadRequest, decodeError(t, raw).Code)
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/threads/t1/runs", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should answer healthz", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, string(raw))
	})
}

func TestServer_Resume(t *testing.T) {
	runner := newFakeRunner()
	runner.states["t1"] = &agent.State{
		ThreadID: "t1",
		Status:   agent.StatusAwaitingApproval,
		Pending:  &agent.ToolCall{ID: "call-1", Name: "python"},
	}
	runner.states["idle"] = agent.NewState("idle")
	_, ts := newTestServer(t, runner, nil)

	t.Run("should reject unknown decision types", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/resume", map[string]string{"type": "maybe"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeBadRequest, decodeError(t, raw).Code)
	})

	t.Run("should resume an awaiting thread", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/resume", agent.Decision{Type: agent.DecisionApprove}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

		var view ThreadView
		require.NoError(t, json.Unmarshal(raw, &view))
		assert.Nil(t, view.Pending)
		assert.Equal(t, "resumed", view.Answer)
		assert.Equal(t, []agent.Decision{{Type: agent.DecisionApprove}}, runner.decided)
	})

	t.Run("should return 409 when nothing is pending", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/idle/resume", agent.Decision{Type: agent.DecisionApprove}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, CodeConflict, decodeError(t, raw).Code)
	})

	t.Run("should return 404 for unknown threads", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/threads/missing/resume", agent.Decision{Type: agent.DecisionApprove}, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServer_RunErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy thread", agent.ErrThreadBusy, http.StatusConflict, CodeConflict},
		{"awaiting approval", agent.ErrAwaitingApproval, http.StatusConflict, CodeConflict},
		{"unexpected failure", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run("should map "+tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.runErr = tt.err
			_, ts := newTestServer(t, runner, nil)

			resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs", agent.Input{Content: "hi"}, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, raw).Code)
		})
	}
}

func TestServer_Auth(t *testing.T) {
	_, ts := newTestServer(t, newFakeRunner(), func(cfg *Config) {
		cfg.SharedSecret = "s3cret"
	})

	t.Run("should reject requests without the secret", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodGet, ts.URL+"/threads/t1", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, CodeUnauthorized, decodeError(t, raw).Code)
	})

	t.Run("should accept a bearer secret", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/threads", nil, map[string]string{"Authorization": "Bearer s3cret"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("should reject streams without the secret", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/threads/t1/stream"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should leave healthz open", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_RateLimit(t *testing.T) {
	runner := newFakeRunner()
	_, ts := newTestServer(t, runner, func(cfg *Config) {
		cfg.RequestsPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs", agent.Input{Content: "hi"}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs", agent.Input{Content: "hi"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	detail := decodeError(t, raw)
	assert.Equal(t, CodeRateLimited, detail.Code)
	assert.Equal(t, "rate limit exceeded", detail.Message)
}

func TestServer_BackgroundRun(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s, ts := newTestServer(t, runner, nil)

	resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs?wait=false", agent.Input{Content: "later"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"thread_id":"t1","running":true}`, string(raw))

	require.Eventually(t, func() bool { return runner.IsRunning("t1") }, 2*time.Second, 10*time.Millisecond)

	t.Run("should refuse a second background run", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs?wait=false", agent.Input{Content: "again"}, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("should report the abort", func(t *testing.T) {
		resp, raw := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/abort", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"aborted":true}`, string(raw))
	})

	close(runner.block)
	require.Eventually(t, func() bool { return !runner.IsRunning("t1") }, 2*time.Second, 10*time.Millisecond)

	st, err := runner.State(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "done: later", st.LastAnswer())

	require.NoError(t, s.Stop())
}

func TestServer_BackgroundRunPanic(t *testing.T) {
	runner := newFakeRunner()
	runner.panics = true
	s, ts := newTestServer(t, runner, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/threads/t1/runs?wait=false", agent.Input{Content: "boom"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return len(runner.inputs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("should keep serving after a run panics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should release the in-flight run", func(t *testing.T) {
		require.NoError(t, s.Stop())
	})
}

func TestServer_Stream(t *testing.T) {
	clients := NewClientRegistry()
	broadcaster := NewEventBroadcaster(clients, zerolog.Nop())
	_, shared := newTestServer(t, newFakeRunner(), func(cfg *Config) {
		cfg.Clients = clients
		cfg.Broadcaster = broadcaster
	})

	wsURL := "ws" + strings.TrimPrefix(shared.URL, "http") + "/threads/t1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "stream.connected", hello.Event)
	assert.Equal(t, "t1", hello.ThreadID)

	require.Eventually(t, func() bool { return len(clients.ForThread("t1")) == 1 }, 2*time.Second, 10*time.Millisecond)

	broadcaster.Emit(agent.Event{Type: agent.EventInterrupt, ThreadID: "t1", Data: map[string]any{"tool": "python"}})

	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, string(agent.EventInterrupt), event.Event)
	assert.Equal(t, map[string]any{"tool": "python"}, event.Data)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return clients.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
