package tasks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(openTestStore(t), zerolog.Nop()).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func request(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	}
	return resp, raw
}

func TestHandler(t *testing.T) {
	srv := newTestAPI(t)

	resp, raw := request(t, http.MethodPost, srv.URL+"/tasks/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created Task
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotEmpty(t, created.ID)

	t.Run("should list tasks with decoded json_data", func(t *testing.T) {
		resp, raw := request(t, http.MethodGet, srv.URL+"/tasks/", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var list []map[string]any
		require.NoError(t, json.Unmarshal(raw, &list))
		require.Len(t, list, 1)
		assert.Equal(t, map[string]any{"message": "", "attachments": []any{}}, list[0]["json_data"])
	})

	t.Run("should update a task partially", func(t *testing.T) {
		resp, raw := request(t, http.MethodPut, srv.URL+"/tasks/"+created.ID+"/", `{"steps": 4, "active": true}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var task Task
		require.NoError(t, json.Unmarshal(raw, &task))
		assert.Equal(t, 4, task.Steps)
		assert.True(t, task.Active)
		assert.Equal(t, created.Sorting, task.Sorting)
	})

	t.Run("should get a task without the trailing slash", func(t *testing.T) {
		resp, raw := request(t, http.MethodGet, srv.URL+"/tasks/"+created.ID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var task Task
		require.NoError(t, json.Unmarshal(raw, &task))
		assert.Equal(t, 4, task.Steps)
	})

	t.Run("should reject malformed updates", func(t *testing.T) {
		resp, _ := request(t, http.MethodPut, srv.URL+"/tasks/"+created.ID+"/", `{"steps": "many"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should return 404 for missing tasks", func(t *testing.T) {
		resp, raw := request(t, http.MethodGet, srv.URL+"/tasks/missing/", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.JSONEq(t, `{"error":{"code":"not_found","message":"Task not found"}}`, string(raw))
	})

	t.Run("should delete a task", func(t *testing.T) {
		resp, _ := request(t, http.MethodDelete, srv.URL+"/tasks/"+created.ID+"/", "")
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, _ = request(t, http.MethodDelete, srv.URL+"/tasks/"+created.ID+"/", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
