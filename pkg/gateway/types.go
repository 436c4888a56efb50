package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gigachain-team/giga-agent/pkg/agent"
)

// EventMessage is a server-initiated websocket frame.
type EventMessage struct {
	Type      string `json:"type"`
	Event     string `json:"event"`
	ThreadID  string `json:"thread_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Seq       int64  `json:"seq"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
}

// ThreadView is the API representation of a thread.
type ThreadView struct {
	ThreadID      string          `json:"thread_id"`
	CheckpointID  string          `json:"checkpoint_id,omitempty"`
	Status        agent.Status    `json:"status"`
	Running       bool            `json:"running"`
	Pending       *agent.ToolCall `json:"pending,omitempty"`
	ToolCallIndex int             `json:"tool_call_index"`
	Messages      []agent.Message `json:"messages"`
	Answer        string          `json:"answer,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Error         string          `json:"error,omitempty"`
}

func newThreadView(st *agent.State, running bool) ThreadView {
	messages := st.Messages
	if messages == nil {
		messages = []agent.Message{}
	}
	return ThreadView{
		ThreadID:      st.ThreadID,
		CheckpointID:  st.CheckpointID,
		Status:        st.Status,
		Running:       running,
		Pending:       st.Pending,
		ToolCallIndex: st.ToolCallIndex,
		Messages:      messages,
		Answer:        st.LastAnswer(),
		UpdatedAt:     st.UpdatedAt,
	}
}

// ErrorBody is the uniform error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeRateLimited  = "rate_limited"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ThreadID     string    `json:"threadId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client is a websocket subscriber of one thread.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ThreadID     string
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteMessage serializes writes; gorilla connections allow one writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteMessage(messageType, data)
}
