package agent

import (
	"strings"
	"time"

	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/tools/rag"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Status is the thread's position in the turn loop.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusDone             Status = "done"
)

// metadata keys
const (
	MetaRendered        = "rendered"
	MetaFunctionCall    = "function_call"
	MetaToolAttachments = "tool_attachments"
	MetaToolName        = "tool_name"
	MetaIsError         = "is_error"
	MetaAnnotated       = "annotated"
	MetaOriginalContent = "original_content"
)

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FileRef is a file the user uploaded with a message.
type FileRef struct {
	Path      string `json:"path"`
	ImagePath string `json:"image_path,omitempty"`
	FileType  string `json:"file_type,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Message represents a message in the conversation
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	ToolCalls   []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Files       []FileRef         `json:"files,omitempty"`
	Selected    map[string]string `json:"selected,omitempty"`
	Attachments []any             `json:"attachments,omitempty"`
}

// State is the persisted state of a thread.
type State struct {
	ThreadID      string                `json:"thread_id"`
	CheckpointID  string                `json:"checkpoint_id"`
	Messages      []Message             `json:"messages"`
	KernelID      string                `json:"kernel_id,omitempty"`
	ToolCallIndex int                   `json:"tool_call_index"`
	Tools         []registry.Descriptor `json:"tools,omitempty"`
	MCPTools      []registry.Descriptor `json:"mcp_tools,omitempty"`
	Collections   []rag.Collection      `json:"collections,omitempty"`
	Status        Status                `json:"status"`
	Pending       *ToolCall             `json:"pending,omitempty"`
	// Iterations counts model calls of the current turn.
	Iterations int       `json:"iterations"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewState returns the state of a fresh thread.
func NewState(threadID string) *State {
	return &State{ThreadID: threadID, ToolCallIndex: -1, Status: StatusIdle}
}

// SessionThreadID implements registry.SessionView.
func (s *State) SessionThreadID() string { return s.ThreadID }

// SessionCollectionIDs implements registry.SessionView.
func (s *State) SessionCollectionIDs() []string {
	ids := make([]string, 0, len(s.Collections))
	for _, c := range s.Collections {
		ids = append(ids, c.UUID)
	}
	return ids
}

// Last returns the newest message, or nil.
func (s *State) Last() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// LastAnswer returns the content of the newest assistant message.
func (s *State) LastAnswer() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Content
		}
	}
	return ""
}

// injected is the view of the state handed to sub-agents and built-ins: the
// state without its messages.
func (s *State) injected() *State {
	cp := *s
	cp.Messages = nil
	cp.Pending = nil
	return &cp
}

// Input is a user message starting a turn.
type Input struct {
	Content  string            `json:"content"`
	Files    []FileRef         `json:"files,omitempty"`
	Selected map[string]string `json:"selected,omitempty"`
	// Collections and MCPTools replace the thread's values when non-nil.
	Collections []rag.Collection      `json:"collections,omitempty"`
	MCPTools    []registry.Descriptor `json:"mcp_tools,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// AgentConfig configures model calls and the turn loop.
type AgentConfig struct {
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	MaxRetries      int     `json:"max_retries,omitempty"`
	Language        string  `json:"language,omitempty"`
	UserNotes       string  `json:"user_notes,omitempty"`
	CodeFromMessage bool    `json:"code_from_message"`
	// MaxIterations caps model calls per turn; 0 means unlimited.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// DefaultConfig returns default agent configuration
func DefaultConfig() AgentConfig {
	return AgentConfig{
		Model:           "gpt-4o",
		Temperature:     0.3,
		MaxTokens:       4096,
		MaxRetries:      3,
		Language:        "ru",
		CodeFromMessage: true,
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
