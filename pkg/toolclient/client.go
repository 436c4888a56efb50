// Package toolclient calls tools hosted by a tool server over HTTP.
//
// Wire format: POST {base}/{tool} with {"kwargs", "thread_id",
// "checkpoint_id"}; a 200 response carries {"data": ...} where data is
// usually a JSON document encoded as a string.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gigachain-team/giga-agent/internal/tracing"
	"github.com/gigachain-team/giga-agent/pkg/registry"
)

const (
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "http://127.0.0.1:8811"
	// DefaultTimeout bounds a single invocation. There is no retry.
	DefaultTimeout = 600 * time.Second

	tracerName = "giga-agent/toolclient"
)

// Session identifies the conversation a call belongs to.
type Session struct {
	ThreadID     string
	CheckpointID string
}

type invokeRequest struct {
	Kwargs       map[string]any `json:"kwargs"`
	ThreadID     string         `json:"thread_id"`
	CheckpointID string         `json:"checkpoint_id"`
}

type invokeResponse struct {
	Data json.RawMessage `json:"data"`
}

// Client is a stateless tool server client. Thread and checkpoint ids are
// passed per call, so a Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for baseURL. An empty baseURL uses DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.Logger.With().Str("component", "toolclient").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the tool server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Invoke calls toolName with kwargs. On success the "data" field is
// returned; a string payload is decoded as JSON when possible and returned
// verbatim otherwise.
func (c *Client) Invoke(ctx context.Context, toolName string, kwargs map[string]any, s Session) (any, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolclient.invoke",
		attribute.String("tool.name", toolName),
		attribute.String("thread.id", s.ThreadID),
	)
	defer span.End()

	if kwargs == nil {
		kwargs = map[string]any{}
	}
	body, err := json.Marshal(invokeRequest{Kwargs: kwargs, ThreadID: s.ThreadID, CheckpointID: s.CheckpointID})
	if err != nil {
		err = &Error{Kind: KindExecution, Tool: toolName, Message: "encode kwargs: " + err.Error(), cause: err}
		tracing.RecordError(span, err)
		return nil, err
	}

	endpoint := c.baseURL + "/" + url.PathEscape(toolName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		err = &Error{Kind: KindNetwork, Tool: toolName, Message: err.Error(), cause: err}
		tracing.RecordError(span, err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	logger := tracing.LoggerFromContext(ctx, c.logger)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("tool", toolName).Dur("elapsed", time.Since(start)).Msg("Tool server request failed")
		err = &Error{Kind: KindNetwork, Tool: toolName, Message: err.Error(), cause: err}
		tracing.RecordError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		err = &Error{Kind: KindNetwork, Status: resp.StatusCode, Tool: toolName, Message: "read body: " + err.Error(), cause: err}
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch resp.StatusCode {
	case http.StatusOK:
		var out invokeResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			err = &Error{Kind: KindDecode, Status: resp.StatusCode, Tool: toolName, Message: "decode response: " + err.Error(), Detail: string(raw), cause: err}
			tracing.RecordError(span, err)
			return nil, err
		}
		logger.Debug().Str("tool", toolName).Dur("elapsed", time.Since(start)).Int("bytes", len(raw)).Msg("Tool invoked")
		return decodeData(out.Data), nil
	case http.StatusNotFound:
		err := newHTTPError(KindNotFound, resp.StatusCode, toolName, raw)
		tracing.RecordError(span, err)
		return nil, err
	default:
		err := newHTTPError(KindExecution, resp.StatusCode, toolName, raw)
		logger.Warn().Str("tool", toolName).Int("status", resp.StatusCode).Msg("Tool execution failed")
		tracing.RecordError(span, err)
		return nil, err
	}
}

// decodeData performs the second decoding stage: the tool server returns
// the result as a JSON string inside the JSON envelope.
func decodeData(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	var outer any
	if err := json.Unmarshal(data, &outer); err != nil {
		return string(data)
	}
	s, ok := outer.(string)
	if !ok {
		return outer
	}
	var inner any
	if err := json.Unmarshal([]byte(s), &inner); err != nil {
		return s
	}
	return inner
}

func newHTTPError(kind ErrorKind, status int, tool string, raw []byte) *Error {
	e := &Error{Kind: kind, Status: status, Tool: tool}

	var detail any
	if err := json.Unmarshal(raw, &detail); err != nil {
		e.Detail = string(raw)
		e.Message = strings.TrimSpace(string(raw))
	} else {
		e.Detail = detail
		e.Message = messageFrom(detail)
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// messageFrom extracts a human readable message from the error bodies the
// known servers produce: {"error": {"message"}}, {"error": "..."},
// {"detail": "..."} and {"message": "..."}.
func messageFrom(detail any) string {
	m, ok := detail.(map[string]any)
	if !ok {
		if s, ok := detail.(string); ok {
			return s
		}
		return ""
	}
	switch v := m["error"].(type) {
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	case string:
		return v
	}
	for _, key := range []string{"detail", "message"} {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

// ListTools fetches the tool descriptors the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]registry.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list tools: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var items []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
		Parameters  map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}

	out := make([]registry.Descriptor, 0, len(items))
	for _, it := range items {
		params := it.Parameters
		if params == nil {
			params = it.InputSchema
		}
		out = append(out, registry.Descriptor{Name: it.Name, Description: it.Description, Parameters: params})
	}
	return out, nil
}
