// Package kernel talks to the code-execution kernel service and provides the
// python and shell built-in tools that run inside a session kernel.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gigachain-team/giga-agent/internal/tracing"
)

const (
	DefaultBaseURL   = "http://127.0.0.1:9090"
	DefaultUploadURL = "http://127.0.0.1:9092"
	DefaultTimeout   = 60 * time.Second

	tracerName = "giga-agent/kernel"
)

// ErrKernelNotFound is returned when the kernel service does not know the id.
var ErrKernelNotFound = errors.New("kernel not found")

// ExecutionResult is the kernel's answer to a code request.
type ExecutionResult struct {
	Result      *string          `json:"result"`
	Attachments []map[string]any `json:"attachments"`
	IsException bool             `json:"is_exception"`
	Exception   string           `json:"exception"`
}

// Executor runs code in a kernel. *Client implements it.
type Executor interface {
	StartKernel(ctx context.Context) (string, error)
	Execute(ctx context.Context, kernelID, code string) (*ExecutionResult, error)
}

// Client is the kernel service client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client; an empty baseURL uses DefaultBaseURL and a
// zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StartKernel starts a kernel and returns its id.
func (c *Client) StartKernel(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "kernel.start")
	defer span.End()

	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/start", nil, &out); err != nil {
		tracing.RecordError(span, err)
		return "", fmt.Errorf("start kernel: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("start kernel: empty kernel id")
	}
	return out.ID, nil
}

// Execute runs code in kernelID.
func (c *Client) Execute(ctx context.Context, kernelID, code string) (*ExecutionResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "kernel.execute",
		attribute.String("kernel.id", kernelID),
		attribute.Int("code.length", len(code)),
	)
	defer span.End()

	var out ExecutionResult
	body := map[string]string{"kernel_id": kernelID, "script": code}
	if err := c.post(ctx, "/code", body, &out); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("execute in kernel %s: %w", kernelID, err)
	}
	span.SetAttributes(attribute.Bool("code.exception", out.IsException))
	return &out, nil
}

// Shutdown stops kernelID.
func (c *Client) Shutdown(ctx context.Context, kernelID string) error {
	if err := c.post(ctx, "/shutdown", map[string]string{"kernel_id": kernelID}, nil); err != nil {
		return fmt.Errorf("shutdown kernel %s: %w", kernelID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrKernelNotFound
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
