package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gigachain-team/giga-agent/internal/observability"
	"github.com/gigachain-team/giga-agent/internal/tracing"
	"github.com/gigachain-team/giga-agent/pkg/kernel"
	"github.com/gigachain-team/giga-agent/pkg/normalizer"
	"github.com/gigachain-team/giga-agent/pkg/registry"
	"github.com/gigachain-team/giga-agent/pkg/toolclient"
	"github.com/gigachain-team/giga-agent/pkg/toolschema"
)

const (
	commentTemplate = "The user left a comment on your tool call. Read it and decide how to proceed: %q"
	msgWriteCode    = "Write the code in your message!"
)

// executeTool runs an approved or commented call and returns the tool
// message answering it. Failures become error messages, never turn errors.
func (c *Controller) executeTool(ctx context.Context, t *turn, call ToolCall, dec Decision) Message {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.execute_tool",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	st := t.st
	start := time.Now()
	msg := Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		ToolCallID: call.ID,
		Metadata: map[string]any{
			MetaToolName:        call.Name,
			MetaToolAttachments: []any{},
		},
	}

	if dec.Type == DecisionComment {
		msg.Content = normalizer.MessageEnvelope(fmt.Sprintf(commentTemplate, dec.Message)).Content()
		observability.RecordToolCall(call.Name, "", "commented", 0)
		return msg
	}

	args := make(map[string]any, len(call.Args)+1)
	maps.Copy(args, call.Args)

	if call.Name == kernel.PythonToolName {
		var code string
		if c.agent.CodeFromMessage {
			code = kernel.ExtractCode(assistantContent(st))
		} else {
			arg, _ := args["code"].(string)
			code = kernel.UnwrapCode(arg)
		}
		if strings.TrimSpace(code) == "" {
			msg.Content = normalizer.MessageEnvelope(msgWriteCode).Content()
			observability.RecordToolCall(call.Name, registry.KindBuiltin.String(), "skipped", 0)
			return msg
		}
		args["code"] = kernel.PrependCode(code, c.preamble(st, t.tools))
	}

	tool, local := c.registry.Lookup(call.Name)
	kind := registry.KindRemote.String()
	if local {
		kind = tool.Kind().String()
	}

	raw, err := c.dispatch(ctx, st, call.Name, tool, local, args)
	if err != nil {
		tracing.RecordError(span, err)
		return c.errorMessage(ctx, t, msg, call, kind, err, time.Since(start))
	}

	st.ToolCallIndex++
	raw = decodeResult(raw)

	isAgent := local && tool.Kind() == registry.KindSubAgent
	env, record, ok := normalizer.Normalize(raw, call.Name, isAgent, st.ToolCallIndex)
	if !ok {
		msg.Content = normalizer.Passthrough(raw)
		c.recordSuccess(ctx, t, call, kind, time.Since(start), false)
		return msg
	}

	if err := c.recordResult(ctx, st, record); err != nil {
		tracing.RecordError(span, err)
		return c.errorMessage(ctx, t, msg, call, kind, err, time.Since(start))
	}
	if env.Truncated {
		observability.RecordOversizedResult(call.Name)
	}

	msg.Content = env.Content()
	if env.Attachments != nil {
		msg.Attachments = env.Attachments
		msg.Metadata[MetaToolAttachments] = env.Attachments
	}
	c.recordSuccess(ctx, t, call, kind, time.Since(start), env.Truncated)
	return msg
}

// dispatch sends the call to the local tool or to the tool client. A panic
// in the tool is returned as an error.
func (c *Controller) dispatch(ctx context.Context, st *State, name string, tool registry.Tool, local bool, args map[string]any) (raw any, err error) {
	defer func() {
		if p := recover(); p != nil {
			raw, err = nil, fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()

	if local {
		if tool.Kind() != registry.KindRemote {
			if err := toolschema.ValidateArgs(tool.Descriptor().Parameters, args); err != nil {
				return nil, err
			}
		}
		return tool.Invoke(ctx, args, registry.InvokeContext{
			ThreadID:     st.ThreadID,
			CheckpointID: st.CheckpointID,
			KernelID:     st.KernelID,
			State:        st.injected(),
			ResultIndex:  &st.ToolCallIndex,
		})
	}
	if c.tools == nil {
		return nil, fmt.Errorf("%w: %s", toolclient.ErrToolNotFound, name)
	}
	return c.tools.Invoke(ctx, name, args, toolclient.Session{
		ThreadID:     st.ThreadID,
		CheckpointID: st.CheckpointID,
	})
}

// recordResult appends the full result to function_results in the kernel.
func (c *Controller) recordResult(ctx context.Context, st *State, record *normalizer.Record) error {
	if c.kernel == nil || st.KernelID == "" || record == nil {
		return nil
	}
	code, err := kernel.AppendResultCode(record)
	if err != nil {
		return err
	}
	if _, err := c.kernel.Execute(ctx, st.KernelID, code); err != nil {
		return fmt.Errorf("store result in kernel: %w", err)
	}
	return nil
}

func (c *Controller) errorMessage(ctx context.Context, t *turn, msg Message, call ToolCall, kind string, err error, dur time.Duration) Message {
	outcome := "error"
	if errors.Is(err, toolclient.ErrToolNotFound) {
		outcome = "not_found"
	}
	t.logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call failed")

	msg.Content = normalizer.ErrorEnvelope(err).Content()
	msg.Metadata[MetaIsError] = true

	observability.RecordToolCall(call.Name, kind, outcome, dur)
	observability.RecordToolAudit(ctx, t.st.ThreadID, call.Name, outcome, map[string]any{
		"call_id": call.ID,
		"error":   err.Error(),
	})
	return msg
}

func (c *Controller) recordSuccess(ctx context.Context, t *turn, call ToolCall, kind string, dur time.Duration, truncated bool) {
	t.logger.Debug().Str("tool", call.Name).Dur("duration", dur).Bool("truncated", truncated).Msg("Tool call finished")
	observability.RecordToolCall(call.Name, kind, "success", dur)
	observability.RecordToolAudit(ctx, t.st.ThreadID, call.Name, "success", map[string]any{
		"call_id":   call.ID,
		"index":     t.st.ToolCallIndex,
		"truncated": truncated,
	})
}

// decodeResult parses string results holding JSON. Anything else is kept.
func decodeResult(raw any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return raw
	}
	return v
}

// assistantContent is the text of the newest assistant message.
func assistantContent(st *State) string {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role == RoleAssistant {
			return st.Messages[i].Content
		}
	}
	return ""
}
