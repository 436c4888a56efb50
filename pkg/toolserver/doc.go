// Package toolserver hosts service tools behind the tool invocation wire
// format.
//
// Invariants:
// - Tool names are unique.
// - Arguments are schema-validated before the handler runs.
// - Results travel as a JSON string in the "data" field; errors use
//   {"error": {"code", "message"}}.
//
// Usage:
//
//	exec := toolserver.NewExecutor()
//	_ = exec.Register(toolserver.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
//		Handler: func(ctx context.Context, kwargs map[string]any, call toolserver.Call) (any, error) {
//			return kwargs["text"], nil
//		},
//	})
//	srv := toolserver.NewServer(exec, logger)
//	_ = srv.ListenAndServe(ctx, ":8811")
package toolserver
