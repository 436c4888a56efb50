// Package agent drives one conversational turn: prepare the thread, call the
// model, route its tool call through the approval gate, execute it, append the
// result and loop until the model answers without a tool call.
//
// Invariants:
// - At most one tool call is processed per model response.
// - ToolCallIndex never decreases within a thread.
// - A thread waiting for approval is persisted and resumed with Resume.
// - Tool failures become error-flagged tool messages; the turn continues.
//
// Usage:
//
//	ctrl, _ := agent.NewController(agent.Config{
//		Registry: reg,
//		Tools:    toolclient.New(cfg.ToolServer.BaseURL),
//		Kernel:   kernel.NewClient(cfg.Kernel.BaseURL, cfg.KernelTimeout()),
//		Store:    checkpoint.NewMemoryStore(),
//		Profiles: []agent.AuthProfile{{ID: "main", Provider: "openai", APIKey: key}},
//		Agent:    agent.DefaultConfig(),
//	})
//	st, _ := ctrl.Run(ctx, "thread-1", agent.Input{Content: "plot sin(x)"})
//	if st.Status == agent.StatusAwaitingApproval {
//		st, _ = ctrl.Resume(ctx, "thread-1", agent.Decision{Type: agent.DecisionApprove})
//	}
package agent
