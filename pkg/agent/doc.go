// Package agent runs agent contexts: trees of agents that answer messages
// through a model, call tools and delegate subtasks to subordinates.
//
// Invariants:
// - Every context runs on its own scheduler lane, context-<id>.
// - A context's tree is only mutated under that context's lock.
// - An agent has at most one superior; subordinates are created only by
//   SpawnSubordinate, so the tree has no cycles.
// - Subordinate failures reach the superior as a message, never as an error
//   that unwinds the superior's run.
// - Terminate stops children before parents.
//
// Usage:
//
//	reg, _ := agent.NewRegistry(agent.Config{
//		Pool:    pool,
//		Caller:  dispatcher,
//		Toolbox: toolRegistry,
//	})
//	actx, _ := reg.Create(ctx, "default")
//	out, err := actx.Send(ctx, "summarize the release notes")
package agent
