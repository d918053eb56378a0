// Package history persists agent conversation history. Two stores are
// provided: a JSONL file per context and a SQLite database. Deferred wraps
// either one so callers can be handed a store before persistence has
// finished initializing.
package history
