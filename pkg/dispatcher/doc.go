// Package dispatcher routes requests arriving on one listener to either a
// synchronous handler chain or a lazily built asynchronous protocol server,
// chosen by the longest registered path prefix.
//
// Prefixes match on segment boundaries: "/mcp" matches "/mcp" and
// "/mcp/stream" but not "/mcpx". Async handlers are built on first use,
// cached per factory fingerprint, and rebuilt when the fingerprint changes
// or the prefix is invalidated.
package dispatcher
