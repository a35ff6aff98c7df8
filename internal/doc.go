// Package internal contains helpers that are private to careAuth: redis record
// ids and the versioned id+secret setup token encoding.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - config: daemon YAML configuration with environment overrides
//   - flows: pure-function flow orchestrators for recovery operations
//   - logging: slog construction from configuration
//   - rate: Redis-backed failure counters
//   - stores: single-use setup token records
//
// # What this package must NOT do
//
//   - Export types that appear in the public careAuth API.
//   - Be imported by any package outside the careAuth module.
package internal
