// Package rate provides the Redis-backed failure counters used to throttle
// credential submission and backup-code attempts.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - al:  login per-email
//   - ali: login per-IP
//   - abk: backup code per-account
//
// A zero MaxAttempts disables the matching scope. All methods are nil-safe.
//
// # What this package must NOT do
//
//   - Decide what a throttled request means to the caller.
//   - Be imported outside the careAuth module.
package rate
