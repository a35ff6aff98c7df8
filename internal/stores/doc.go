// Package stores provides Redis-backed, short-lived setup token records for
// passkey setup and onboarding.
//
// # Design
//
// Each record is versioned and binary-encoded, with a TTL equal to its
// absolute expiry. Peek and Consume run inside WATCH/MULTI optimistic
// transactions with retry on contention. A wrong secret or purpose burns the
// record. Secret comparisons use constant-time compare. Nothing extends a
// record's lifetime.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for setup tokens. It
// does NOT generate secrets or make onboarding decisions; the Engine does.
//
// # What this package must NOT do
//
//   - Import careAuth or any sibling internal package.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package stores
