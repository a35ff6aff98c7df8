// Package session persists authenticated sessions in redis.
//
// Each session is a compact binary record keyed by its id, plus membership in
// a per-account index set so every session of an account can be revoked at
// once. Only authenticated sessions slide; ceremony sessions and setup tokens
// live elsewhere with absolute expiry.
//
// # What this package must NOT do
//
//   - Parse or sign bearer tokens.
//   - Make authorization decisions.
package session
