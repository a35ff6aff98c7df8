// Package middleware exposes net/http middleware that authenticates bearer
// session tokens and enforces operation-level access through careAuth.Engine.
//
// # Guards
//
//   - [Guard] validates the bearer token and injects the [careAuth.Principal].
//   - [RequireOperation] additionally asks the gate whether the principal
//     may perform an operation at all (no resource).
//   - [RequestContext] attaches the caller address and request id for rate limiting and audit.
//
// [WriteError] maps engine errors onto status codes with uniform bodies for
// authentication and authorization failures.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself; every decision is delegated to the
// Engine.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Access Redis or the credential store.
//   - Make resource-level decisions (handlers call Engine.Authorize with the
//     resource they loaded).
package middleware
