// Package access evaluates whether an authenticated principal may perform an
// operation on a protected resource.
//
// # Policy layers
//
// Decisions are made in a fixed order: authentication, operation lookup, role
// membership (casbin), PHI classification, draft authorship, administrator
// bypass, and finally caregiver home scope. The first layer that denies wins and
// its [Reason] is reported so callers can audit the precise cause while
// returning a uniform response to clients.
//
// # Architecture boundaries
//
// Role-to-operation grants live in a casbin enforcer built from an embedded
// model. Home assignments are read through [HomeScope] and cached in an
// expirable LRU; callers that change assignments must call [Gate.Invalidate].
//
// # What this package must NOT do
//
//   - Validate session tokens (the root engine does that first).
//   - Write audit events.
//   - Import careAuth, session, or any store package.
package access
