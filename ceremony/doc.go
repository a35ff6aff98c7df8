// Package ceremony drives passkey registration and authentication ceremonies.
//
// # Flow
//
// Begin* generates a challenge through a [Verifier], stores a single-use
// [Session] in Redis and returns the client options. Complete* atomically
// consumes the session (GETDEL), verifies the authenticator response and
// persists credential state through a [CredentialStore].
//
// # Invariants
//
//   - A session id verifies at most once; expired, consumed or wrong-kind
//     sessions return [ErrSessionInvalid].
//   - An authentication whose reported signature counter does not strictly
//     exceed the stored counter flags the credential and returns
//     [ErrCloneDetected]. The comparison and update are a single store call.
//
// # What this package must NOT do
//
//   - Issue login sessions or setup tokens.
//   - Decide whether an account may register (callers pass a [BindFunc]).
//   - Implement signature or attestation verification itself.
package ceremony
