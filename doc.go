// Package careAuth is the identity, authentication and access-control engine
// for care-home records.
//
// Login is two-factor and passkey-first: SubmitCredentials checks the
// password and either starts a passkey challenge or, for accounts without a
// usable passkey, returns a single-use setup token. CompleteChallenge
// verifies the authenticator response and issues a session. Recovery is by
// backup code for Sysadmin accounts and by administrator reset for everyone
// else. New accounts arrive through invitations only.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// careAuth is the public surface. It exposes [Engine], [Builder], [Config]
// and value types. Flow orchestration, ceremony session storage, rate
// limiting and audit dispatch live under internal/ or in the ceremony,
// access, session and jwt packages. Persistence is behind [Store]; see
// store/bunstore for the SQL implementation.
//
// # What this package must NOT do
//
//   - Expose redis clients, internal stores or encoding details in its public API.
//   - Tell callers which check rejected a login; the cause goes to the audit trail.
//   - Issue a session from anything but a verified passkey assertion or
//     completed onboarding.
package careAuth
