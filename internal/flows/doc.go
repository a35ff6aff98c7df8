// Package flows contains pure-function orchestrators for the recovery
// operations of the Engine.
//
// Each flow function (RunVerifyBackupCode, RunGenerateBackupCodes, RunMfaReset)
// accepts a typed dependency struct and returns results without side-effects
// beyond those dependencies, so every branch can be driven from tests with
// plain function values.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the credential store, rate limiter,
// audit dispatcher and metrics. They do NOT own any of these resources;
// ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import careAuth (to avoid import cycles).
//   - Perform I/O directly; all I/O is mediated through dependency funcs.
package flows
