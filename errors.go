package careAuth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error returned by the Engine.
type ErrorKind uint8

const (
	KindValidation ErrorKind = iota + 1
	KindAuthentication
	KindAccess
	KindConflict
	KindDependency
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication_failed"
	case KindAccess:
		return "access_denied"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency_unavailable"
	case KindRateLimited:
		return "rate_limited"
	}
	return "internal_error"
}

// Error is a classified engine error. Code is stable and is what the audit
// trail records; the message is safe to show only for validation and
// conflict kinds.
type Error struct {
	Kind ErrorKind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Is matches a class sentinel (an Error with no Code) against every error of
// the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == "" && t.Kind == e.Kind
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

// Class sentinels. errors.Is(err, ErrAuthenticationFailed) holds for every
// authentication failure, and so on for each kind.
var (
	ErrValidation            = newError(KindValidation, "", "invalid request")
	ErrAuthenticationFailed  = newError(KindAuthentication, "", "authentication failed")
	ErrAccessDenied          = newError(KindAccess, "", "access denied")
	ErrConflict              = newError(KindConflict, "", "conflict")
	ErrDependencyUnavailable = newError(KindDependency, "", "dependency unavailable")
	ErrRateLimited           = newError(KindRateLimited, "", "too many attempts")
)

var (
	// ErrInvalidCredentials is the single rejection for every credential submission failure.
	ErrInvalidCredentials = newError(KindAuthentication, "invalid_credentials", "authentication failed")
	// ErrLoginRateLimited is returned when the per-email or per-IP budget is spent.
	ErrLoginRateLimited = newError(KindRateLimited, "login_rate_limited", "too many login attempts")
	// ErrCeremonySessionInvalid covers unknown, expired, consumed and wrong-kind ceremony sessions.
	ErrCeremonySessionInvalid = newError(KindAuthentication, "ceremony_session_invalid", "authentication failed")
	// ErrChallengeFailed is returned when an authenticator response does not verify.
	ErrChallengeFailed = newError(KindAuthentication, "challenge_failed", "authentication failed")
	// ErrCloneDetected is returned when a credential's signature counter did not advance.
	ErrCloneDetected = newError(KindAuthentication, "clone_detected", "authentication failed")
	// ErrPasskeysSuspended is returned when every passkey of an account is flagged suspect.
	ErrPasskeysSuspended = newError(KindAuthentication, "passkeys_suspect", "authentication failed")
	// ErrSetupTokenInvalid covers reused, expired and foreign setup tokens.
	ErrSetupTokenInvalid = newError(KindAuthentication, "setup_token_invalid", "authentication failed")
	// ErrInvitationInvalid covers reused, rotated, expired and forged invitations.
	ErrInvitationInvalid = newError(KindAuthentication, "invitation_invalid", "authentication failed")
	// ErrUnauthenticated is returned when a session token does not validate.
	ErrUnauthenticated = newError(KindAuthentication, "unauthenticated", "authentication failed")
	// ErrBackupCodeInvalid is returned when a backup code does not match.
	ErrBackupCodeInvalid = newError(KindAuthentication, "backup_code_invalid", "authentication failed")
	// ErrBackupCodeNotPermitted is returned for accounts without the Sysadmin role.
	ErrBackupCodeNotPermitted = newError(KindAuthentication, "backup_code_not_permitted", "authentication failed")
	// ErrBackupCodeRateLimited is returned when the per-account backup attempt budget is spent.
	ErrBackupCodeRateLimited = newError(KindRateLimited, "backup_code_rate_limited", "too many backup code attempts")

	// ErrPasswordPolicy is returned for secrets outside 8..256 bytes.
	ErrPasswordPolicy = newError(KindValidation, "password_policy", "password must be between 8 and 256 bytes")
	// ErrMfaResetInvalid is the base of every reset justification problem.
	ErrMfaResetInvalid = newError(KindValidation, "mfa_reset_invalid", "invalid reset justification")
	// ErrAccountNotFound is returned for administrative operations on unknown accounts.
	ErrAccountNotFound = newError(KindValidation, "account_not_found", "account not found")
	// ErrPasskeyNotFound is returned when a passkey is unknown or owned by another account.
	ErrPasskeyNotFound = newError(KindValidation, "passkey_not_found", "passkey not found")
	// ErrUnknownRole is returned for role names outside Admin, Caregiver and Sysadmin.
	ErrUnknownRole = newError(KindValidation, "unknown_role", "unknown role")
	// ErrDiscoverableLoginDisabled is returned by BeginPasskeyLogin unless enabled in config.
	ErrDiscoverableLoginDisabled = newError(KindValidation, "discoverable_login_disabled", "passkey-only login is disabled")

	// ErrInvitationAlreadyAccepted is returned when re-inviting an active account.
	ErrInvitationAlreadyAccepted = newError(KindConflict, "invitation_already_accepted", "invitation already accepted")
	// ErrBackupCodesNotAcknowledged blocks Sysadmin activation until codes were confirmed saved.
	ErrBackupCodesNotAcknowledged = newError(KindConflict, "backup_codes_not_acknowledged", "backup codes must be acknowledged before activation")
	// ErrLastPasskey is returned when deleting the only passkey of an account with MFA complete.
	ErrLastPasskey = newError(KindConflict, "last_passkey", "cannot delete the last passkey")
	// ErrDuplicateCredential is returned when the authenticator is already registered.
	ErrDuplicateCredential = newError(KindConflict, "duplicate_credential", "passkey already registered")

	// ErrEngineNotReady is returned when a required dependency was never wired.
	ErrEngineNotReady = newError(KindDependency, "engine_not_ready", "engine not initialized")
)

// Store sentinels. Credential store implementations return these (wrapped or
// bare) and the engine maps them onto classified errors.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrRecordConflict = errors.New("record conflict")
)

func validationError(msg string) error {
	return newError(KindValidation, "invalid_request", msg)
}

func dependencyError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindDependency {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDependencyUnavailable, err)
}

// KindOf returns the class of err, or zero for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Public collapses authentication and authorization failures onto their class
// sentinel so callers cannot tell which check failed. Other errors pass through.
func Public(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthenticationFailed):
		return ErrAuthenticationFailed
	case errors.Is(err, ErrAccessDenied):
		return ErrAccessDenied
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrDependencyUnavailable):
		return ErrDependencyUnavailable
	}
	return err
}

// Retryable reports whether err is a transient dependency failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrDependencyUnavailable)
}

// Causes behind ErrInvalidCredentials. They reach the audit trail only.
var (
	errUnknownAccount    = newError(KindAuthentication, "unknown_account", "authentication failed")
	errAccountInactive   = newError(KindAuthentication, "account_inactive", "authentication failed")
	errInvitationPending = newError(KindAuthentication, "invitation_pending", "authentication failed")
)
