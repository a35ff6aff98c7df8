package careAuth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginRateLimited      = "login_rate_limited"
	auditEventPasskeySetupRequired  = "passkey_setup_required"
	auditEventChallengeIssued       = "challenge_issued"
	auditEventCloneDetected         = "clone_detected"
	auditEventPasskeyRegistered     = "passkey_registered"
	auditEventPasskeyRenamed        = "passkey_renamed"
	auditEventPasskeyDeleted        = "passkey_deleted"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventBackupCodeFailed      = "backup_code_failed"
	auditEventBackupCodeRecovery    = "backup_code_recovery"
	auditEventMfaReset              = "mfa_reset"
	auditEventInvitationCreated     = "invitation_created"
	auditEventInvitationAccepted    = "invitation_accepted"
	auditEventMfaSetupConfirmed     = "mfa_setup_confirmed"
	auditEventOnboardingComplete    = "onboarding_complete"
	auditEventAccessDenied          = "access_denied"
	auditEventAccessUnauthenticated = "access_unauthenticated"
	auditEventLogout                = "logout"
	auditEventLogoutAll             = "logout_all"
	auditEventHomeAssigned          = "home_assigned"
	auditEventHomeDeactivated       = "home_deactivated"
	auditEventAccountStatusChange   = "account_status_change"
)

const auditErrInternal = "internal_error"

// criticalAuditEvents are never dropped for a full audit buffer; emitting
// them waits up to the operation's dependency timeout instead.
var criticalAuditEvents = map[string]bool{
	auditEventCloneDetected:       true,
	auditEventMfaReset:            true,
	auditEventBackupCodeRecovery:  true,
	auditEventAccountStatusChange: true,
	auditEventHomeAssigned:        true,
	auditEventHomeDeactivated:     true,
}

// auditTarget names who acted and on what. ActorID defaults to AccountID.
type auditTarget struct {
	ActorID   string
	AccountID string
	Resource  string
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	target auditTarget,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	info := requestInfoFrom(ctx)
	if info.requestID != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["request_id"] = info.requestID
	}

	actor := target.ActorID
	if actor == "" {
		actor = target.AccountID
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		ActorID:   actor,
		AccountID: target.AccountID,
		Resource:  target.Resource,
		IP:        info.clientIP,
		Success:   success,
		Metadata:  metadata,
	}
	if !success {
		event.Error = auditErrorCode(err)
	}

	e.audit.Emit(ctx, event)
}

// emitAccountAudit is the shape the recovery flows expect.
func (e *Engine) emitAccountAudit(ctx context.Context, eventType string, success bool, accountID string, err error, metadata func() map[string]string) {
	e.emitAudit(ctx, eventType, success, auditTarget{AccountID: accountID}, err, metadata)
}

func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		if classified.Code != "" {
			return classified.Code
		}
		return classified.Kind.String()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDependency.String()
	}
	return auditErrInternal
}
