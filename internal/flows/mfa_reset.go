package flows

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Verification methods accepted as justification for an administrator reset.
var VerificationMethods = []string{"in_person", "video_call", "phone_callback", "supervisor_attestation"}

const minJustificationLen = 10

type MfaResetRequest struct {
	ActorID            string
	TargetAccountID    string
	Reason             string
	VerificationMethod string
	Notes              string
}

type MfaResetErrors struct {
	EngineNotReady  error
	Validation      error
	AccountNotFound error
	Unavailable     error
}

// MfaResetDeps wires the administrator reset. ResetPasskeys must delete every
// passkey and set the reset flag in one store operation. Backup codes are
// never touched.
type MfaResetDeps struct {
	AccountExists      func(context.Context, string) (bool, error)
	ResetPasskeys      func(context.Context, string) (int, error)
	InvalidateSessions func(context.Context, string) error
	SendNotice         func(context.Context, MfaResetRequest)

	MetricInc func(int)
	EmitAudit func(ctx context.Context, eventType string, success bool, accountID string, err error, metadata func() map[string]string)

	Metric int
	Event  string
	Errors MfaResetErrors
}

// ValidateMfaReset checks the structured justification. It never touches a store.
func ValidateMfaReset(req MfaResetRequest) (MfaResetRequest, string) {
	req.TargetAccountID = strings.TrimSpace(req.TargetAccountID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.VerificationMethod = strings.TrimSpace(req.VerificationMethod)
	req.Notes = strings.TrimSpace(req.Notes)

	switch {
	case req.TargetAccountID == "":
		return req, "target account is required"
	case req.VerificationMethod == "":
		return req, "verification method is required"
	case !knownVerificationMethod(req.VerificationMethod):
		return req, "verification method is not recognised"
	case len(req.Reason) < minJustificationLen:
		return req, "reason must be at least " + itoa(minJustificationLen) + " characters"
	case len(req.Notes) < minJustificationLen:
		return req, "notes must be at least " + itoa(minJustificationLen) + " characters"
	}
	return req, ""
}

// RunMfaReset validates req and removes every passkey of the target. It emits
// exactly one audit event carrying the full justification, whatever the outcome.
// The caller has already checked that the actor may perform resets.
func RunMfaReset(ctx context.Context, req MfaResetRequest, deps MfaResetDeps) (removed int, err error) {
	normalizeMfaResetDeps(&deps)

	req, problem := ValidateMfaReset(req)
	defer func() {
		deps.EmitAudit(ctx, deps.Event, err == nil, req.TargetAccountID, err, func() map[string]string {
			return map[string]string{
				"actor_id":            req.ActorID,
				"reason":              req.Reason,
				"verification_method": req.VerificationMethod,
				"notes":               req.Notes,
				"passkeys_removed":    itoa(removed),
			}
		})
	}()

	if problem != "" {
		return 0, validationError{base: deps.Errors.Validation, msg: problem}
	}
	if deps.AccountExists == nil || deps.ResetPasskeys == nil || deps.InvalidateSessions == nil {
		return 0, deps.Errors.EngineNotReady
	}

	ok, err := deps.AccountExists(ctx, req.TargetAccountID)
	if err != nil {
		return 0, wrapUnavailable(deps.Errors.Unavailable, err)
	}
	if !ok {
		return 0, deps.Errors.AccountNotFound
	}

	removed, err = deps.ResetPasskeys(ctx, req.TargetAccountID)
	if err != nil {
		return 0, wrapUnavailable(deps.Errors.Unavailable, err)
	}
	if err := deps.InvalidateSessions(ctx, req.TargetAccountID); err != nil {
		return removed, wrapUnavailable(deps.Errors.Unavailable, err)
	}

	deps.MetricInc(deps.Metric)
	if deps.SendNotice != nil {
		deps.SendNotice(ctx, req)
	}
	return removed, nil
}

func knownVerificationMethod(m string) bool {
	for _, v := range VerificationMethods {
		if v == m {
			return true
		}
	}
	return false
}

type validationError struct {
	base error
	msg  string
}

func (e validationError) Error() string { return e.msg }

func (e validationError) Unwrap() error { return e.base }

func wrapUnavailable(base, cause error) error {
	if base == nil {
		return cause
	}
	return fmt.Errorf("%w: %v", base, cause)
}

func normalizeMfaResetDeps(deps *MfaResetDeps) {
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, error, func() map[string]string) {}
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
