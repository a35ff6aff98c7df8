package careAuth

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/internal/stores"
	"github.com/MrEthical07/careAuth/session"
)

const (
	attachmentSetupPrefix   = "setup:"
	attachmentSessionPrefix = "session:"

	maxPasskeyLabel = 64
	maxNameLength   = 100
	maxPhoneLength  = 32
)

// BeginPasskeySetup starts registration of a passkey for a setup token
// issued by SubmitCredentials, VerifyBackupCode or AcceptInvitation. The
// token is consumed only when the ceremony completes.
func (e *Engine) BeginPasskeySetup(ctx context.Context, setupToken, label string) (*PasskeySetup, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	ref, err := parseSetupToken(setupToken)
	if err != nil {
		return nil, err
	}
	rec, err := e.peekSetupToken(ctx, ref, stores.PurposePasskeySetup, stores.PurposeOnboarding)
	if err != nil {
		return nil, err
	}
	acct, err := e.loadAccount(ctx, rec.AccountID, ErrSetupTokenInvalid)
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, ErrSetupTokenInvalid
	}

	attachment := attachmentSetupPrefix + ref.id + ":" + hex.EncodeToString(ref.hash[:])
	return e.beginRegistration(ctx, acct, label, attachment)
}

// BeginPasskeyEnrollment starts registration of an additional passkey for the
// holder of a valid session.
func (e *Engine) BeginPasskeyEnrollment(ctx context.Context, sessionToken, label string) (*PasskeySetup, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.validateSession(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	acct, err := e.loadAccount(ctx, p.AccountID, ErrUnauthenticated)
	if err != nil {
		return nil, err
	}
	return e.beginRegistration(ctx, acct, label, attachmentSessionPrefix+p.SessionID)
}

func (e *Engine) beginRegistration(ctx context.Context, acct *Account, label, attachment string) (*PasskeySetup, error) {
	label, err := passkeyLabel(label, true)
	if err != nil {
		return nil, err
	}
	reg, err := e.ceremony.BeginRegistration(ctx, ceremony.Subject{
		AccountID:   acct.ID,
		Name:        acct.Email,
		DisplayName: displayName(acct),
	}, label, attachment)
	if err != nil {
		return nil, e.ceremonyError(err)
	}
	return &PasskeySetup{
		SessionID:   reg.SessionID,
		Challenge:   reg.Challenge,
		ExcludeList: reg.ExcludeList,
		Options:     reg.Options,
		ExpiresAt:   reg.ExpiresAt,
	}, nil
}

// CompletePasskeySetup verifies the registration response and stores the new
// passkey. What it returns depends on how the ceremony was started: an
// onboarding token after invitation acceptance, a session after a login or
// recovery setup token, and only the credential for enrollment.
func (e *Engine) CompletePasskeySetup(ctx context.Context, sessionID string, response []byte, label string) (*PasskeySetupResult, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	label, err := passkeyLabel(label, true)
	if err != nil {
		return nil, err
	}

	var (
		ref      setupTokenRef
		consumed *stores.SetupTokenRecord
	)
	bind := func(ctx context.Context, s *ceremony.Session) error {
		switch {
		case strings.HasPrefix(s.Attachment, attachmentSetupPrefix):
			r, ok := decodeSetupAttachment(s.Attachment)
			if !ok {
				return ErrSetupTokenInvalid
			}
			ref = r
			rec, err := e.consumeSetupToken(ctx, ref, stores.PurposePasskeySetup, stores.PurposeOnboarding)
			if err != nil {
				return err
			}
			consumed = rec
			if rec.AccountID != s.AccountID {
				return ErrSetupTokenInvalid
			}
			return nil
		case strings.HasPrefix(s.Attachment, attachmentSessionPrefix):
			sid := strings.TrimPrefix(s.Attachment, attachmentSessionPrefix)
			sess, err := e.sessions.Get(ctx, sid, e.config.Session.AbsoluteSessionLifetime)
			if err != nil {
				if errors.Is(err, session.ErrNotFound) {
					return ErrUnauthenticated
				}
				return dependencyError(err)
			}
			if sess.AccountID != s.AccountID {
				return ErrUnauthenticated
			}
			return nil
		}
		return ErrCeremonySessionInvalid
	}

	cred, sess, err := e.ceremony.CompleteRegistration(ctx, sessionID, response, label, bind)
	if err != nil {
		err = e.ceremonyError(err)
		if consumed != nil && errors.Is(err, ErrDependencyUnavailable) {
			e.restoreSetupToken(ctx, ref, consumed)
		}
		var accountID string
		if sess != nil {
			accountID = sess.AccountID
		}
		e.emitAudit(ctx, auditEventPasskeyRegistered, false, auditTarget{AccountID: accountID}, err, nil)
		return nil, err
	}

	target := auditTarget{AccountID: cred.AccountID}
	if err := e.store.MarkMfaComplete(ctx, cred.AccountID); err != nil {
		err = dependencyError(err)
		e.emitAudit(ctx, auditEventPasskeyRegistered, false, target, err, nil)
		return nil, err
	}
	e.gate.Invalidate(cred.AccountID)

	e.metricInc(MetricPasskeyRegistered)
	e.emitAudit(ctx, auditEventPasskeyRegistered, true, target, nil, func() map[string]string {
		return map[string]string{"label": cred.Label}
	})

	result := &PasskeySetupResult{Credential: cred}
	switch {
	case consumed == nil:
		return result, nil
	case consumed.Purpose == stores.PurposeOnboarding:
		token, _, err := e.issueSetupToken(ctx, cred.AccountID, stores.PurposeProfile, e.config.Onboarding.OnboardingTokenTTL)
		if err != nil {
			return nil, err
		}
		result.OnboardingToken = token
		return result, nil
	default:
		acct, err := e.loadAccount(ctx, cred.AccountID, ErrSetupTokenInvalid)
		if err != nil {
			return nil, err
		}
		auth, err := e.completeLogin(ctx, acct, "passkey_setup")
		if err != nil {
			return nil, err
		}
		result.Session = auth
		return result, nil
	}
}

func decodeSetupAttachment(attachment string) (setupTokenRef, bool) {
	rest := strings.TrimPrefix(attachment, attachmentSetupPrefix)
	id, hexHash, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return setupTokenRef{}, false
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != 32 {
		return setupTokenRef{}, false
	}
	ref := setupTokenRef{id: id}
	copy(ref.hash[:], raw)
	return ref, true
}

// ConfirmMfaSetup records that a Sysadmin has stored their backup codes.
// For other roles it only validates the token.
func (e *Engine) ConfirmMfaSetup(ctx context.Context, token string, codesSaved bool) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	ref, err := parseSetupToken(token)
	if err != nil {
		return err
	}
	rec, err := e.peekSetupToken(ctx, ref, stores.PurposeOnboarding, stores.PurposeProfile)
	if err != nil {
		return err
	}
	target := auditTarget{AccountID: rec.AccountID}

	acct, err := e.loadAccount(ctx, rec.AccountID, ErrSetupTokenInvalid)
	if err != nil {
		return err
	}
	if !acct.HasRole(RoleSysadmin) {
		return nil
	}
	if !codesSaved {
		e.emitAudit(ctx, auditEventMfaSetupConfirmed, false, target, ErrBackupCodesNotAcknowledged, nil)
		return ErrBackupCodesNotAcknowledged
	}
	if err := e.store.AcknowledgeBackupCodes(ctx, acct.ID); err != nil {
		err = e.storeError(err, ErrAccountNotFound)
		e.emitAudit(ctx, auditEventMfaSetupConfirmed, false, target, err, nil)
		return err
	}
	e.emitAudit(ctx, auditEventMfaSetupConfirmed, true, target, nil, nil)
	return nil
}

// CompleteProfile stores the profile fields, consumes the profile token and
// issues the first session.
func (e *Engine) CompleteProfile(ctx context.Context, token string, profile Profile) (*Authenticated, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	profile = trimProfile(profile)
	if err := validateProfile(profile); err != nil {
		return nil, err
	}

	ref, err := parseSetupToken(token)
	if err != nil {
		return nil, err
	}
	rec, err := e.peekSetupToken(ctx, ref, stores.PurposeProfile)
	if err != nil {
		return nil, err
	}
	target := auditTarget{AccountID: rec.AccountID}
	fail := func(err error) (*Authenticated, error) {
		e.emitAudit(ctx, auditEventOnboardingComplete, false, target, err, nil)
		return nil, err
	}

	acct, err := e.loadAccount(ctx, rec.AccountID, ErrSetupTokenInvalid)
	if err != nil {
		return fail(err)
	}
	if !acct.Active || !acct.MfaComplete {
		return fail(ErrSetupTokenInvalid)
	}
	if acct.HasRole(RoleSysadmin) && (!acct.BackupCodesAcknowledged || acct.BackupCodesRemaining == 0) {
		return fail(ErrBackupCodesNotAcknowledged)
	}

	rec, err = e.consumeSetupToken(ctx, ref, stores.PurposeProfile)
	if err != nil {
		return fail(err)
	}
	if err := e.store.CompleteProfile(ctx, acct.ID, profile); err != nil {
		err = e.storeError(err, ErrAccountNotFound)
		if errors.Is(err, ErrDependencyUnavailable) {
			e.restoreSetupToken(ctx, ref, rec)
		}
		return fail(err)
	}
	acct.FirstName, acct.LastName, acct.Phone = profile.FirstName, profile.LastName, profile.Phone
	acct.ProfileComplete = true

	auth, err := e.issueSession(ctx, acct)
	if err != nil {
		return fail(err)
	}
	e.metricInc(MetricOnboardingCompleted)
	e.emitAudit(ctx, auditEventOnboardingComplete, true, target, nil, nil)
	return auth, nil
}

func validateProfile(p Profile) error {
	switch {
	case p.FirstName == "" || p.LastName == "":
		return validationError("first and last name are required")
	case utf8.RuneCountInString(p.FirstName) > maxNameLength || utf8.RuneCountInString(p.LastName) > maxNameLength:
		return validationError("names must be at most 100 characters")
	case len(p.Phone) > maxPhoneLength:
		return validationError("phone must be at most 32 characters")
	}
	return nil
}

// ListPasskeys returns the passkeys of the session holder.
func (e *Engine) ListPasskeys(ctx context.Context, sessionToken string) ([]PasskeyCredential, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.validateSession(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	creds, err := e.store.ListCredentials(ctx, p.AccountID)
	if err != nil {
		return nil, dependencyError(err)
	}
	return creds, nil
}

// RenamePasskey changes the label of one of the session holder's passkeys.
func (e *Engine) RenamePasskey(ctx context.Context, sessionToken string, credentialID []byte, label string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.validateSession(ctx, sessionToken)
	if err != nil {
		return err
	}
	label, err = passkeyLabel(label, false)
	if err != nil {
		return err
	}

	target := auditTarget{AccountID: p.AccountID}
	if err := e.store.RenamePasskey(ctx, p.AccountID, credentialID, label); err != nil {
		err = e.storeError(err, ErrPasskeyNotFound)
		e.emitAudit(ctx, auditEventPasskeyRenamed, false, target, err, nil)
		return err
	}
	e.emitAudit(ctx, auditEventPasskeyRenamed, true, target, nil, func() map[string]string {
		return map[string]string{"label": label}
	})
	return nil
}

// DeletePasskey removes one of the session holder's passkeys. The last
// passkey of an account that finished MFA setup cannot be removed.
func (e *Engine) DeletePasskey(ctx context.Context, sessionToken string, credentialID []byte) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.validateSession(ctx, sessionToken)
	if err != nil {
		return err
	}

	target := auditTarget{AccountID: p.AccountID}
	if err := e.store.DeletePasskey(ctx, p.AccountID, credentialID); err != nil {
		err = e.storeError(err, ErrPasskeyNotFound)
		e.emitAudit(ctx, auditEventPasskeyDeleted, false, target, err, nil)
		return err
	}
	e.metricInc(MetricPasskeyDeleted)
	e.emitAudit(ctx, auditEventPasskeyDeleted, true, target, nil, nil)
	return nil
}

func passkeyLabel(label string, optional bool) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" && optional {
		return "", nil
	}
	if label == "" || utf8.RuneCountInString(label) > maxPasskeyLabel {
		return "", validationError("passkey label must be 1 to 64 characters")
	}
	return label, nil
}
