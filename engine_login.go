package careAuth

import (
	"context"
	"errors"

	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/internal/rate"
	"github.com/MrEthical07/careAuth/internal/stores"
	"github.com/MrEthical07/careAuth/password"
)

const (
	attachmentLogin     = "login"
	attachmentDiscovery = "discovery"
)

// SubmitCredentials checks an email and secret and moves the login to its
// passkey step. Every rejection is ErrInvalidCredentials; the real cause is
// only recorded in the audit trail.
func (e *Engine) SubmitCredentials(ctx context.Context, email, secret string) (*LoginResult, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if len(email) == 0 || len(secret) == 0 {
		return nil, validationError("email and password are required")
	}
	normalized, err := normalizeEmail(email)
	if err != nil {
		// Malformed addresses can never match an account; treat them like
		// unknown ones so the response is the same.
		normalized = email
	}
	ip := clientIPFromContext(ctx)

	if err := e.limiter.CheckLogin(ctx, normalized, ip); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, auditTarget{}, ErrLoginRateLimited, func() map[string]string {
				return map[string]string{"email": normalized}
			})
			return nil, ErrLoginRateLimited
		}
		return nil, dependencyError(err)
	}

	acct, err := e.store.AccountByEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, dependencyError(err)
		}
		acct = nil
	}

	cause := e.checkSecret(acct, secret)
	if cause != nil {
		return nil, e.loginFailure(ctx, normalized, acct, cause)
	}

	_ = e.limiter.ResetLogin(ctx, normalized)
	e.upgradePasswordHash(ctx, acct, secret)

	creds, err := e.store.ListCredentials(ctx, acct.ID)
	if err != nil {
		return nil, dependencyError(err)
	}

	if len(creds) == 0 || acct.RequiresPasskeyReset {
		token, expiresAt, err := e.issueSetupToken(ctx, acct.ID, stores.PurposePasskeySetup, e.config.Onboarding.SetupTokenTTL)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricPasskeySetupRequired)
		e.emitAudit(ctx, auditEventPasskeySetupRequired, true, auditTarget{AccountID: acct.ID}, nil, func() map[string]string {
			return map[string]string{"requires_passkey_reset": boolString(acct.RequiresPasskeyReset)}
		})
		return &LoginResult{
			State:      RequiresPasskeySetup,
			SetupToken: token,
			ExpiresAt:  expiresAt,
		}, nil
	}

	subject := &ceremony.Subject{AccountID: acct.ID, Name: acct.Email, DisplayName: displayName(acct)}
	auth, err := e.ceremony.BeginAuthentication(ctx, subject, attachmentLogin)
	if err != nil {
		if errors.Is(err, ceremony.ErrCredentialNotFound) {
			// Every passkey is flagged suspect; an administrator reset is the way out.
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, auditTarget{AccountID: acct.ID}, ErrPasskeysSuspended, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, e.ceremonyError(err)
	}

	e.metricInc(MetricChallengeIssued)
	e.emitAudit(ctx, auditEventChallengeIssued, true, auditTarget{AccountID: acct.ID}, nil, nil)
	return &LoginResult{
		State:      RequiresPasskeyChallenge,
		AccountRef: auth.SessionID,
		Challenge:  auth.Challenge,
		AllowList:  auth.AllowList,
		Options:    auth.Options,
		ExpiresAt:  auth.ExpiresAt,
	}, nil
}

// upgradePasswordHash rehashes a verified secret when the stored hash was made
// under weaker cost parameters. Failures are logged and never block login.
func (e *Engine) upgradePasswordHash(ctx context.Context, acct *Account, secret string) {
	weak, err := e.passwordHash.NeedsUpgrade(acct.PasswordHash)
	if err != nil || !weak {
		return
	}
	encoded, err := e.passwordHash.Hash(secret)
	if err != nil {
		e.logger.Warn("password rehash failed", "account_id", acct.ID, "error", err)
		return
	}
	if err := e.store.UpdatePasswordHash(ctx, acct.ID, encoded); err != nil {
		e.logger.Warn("password rehash not stored", "account_id", acct.ID, "error", err)
		return
	}
	acct.PasswordHash = encoded
}

// checkSecret returns the rejection cause, or nil when acct may proceed. It
// always spends one argon2 verification so timing does not reveal which
// branch was taken.
func (e *Engine) checkSecret(acct *Account, secret string) error {
	if len(secret) > password.MaxSecretBytes {
		e.passwordHash.VerifyDummy(secret[:password.MaxSecretBytes])
		if acct == nil {
			return errUnknownAccount
		}
		return ErrInvalidCredentials
	}

	switch {
	case acct == nil:
		e.passwordHash.VerifyDummy(secret)
		return errUnknownAccount
	case acct.PasswordHash == "":
		e.passwordHash.VerifyDummy(secret)
		return errInvitationPending
	}

	ok, err := e.passwordHash.Verify(secret, acct.PasswordHash)
	if err != nil {
		e.logger.Warn("stored password hash rejected", "account_id", acct.ID, "error", err)
		return ErrInvalidCredentials
	}
	switch {
	case !ok:
		return ErrInvalidCredentials
	case !acct.InvitationAccepted:
		return errInvitationPending
	case !acct.Active:
		return errAccountInactive
	}
	return nil
}

func (e *Engine) loginFailure(ctx context.Context, email string, acct *Account, cause error) error {
	var accountID string
	if acct != nil {
		accountID = acct.ID
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, auditTarget{AccountID: accountID}, cause, func() map[string]string {
		return map[string]string{"email": email}
	})

	if err := e.limiter.IncrementLogin(ctx, email, clientIPFromContext(ctx)); err != nil && !errors.Is(err, rate.ErrRateLimited) {
		e.logger.Warn("login failure counter not recorded", "error", err)
	}
	return ErrInvalidCredentials
}

// BeginPasskeyLogin starts a discovery ceremony with no allow list. It skips
// the password factor and is off unless Config.Login.AllowDiscoverableLogin is set.
func (e *Engine) BeginPasskeyLogin(ctx context.Context) (*LoginResult, error) {
	if !e.config.Login.AllowDiscoverableLogin {
		return nil, ErrDiscoverableLoginDisabled
	}

	ctx, cancel := e.bound(ctx)
	defer cancel()

	auth, err := e.ceremony.BeginAuthentication(ctx, nil, attachmentDiscovery)
	if err != nil {
		return nil, e.ceremonyError(err)
	}
	e.metricInc(MetricChallengeIssued)
	return &LoginResult{
		State:      RequiresPasskeyChallenge,
		AccountRef: auth.SessionID,
		Challenge:  auth.Challenge,
		Options:    auth.Options,
		ExpiresAt:  auth.ExpiresAt,
	}, nil
}

// CompleteChallenge verifies the authenticator response for a pending login
// and issues a session.
func (e *Engine) CompleteChallenge(ctx context.Context, accountRef string, response []byte) (*Authenticated, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	assertion, err := e.ceremony.CompleteAuthentication(ctx, accountRef, response)
	if err != nil {
		err = e.ceremonyError(err)
		if errors.Is(err, ErrCloneDetected) {
			e.metricInc(MetricCloneDetected)
			e.emitAudit(ctx, auditEventCloneDetected, false, auditTarget{}, err, nil)
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, auditTarget{}, err, nil)
		return nil, err
	}

	acct, err := e.loadAccount(ctx, assertion.AccountID, ErrChallengeFailed)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, auditTarget{AccountID: assertion.AccountID}, err, nil)
		return nil, err
	}

	return e.completeLogin(ctx, acct, assertion.Attachment)
}

// completeLogin finishes a successful passkey step. Accounts that have not
// finished onboarding get a profile token instead of a session.
func (e *Engine) completeLogin(ctx context.Context, acct *Account, method string) (*Authenticated, error) {
	target := auditTarget{AccountID: acct.ID}
	metadata := func() map[string]string { return map[string]string{"method": method} }

	if !acct.Active || !acct.InvitationAccepted {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, target, errAccountInactive, metadata)
		return nil, ErrChallengeFailed
	}

	if !acct.ProfileComplete {
		token, expiresAt, err := e.issueSetupToken(ctx, acct.ID, stores.PurposeProfile, e.config.Onboarding.OnboardingTokenTTL)
		if err != nil {
			return nil, err
		}
		e.emitAudit(ctx, auditEventLoginSuccess, true, target, nil, func() map[string]string {
			return map[string]string{"method": method, "pending": "profile"}
		})
		return &Authenticated{
			AccountID:           acct.ID,
			Roles:               append([]Role(nil), acct.Roles...),
			ExpiresAt:           expiresAt,
			PendingProfileToken: token,
		}, nil
	}

	auth, err := e.issueSession(ctx, acct)
	if err != nil {
		e.emitAudit(ctx, auditEventLoginFailure, false, target, err, metadata)
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, target, nil, metadata)
	return auth, nil
}

// ceremonyError classifies an adapter error.
func (e *Engine) ceremonyError(err error) error {
	var classified *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &classified):
		return err
	case errors.Is(err, ceremony.ErrSessionInvalid):
		return ErrCeremonySessionInvalid
	case errors.Is(err, ceremony.ErrCloneDetected):
		return ErrCloneDetected
	case errors.Is(err, ceremony.ErrDuplicateCredential):
		return ErrDuplicateCredential
	case errors.Is(err, ceremony.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return dependencyError(err)
	default:
		return ErrChallengeFailed
	}
}
