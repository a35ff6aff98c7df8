package careAuth

import (
	"context"
	"errors"

	"github.com/MrEthical07/careAuth/access"
	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/internal/flows"
	"github.com/MrEthical07/careAuth/internal/rate"
	"github.com/MrEthical07/careAuth/internal/stores"
)

// VerifyBackupCode redirects a pending login challenge to backup-code
// recovery. Only Sysadmin accounts hold backup codes. A valid code removes
// every passkey, ends every session and returns a setup token for a new
// passkey; it never yields a session by itself.
func (e *Engine) VerifyBackupCode(ctx context.Context, accountRef, code string) (*ResetGranted, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	sess, err := e.ceremony.Discard(ctx, accountRef, ceremony.KindAuthentication)
	if err != nil || sess.AccountID == "" {
		if err != nil && !errors.Is(err, ceremony.ErrSessionInvalid) {
			return nil, dependencyError(err)
		}
		e.metricInc(MetricBackupCodeFailed)
		e.emitAudit(ctx, auditEventBackupCodeFailed, false, auditTarget{}, ErrCeremonySessionInvalid, nil)
		return nil, ErrCeremonySessionInvalid
	}
	accountID := sess.AccountID

	acct, err := e.loadAccount(ctx, accountID, ErrCeremonySessionInvalid)
	if err != nil {
		return nil, err
	}
	if !acct.HasRole(RoleSysadmin) {
		e.metricInc(MetricBackupCodeFailed)
		e.emitAudit(ctx, auditEventBackupCodeFailed, false, auditTarget{AccountID: accountID}, ErrBackupCodeNotPermitted, nil)
		return nil, ErrBackupCodeNotPermitted
	}

	var redemption BackupRedemption
	deps := e.backupCodeDeps()
	deps.Redeem = func(ctx context.Context, accountID string, hash [32]byte) (int, bool, error) {
		r, ok, err := e.store.RedeemBackupCode(ctx, accountID, hash)
		if err != nil || !ok {
			return 0, ok, err
		}
		redemption = r
		return r.Remaining, true, nil
	}

	remaining, err := flows.RunVerifyBackupCode(ctx, accountID, code, deps)
	if err != nil {
		return nil, err
	}

	n, err := e.invalidateSessions(ctx, accountID)
	if err != nil {
		e.emitAudit(ctx, auditEventBackupCodeRecovery, false, auditTarget{AccountID: accountID}, err, nil)
		return nil, err
	}
	e.gate.Invalidate(accountID)

	token, expiresAt, err := e.issueSetupToken(ctx, accountID, stores.PurposePasskeySetup, e.config.Onboarding.SetupTokenTTL)
	if err != nil {
		e.emitAudit(ctx, auditEventBackupCodeRecovery, false, auditTarget{AccountID: accountID}, err, nil)
		return nil, err
	}

	e.emitAudit(ctx, auditEventBackupCodeRecovery, true, auditTarget{AccountID: accountID}, nil, func() map[string]string {
		return map[string]string{
			"remaining":        itoa(remaining),
			"passkeys_removed": itoa(redemption.PasskeysRemoved),
			"sessions_ended":   itoa(n),
		}
	})
	return &ResetGranted{
		SetupToken: token,
		Remaining:  remaining,
		Exhausted:  remaining == 0,
		ExpiresAt:  expiresAt,
	}, nil
}

// RegenerateBackupCodes replaces the caller's backup codes with a fresh set.
// The caller must hold Sysadmin.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, sessionToken string) ([]string, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.requireOperation(ctx, sessionToken, access.OpBackupCodes, auditEventBackupCodesGenerated, "")
	if err != nil {
		return nil, err
	}

	deps := e.backupCodeDeps()
	deps.Replace = e.store.ReplaceBackupCodes
	return flows.RunGenerateBackupCodes(ctx, p.AccountID, deps)
}

func (e *Engine) backupCodeDeps() flows.BackupCodeDeps {
	return flows.BackupCodeDeps{
		Count:   e.config.Recovery.BackupCodeCount,
		Length:  e.config.Recovery.BackupCodeLength,
		Limiter: e.limiter,
		IsRateLimited: func(err error) bool {
			return errors.Is(err, rate.ErrRateLimited)
		},
		Report: e.reportBackupCode,
		Errors: flows.BackupCodeErrors{
			EngineNotReady:  ErrEngineNotReady,
			AccountNotFound: ErrAccountNotFound,
			Unavailable:     ErrDependencyUnavailable,
			Invalid:         ErrBackupCodeInvalid,
			RateLimited:     ErrBackupCodeRateLimited,
		},
	}
}

func (e *Engine) reportBackupCode(ctx context.Context, accountID string, outcome flows.BackupCodeOutcome, n int) {
	switch outcome {
	case flows.BackupCodesIssued:
		e.metricInc(MetricBackupCodeRegenerated)
		e.emitAccountAudit(ctx, auditEventBackupCodesGenerated, true, accountID, nil, func() map[string]string {
			return map[string]string{"count": itoa(n)}
		})
	case flows.BackupCodeRedeemed:
		e.metricInc(MetricBackupCodeUsed)
		e.emitAccountAudit(ctx, auditEventBackupCodeUsed, true, accountID, nil, func() map[string]string {
			return map[string]string{"remaining": itoa(n)}
		})
	case flows.BackupCodeRejected:
		e.metricInc(MetricBackupCodeFailed)
		e.emitAccountAudit(ctx, auditEventBackupCodeFailed, false, accountID, ErrBackupCodeInvalid, nil)
	}
}

// ResetMfa removes every passkey of another account after an administrator
// has verified the holder's identity out of band. The account's sessions end
// and its next login requires a new passkey. Backup codes are untouched.
func (e *Engine) ResetMfa(ctx context.Context, actorToken string, req ResetMfaRequest) (*ResetMfaResult, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.requireOperation(ctx, actorToken, access.OpAccountManage, auditEventMfaReset, req.TargetAccountID)
	if err != nil {
		return nil, err
	}

	var target *Account
	removed, err := flows.RunMfaReset(ctx, flows.MfaResetRequest{
		ActorID:            p.AccountID,
		TargetAccountID:    req.TargetAccountID,
		Reason:             req.Reason,
		VerificationMethod: req.VerificationMethod,
		Notes:              req.Notes,
	}, flows.MfaResetDeps{
		AccountExists: func(ctx context.Context, accountID string) (bool, error) {
			acct, err := e.store.AccountByID(ctx, accountID)
			if err != nil {
				if errors.Is(err, ErrRecordNotFound) {
					return false, nil
				}
				return false, err
			}
			target = acct
			return true, nil
		},
		ResetPasskeys: e.store.ResetPasskeys,
		InvalidateSessions: func(ctx context.Context, accountID string) error {
			_, err := e.invalidateSessions(ctx, accountID)
			return err
		},
		SendNotice: func(ctx context.Context, r flows.MfaResetRequest) {
			if target == nil {
				return
			}
			e.sendNotice(ctx, Notice{
				Kind:      NoticeMfaReset,
				AccountID: target.ID,
				Email:     target.Email,
				Metadata: map[string]string{
					"verification_method": r.VerificationMethod,
				},
			})
		},
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: func(ctx context.Context, eventType string, success bool, accountID string, err error, metadata func() map[string]string) {
			e.emitAudit(ctx, eventType, success, auditTarget{ActorID: p.AccountID, AccountID: accountID}, err, metadata)
		},
		Metric: int(MetricMfaReset),
		Event:  auditEventMfaReset,
		Errors: flows.MfaResetErrors{
			EngineNotReady:  ErrEngineNotReady,
			Validation:      ErrMfaResetInvalid,
			AccountNotFound: ErrAccountNotFound,
			Unavailable:     ErrDependencyUnavailable,
		},
	})
	if err != nil {
		return nil, err
	}
	e.gate.Invalidate(req.TargetAccountID)
	return &ResetMfaResult{PasskeysRemoved: removed}, nil
}
