package careAuth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/MrEthical07/careAuth/access"
	"github.com/MrEthical07/careAuth/internal/flows"
	"github.com/MrEthical07/careAuth/internal/stores"
	"github.com/MrEthical07/careAuth/password"
	"github.com/google/uuid"
)

const systemActor = "system"

// CreateInvitation creates a pending account, or rotates the invitation of a
// pending one, and sends the invitation notice. The actor must hold Admin.
// Re-inviting a pending account invalidates the previous token.
func (e *Engine) CreateInvitation(ctx context.Context, actorToken string, inv Invitation) (*InvitationResult, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.requireOperation(ctx, actorToken, access.OpAccountManage, auditEventInvitationCreated, "")
	if err != nil {
		return nil, err
	}
	return e.createInvitation(ctx, p.AccountID, inv)
}

// CreateInvitationAsSystem is CreateInvitation for operator tooling that runs
// without a session, such as bootstrapping the first administrator.
func (e *Engine) CreateInvitationAsSystem(ctx context.Context, inv Invitation) (*InvitationResult, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	return e.createInvitation(ctx, systemActor, inv)
}

func (e *Engine) createInvitation(ctx context.Context, actorID string, inv Invitation) (*InvitationResult, error) {
	target := auditTarget{ActorID: actorID}
	fail := func(err error) (*InvitationResult, error) {
		e.emitAudit(ctx, auditEventInvitationCreated, false, target, err, func() map[string]string {
			return map[string]string{"role": inv.Role}
		})
		return nil, err
	}

	email, err := normalizeEmail(inv.Email)
	if err != nil {
		return fail(err)
	}
	role, ok := access.ParseRole(inv.Role)
	if !ok {
		return fail(ErrUnknownRole)
	}
	homes := normalizeHomeIDs(inv.HomeIDs)
	if len(homes) > 0 && role != RoleCaregiver {
		return fail(validationError("home assignments are only valid for caregivers"))
	}

	accountID := ""
	existing, err := e.store.AccountByEmail(ctx, email)
	switch {
	case err == nil && existing.InvitationAccepted:
		return fail(ErrInvitationAlreadyAccepted)
	case err == nil:
		accountID = existing.ID
	case errors.Is(err, ErrRecordNotFound):
		accountID = uuid.NewString()
	default:
		return fail(dependencyError(err))
	}
	target.AccountID = accountID

	jti := uuid.NewString()
	token, expiresAt, err := e.jwtManager.CreateInvite(accountID, jti)
	if err != nil {
		return fail(dependencyError(err))
	}
	hash := sha256.Sum256([]byte(jti))

	acct, err := e.store.CreateInvitation(ctx, InvitationRecord{
		AccountID:      accountID,
		Email:          email,
		Profile:        trimProfile(inv.Profile),
		Roles:          []Role{role},
		InvitationHash: hash[:],
		ExpiresAt:      expiresAt,
	})
	if err != nil {
		if errors.Is(err, ErrRecordConflict) {
			return fail(ErrInvitationAlreadyAccepted)
		}
		return fail(e.storeError(err, ErrAccountNotFound))
	}

	now := time.Now().UTC()
	for _, home := range homes {
		if err := e.store.AssignHome(ctx, acct.ID, home, now); err != nil {
			return fail(dependencyError(err))
		}
	}
	if len(homes) > 0 {
		e.gate.Invalidate(acct.ID)
	}

	e.sendNotice(ctx, Notice{
		Kind:      NoticeInvitation,
		AccountID: acct.ID,
		Email:     acct.Email,
		Token:     token,
		ExpiresAt: expiresAt,
		Metadata:  map[string]string{"role": string(role)},
	})

	e.metricInc(MetricInvitationCreated)
	e.emitAudit(ctx, auditEventInvitationCreated, true, target, nil, func() map[string]string {
		return map[string]string{
			"role":  string(role),
			"homes": strings.Join(homes, ","),
		}
	})
	return &InvitationResult{Token: token, AccountID: acct.ID, ExpiresAt: expiresAt}, nil
}

// AcceptInvitation sets the account secret and starts onboarding. The
// returned setup token authorizes registering the first passkey. Sysadmin
// accounts also receive their backup codes, exactly once.
func (e *Engine) AcceptInvitation(ctx context.Context, token, secret string) (*MfaSetupInfo, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if err := password.CheckPolicy(secret); err != nil {
		return nil, ErrPasswordPolicy
	}

	claims, err := e.jwtManager.ParseInvite(strings.TrimSpace(token))
	if err != nil {
		e.emitAudit(ctx, auditEventInvitationAccepted, false, auditTarget{}, ErrInvitationInvalid, nil)
		return nil, ErrInvitationInvalid
	}
	accountID := claims.Subject
	target := auditTarget{AccountID: accountID}
	fail := func(err error) (*MfaSetupInfo, error) {
		e.emitAudit(ctx, auditEventInvitationAccepted, false, target, err, nil)
		return nil, err
	}

	acct, err := e.loadAccount(ctx, accountID, ErrInvitationInvalid)
	if err != nil {
		return fail(err)
	}
	hash := sha256.Sum256([]byte(claims.ID))
	now := time.Now()
	if acct.InvitationAccepted ||
		subtle.ConstantTimeCompare(acct.InvitationHash, hash[:]) != 1 ||
		!now.Before(acct.InvitationExpiresAt) {
		return fail(ErrInvitationInvalid)
	}

	passwordHash, err := e.passwordHash.Hash(secret)
	if err != nil {
		return fail(dependencyError(err))
	}

	var (
		codes  []string
		hashes [][32]byte
	)
	if acct.HasRole(RoleSysadmin) {
		deps := e.backupCodeDeps()
		deps.Replace = func(_ context.Context, _ string, generated [][32]byte) error {
			hashes = generated
			return nil
		}
		// The set is persisted with the acceptance below; events follow it.
		deps.Report = nil
		codes, err = flows.RunGenerateBackupCodes(ctx, acct.ID, deps)
		if err != nil {
			return fail(err)
		}
	}

	ok, err := e.store.AcceptInvitation(ctx, acct.ID, hash[:], passwordHash, hashes, now.UTC())
	if err != nil {
		return fail(e.storeError(err, ErrInvitationInvalid))
	}
	if !ok {
		return fail(ErrInvitationInvalid)
	}

	if len(codes) > 0 {
		e.metricInc(MetricBackupCodeRegenerated)
		e.emitAudit(ctx, auditEventBackupCodesGenerated, true, target, nil, func() map[string]string {
			return map[string]string{"count": itoa(len(codes))}
		})
	}

	setupToken, expiresAt, err := e.issueSetupToken(ctx, acct.ID, stores.PurposeOnboarding, e.config.Onboarding.OnboardingTokenTTL)
	if err != nil {
		return fail(err)
	}

	e.metricInc(MetricInvitationAccepted)
	e.emitAudit(ctx, auditEventInvitationAccepted, true, target, nil, nil)
	return &MfaSetupInfo{
		SetupToken:  setupToken,
		BackupCodes: codes,
		AccountID:   acct.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

func normalizeHomeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func trimProfile(p Profile) Profile {
	return Profile{
		FirstName: strings.TrimSpace(p.FirstName),
		LastName:  strings.TrimSpace(p.LastName),
		Phone:     strings.TrimSpace(p.Phone),
	}
}
