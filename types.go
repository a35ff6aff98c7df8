package careAuth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MrEthical07/careAuth/access"
	"github.com/MrEthical07/careAuth/ceremony"
)

// Role is an account role.
type Role = access.Role

const (
	RoleAdmin     = access.RoleAdmin
	RoleCaregiver = access.RoleCaregiver
	RoleSysadmin  = access.RoleSysadmin
)

// Account is the durable identity record. Accounts are never hard-deleted;
// Active=false disables one.
type Account struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	Phone        string
	PasswordHash string
	Roles        []Role

	MfaComplete             bool
	RequiresPasskeyReset    bool
	BackupCodesRemaining    int
	BackupCodesAcknowledged bool

	InvitationHash      []byte
	InvitationExpiresAt time.Time
	InvitationAccepted  bool

	ProfileComplete bool
	Active          bool
	Version         uint32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasRole reports whether the account holds role.
func (a *Account) HasRole(role Role) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PasskeyCredential is a registered passkey.
type PasskeyCredential = ceremony.Credential

// HomeAssignment links an account to a care home. Assignments are
// deactivated, never deleted.
type HomeAssignment struct {
	AccountID     string
	HomeID        string
	Active        bool
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// Profile holds the editable personal fields of an account.
type Profile struct {
	FirstName string
	LastName  string
	Phone     string
}

// InvitationRecord is what CreateInvitation asks the store to persist.
type InvitationRecord struct {
	AccountID      string
	Email          string
	Profile        Profile
	Roles          []Role
	InvitationHash []byte
	ExpiresAt      time.Time
}

// BackupRedemption reports the effects of a successful backup-code redemption.
type BackupRedemption struct {
	Remaining       int
	PasskeysRemoved int
}

// AccountStore persists accounts and their invitation state.
type AccountStore interface {
	// AccountByID and AccountByEmail return ErrRecordNotFound for unknown accounts.
	AccountByID(ctx context.Context, accountID string) (*Account, error)
	AccountByEmail(ctx context.Context, email string) (*Account, error)
	// CreateInvitation inserts a pending account, or rotates the invitation
	// of an existing pending one. It returns ErrRecordConflict when the
	// email belongs to an accepted account.
	CreateInvitation(ctx context.Context, rec InvitationRecord) (*Account, error)
	// AcceptInvitation stores passwordHash and backupCodes and marks the
	// invitation accepted, all in one transaction, only if invitationHash
	// matches, the invitation is pending and it has not expired at now. It
	// reports whether the row changed.
	AcceptInvitation(ctx context.Context, accountID string, invitationHash []byte, passwordHash string, backupCodes [][32]byte, now time.Time) (bool, error)
	CompleteProfile(ctx context.Context, accountID string, profile Profile) error
	SetAccountActive(ctx context.Context, accountID string, active bool) error
	// UpdatePasswordHash replaces the stored hash of an accepted account.
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error
}

// BackupCodeStore persists hashed backup codes.
type BackupCodeStore interface {
	// ReplaceBackupCodes swaps the whole set in one transaction.
	ReplaceBackupCodes(ctx context.Context, accountID string, hashes [][32]byte) error
	// RedeemBackupCode deletes the matching code, decrements the remaining
	// count, deletes every passkey and sets requires_passkey_reset in one
	// transaction. ok is false when no code matched.
	RedeemBackupCode(ctx context.Context, accountID string, hash [32]byte) (BackupRedemption, bool, error)
	AcknowledgeBackupCodes(ctx context.Context, accountID string) error
}

// PasskeyStore adds account-level passkey operations to ceremony.CredentialStore.
type PasskeyStore interface {
	ceremony.CredentialStore
	// MarkMfaComplete sets mfa_complete and clears requires_passkey_reset.
	MarkMfaComplete(ctx context.Context, accountID string) error
	// ResetPasskeys deletes every passkey and sets requires_passkey_reset in
	// one transaction, returning the number removed.
	ResetPasskeys(ctx context.Context, accountID string) (int, error)
	// DeletePasskey removes one passkey. It returns ErrLastPasskey when the
	// account has mfa_complete and this is its only passkey, and
	// ErrRecordNotFound when the passkey does not belong to the account.
	DeletePasskey(ctx context.Context, accountID string, credentialID []byte) error
	RenamePasskey(ctx context.Context, accountID string, credentialID []byte, label string) error
}

// HomeStore persists home assignments.
type HomeStore interface {
	access.HomeScope
	// AssignHome creates or reactivates an assignment.
	AssignHome(ctx context.Context, accountID, homeID string, at time.Time) error
	DeactivateHomeAssignment(ctx context.Context, accountID, homeID string, at time.Time) error
	HomeAssignments(ctx context.Context, accountID string) ([]HomeAssignment, error)
}

// Store is the full Credential Store contract.
type Store interface {
	AccountStore
	BackupCodeStore
	PasskeyStore
	HomeStore
}

// NoticeKind identifies an outbound notice.
type NoticeKind string

const (
	NoticeInvitation NoticeKind = "invitation"
	NoticeMfaReset   NoticeKind = "mfa_reset"
)

// Notice is an invitation or reset message addressed to an account holder.
type Notice struct {
	Kind      NoticeKind        `json:"kind"`
	AccountID string            `json:"account_id"`
	Email     string            `json:"email"`
	Token     string            `json:"token,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers notices. Send failures never roll back the operation
// that produced the notice.
type Notifier interface {
	Send(ctx context.Context, notice Notice) error
}

// LoginState is the outcome of a successful credential submission.
type LoginState uint8

const (
	// RequiresPasskeySetup means the account has no usable passkey; SetupToken
	// authorizes registering one.
	RequiresPasskeySetup LoginState = iota + 1
	// RequiresPasskeyChallenge means a passkey ceremony was started; the
	// client answers Challenge and returns AccountRef to CompleteChallenge.
	RequiresPasskeyChallenge
)

func (s LoginState) String() string {
	switch s {
	case RequiresPasskeySetup:
		return "requires_passkey_setup"
	case RequiresPasskeyChallenge:
		return "requires_passkey_challenge"
	}
	return "unknown"
}

// LoginResult is returned by SubmitCredentials and BeginPasskeyLogin.
type LoginResult struct {
	State      LoginState
	SetupToken string
	AccountRef string
	Challenge  string
	AllowList  [][]byte
	Options    json.RawMessage
	ExpiresAt  time.Time
}

// Authenticated carries an issued session. When the account has not finished
// onboarding SessionToken is empty and PendingProfileToken authorizes
// CompleteProfile instead.
type Authenticated struct {
	SessionToken        string
	AccountID           string
	Roles               []Role
	ExpiresAt           time.Time
	PendingProfileToken string
}

// ResetGranted is returned by VerifyBackupCode.
type ResetGranted struct {
	SetupToken string
	Remaining  int
	Exhausted  bool
	ExpiresAt  time.Time
}

// ResetMfaRequest is an administrator's justification for an MFA reset.
type ResetMfaRequest struct {
	TargetAccountID    string
	Reason             string
	VerificationMethod string
	Notes              string
}

// ResetMfaResult reports how many passkeys were removed.
type ResetMfaResult struct {
	PasskeysRemoved int
}

// Invitation describes an account to invite.
type Invitation struct {
	Email   string
	Profile Profile
	Role    string
	HomeIDs []string
}

// InvitationResult carries the invitation bearer token.
type InvitationResult struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
}

// MfaSetupInfo is returned by AcceptInvitation. BackupCodes is only set for
// Sysadmin accounts and is never shown again.
type MfaSetupInfo struct {
	SetupToken  string
	BackupCodes []string
	AccountID   string
	ExpiresAt   time.Time
}

// PasskeySetup is the registration challenge for a new passkey.
type PasskeySetup struct {
	SessionID   string
	Challenge   string
	ExcludeList [][]byte
	Options     json.RawMessage
	ExpiresAt   time.Time
}

// PasskeySetupResult is returned by CompletePasskeySetup. Exactly one of
// OnboardingToken and Session is set, except for enrollment from an existing
// session, where neither is.
type PasskeySetupResult struct {
	Credential      *PasskeyCredential
	OnboardingToken string
	Session         *Authenticated
}

// Principal is the holder of a validated session.
type Principal struct {
	AccountID string
	SessionID string
	Roles     []Role
	ExpiresAt time.Time
}

// Has reports whether the principal holds role.
func (p *Principal) Has(role Role) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *Principal) accessPrincipal() *access.Principal {
	if p == nil {
		return nil
	}
	return &access.Principal{AccountID: p.AccountID, Roles: p.Roles}
}

// Operation and Resource are the gate's request vocabulary.
type (
	Operation = access.Operation
	Resource  = access.Resource
	Decision  = access.Decision
)
