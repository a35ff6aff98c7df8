// Package models holds the bun table models of the credential store.
package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Account is one row of the accounts table. Rows are never hard-deleted.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:a"`

	ID                      string    `bun:"id,pk"`
	Email                   string    `bun:"email,notnull,unique"`
	FirstName               string    `bun:"first_name,notnull"`
	LastName                string    `bun:"last_name,notnull"`
	Phone                   string    `bun:"phone,notnull"`
	PasswordHash            string    `bun:"password_hash,notnull"`
	MfaComplete             bool      `bun:"mfa_complete,notnull"`
	RequiresPasskeyReset    bool      `bun:"requires_passkey_reset,notnull"`
	BackupCodesRemaining    int       `bun:"backup_codes_remaining,notnull"`
	BackupCodesAcknowledged bool      `bun:"backup_codes_acknowledged,notnull"`
	InvitationHash          []byte    `bun:"invitation_hash"`
	InvitationExpiresAt     time.Time `bun:"invitation_expires_at,notnull"`
	InvitationAccepted      bool      `bun:"invitation_accepted,notnull"`
	ProfileComplete         bool      `bun:"profile_complete,notnull"`
	Active                  bool      `bun:"active,notnull"`
	Version                 uint32    `bun:"version,notnull"`
	CreatedAt               time.Time `bun:"created_at,notnull"`
	UpdatedAt               time.Time `bun:"updated_at,notnull"`
}

// AccountRole binds one role to an account.
type AccountRole struct {
	bun.BaseModel `bun:"table:account_roles,alias:ar"`

	AccountID string `bun:"account_id,pk"`
	Role      string `bun:"role,pk"`
}

// Passkey is a registered WebAuthn credential.
type Passkey struct {
	bun.BaseModel `bun:"table:passkeys,alias:p"`

	ID              []byte     `bun:"id,pk"`
	AccountID       string     `bun:"account_id,notnull"`
	PublicKey       []byte     `bun:"public_key,notnull"`
	AttestationType string     `bun:"attestation_type,notnull"`
	AAGUID          []byte     `bun:"aaguid"`
	Transports      string     `bun:"transports,notnull"`
	SignCount       int64      `bun:"sign_count,notnull"`
	BackupEligible  bool       `bun:"backup_eligible,notnull"`
	BackupState     bool       `bun:"backup_state,notnull"`
	Label           string     `bun:"label,notnull"`
	Suspect         bool       `bun:"suspect,notnull"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	LastUsedAt      *time.Time `bun:"last_used_at"`
}

// BackupCode stores the SHA-256 of one unused recovery code.
type BackupCode struct {
	bun.BaseModel `bun:"table:backup_codes,alias:bc"`

	AccountID string    `bun:"account_id,pk"`
	CodeHash  []byte    `bun:"code_hash,pk"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// HomeAssignment links an account to a care home. Rows are deactivated, not deleted.
type HomeAssignment struct {
	bun.BaseModel `bun:"table:home_assignments,alias:ha"`

	AccountID     string     `bun:"account_id,pk"`
	HomeID        string     `bun:"home_id,pk"`
	Active        bool       `bun:"active,notnull"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	DeactivatedAt *time.Time `bun:"deactivated_at"`
}

// AuditEvent is one append-only audit row. Metadata holds a JSON object.
type AuditEvent struct {
	bun.BaseModel `bun:"table:audit_events,alias:ae"`

	ID        int64     `bun:"id,pk,autoincrement"`
	Timestamp time.Time `bun:"occurred_at,notnull"`
	EventType string    `bun:"event_type,notnull"`
	ActorID   string    `bun:"actor_id,notnull"`
	AccountID string    `bun:"account_id,notnull"`
	Resource  string    `bun:"resource,notnull"`
	IP        string    `bun:"ip,notnull"`
	Success   bool      `bun:"success,notnull"`
	Error     string    `bun:"error,notnull"`
	Metadata  string    `bun:"metadata,notnull"`
}
