package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrSessionInvalid covers unknown, expired, consumed and wrong-kind sessions.
	ErrSessionInvalid = errors.New("ceremony session invalid")
	// ErrResponseInvalid is returned when the authenticator response fails verification.
	ErrResponseInvalid = errors.New("ceremony response rejected")
	// ErrCloneDetected is returned when a signature counter did not advance.
	ErrCloneDetected = errors.New("credential counter did not advance")
	// ErrDuplicateCredential is returned when a credential id is already registered.
	ErrDuplicateCredential = errors.New("credential already registered")
	// ErrCredentialNotFound is returned by stores for unknown credential ids.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrUnavailable wraps store, redis and verifier backend failures.
	ErrUnavailable = errors.New("ceremony backend unavailable")
)

// Kind distinguishes registration sessions from authentication sessions.
type Kind uint8

const (
	KindRegistration   Kind = 1
	KindAuthentication Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindAuthentication:
		return "authentication"
	}
	return "unknown"
}

// Subject identifies the account taking part in a ceremony.
type Subject struct {
	AccountID   string
	Name        string
	DisplayName string
}

// Credential is a registered passkey.
type Credential struct {
	ID              []byte
	AccountID       string
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	Transports      []string
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	Label           string
	Suspect         bool
	CreatedAt       time.Time
	LastUsedAt      time.Time
}

// CredentialStore persists passkey records.
type CredentialStore interface {
	ListCredentials(ctx context.Context, accountID string) ([]Credential, error)
	CredentialByID(ctx context.Context, id []byte) (*Credential, error)
	AddCredential(ctx context.Context, cred *Credential) error
	// AdvanceSignCount stores count only if it is strictly greater than the
	// stored value, or if allowZero is set and both values are zero. It
	// reports whether the row was updated.
	AdvanceSignCount(ctx context.Context, id []byte, count uint32, allowZero bool, usedAt time.Time) (bool, error)
	MarkSuspect(ctx context.Context, id []byte) error
}

// Session is the server-side ceremony state.
type Session struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	AccountID  string    `json:"account_id,omitempty"`
	Label      string    `json:"label,omitempty"`
	Attachment string    `json:"attachment,omitempty"`
	Challenge  string    `json:"challenge"`
	State      []byte    `json:"state"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Registration is returned by BeginRegistration.
type Registration struct {
	SessionID   string
	Challenge   string
	ExcludeList [][]byte
	Options     json.RawMessage
	ExpiresAt   time.Time
}

// Authentication is returned by BeginAuthentication. AllowList is nil for
// discovery-based login.
type Authentication struct {
	SessionID string
	Challenge string
	AllowList [][]byte
	Options   json.RawMessage
	ExpiresAt time.Time
}

// Assertion is the verified outcome of an authentication ceremony.
type Assertion struct {
	AccountID    string
	CredentialID []byte
	SignCount    uint32
	Attachment   string
}

// BindFunc runs after a registration session is consumed and before the
// response is verified. Returning an error aborts the ceremony.
type BindFunc func(ctx context.Context, s *Session) error
