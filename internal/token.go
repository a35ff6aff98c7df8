package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrMalformedToken is returned by ParseSetupToken for anything it did not
// produce.
var ErrMalformedToken = errors.New("malformed setup token")

// setupTokenVersion leads every encoded setup token so the layout can change
// without accepting old tokens under new rules.
const setupTokenVersion byte = 1

// tokenEncoding rejects non-zero trailing bits so each token has exactly one
// string form.
var tokenEncoding = base64.RawURLEncoding.Strict()

// RecordID names one redis record: an authenticated session, a ceremony
// session or a setup token. It renders as 22 characters of base64url.
type RecordID [16]byte

func NewRecordID() (RecordID, error) {
	var id RecordID
	if _, err := rand.Read(id[:]); err != nil {
		return RecordID{}, err
	}
	return id, nil
}

func (id RecordID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// SetupToken is a single-use bearer credential: the id locates the redis
// record, the secret proves possession. Only the secret's hash is stored.
type SetupToken struct {
	ID     RecordID
	Secret [32]byte
}

func NewSetupToken() (SetupToken, error) {
	var tok SetupToken
	id, err := NewRecordID()
	if err != nil {
		return tok, err
	}
	tok.ID = id
	if _, err := rand.Read(tok.Secret[:]); err != nil {
		return SetupToken{}, err
	}
	return tok, nil
}

// SecretHash is what the record stores and what Consume compares against.
func (t SetupToken) SecretHash() [32]byte {
	return sha256.Sum256(t.Secret[:])
}

// String encodes version, id and secret as unpadded base64url.
func (t SetupToken) String() string {
	raw := make([]byte, 0, 1+len(t.ID)+len(t.Secret))
	raw = append(raw, setupTokenVersion)
	raw = append(raw, t.ID[:]...)
	raw = append(raw, t.Secret[:]...)
	return tokenEncoding.EncodeToString(raw)
}

func ParseSetupToken(s string) (SetupToken, error) {
	var tok SetupToken
	raw, err := tokenEncoding.DecodeString(s)
	if err != nil || len(raw) != 1+len(tok.ID)+len(tok.Secret) || raw[0] != setupTokenVersion {
		return SetupToken{}, ErrMalformedToken
	}
	copy(tok.ID[:], raw[1:1+len(tok.ID)])
	copy(tok.Secret[:], raw[1+len(tok.ID):])
	return tok, nil
}
