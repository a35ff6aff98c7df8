// Package ceremonytest provides a deterministic Verifier, a software
// authenticator and an in-memory credential store for tests.
package ceremonytest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/careAuth/ceremony"
)

// Origin is the only origin the fake verifier accepts.
const Origin = "https://care.example"

type fakeState struct {
	Challenge string `json:"challenge"`
	AccountID string `json:"account_id,omitempty"`
}

type registrationResponse struct {
	Challenge    string `json:"challenge"`
	Origin       string `json:"origin"`
	CredentialID []byte `json:"credential_id"`
	PublicKey    []byte `json:"public_key"`
	SignCount    uint32 `json:"sign_count"`
}

type assertionResponse struct {
	Challenge    string `json:"challenge"`
	Origin       string `json:"origin"`
	CredentialID []byte `json:"credential_id"`
	UserHandle   []byte `json:"user_handle,omitempty"`
	SignCount    uint32 `json:"sign_count"`
	Signature    []byte `json:"signature"`
}

// Verifier checks that responses echo the challenge, come from Origin and are
// "signed" with the registered public key.
type Verifier struct {
	// Fail makes every Begin call return an error.
	Fail atomic.Bool
}

func newChallenge() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func (v *Verifier) begin(accountID string) (*ceremony.Challenge, error) {
	if v.Fail.Load() {
		return nil, errors.New("verifier offline")
	}
	value, err := newChallenge()
	if err != nil {
		return nil, err
	}
	state, _ := json.Marshal(fakeState{Challenge: value, AccountID: accountID})
	options, _ := json.Marshal(map[string]string{"challenge": value})
	return &ceremony.Challenge{Value: value, Options: options, State: state}, nil
}

func (v *Verifier) BeginRegistration(subject ceremony.Subject, _ []ceremony.Credential) (*ceremony.Challenge, error) {
	return v.begin(subject.AccountID)
}

func (v *Verifier) FinishRegistration(subject ceremony.Subject, existing []ceremony.Credential, state, response []byte) (*ceremony.Credential, error) {
	var st fakeState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, ceremony.ErrSessionInvalid
	}
	var resp registrationResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, ceremony.ErrResponseInvalid
	}
	if resp.Challenge != st.Challenge || resp.Origin != Origin || st.AccountID != subject.AccountID {
		return nil, ceremony.ErrResponseInvalid
	}
	for _, c := range existing {
		if bytes.Equal(c.ID, resp.CredentialID) {
			return nil, ceremony.ErrResponseInvalid
		}
	}
	return &ceremony.Credential{
		ID:        resp.CredentialID,
		AccountID: subject.AccountID,
		PublicKey: resp.PublicKey,
		SignCount: resp.SignCount,
	}, nil
}

func (v *Verifier) BeginLogin(subject *ceremony.Subject, _ []ceremony.Credential) (*ceremony.Challenge, error) {
	if subject == nil {
		return v.begin("")
	}
	return v.begin(subject.AccountID)
}

func (v *Verifier) FinishLogin(state, response []byte, resolve ceremony.Resolver) (*ceremony.Assertion, error) {
	var st fakeState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, ceremony.ErrSessionInvalid
	}
	var resp assertionResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, ceremony.ErrResponseInvalid
	}
	if resp.Challenge != st.Challenge || resp.Origin != Origin {
		return nil, ceremony.ErrResponseInvalid
	}

	var handle []byte
	if st.AccountID == "" {
		handle = resp.UserHandle
	}
	subject, creds, err := resolve(resp.CredentialID, handle)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if bytes.Equal(c.ID, resp.CredentialID) {
			if !bytes.Equal(c.PublicKey, resp.Signature) {
				return nil, ceremony.ErrResponseInvalid
			}
			return &ceremony.Assertion{
				AccountID:    subject.AccountID,
				CredentialID: c.ID,
				SignCount:    resp.SignCount,
			}, nil
		}
	}
	return nil, ceremony.ErrResponseInvalid
}

// Authenticator simulates a platform authenticator holding one key.
type Authenticator struct {
	mu        sync.Mutex
	ID        []byte
	Key       []byte
	AccountID string
	Counter   uint32
}

// NewAuthenticator returns an authenticator for accountID with a random key.
func NewAuthenticator(accountID string) *Authenticator {
	id := make([]byte, 16)
	key := make([]byte, 32)
	_, _ = rand.Read(id)
	_, _ = rand.Read(key)
	return &Authenticator{ID: id, Key: key, AccountID: accountID}
}

// Register answers a registration challenge.
func (a *Authenticator) Register(challenge string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, _ := json.Marshal(registrationResponse{
		Challenge:    challenge,
		Origin:       Origin,
		CredentialID: a.ID,
		PublicKey:    a.Key,
		SignCount:    a.Counter,
	})
	return out
}

// Assert answers an authentication challenge and advances the counter.
func (a *Authenticator) Assert(challenge string) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Counter++
	out, _ := json.Marshal(assertionResponse{
		Challenge:    challenge,
		Origin:       Origin,
		CredentialID: a.ID,
		UserHandle:   []byte(a.AccountID),
		SignCount:    a.Counter,
		Signature:    a.Key,
	})
	return out
}

// Clone copies the key material and counter, like an extracted key would.
func (a *Authenticator) Clone() *Authenticator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Authenticator{ID: a.ID, Key: a.Key, AccountID: a.AccountID, Counter: a.Counter}
}

// CredentialStore is an in-memory ceremony.CredentialStore.
type CredentialStore struct {
	mu    sync.Mutex
	creds map[string]ceremony.Credential
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]ceremony.Credential)}
}

func (s *CredentialStore) ListCredentials(_ context.Context, accountID string) ([]ceremony.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ceremony.Credential
	for _, c := range s.creds {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *CredentialStore) CredentialByID(_ context.Context, id []byte) (*ceremony.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return nil, ceremony.ErrCredentialNotFound
	}
	return &c, nil
}

func (s *CredentialStore) AddCredential(_ context.Context, cred *ceremony.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[string(cred.ID)]; ok {
		return ceremony.ErrDuplicateCredential
	}
	s.creds[string(cred.ID)] = *cred
	return nil
}

func (s *CredentialStore) AdvanceSignCount(_ context.Context, id []byte, count uint32, allowZero bool, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return false, nil
	}
	if count > c.SignCount || (allowZero && count == 0 && c.SignCount == 0) {
		c.SignCount = count
		c.LastUsedAt = usedAt
		s.creds[string(id)] = c
		return true, nil
	}
	return false, nil
}

func (s *CredentialStore) MarkSuspect(_ context.Context, id []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return ceremony.ErrCredentialNotFound
	}
	c.Suspect = true
	s.creds[string(id)] = c
	return nil
}

// DeleteAccount removes every credential owned by accountID and returns the count.
func (s *CredentialStore) DeleteAccount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.creds {
		if c.AccountID == accountID {
			delete(s.creds, k)
			n++
		}
	}
	return n
}

// Delete removes one credential.
func (s *CredentialStore) Delete(id []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[string(id)]; !ok {
		return false
	}
	delete(s.creds, string(id))
	return true
}

// Update applies fn to a stored credential.
func (s *CredentialStore) Update(id []byte, fn func(*ceremony.Credential)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[string(id)]
	if !ok {
		return false
	}
	fn(&c)
	s.creds[string(id)] = c
	return true
}
