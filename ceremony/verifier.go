package ceremony

import "encoding/json"

// Challenge is the material produced by a Verifier when a ceremony begins.
// State is opaque and only read back by the same Verifier.
type Challenge struct {
	Value   string
	Options json.RawMessage
	State   []byte
}

// Resolver loads the subject and its credentials for an authentication
// response. userHandle is empty for account-bound sessions.
type Resolver func(credentialID, userHandle []byte) (Subject, []Credential, error)

// Verifier is the cryptographic challenge-response primitive.
type Verifier interface {
	BeginRegistration(subject Subject, existing []Credential) (*Challenge, error)
	FinishRegistration(subject Subject, existing []Credential, state, response []byte) (*Credential, error)
	// BeginLogin omits the allow list when subject is nil.
	BeginLogin(subject *Subject, allowed []Credential) (*Challenge, error)
	// FinishLogin returns the reported signature counter, not a merged one.
	FinishLogin(state, response []byte, resolve Resolver) (*Assertion, error)
}
