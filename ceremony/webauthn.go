package ceremony

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// WebAuthnConfig describes the relying party.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	Timeout       time.Duration
}

// WebAuthnVerifier implements Verifier with go-webauthn.
type WebAuthnVerifier struct {
	wa *webauthn.WebAuthn
}

// NewWebAuthnVerifier validates cfg and builds the relying party.
func NewWebAuthnVerifier(cfg WebAuthnConfig) (*WebAuthnVerifier, error) {
	if cfg.RPID == "" || len(cfg.RPOrigins) == 0 {
		return nil, errors.New("webauthn requires rp id and at least one origin")
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = cfg.RPID
	}
	timeout := webauthn.TimeoutConfig{Enforce: cfg.Timeout > 0, Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &WebAuthnVerifier{wa: wa}, nil
}

func (v *WebAuthnVerifier) BeginRegistration(subject Subject, existing []Credential) (*Challenge, error) {
	user := newWebAuthnUser(subject, existing)

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.creds))
	for _, c := range user.creds {
		exclusions = append(exclusions, c.Descriptor())
	}

	creation, sess, err := v.wa.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	return marshalChallenge(creation, sess)
}

func (v *WebAuthnVerifier) FinishRegistration(subject Subject, existing []Credential, state, response []byte) (*Credential, error) {
	sess, err := unmarshalSession(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}

	cred, err := v.wa.CreateCredential(newWebAuthnUser(subject, existing), *sess, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return &Credential{
		ID:              cred.ID,
		AccountID:       subject.AccountID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		Transports:      transports,
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}, nil
}

func (v *WebAuthnVerifier) BeginLogin(subject *Subject, allowed []Credential) (*Challenge, error) {
	var (
		assertion *protocol.CredentialAssertion
		sess      *webauthn.SessionData
		err       error
	)
	if subject == nil {
		assertion, sess, err = v.wa.BeginDiscoverableLogin()
	} else {
		assertion, sess, err = v.wa.BeginLogin(newWebAuthnUser(*subject, allowed))
	}
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	return marshalChallenge(assertion, sess)
}

func (v *WebAuthnVerifier) FinishLogin(state, response []byte, resolve Resolver) (*Assertion, error) {
	sess, err := unmarshalSession(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}

	var (
		accountID  string
		resolveErr error
	)
	if len(sess.UserID) > 0 {
		subject, creds, err := resolve(parsed.RawID, nil)
		if err != nil {
			return nil, err
		}
		accountID = subject.AccountID
		_, err = v.wa.ValidateLogin(newWebAuthnUser(subject, creds), *sess, parsed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
		}
	} else {
		handler := func(rawID, userHandle []byte) (webauthn.User, error) {
			subject, creds, err := resolve(rawID, userHandle)
			if err != nil {
				resolveErr = err
				return nil, err
			}
			accountID = subject.AccountID
			return newWebAuthnUser(subject, creds), nil
		}
		if _, err := v.wa.ValidateDiscoverableLogin(handler, *sess, parsed); err != nil {
			if resolveErr != nil {
				return nil, resolveErr
			}
			return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
		}
	}

	return &Assertion{
		AccountID:    accountID,
		CredentialID: parsed.RawID,
		SignCount:    parsed.Response.AuthenticatorData.Counter,
	}, nil
}

func marshalChallenge(options any, sess *webauthn.SessionData) (*Challenge, error) {
	rawOptions, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	state, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	return &Challenge{Value: sess.Challenge, Options: rawOptions, State: state}, nil
}

func unmarshalSession(state []byte) (*webauthn.SessionData, error) {
	var sess webauthn.SessionData
	if err := json.Unmarshal(state, &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt session state", ErrSessionInvalid)
	}
	return &sess, nil
}

type webAuthnUser struct {
	subject Subject
	creds   []webauthn.Credential
}

func newWebAuthnUser(subject Subject, creds []Credential) *webAuthnUser {
	u := &webAuthnUser{subject: subject, creds: make([]webauthn.Credential, 0, len(creds))}
	for _, c := range creds {
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		u.creds = append(u.creds, webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.SignCount,
			},
		})
	}
	return u
}

func (u *webAuthnUser) WebAuthnID() []byte { return []byte(u.subject.AccountID) }

func (u *webAuthnUser) WebAuthnName() string { return u.subject.Name }

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.subject.DisplayName == "" {
		return u.subject.Name
	}
	return u.subject.DisplayName
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }
