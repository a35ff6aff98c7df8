package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/careAuth/internal"
	"github.com/redis/go-redis/v9"
)

const (
	// MinSessionTTL and MaxSessionTTL bound the ceremony session lifetime.
	MinSessionTTL     = 2 * time.Minute
	MaxSessionTTL     = 5 * time.Minute
	DefaultSessionTTL = 3 * time.Minute
)

// Config tunes the adapter.
type Config struct {
	SessionTTL         time.Duration
	AllowZeroSignCount bool
	RedisPrefix        string
}

// Adapter runs passkey ceremonies on top of a Verifier.
type Adapter struct {
	verifier Verifier
	creds    CredentialStore
	sessions *SessionStore
	cfg      Config
	now      func() time.Time
}

// New validates cfg and wires the adapter.
func New(verifier Verifier, creds CredentialStore, redisClient redis.UniversalClient, cfg Config) (*Adapter, error) {
	if verifier == nil || creds == nil || redisClient == nil {
		return nil, errors.New("ceremony adapter requires verifier, credential store and redis")
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.SessionTTL < MinSessionTTL || cfg.SessionTTL > MaxSessionTTL {
		return nil, fmt.Errorf("ceremony session ttl must be between %s and %s", MinSessionTTL, MaxSessionTTL)
	}
	return &Adapter{
		verifier: verifier,
		creds:    creds,
		sessions: NewSessionStore(redisClient, cfg.RedisPrefix),
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// SessionTTL returns the configured ceremony lifetime.
func (a *Adapter) SessionTTL() time.Duration {
	return a.cfg.SessionTTL
}

// BeginRegistration starts a registration ceremony bound to subject.
// attachment is stored with the session and handed back on completion.
func (a *Adapter) BeginRegistration(ctx context.Context, subject Subject, label, attachment string) (*Registration, error) {
	if subject.AccountID == "" {
		return nil, errors.New("registration requires an account")
	}
	existing, err := a.creds.ListCredentials(ctx, subject.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ch, err := a.verifier.BeginRegistration(subject, existing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := a.newSession(KindRegistration, subject.AccountID, label, attachment, ch)
	if err != nil {
		return nil, err
	}
	if err := a.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	exclude := make([][]byte, 0, len(existing))
	for _, c := range existing {
		exclude = append(exclude, c.ID)
	}
	return &Registration{
		SessionID:   sess.ID,
		Challenge:   ch.Value,
		ExcludeList: exclude,
		Options:     ch.Options,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// CompleteRegistration consumes the session, runs bind, verifies the response
// and persists the new credential. A non-empty label overrides the one given
// at begin.
func (a *Adapter) CompleteRegistration(ctx context.Context, sessionID string, response []byte, label string, bind BindFunc) (*Credential, *Session, error) {
	sess, err := a.sessions.Consume(ctx, sessionID, KindRegistration)
	if err != nil {
		return nil, nil, err
	}
	if bind != nil {
		if err := bind(ctx, sess); err != nil {
			return nil, sess, err
		}
	}

	existing, err := a.creds.ListCredentials(ctx, sess.AccountID)
	if err != nil {
		return nil, sess, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cred, err := a.verifier.FinishRegistration(Subject{AccountID: sess.AccountID}, existing, sess.State, response)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return nil, sess, err
		}
		return nil, sess, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
	}

	if _, err := a.creds.CredentialByID(ctx, cred.ID); err == nil {
		return nil, sess, ErrDuplicateCredential
	} else if !errors.Is(err, ErrCredentialNotFound) {
		return nil, sess, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if label == "" {
		label = sess.Label
	}
	if label == "" {
		label = "Passkey"
	}
	cred.AccountID = sess.AccountID
	cred.Label = label
	cred.CreatedAt = a.now().UTC()

	if err := a.creds.AddCredential(ctx, cred); err != nil {
		if errors.Is(err, ErrDuplicateCredential) {
			return nil, sess, err
		}
		return nil, sess, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return cred, sess, nil
}

// BeginAuthentication starts a login ceremony. A nil subject starts a
// discovery-based ceremony with no allow list.
func (a *Adapter) BeginAuthentication(ctx context.Context, subject *Subject, attachment string) (*Authentication, error) {
	var (
		allowed   []Credential
		allowList [][]byte
		accountID string
	)
	if subject != nil {
		creds, err := a.creds.ListCredentials(ctx, subject.AccountID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, c := range creds {
			if c.Suspect {
				continue
			}
			allowed = append(allowed, c)
			allowList = append(allowList, c.ID)
		}
		if len(allowed) == 0 {
			return nil, ErrCredentialNotFound
		}
		accountID = subject.AccountID
	}

	ch, err := a.verifier.BeginLogin(subject, allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess, err := a.newSession(KindAuthentication, accountID, "", attachment, ch)
	if err != nil {
		return nil, err
	}
	if err := a.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return &Authentication{
		SessionID: sess.ID,
		Challenge: ch.Value,
		AllowList: allowList,
		Options:   ch.Options,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// CompleteAuthentication consumes the session, verifies the assertion and
// advances the stored signature counter.
func (a *Adapter) CompleteAuthentication(ctx context.Context, sessionID string, response []byte) (*Assertion, error) {
	sess, err := a.sessions.Consume(ctx, sessionID, KindAuthentication)
	if err != nil {
		return nil, err
	}

	var stored *Credential
	resolve := func(credentialID, userHandle []byte) (Subject, []Credential, error) {
		accountID := sess.AccountID
		if accountID == "" {
			cred, err := a.creds.CredentialByID(ctx, credentialID)
			if err != nil {
				if errors.Is(err, ErrCredentialNotFound) {
					return Subject{}, nil, ErrResponseInvalid
				}
				return Subject{}, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			if cred.AccountID != string(userHandle) {
				return Subject{}, nil, ErrResponseInvalid
			}
			accountID = cred.AccountID
		}

		creds, err := a.creds.ListCredentials(ctx, accountID)
		if err != nil {
			return Subject{}, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for i := range creds {
			if bytes.Equal(creds[i].ID, credentialID) {
				stored = &creds[i]
			}
		}
		if stored == nil {
			return Subject{}, nil, ErrResponseInvalid
		}
		return Subject{AccountID: accountID}, creds, nil
	}

	assertion, err := a.verifier.FinishLogin(sess.State, response, resolve)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnavailable), errors.Is(err, ErrSessionInvalid):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
		}
	}
	if stored == nil || (sess.AccountID != "" && assertion.AccountID != sess.AccountID) {
		return nil, ErrResponseInvalid
	}
	if stored.Suspect {
		return nil, ErrCloneDetected
	}

	ok, err := a.creds.AdvanceSignCount(ctx, stored.ID, assertion.SignCount, a.cfg.AllowZeroSignCount, a.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		if err := a.creds.MarkSuspect(ctx, stored.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, ErrCloneDetected
	}

	assertion.AccountID = stored.AccountID
	assertion.CredentialID = stored.ID
	assertion.Attachment = sess.Attachment
	return assertion, nil
}

// Discard consumes a session without verifying anything. It is used when a
// pending login challenge is redirected to another recovery path.
func (a *Adapter) Discard(ctx context.Context, sessionID string, kind Kind) (*Session, error) {
	return a.sessions.Consume(ctx, sessionID, kind)
}

func (a *Adapter) newSession(kind Kind, accountID, label, attachment string, ch *Challenge) (*Session, error) {
	id, err := internal.NewRecordID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Session{
		ID:         id.String(),
		Kind:       kind,
		AccountID:  accountID,
		Label:      label,
		Attachment: attachment,
		Challenge:  ch.Value,
		State:      ch.State,
		ExpiresAt:  a.now().Add(a.cfg.SessionTTL),
	}, nil
}
