package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const (
	typeSession = "session"
	typeInvite  = "invite"

	maxLeeway           = 2 * time.Minute
	defaultMaxFutureIAT = 10 * time.Minute
)

var (
	// ErrWrongTokenType is returned when a valid token of one kind is
	// presented as another.
	ErrWrongTokenType = errors.New("wrong token type")
	// ErrFutureIssuedAt is returned for tokens issued further ahead than
	// Config.MaxFutureIAT.
	ErrFutureIssuedAt = errors.New("token issued in the future")
	errUnknownKeyID   = errors.New("unknown kid")
)

// Config tunes the Manager.
type Config struct {
	SessionTTL    time.Duration
	InvitationTTL time.Duration
	SigningMethod SigningMethod
	// PrivateKey is the HMAC secret for hs256, or a raw or PEM ed25519 key.
	PrivateKey []byte
	PublicKey  []byte
	Issuer     string
	Audience   string
	Leeway     time.Duration
	// MaxFutureIAT bounds clock skew on iat. Zero means ten minutes.
	MaxFutureIAT time.Duration
	// KeyID is written to the kid header of every signed token.
	KeyID string
	// VerifyKeys, when set, are the only keys accepted, selected by kid.
	VerifyKeys map[string][]byte
}

// Manager signs and verifies session and invitation tokens.
type Manager struct {
	cfg    Config
	method jwt.SigningMethod
	sign   any
	// verify maps kid to key; the "" entry serves tokens without a kid.
	verify map[string]any
	parser *jwt.Parser
	now    func() time.Time
}

// SessionClaims bind a bearer token to a server-side session.
type SessionClaims struct {
	Type  string   `json:"typ"`
	AID   string   `json:"aid"`
	SID   string   `json:"sid"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *SessionClaims) kind() string   { return c.Type }
func (c *SessionClaims) complete() bool { return c.AID != "" && c.SID != "" }

// InviteClaims carry an invitation. Subject is the pending account id and
// ID is the random jti whose hash is stored on the account.
type InviteClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *InviteClaims) kind() string   { return c.Type }
func (c *InviteClaims) complete() bool { return c.Subject != "" && c.ID != "" }

type typedClaims interface {
	jwt.Claims
	kind() string
	complete() bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.SessionTTL <= 0 || cfg.InvitationTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, fmt.Errorf("leeway must be within [0, %s]", maxLeeway)
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = defaultMaxFutureIAT
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("MaxFutureIAT must be within (0, 24h]")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{cfg: cfg, verify: make(map[string]any), now: time.Now}
	if err := m.loadKeys(); err != nil {
		return nil, err
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := m.verify[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	m.parser = jwt.NewParser(opts...)
	return m, nil
}

// loadKeys decodes every configured key once so signing and parsing never
// touch PEM.
func (m *Manager) loadKeys() error {
	var decode func([]byte) (any, error)

	switch m.cfg.SigningMethod {
	case MethodHS256:
		if len(m.cfg.PrivateKey) < 32 {
			return errors.New("hs256 requires a key of at least 32 bytes")
		}
		m.method = jwt.SigningMethodHS256
		m.sign = m.cfg.PrivateKey
		m.verify[""] = m.cfg.PrivateKey
		decode = func(b []byte) (any, error) { return b, nil }

	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
		if len(m.cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(m.cfg.PrivateKey)
			if err != nil {
				return err
			}
			m.sign = priv
		}
		if len(m.cfg.PublicKey) > 0 {
			pub, err := parseEdPublicKey(m.cfg.PublicKey)
			if err != nil {
				return err
			}
			m.verify[""] = pub
		} else if len(m.cfg.VerifyKeys) == 0 {
			return errors.New("ed25519 requires a public key or verify keys")
		}
		decode = func(b []byte) (any, error) { return parseEdPublicKey(b) }

	default:
		return fmt.Errorf("unsupported signing method %q", m.cfg.SigningMethod)
	}

	if len(m.cfg.VerifyKeys) == 0 {
		return nil
	}
	// A kid set replaces the default key entirely.
	delete(m.verify, "")
	for kid, raw := range m.cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return errors.New("verify keys contain an empty kid")
		}
		key, err := decode(raw)
		if err != nil {
			return fmt.Errorf("verify key %q: %w", kid, err)
		}
		m.verify[kid] = key
	}
	return nil
}

// CreateSession signs a session token for accountID.
func (m *Manager) CreateSession(accountID, sessionID string, roles []string) (string, time.Time, error) {
	rc, expiresAt := m.registered(m.cfg.SessionTTL)
	token, err := m.signClaims(&SessionClaims{
		Type:             typeSession,
		AID:              accountID,
		SID:              sessionID,
		Roles:            roles,
		RegisteredClaims: rc,
	})
	return token, expiresAt, err
}

// ParseSession verifies a session token.
func (m *Manager) ParseSession(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := m.parse(token, claims, typeSession); err != nil {
		return nil, err
	}
	return claims, nil
}

// CreateInvite signs an invitation for accountID carrying jti.
func (m *Manager) CreateInvite(accountID, jti string) (string, time.Time, error) {
	rc, expiresAt := m.registered(m.cfg.InvitationTTL)
	rc.Subject = accountID
	rc.ID = jti
	token, err := m.signClaims(&InviteClaims{Type: typeInvite, RegisteredClaims: rc})
	return token, expiresAt, err
}

// ParseInvite verifies an invitation token.
func (m *Manager) ParseInvite(token string) (*InviteClaims, error) {
	claims := &InviteClaims{}
	if err := m.parse(token, claims, typeInvite); err != nil {
		return nil, err
	}
	return claims, nil
}

func (m *Manager) registered(ttl time.Duration) (jwt.RegisteredClaims, time.Time) {
	now := m.now()
	rc := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    m.cfg.Issuer,
	}
	if m.cfg.Audience != "" {
		rc.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}
	return rc, rc.ExpiresAt.Time
}

func (m *Manager) signClaims(claims jwt.Claims) (string, error) {
	if m.sign == nil {
		return "", errors.New("manager has no signing key")
	}
	token := jwt.NewWithClaims(m.method, claims)
	if m.cfg.KeyID != "" {
		token.Header["kid"] = m.cfg.KeyID
	}
	return token.SignedString(m.sign)
}

func (m *Manager) parse(token string, claims typedClaims, want string) error {
	if _, err := m.parser.ParseWithClaims(token, claims, m.keyFor); err != nil {
		return err
	}
	if claims.kind() != want || !claims.complete() {
		return ErrWrongTokenType
	}
	if iat, _ := claims.GetIssuedAt(); iat != nil && iat.After(m.now().Add(m.cfg.MaxFutureIAT)) {
		return ErrFutureIssuedAt
	}
	return nil
}

// keyFor selects the verification key. With a kid set the header must name
// one of them; otherwise a configured KeyID must match the header.
func (m *Manager) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if len(m.cfg.VerifyKeys) == 0 && m.cfg.KeyID != "" && kid != m.cfg.KeyID {
		return nil, errUnknownKeyID
	}
	if len(m.cfg.VerifyKeys) == 0 {
		kid = ""
	}
	key, ok := m.verify[kid]
	if !ok {
		return nil, errUnknownKeyID
	}
	return key, nil
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
