package careAuth

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/password"
)

// Config tunes the Engine. Start from DefaultConfig and override what the
// deployment needs; Build validates the result.
type Config struct {
	JWT        JWTConfig
	Session    SessionConfig
	Ceremony   CeremonyConfig
	Login      LoginConfig
	Recovery   RecoveryConfig
	Onboarding OnboardingConfig
	Password   PasswordConfig
	Access     AccessConfig
	Audit      AuditConfig
	Metrics    MetricsConfig

	// DependencyTimeout bounds every store, redis and verifier call made by
	// one engine operation.
	DependencyTimeout time.Duration
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig covers session and invitation tokens.
type JWTConfig struct {
	// SessionTTL is the session lifetime. With sliding sessions it is the
	// idle window instead, and tokens live for AbsoluteSessionLifetime.
	SessionTTL    time.Duration
	InvitationTTL time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig covers the redis-backed authenticated session.
type SessionConfig struct {
	RedisPrefix             string
	SlidingExpiration       bool
	AbsoluteSessionLifetime time.Duration
	JitterEnabled           bool
	JitterRange             time.Duration
}

/*
====================================
CEREMONY CONFIG
====================================
*/

// CeremonyConfig configures the passkey relying party.
type CeremonyConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	SessionTTL    time.Duration
	// AllowZeroSignCount accepts authenticators that always report a zero
	// counter, as long as the stored counter is also zero.
	AllowZeroSignCount bool
	RedisPrefix        string
}

// LoginConfig covers credential submission.
type LoginConfig struct {
	MaxAttempts            int
	Cooldown               time.Duration
	EnableIPThrottle       bool
	AllowDiscoverableLogin bool
}

// RecoveryConfig covers backup codes.
type RecoveryConfig struct {
	BackupCodeCount   int
	BackupCodeLength  int
	MaxBackupAttempts int
	BackupCooldown    time.Duration
}

// OnboardingConfig covers setup tokens.
type OnboardingConfig struct {
	SetupTokenTTL      time.Duration
	OnboardingTokenTTL time.Duration
	RedisPrefix        string
}

// PasswordConfig holds argon2id parameters.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AccessConfig tunes the home-assignment cache of the gate.
type AccessConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns production defaults. Signing keys and relying-party
// settings still have to be filled in.
func DefaultConfig() Config {
	return defaultConfig()
}

// sessionTokenTTL is how long a signed session token stays valid.
func (c Config) sessionTokenTTL() time.Duration {
	if c.Session.SlidingExpiration {
		return c.Session.AbsoluteSessionLifetime
	}
	return c.JWT.SessionTTL
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SessionTTL:    15 * time.Minute,
			InvitationTTL: 72 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "careauth",
			Audience:      "care-records",
		},
		Session: SessionConfig{
			RedisPrefix:             "as",
			SlidingExpiration:       true,
			AbsoluteSessionLifetime: 12 * time.Hour,
			JitterEnabled:           true,
			JitterRange:             30 * time.Second,
		},
		Ceremony: CeremonyConfig{
			RPDisplayName: "Care Records",
			SessionTTL:    ceremony.DefaultSessionTTL,
			RedisPrefix:   "acs",
		},
		Login: LoginConfig{
			MaxAttempts:      5,
			Cooldown:         15 * time.Minute,
			EnableIPThrottle: true,
		},
		Recovery: RecoveryConfig{
			BackupCodeCount:   10,
			BackupCodeLength:  10,
			MaxBackupAttempts: 5,
			BackupCooldown:    15 * time.Minute,
		},
		Onboarding: OnboardingConfig{
			SetupTokenTTL:      10 * time.Minute,
			OnboardingTokenTTL: 30 * time.Minute,
			RedisPrefix:        "ast",
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Access: AccessConfig{
			CacheSize: 1024,
			CacheTTL:  30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		DependencyTimeout: 3 * time.Second,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	out.Ceremony.RPOrigins = append([]string(nil), cfg.Ceremony.RPOrigins...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c Config) passwordConfig() password.Config {
	return password.Config{
		Memory:      c.Password.Memory,
		Time:        c.Password.Time,
		Parallelism: c.Password.Parallelism,
		SaltLength:  c.Password.SaltLength,
		KeyLength:   c.Password.KeyLength,
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks ranges and cross-field constraints. It does not parse keys;
// the token manager does that during Build.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.SessionTTL <= 0 {
		return errors.New("JWT SessionTTL must be > 0")
	}
	if c.JWT.InvitationTTL <= 0 {
		return errors.New("JWT InvitationTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be in [0,2m]")
	}
	if c.JWT.Issuer != "" && strings.TrimSpace(c.JWT.Issuer) == "" {
		return errors.New("JWT Issuer must not be blank")
	}
	if c.JWT.Audience != "" && strings.TrimSpace(c.JWT.Audience) == "" {
		return errors.New("JWT Audience must not be blank")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return fmt.Errorf("%s requires PrivateKey", c.JWT.SigningMethod)
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}

	// Session
	if c.Session.AbsoluteSessionLifetime <= 0 {
		return errors.New("Session AbsoluteSessionLifetime must be > 0")
	}
	if c.Session.AbsoluteSessionLifetime < c.JWT.SessionTTL {
		return errors.New("Session AbsoluteSessionLifetime must be >= JWT SessionTTL")
	}
	if c.Session.JitterRange < 0 {
		return errors.New("Session JitterRange must be >= 0")
	}
	if c.Session.JitterRange > time.Duration((math.MaxInt64-1)/2) {
		return errors.New("Session JitterRange is too large")
	}
	if c.Session.JitterEnabled && c.Session.JitterRange <= 0 {
		return errors.New("Session JitterRange must be > 0 when JitterEnabled is true")
	}

	// Ceremony
	if c.Ceremony.SessionTTL < ceremony.MinSessionTTL || c.Ceremony.SessionTTL > ceremony.MaxSessionTTL {
		return fmt.Errorf("Ceremony SessionTTL must be between %s and %s", ceremony.MinSessionTTL, ceremony.MaxSessionTTL)
	}

	// Login
	if c.Login.MaxAttempts <= 0 {
		return errors.New("Login MaxAttempts must be > 0")
	}
	if c.Login.Cooldown <= 0 {
		return errors.New("Login Cooldown must be > 0")
	}

	// Recovery
	if c.Recovery.BackupCodeCount <= 0 || c.Recovery.BackupCodeCount > 32 {
		return errors.New("Recovery BackupCodeCount must be in [1,32]")
	}
	if c.Recovery.BackupCodeLength < 8 || c.Recovery.BackupCodeLength > 32 {
		return errors.New("Recovery BackupCodeLength must be in [8,32]")
	}
	if c.Recovery.MaxBackupAttempts <= 0 {
		return errors.New("Recovery MaxBackupAttempts must be > 0")
	}
	if c.Recovery.BackupCooldown <= 0 {
		return errors.New("Recovery BackupCooldown must be > 0")
	}

	// Onboarding
	if c.Onboarding.SetupTokenTTL <= 0 || c.Onboarding.SetupTokenTTL > time.Hour {
		return errors.New("Onboarding SetupTokenTTL must be in (0,1h]")
	}
	if c.Onboarding.OnboardingTokenTTL <= 0 || c.Onboarding.OnboardingTokenTTL > 24*time.Hour {
		return errors.New("Onboarding OnboardingTokenTTL must be in (0,24h]")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// Access
	if c.Access.CacheSize < 0 || c.Access.CacheTTL < 0 {
		return errors.New("Access cache settings must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.DependencyTimeout <= 0 {
		return errors.New("DependencyTimeout must be > 0")
	}

	return nil
}
