package careAuth

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrEthical07/careAuth/access"
	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/internal/audit"
	"github.com/MrEthical07/careAuth/internal/rate"
	"github.com/MrEthical07/careAuth/internal/stores"
	"github.com/MrEthical07/careAuth/jwt"
	"github.com/MrEthical07/careAuth/password"
	"github.com/MrEthical07/careAuth/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	store      Store
	verifier   ceremony.Verifier
	notifier   Notifier
	operations []Operation
	logger     *slog.Logger
	auditSink  AuditSink

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client for ceremony sessions, setup tokens, sessions
// and rate counters.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the durable Credential Store.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithVerifier replaces the go-webauthn verifier built from Config.Ceremony.
func (b *Builder) WithVerifier(v ceremony.Verifier) *Builder {
	b.verifier = v
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithOperations sets the protected operation table. It defaults to
// access.DefaultOperations. Engine operations the table omits are added with
// their default roles.
func (b *Builder) WithOperations(ops []Operation) *Builder {
	b.operations = append([]Operation(nil), ops...)
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("credential store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	verifier := b.verifier
	if verifier == nil {
		wv, err := ceremony.NewWebAuthnVerifier(ceremony.WebAuthnConfig{
			RPID:          cfg.Ceremony.RPID,
			RPDisplayName: cfg.Ceremony.RPDisplayName,
			RPOrigins:     cfg.Ceremony.RPOrigins,
			Timeout:       cfg.Ceremony.SessionTTL,
		})
		if err != nil {
			return nil, err
		}
		verifier = wv
	}

	adapter, err := ceremony.New(verifier, b.store, b.redis, ceremony.Config{
		SessionTTL:         cfg.Ceremony.SessionTTL,
		AllowZeroSignCount: cfg.Ceremony.AllowZeroSignCount,
		RedisPrefix:        cfg.Ceremony.RedisPrefix,
	})
	if err != nil {
		return nil, err
	}

	ops := b.operations
	if len(ops) == 0 {
		ops = access.DefaultOperations()
	}
	ops = withEngineOperations(ops)
	gate, err := access.NewGate(ops, b.store, access.Config{
		CacheSize: cfg.Access.CacheSize,
		CacheTTL:  cfg.Access.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	ph, err := password.NewArgon2(cfg.passwordConfig())
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		SessionTTL:    cfg.sessionTokenTTL(),
		InvitationTTL: cfg.JWT.InvitationTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	var dispatcher *audit.Dispatcher
	if cfg.Audit.Enabled {
		sink := b.auditSink
		if sink == nil {
			sink = NoOpSink{}
		}
		dispatcher = audit.NewDispatcher(audit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
			Critical:   criticalAuditEvents,
			Logger:     logger,
		}, sink)
	}

	engine := &Engine{
		config: cfg,
		store:  b.store,
		sessions: session.NewStore(b.redis, session.Options{
			Prefix:  cfg.Session.RedisPrefix,
			Sliding: cfg.Session.SlidingExpiration,
			Idle:    cfg.JWT.SessionTTL,
			Jitter:  sessionJitter(cfg.Session),
		}),
		limiter: rate.New(b.redis, rate.Config{
			EnableIPThrottle:      cfg.Login.EnableIPThrottle,
			MaxLoginAttempts:      cfg.Login.MaxAttempts,
			LoginCooldownDuration: cfg.Login.Cooldown,
			MaxBackupAttempts:     cfg.Recovery.MaxBackupAttempts,
			BackupCooldown:        cfg.Recovery.BackupCooldown,
		}),
		setupTokens:  stores.NewSetupTokenStore(b.redis, cfg.Onboarding.RedisPrefix),
		ceremony:     adapter,
		gate:         gate,
		audit:        dispatcher,
		metrics:      NewMetrics(cfg.Metrics),
		passwordHash: ph,
		jwtManager:   jm,
		notifier:     b.notifier,
		logger:       logger,
	}

	b.built = true

	return engine, nil
}

// withEngineOperations appends every engine operation ops does not define.
func withEngineOperations(ops []Operation) []Operation {
	defined := make(map[string]bool, len(ops))
	for _, op := range ops {
		defined[strings.TrimSpace(op.Name)] = true
	}
	out := append([]Operation(nil), ops...)
	for _, op := range access.EngineOperations() {
		if !defined[op.Name] {
			out = append(out, op)
		}
	}
	return out
}

func sessionJitter(c SessionConfig) time.Duration {
	if !c.JitterEnabled {
		return 0
	}
	return c.JitterRange
}
