//go:build integration
// +build integration

package test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/ceremony/ceremonytest"
	"github.com/MrEthical07/careAuth/session"
	"github.com/MrEthical07/careAuth/store/bunstore"
	"github.com/MrEthical07/careAuth/store/bunstore/migrations"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const testPassword = "correct horse battery staple"

// redisMode describes which Redis backend a suite is running against.
type redisMode struct {
	name  string
	setup func(t *testing.T) (redis.UniversalClient, func())
}

// redisModes returns the Redis backends to test. miniredis is always
// available; REDIS_ADDR adds a real standalone server. Cluster mode is not
// covered because a session key and its account index hash to different slots.
func redisModes(t *testing.T) []redisMode {
	t.Helper()
	modes := []redisMode{
		{
			name: "miniredis",
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				mr, err := miniredis.Run()
				if err != nil {
					t.Fatalf("miniredis: %v", err)
				}
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				return rdb, func() { _ = rdb.Close(); mr.Close() }
			},
		},
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) (redis.UniversalClient, func()) {
				t.Helper()
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				if err := rdb.Ping(ctx).Err(); err != nil {
					t.Skipf("cannot connect to Redis at %s: %v", addr, err)
				}
				rdb.FlushDB(context.Background())
				return rdb, func() { rdb.FlushDB(context.Background()); _ = rdb.Close() }
			},
		})
	}

	return modes
}

func newIntegrationStore(t *testing.T) (*session.Store, *redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewStore(rdb, session.Options{Prefix: "as"})

	return store, rdb, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func makeSession(accountID, sessionID string) *session.Session {
	now := time.Now()
	return &session.Session{
		SessionID:      sessionID,
		AccountID:      accountID,
		Roles:          []string{"Caregiver"},
		AccountVersion: 1,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(time.Hour).Unix(),
	}
}

// newIntegrationEngine wires an engine over an in-memory SQLite database and
// the given redis client. Ceremonies use the fake verifier.
func newIntegrationEngine(t *testing.T, rdb redis.UniversalClient) *careAuth.Engine {
	t.Helper()
	ctx := context.Background()

	db, err := bunstore.Open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("bunstore.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrations.Apply failed: %v", err)
	}
	store := bunstore.New(db)

	cfg := careAuth.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Ceremony.RPID = "care.example"
	cfg.Ceremony.RPOrigins = []string{ceremonytest.Origin}
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	// Keys are unique per engine so a shared real redis does not leak state.
	prefix := uuid.NewString()[:8]
	cfg.Session.RedisPrefix = "as" + prefix
	cfg.Ceremony.RedisPrefix = "acs" + prefix
	cfg.Onboarding.RedisPrefix = "ast" + prefix

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := careAuth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(store).
		WithVerifier(&ceremonytest.Verifier{}).
		WithAuditSink(careAuth.NewAppenderSink(store, logger)).
		WithLogger(logger).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

// onboard takes email from invitation to a first session and returns the
// session with the authenticator holding its passkey.
func onboard(t *testing.T, engine *careAuth.Engine, email string, role careAuth.Role, homes ...string) (*careAuth.Authenticated, *ceremonytest.Authenticator) {
	t.Helper()
	ctx := context.Background()

	inv, err := engine.CreateInvitationAsSystem(ctx, careAuth.Invitation{
		Email:   email,
		Profile: careAuth.Profile{FirstName: "Test", LastName: "User"},
		Role:    string(role),
		HomeIDs: homes,
	})
	if err != nil {
		t.Fatalf("CreateInvitationAsSystem failed: %v", err)
	}
	info, err := engine.AcceptInvitation(ctx, inv.Token, testPassword)
	if err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}
	setup, err := engine.BeginPasskeySetup(ctx, info.SetupToken, "Laptop")
	if err != nil {
		t.Fatalf("BeginPasskeySetup failed: %v", err)
	}
	key := ceremonytest.NewAuthenticator(info.AccountID)
	res, err := engine.CompletePasskeySetup(ctx, setup.SessionID, key.Register(setup.Challenge), "")
	if err != nil {
		t.Fatalf("CompletePasskeySetup failed: %v", err)
	}
	if role == careAuth.RoleSysadmin {
		if err := engine.ConfirmMfaSetup(ctx, res.OnboardingToken, true); err != nil {
			t.Fatalf("ConfirmMfaSetup failed: %v", err)
		}
	}
	auth, err := engine.CompleteProfile(ctx, res.OnboardingToken, careAuth.Profile{FirstName: "Test", LastName: "User"})
	if err != nil {
		t.Fatalf("CompleteProfile failed: %v", err)
	}
	return auth, key
}
