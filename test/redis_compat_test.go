//go:build integration
// +build integration

package test

import (
	"context"
	"errors"
	"testing"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/session"
)

func TestRedisCompatSessionLifecycle(t *testing.T) {
	for _, mode := range redisModes(t) {
		t.Run(mode.name, func(t *testing.T) {
			rdb, cleanup := mode.setup(t)
			defer cleanup()

			ctx := context.Background()
			store := session.NewStore(rdb, session.Options{Prefix: "compat", Sliding: true})

			sess := makeSession("acct-1", "sid-1")
			if err := store.Save(ctx, sess, time.Minute); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := store.Get(ctx, "sid-1", time.Hour)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.AccountID != "acct-1" || len(got.Roles) != 1 || got.Roles[0] != "Caregiver" {
				t.Fatalf("unexpected session: %+v", got)
			}

			ttl, err := rdb.TTL(ctx, "compat:sid-1").Result()
			if err != nil {
				t.Fatalf("TTL failed: %v", err)
			}
			if ttl <= 0 || ttl > time.Hour {
				t.Fatalf("expected sliding ttl capped by absolute lifetime, got %v", ttl)
			}

			if err := store.Delete(ctx, "sid-1"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := store.Get(ctx, "sid-1", time.Hour); !errors.Is(err, session.ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestRedisCompatEngineLogin(t *testing.T) {
	for _, mode := range redisModes(t) {
		t.Run(mode.name, func(t *testing.T) {
			rdb, cleanup := mode.setup(t)
			defer cleanup()

			ctx := context.Background()
			engine := newIntegrationEngine(t, rdb)
			first, key := onboard(t, engine, "compat@example.com", careAuth.RoleCaregiver, "home-1")

			res, err := engine.SubmitCredentials(ctx, "compat@example.com", testPassword)
			if err != nil {
				t.Fatalf("SubmitCredentials failed: %v", err)
			}
			if res.State != careAuth.RequiresPasskeyChallenge {
				t.Fatalf("expected a passkey challenge, got %v", res.State)
			}
			auth, err := engine.CompleteChallenge(ctx, res.AccountRef, key.Assert(res.Challenge))
			if err != nil {
				t.Fatalf("CompleteChallenge failed: %v", err)
			}

			// The ceremony session is consumed on first use.
			if _, err := engine.CompleteChallenge(ctx, res.AccountRef, key.Assert(res.Challenge)); !errors.Is(err, careAuth.ErrAuthenticationFailed) {
				t.Fatalf("expected replay to fail authentication, got %v", err)
			}

			if _, err := engine.Authorize(ctx, auth.SessionToken, "resident.read", &careAuth.Resource{ID: "r1", HomeID: "home-1"}); err != nil {
				t.Fatalf("Authorize failed: %v", err)
			}

			if err := engine.LogoutAll(ctx, auth.AccountID); err != nil {
				t.Fatalf("LogoutAll failed: %v", err)
			}
			for _, token := range []string{first.SessionToken, auth.SessionToken} {
				if _, err := engine.ValidateSession(ctx, token); !errors.Is(err, careAuth.ErrAuthenticationFailed) {
					t.Fatalf("expected session to be gone after LogoutAll, got %v", err)
				}
			}
		})
	}
}
