package careAuth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/careAuth/ceremony/ceremonytest"
	"github.com/MrEthical07/careAuth/password"
)

func TestLoginIssuesSessionAfterPasskey(t *testing.T) {
	h := newHarness(t)
	first := h.onboard(t, "dana@example.com", RoleCaregiver)

	auth := h.login(t, "Dana@Example.com", first.AccountID)
	if auth.SessionToken == "" {
		t.Fatal("expected session token")
	}
	if auth.PendingProfileToken != "" {
		t.Fatal("expected no pending profile token for an onboarded account")
	}

	p, err := h.engine.ValidateSession(context.Background(), auth.SessionToken)
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	if p.AccountID != first.AccountID || !p.Has(RoleCaregiver) {
		t.Fatalf("unexpected principal %+v", p)
	}

	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricLoginSuccess] != 1 || snap.Counters[MetricChallengeIssued] != 1 {
		t.Fatalf("unexpected counters %+v", snap.Counters)
	}
}

func TestSubmitCredentialsRejectionsAreUniform(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	admin := h.onboard(t, "admin@example.com", RoleAdmin)
	inactive := h.onboard(t, "gone@example.com", RoleCaregiver)
	if err := h.engine.SetAccountActive(ctx, admin.SessionToken, inactive.AccountID, false); err != nil {
		t.Fatalf("SetAccountActive failed: %v", err)
	}
	if _, err := h.engine.CreateInvitationAsSystem(ctx, Invitation{Email: "pending@example.com", Role: "caregiver"}); err != nil {
		t.Fatalf("CreateInvitationAsSystem failed: %v", err)
	}

	cases := []struct {
		name   string
		email  string
		secret string
	}{
		{"wrong secret", "admin@example.com", "not the right secret"},
		{"unknown account", "nobody@example.com", testSecret},
		{"inactive account", "gone@example.com", testSecret},
		{"pending invitation", "pending@example.com", testSecret},
		{"oversized secret", "admin@example.com", string(make([]byte, 300))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.SubmitCredentials(ctx, tc.email, tc.secret)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
			if pub := Public(err); pub != ErrAuthenticationFailed {
				t.Fatalf("expected public ErrAuthenticationFailed, got %v", pub)
			}
			if err.Error() != "authentication failed" {
				t.Fatalf("expected uniform message, got %q", err.Error())
			}
		})
	}

	causes := map[string]bool{}
	for _, ev := range h.auditOf(auditEventLoginFailure) {
		causes[ev.Error] = true
	}
	for _, want := range []string{"invalid_credentials", "unknown_account", "account_inactive", "invitation_pending"} {
		if !causes[want] {
			t.Fatalf("expected audit cause %q, got %v", want, causes)
		}
	}
}

func TestSubmitCredentialsRateLimited(t *testing.T) {
	cfg := harnessConfig()
	cfg.Login.MaxAttempts = 3
	h := newHarnessWithConfig(t, cfg)
	ctx := context.Background()

	h.onboard(t, "erin@example.com", RoleCaregiver)

	for i := 0; i < 3; i++ {
		if _, err := h.engine.SubmitCredentials(ctx, "erin@example.com", "wrong-secret-value"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	_, err := h.engine.SubmitCredentials(ctx, "erin@example.com", testSecret)
	if !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited even with the right secret, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected rate-limited class")
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricLoginRateLimited]; got != 1 {
		t.Fatalf("expected one rate-limited metric, got %d", got)
	}
}

func TestSubmitCredentialsIPThrottle(t *testing.T) {
	cfg := harnessConfig()
	cfg.Login.MaxAttempts = 2
	h := newHarnessWithConfig(t, cfg)
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	h.onboard(t, "fay@example.com", RoleCaregiver)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if _, err := h.engine.SubmitCredentials(ctx, email, "wrong-secret-value"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if _, err := h.engine.SubmitCredentials(ctx, "fay@example.com", testSecret); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected the address to be throttled, got %v", err)
	}
	if _, err := h.engine.SubmitCredentials(context.Background(), "fay@example.com", testSecret); err != nil {
		t.Fatalf("expected a different address to pass, got %v", err)
	}
}

func TestSubmitCredentialsWithoutPasskeyRequiresSetup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info := h.invite(t, "gail@example.com", RoleCaregiver)

	res, err := h.engine.SubmitCredentials(ctx, "gail@example.com", testSecret)
	if err != nil {
		t.Fatalf("SubmitCredentials failed: %v", err)
	}
	if res.State != RequiresPasskeySetup || res.SetupToken == "" {
		t.Fatalf("expected setup token, got %+v", res)
	}
	if res.Challenge != "" {
		t.Fatal("expected no challenge without a passkey")
	}

	out := h.registerPasskey(t, info.AccountID, res.SetupToken)
	if out.Session == nil || out.Session.SessionToken != "" || out.Session.PendingProfileToken == "" {
		t.Fatalf("expected a pending profile token for an unfinished profile, got %+v", out.Session)
	}
	if _, err := h.engine.CompleteProfile(ctx, out.Session.PendingProfileToken, Profile{FirstName: "Gail", LastName: "Ng"}); err != nil {
		t.Fatalf("CompleteProfile failed: %v", err)
	}
}

func TestCompleteChallengeIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.onboard(t, "hal@example.com", RoleCaregiver)

	res, err := h.engine.SubmitCredentials(ctx, "hal@example.com", testSecret)
	if err != nil {
		t.Fatalf("SubmitCredentials failed: %v", err)
	}
	response := h.key(first.AccountID).Assert(res.Challenge)
	if _, err := h.engine.CompleteChallenge(ctx, res.AccountRef, response); err != nil {
		t.Fatalf("CompleteChallenge failed: %v", err)
	}
	if _, err := h.engine.CompleteChallenge(ctx, res.AccountRef, response); !errors.Is(err, ErrCeremonySessionInvalid) {
		t.Fatalf("expected ErrCeremonySessionInvalid on replay, got %v", err)
	}
}

func TestCompleteChallengeRejectsForeignKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onboard(t, "ivy@example.com", RoleCaregiver)

	res, err := h.engine.SubmitCredentials(ctx, "ivy@example.com", testSecret)
	if err != nil {
		t.Fatalf("SubmitCredentials failed: %v", err)
	}
	stranger := ceremonytest.NewAuthenticator("someone-else")
	_, err = h.engine.CompleteChallenge(ctx, res.AccountRef, stranger.Assert(res.Challenge))
	if !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("expected ErrChallengeFailed, got %v", err)
	}
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatal("expected authentication class")
	}
}

func TestCloneDetectionSuspendsPasskey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.onboard(t, "jo@example.com", RoleCaregiver)

	h.login(t, "jo@example.com", first.AccountID)
	clone := h.key(first.AccountID).Clone()
	h.login(t, "jo@example.com", first.AccountID)

	res, err := h.engine.SubmitCredentials(ctx, "jo@example.com", testSecret)
	if err != nil {
		t.Fatalf("SubmitCredentials failed: %v", err)
	}
	if _, err := h.engine.CompleteChallenge(ctx, res.AccountRef, clone.Assert(res.Challenge)); !errors.Is(err, ErrCloneDetected) {
		t.Fatalf("expected ErrCloneDetected, got %v", err)
	}

	creds, _ := h.store.ListCredentials(ctx, first.AccountID)
	if len(creds) != 1 || !creds[0].Suspect {
		t.Fatalf("expected the passkey to be flagged suspect, got %+v", creds)
	}

	// The genuine key is suspended too until an administrator resets MFA.
	if _, err := h.engine.SubmitCredentials(ctx, "jo@example.com", testSecret); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials with only suspect passkeys, got %v", err)
	}

	if got := h.engine.MetricsSnapshot().Counters[MetricCloneDetected]; got != 1 {
		t.Fatalf("expected one clone metric, got %d", got)
	}
	if len(h.auditOf(auditEventCloneDetected)) != 1 {
		t.Fatal("expected clone_detected audit event")
	}
}

func TestVerifierOutageIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.onboard(t, "kim@example.com", RoleCaregiver)
	h.verifier.Fail.Store(true)

	_, err := h.engine.SubmitCredentials(context.Background(), "kim@example.com", testSecret)
	if !errors.Is(err, ErrDependencyUnavailable) || !Retryable(err) {
		t.Fatalf("expected retryable dependency error, got %v", err)
	}
}

func TestDiscoverableLogin(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.engine.BeginPasskeyLogin(context.Background()); !errors.Is(err, ErrDiscoverableLoginDisabled) {
			t.Fatalf("expected ErrDiscoverableLoginDisabled, got %v", err)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		cfg := harnessConfig()
		cfg.Login.AllowDiscoverableLogin = true
		h := newHarnessWithConfig(t, cfg)
		ctx := context.Background()
		first := h.onboard(t, "lee@example.com", RoleAdmin)

		res, err := h.engine.BeginPasskeyLogin(ctx)
		if err != nil {
			t.Fatalf("BeginPasskeyLogin failed: %v", err)
		}
		if res.AllowList != nil {
			t.Fatal("expected no allow list for discovery")
		}
		auth, err := h.engine.CompleteChallenge(ctx, res.AccountRef, h.key(first.AccountID).Assert(res.Challenge))
		if err != nil {
			t.Fatalf("CompleteChallenge failed: %v", err)
		}
		if auth.AccountID != first.AccountID || auth.SessionToken == "" {
			t.Fatalf("unexpected result %+v", auth)
		}
	})
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.onboard(t, "max@example.com", RoleCaregiver)
	second := h.login(t, "max@example.com", first.AccountID)

	if err := h.engine.Logout(ctx, first.SessionToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := h.engine.ValidateSession(ctx, first.SessionToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after logout, got %v", err)
	}
	if _, err := h.engine.ValidateSession(ctx, second.SessionToken); err != nil {
		t.Fatalf("expected other session to survive, got %v", err)
	}

	if err := h.engine.LogoutAll(ctx, first.AccountID); err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	if _, err := h.engine.ValidateSession(ctx, second.SessionToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after LogoutAll, got %v", err)
	}
}

func TestLoginRehashesWeakPasswordHash(t *testing.T) {
	cfg := harnessConfig()
	cfg.Password.Time = 2
	h := newHarnessWithConfig(t, cfg)
	ctx := context.Background()

	info := h.invite(t, "erin@example.com", RoleCaregiver)

	weak, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	old, err := weak.Hash(testSecret)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h.store.mu.Lock()
	h.store.accounts[info.AccountID].PasswordHash = old
	h.store.mu.Unlock()

	if _, err := h.engine.SubmitCredentials(ctx, "erin@example.com", testSecret); err != nil {
		t.Fatalf("SubmitCredentials failed: %v", err)
	}
	stored := h.store.account(info.AccountID).PasswordHash
	if stored == old || !strings.Contains(stored, "t=2") {
		t.Fatalf("expected hash rehashed at t=2, got %q", stored)
	}

	// The rehashed secret still logs in, and a wrong secret never rehashes.
	if _, err := h.engine.SubmitCredentials(ctx, "erin@example.com", testSecret); err != nil {
		t.Fatalf("SubmitCredentials after rehash failed: %v", err)
	}
	h.store.mu.Lock()
	h.store.accounts[info.AccountID].PasswordHash = old
	h.store.mu.Unlock()
	if _, err := h.engine.SubmitCredentials(ctx, "erin@example.com", "definitely-wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if got := h.store.account(info.AccountID).PasswordHash; got != old {
		t.Fatalf("failed login changed the stored hash")
	}
}

func TestSessionIdleWindowSlidesWithinAbsoluteLifetime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	auth := h.onboard(t, "fay@example.com", RoleCaregiver)

	if left := time.Until(auth.ExpiresAt); left < 11*time.Hour || left > 12*time.Hour {
		t.Fatalf("expected token to carry the 12h absolute lifetime, got %s", left)
	}

	p, err := h.engine.ValidateSession(ctx, auth.SessionToken)
	if err != nil {
		t.Fatalf("ValidateSession failed: %v", err)
	}
	key := "as:" + p.SessionID

	h.redis.FastForward(10 * time.Minute)
	if _, err := h.engine.ValidateSession(ctx, auth.SessionToken); err != nil {
		t.Fatalf("ValidateSession inside the idle window failed: %v", err)
	}
	if ttl := h.redis.TTL(key); ttl < 14*time.Minute {
		t.Fatalf("expected idle window restored to 15m, got %s", ttl)
	}

	h.redis.FastForward(16 * time.Minute)
	if _, err := h.engine.ValidateSession(ctx, auth.SessionToken); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected idle session rejected, got %v", err)
	}
}

func TestFixedSessionTokenUsesSessionTTL(t *testing.T) {
	cfg := harnessConfig()
	cfg.Session.SlidingExpiration = false
	h := newHarnessWithConfig(t, cfg)

	auth := h.onboard(t, "gus@example.com", RoleCaregiver)
	if left := time.Until(auth.ExpiresAt); left > 15*time.Minute || left < 14*time.Minute {
		t.Fatalf("expected a 15m token, got %s", left)
	}
}
