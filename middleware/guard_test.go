package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/access"
	"github.com/MrEthical07/careAuth/ceremony/ceremonytest"
	"github.com/MrEthical07/careAuth/store/bunstore"
	"github.com/MrEthical07/careAuth/store/bunstore/migrations"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery staple"

func newTestEngine(t *testing.T) *careAuth.Engine {
	t.Helper()
	ctx := context.Background()

	db, err := bunstore.Open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	cfg := careAuth.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Ceremony.RPID = "care.example"
	cfg.Ceremony.RPOrigins = []string{ceremonytest.Origin}
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	engine, err := careAuth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(bunstore.New(db)).
		WithVerifier(&ceremonytest.Verifier{}).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

// sessionFor onboards a new account with role and returns its session token.
func sessionFor(t *testing.T, engine *careAuth.Engine, email string, role careAuth.Role) string {
	t.Helper()
	ctx := context.Background()

	inv, err := engine.CreateInvitationAsSystem(ctx, careAuth.Invitation{
		Email:   email,
		Profile: careAuth.Profile{FirstName: "Test", LastName: "User"},
		Role:    string(role),
	})
	require.NoError(t, err)
	info, err := engine.AcceptInvitation(ctx, inv.Token, testPassword)
	require.NoError(t, err)
	setup, err := engine.BeginPasskeySetup(ctx, info.SetupToken, "Laptop")
	require.NoError(t, err)
	key := ceremonytest.NewAuthenticator(info.AccountID)
	done, err := engine.CompletePasskeySetup(ctx, setup.SessionID, key.Register(setup.Challenge), "")
	require.NoError(t, err)
	auth, err := engine.CompleteProfile(ctx, done.OnboardingToken, careAuth.Profile{FirstName: "Test", LastName: "User"})
	require.NoError(t, err)
	return auth.SessionToken
}

// capture records what the protected handler saw.
type capture struct {
	called    bool
	principal *careAuth.Principal
	token     string
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.called = true
		c.principal, _ = PrincipalFromContext(r.Context())
		c.token, _ = TokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := BearerToken(tc.header)
		assert.Equal(t, tc.ok, ok, tc.header)
		assert.Equal(t, tc.want, got, tc.header)
	}
}

func TestGuard(t *testing.T) {
	engine := newTestEngine(t)
	token := sessionFor(t, engine, "care@example.com", careAuth.RoleCaregiver)

	t.Run("missing token", func(t *testing.T) {
		var c capture
		rec := serve(Guard(engine)(c.handler()), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, c.called)
	})

	t.Run("invalid token", func(t *testing.T) {
		var c capture
		rec := serve(Guard(engine)(c.handler()), "not-a-jwt")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, c.called)
	})

	t.Run("valid token", func(t *testing.T) {
		var c capture
		rec := serve(Guard(engine)(c.handler()), token)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.True(t, c.called)
		require.NotNil(t, c.principal)
		assert.True(t, c.principal.Has(careAuth.RoleCaregiver))
		assert.Equal(t, token, c.token)
	})

	t.Run("no engine", func(t *testing.T) {
		var c capture
		rec := serve(Guard(nil)(c.handler()), token)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.False(t, c.called)
	})
}

func TestRequireOperation(t *testing.T) {
	engine := newTestEngine(t)
	admin := sessionFor(t, engine, "admin@example.com", careAuth.RoleAdmin)
	carer := sessionFor(t, engine, "care@example.com", careAuth.RoleCaregiver)

	for name, wrap := range map[string]func(http.Handler) http.Handler{
		"standalone": RequireOperation(engine, access.OpAccountManage),
		"behind guard": func(next http.Handler) http.Handler {
			return Guard(engine)(RequireOperation(engine, access.OpAccountManage)(next))
		},
	} {
		t.Run(name, func(t *testing.T) {
			var c capture
			rec := serve(wrap(c.handler()), admin)
			assert.Equal(t, http.StatusNoContent, rec.Code)
			require.True(t, c.called)
			assert.True(t, c.principal.Has(careAuth.RoleAdmin))

			c = capture{}
			rec = serve(wrap(c.handler()), carer)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.False(t, c.called)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Empty(t, body.Message)

			c = capture{}
			rec = serve(wrap(c.handler()), "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, c.called)
		})
	}

	t.Run("unknown operation is denied", func(t *testing.T) {
		var c capture
		rec := serve(RequireOperation(engine, "resident.delete")(c.handler()), admin)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.False(t, c.called)
	})
}

func TestWriteErrorHidesDetail(t *testing.T) {
	cases := []struct {
		err        error
		status     int
		message    bool
		retryAfter bool
	}{
		{careAuth.ErrPasskeyNotFound, http.StatusBadRequest, true, false},
		{careAuth.ErrInvitationInvalid, http.StatusUnauthorized, false, false},
		{careAuth.ErrAccessDenied, http.StatusForbidden, false, false},
		{careAuth.ErrLastPasskey, http.StatusConflict, true, false},
		{careAuth.ErrLoginRateLimited, http.StatusTooManyRequests, false, true},
		{careAuth.ErrDependencyUnavailable, http.StatusServiceUnavailable, false, true},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())

		var body ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.Error)
		assert.Equal(t, tc.message, body.Message != "", tc.err.Error())
		assert.Equal(t, tc.retryAfter, rec.Header().Get("Retry-After") != "", tc.err.Error())
	}
}
