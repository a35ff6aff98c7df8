package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/access"
	authmw "github.com/MrEthical07/careAuth/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions controls NewRouter. Engine is required.
type RouterOptions struct {
	Engine         *careAuth.Engine
	Logger         *slog.Logger
	CORSOptions    *cors.Options
	MetricsHandler http.Handler
	// TrustProxy enables chi's RealIP so X-Forwarded-For feeds the login
	// throttle and the audit trail. Leave it off unless a proxy strips the
	// header from client requests.
	TrustProxy bool
}

// DefaultCORSOptions allows the records front-end during development.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

// NewRouter assembles the authentication API.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{engine: opts.Engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))
	r.Use(authmw.RequestContext)

	r.Get("/healthz", h.health)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/login", h.submitCredentials)
		r.Post("/login/challenge", h.completeChallenge)
		r.Post("/login/passkey", h.beginPasskeyLogin)
		r.Post("/login/backup-code", h.verifyBackupCode)

		r.Post("/passkeys/setup/begin", h.beginPasskeySetup)
		r.Post("/passkeys/setup/complete", h.completePasskeySetup)

		r.Post("/invitations/accept", h.acceptInvitation)
		r.Post("/onboarding/confirm-mfa", h.confirmMfaSetup)
		r.Post("/onboarding/profile", h.completeProfile)

		r.Group(func(r chi.Router) {
			r.Use(authmw.Guard(opts.Engine))

			r.Get("/passkeys", h.listPasskeys)
			r.Patch("/passkeys/{id}", h.renamePasskey)
			r.Delete("/passkeys/{id}", h.deletePasskey)
			r.With(authmw.RequireOperation(opts.Engine, access.OpBackupCodes)).
				Post("/backup-codes", h.regenerateBackupCodes)
			r.Post("/logout", h.logout)

			r.Route("/admin", func(r chi.Router) {
				r.Use(authmw.RequireOperation(opts.Engine, access.OpAccountManage))

				r.Post("/invitations", h.createInvitation)
				r.Post("/mfa-reset", h.resetMfa)
				r.Put("/accounts/{id}/active", h.setAccountActive)
				r.Get("/accounts/{id}/homes", h.homeAssignments)
				r.Put("/accounts/{id}/homes/{home}", h.assignHome)
				r.Delete("/accounts/{id}/homes/{home}", h.deactivateHome)
			})
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
