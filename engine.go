package careAuth

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/careAuth/access"
	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/internal"
	"github.com/MrEthical07/careAuth/internal/audit"
	"github.com/MrEthical07/careAuth/internal/rate"
	"github.com/MrEthical07/careAuth/internal/stores"
	"github.com/MrEthical07/careAuth/jwt"
	"github.com/MrEthical07/careAuth/password"
	"github.com/MrEthical07/careAuth/session"
)

// Engine runs the login state machine, recovery, onboarding and access
// checks. It is safe for concurrent use; all per-request state lives in
// redis or the Credential Store.
type Engine struct {
	config       Config
	store        Store
	sessions     *session.Store
	limiter      *rate.Limiter
	setupTokens  *stores.SetupTokenStore
	ceremony     *ceremony.Adapter
	gate         *access.Gate
	audit        *audit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
	notifier     Notifier
	logger       *slog.Logger
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return emptySnapshot()
	}
	return e.metrics.Snapshot()
}

// Ping checks the redis connection used for sessions and ceremonies.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if _, err := e.sessions.Ping(ctx); err != nil {
		return dependencyError(err)
	}
	return nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// bound applies DependencyTimeout to one engine operation.
func (e *Engine) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.config.DependencyTimeout)
}

// ValidateSession verifies a session token and loads the server-side session.
func (e *Engine) ValidateSession(ctx context.Context, token string) (*Principal, error) {
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	ctx, cancel := e.bound(ctx)
	defer cancel()
	return e.validateSession(ctx, token)
}

func (e *Engine) validateSession(ctx context.Context, token string) (*Principal, error) {
	claims, err := e.jwtManager.ParseSession(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	sess, err := e.sessions.Get(ctx, claims.SID, e.config.Session.AbsoluteSessionLifetime)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, dependencyError(err)
	}
	if sess.AccountID != claims.AID {
		return nil, ErrUnauthenticated
	}

	return &Principal{
		AccountID: sess.AccountID,
		SessionID: claims.SID,
		Roles:     rolesFromStrings(sess.Roles),
		ExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}, nil
}

// requireOperation validates token and asks the gate for operation. A
// denial is audited under eventType and returned as ErrAccessDenied.
func (e *Engine) requireOperation(ctx context.Context, token, operation, eventType, targetID string) (*Principal, error) {
	p, err := e.validateSession(ctx, token)
	if err != nil {
		e.emitAudit(ctx, eventType, false, auditTarget{AccountID: targetID}, err, nil)
		return nil, err
	}
	d, err := e.gate.Authorize(ctx, p.accessPrincipal(), operation, nil)
	if err != nil {
		err = dependencyError(err)
		e.emitAudit(ctx, eventType, false, auditTarget{ActorID: p.AccountID, AccountID: targetID}, err, nil)
		return nil, err
	}
	if !d.Allowed {
		e.metricInc(MetricAccessDenied)
		e.emitAudit(ctx, eventType, false, auditTarget{ActorID: p.AccountID, AccountID: targetID}, ErrAccessDenied, func() map[string]string {
			return map[string]string{"operation": operation, "reason": string(d.Reason)}
		})
		return nil, ErrAccessDenied
	}
	return p, nil
}

// Logout ends the session behind token. Logging out an already-ended session
// is not an error.
func (e *Engine) Logout(ctx context.Context, token string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	claims, err := e.jwtManager.ParseSession(token)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, auditTarget{}, ErrUnauthenticated, nil)
		return ErrUnauthenticated
	}

	if err := e.sessions.Delete(ctx, claims.SID); err != nil {
		err = dependencyError(err)
		e.emitAudit(ctx, auditEventLogout, false, auditTarget{AccountID: claims.AID}, err, nil)
		return err
	}
	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogout, true, auditTarget{AccountID: claims.AID}, nil, nil)
	return nil
}

// LogoutAll ends every session of accountID.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	n, err := e.invalidateSessions(ctx, accountID)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, auditTarget{AccountID: accountID}, err, nil)
		return err
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, auditTarget{AccountID: accountID}, nil, func() map[string]string {
		return map[string]string{"sessions": itoa(n)}
	})
	return nil
}

func (e *Engine) invalidateSessions(ctx context.Context, accountID string) (int, error) {
	n, err := e.sessions.DeleteAllForAccount(ctx, accountID)
	if err != nil {
		return 0, dependencyError(err)
	}
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionInvalidated)
	}
	return n, nil
}

// SetAccountActive enables or disables an account. Disabling ends every
// session of the account. The actor must hold Admin.
func (e *Engine) SetAccountActive(ctx context.Context, actorToken, accountID string, active bool) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.requireOperation(ctx, actorToken, access.OpAccountManage, auditEventAccountStatusChange, accountID)
	if err != nil {
		return err
	}

	target := auditTarget{ActorID: p.AccountID, AccountID: accountID}
	metadata := func() map[string]string {
		return map[string]string{"active": boolString(active)}
	}

	if err := e.store.SetAccountActive(ctx, accountID, active); err != nil {
		err = e.storeError(err, ErrAccountNotFound)
		e.emitAudit(ctx, auditEventAccountStatusChange, false, target, err, metadata)
		return err
	}
	if !active {
		if _, err := e.invalidateSessions(ctx, accountID); err != nil {
			e.emitAudit(ctx, auditEventAccountStatusChange, false, target, err, metadata)
			return err
		}
	}
	e.gate.Invalidate(accountID)
	e.emitAudit(ctx, auditEventAccountStatusChange, true, target, nil, metadata)
	return nil
}

// issueSession creates the redis session and signs its token.
func (e *Engine) issueSession(ctx context.Context, acct *Account) (*Authenticated, error) {
	sid, err := internal.NewRecordID()
	if err != nil {
		return nil, dependencyError(err)
	}

	roles := rolesToStrings(acct.Roles)
	token, expiresAt, err := e.jwtManager.CreateSession(acct.ID, sid.String(), roles)
	if err != nil {
		return nil, dependencyError(err)
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:      sid.String(),
		AccountID:      acct.ID,
		Roles:          roles,
		AccountVersion: acct.Version,
		CreatedAt:      now.Unix(),
		ExpiresAt:      expiresAt.Unix(),
	}
	if err := e.sessions.Save(ctx, sess, e.config.JWT.SessionTTL); err != nil {
		return nil, dependencyError(err)
	}

	e.metricInc(MetricSessionCreated)
	return &Authenticated{
		SessionToken: token,
		AccountID:    acct.ID,
		Roles:        append([]Role(nil), acct.Roles...),
		ExpiresAt:    expiresAt,
	}, nil
}

// issueSetupToken stores a single-use setup token bound to accountID.
func (e *Engine) issueSetupToken(ctx context.Context, accountID string, purpose stores.Purpose, ttl time.Duration) (string, time.Time, error) {
	tok, err := internal.NewSetupToken()
	if err != nil {
		return "", time.Time{}, dependencyError(err)
	}

	expiresAt := time.Now().Add(ttl)
	record := &stores.SetupTokenRecord{
		AccountID:  accountID,
		Purpose:    purpose,
		SecretHash: tok.SecretHash(),
		ExpiresAt:  expiresAt.Unix(),
	}
	if err := e.setupTokens.Save(ctx, tok.ID.String(), record); err != nil {
		return "", time.Time{}, dependencyError(err)
	}
	return tok.String(), expiresAt, nil
}

// setupTokenRef is a decoded setup token.
type setupTokenRef struct {
	id   string
	hash [32]byte
}

func parseSetupToken(token string) (setupTokenRef, error) {
	tok, err := internal.ParseSetupToken(strings.TrimSpace(token))
	if err != nil {
		return setupTokenRef{}, ErrSetupTokenInvalid
	}
	return setupTokenRef{id: tok.ID.String(), hash: tok.SecretHash()}, nil
}

func (e *Engine) peekSetupToken(ctx context.Context, ref setupTokenRef, purposes ...stores.Purpose) (*stores.SetupTokenRecord, error) {
	rec, err := e.setupTokens.Peek(ctx, ref.id, ref.hash, purposes...)
	return rec, setupTokenError(err)
}

func (e *Engine) consumeSetupToken(ctx context.Context, ref setupTokenRef, purposes ...stores.Purpose) (*stores.SetupTokenRecord, error) {
	rec, err := e.setupTokens.Consume(ctx, ref.id, ref.hash, purposes...)
	return rec, setupTokenError(err)
}

// restoreSetupToken puts back a token consumed by a request that failed on a
// dependency, so the client can retry.
func (e *Engine) restoreSetupToken(ctx context.Context, ref setupTokenRef, rec *stores.SetupTokenRecord) {
	if rec == nil {
		return
	}
	if err := e.setupTokens.Restore(context.WithoutCancel(ctx), ref.id, rec); err != nil {
		e.logger.Warn("setup token restore failed", "account_id", rec.AccountID, "purpose", rec.Purpose.String(), "error", err)
	}
}

func setupTokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrSetupTokenNotFound), errors.Is(err, stores.ErrSetupTokenMismatch):
		return ErrSetupTokenInvalid
	default:
		return dependencyError(err)
	}
}

// loadAccount maps a missing account onto notFound.
func (e *Engine) loadAccount(ctx context.Context, accountID string, notFound error) (*Account, error) {
	acct, err := e.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, e.storeError(err, notFound)
	}
	return acct, nil
}

// storeError maps ErrRecordNotFound onto notFound and everything else that is
// not already classified onto ErrDependencyUnavailable.
func (e *Engine) storeError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRecordNotFound) {
		return notFound
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return dependencyError(err)
}

func (e *Engine) sendNotice(ctx context.Context, notice Notice) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, notice); err != nil {
		e.metricInc(MetricNotificationFailed)
		e.logger.Warn("notice delivery failed", "kind", string(notice.Kind), "account_id", notice.AccountID, "error", err)
	}
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 254 {
		return "", validationError("a valid email address is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", validationError("a valid email address is required")
	}
	return strings.ToLower(addr.Address), nil
}

func rolesToStrings(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

func rolesFromStrings(names []string) []Role {
	out := make([]Role, 0, len(names))
	for _, n := range names {
		if r, ok := access.ParseRole(n); ok {
			out = append(out, r)
		}
	}
	return out
}

func displayName(acct *Account) string {
	name := strings.TrimSpace(acct.FirstName + " " + acct.LastName)
	if name == "" {
		return acct.Email
	}
	return name
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func itoa(n int) string { return strconv.Itoa(n) }
