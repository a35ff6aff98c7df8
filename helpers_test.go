package careAuth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/ceremony/ceremonytest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const testSecret = "correct horse battery staple"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

// memoryStore is a mutex-guarded Store for engine tests.
type memoryStore struct {
	*ceremonytest.CredentialStore

	mu       sync.Mutex
	accounts map[string]*Account
	byEmail  map[string]string
	codes    map[string]map[[32]byte]struct{}
	homes    map[string]map[string]*HomeAssignment

	// failAccounts makes account lookups fail like a lost database.
	failAccounts bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		CredentialStore: ceremonytest.NewCredentialStore(),
		accounts:        make(map[string]*Account),
		byEmail:         make(map[string]string),
		codes:           make(map[string]map[[32]byte]struct{}),
		homes:           make(map[string]map[string]*HomeAssignment),
	}
}

func (s *memoryStore) setFailAccounts(fail bool) {
	s.mu.Lock()
	s.failAccounts = fail
	s.mu.Unlock()
}

func (s *memoryStore) account(id string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	cp := *a
	cp.Roles = append([]Role(nil), a.Roles...)
	return &cp
}

func (s *memoryStore) AccountByID(_ context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	fail := s.failAccounts
	s.mu.Unlock()
	if fail {
		return nil, errors.New("database offline")
	}
	a := s.account(accountID)
	if a == nil {
		return nil, ErrRecordNotFound
	}
	return a, nil
}

func (s *memoryStore) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	s.mu.Lock()
	id, ok := s.byEmail[email]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	return s.AccountByID(ctx, id)
}

func (s *memoryStore) CreateInvitation(_ context.Context, rec InvitationRecord) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[rec.Email]; ok {
		a := s.accounts[id]
		if a.InvitationAccepted {
			return nil, ErrRecordConflict
		}
		a.InvitationHash = append([]byte(nil), rec.InvitationHash...)
		a.InvitationExpiresAt = rec.ExpiresAt
		a.Roles = append([]Role(nil), rec.Roles...)
		a.Version++
		cp := *a
		return &cp, nil
	}

	now := time.Now().UTC()
	a := &Account{
		ID:                  rec.AccountID,
		Email:               rec.Email,
		FirstName:           rec.Profile.FirstName,
		LastName:            rec.Profile.LastName,
		Phone:               rec.Profile.Phone,
		Roles:               append([]Role(nil), rec.Roles...),
		InvitationHash:      append([]byte(nil), rec.InvitationHash...),
		InvitationExpiresAt: rec.ExpiresAt,
		Active:              true,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.accounts[a.ID] = a
	s.byEmail[a.Email] = a.ID
	cp := *a
	return &cp, nil
}

func (s *memoryStore) AcceptInvitation(_ context.Context, accountID string, invitationHash []byte, passwordHash string, backupCodes [][32]byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok || a.InvitationAccepted || !bytes.Equal(a.InvitationHash, invitationHash) || !now.Before(a.InvitationExpiresAt) {
		return false, nil
	}
	a.PasswordHash = passwordHash
	a.InvitationAccepted = true
	a.InvitationHash = nil
	if len(backupCodes) > 0 {
		set := make(map[[32]byte]struct{}, len(backupCodes))
		for _, h := range backupCodes {
			set[h] = struct{}{}
		}
		s.codes[accountID] = set
		a.BackupCodesRemaining = len(set)
	}
	a.Version++
	return true, nil
}

func (s *memoryStore) CompleteProfile(_ context.Context, accountID string, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrRecordNotFound
	}
	a.FirstName, a.LastName, a.Phone = p.FirstName, p.LastName, p.Phone
	a.ProfileComplete = true
	return nil
}

func (s *memoryStore) SetAccountActive(_ context.Context, accountID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrRecordNotFound
	}
	a.Active = active
	a.Version++
	return nil
}

func (s *memoryStore) UpdatePasswordHash(_ context.Context, accountID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || !a.InvitationAccepted {
		return ErrRecordNotFound
	}
	a.PasswordHash = passwordHash
	a.Version++
	return nil
}

func (s *memoryStore) ReplaceBackupCodes(_ context.Context, accountID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrRecordNotFound
	}
	set := make(map[[32]byte]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	s.codes[accountID] = set
	a.BackupCodesRemaining = len(set)
	return nil
}

func (s *memoryStore) RedeemBackupCode(_ context.Context, accountID string, hash [32]byte) (BackupRedemption, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return BackupRedemption{}, false, nil
	}
	if _, ok := s.codes[accountID][hash]; !ok {
		return BackupRedemption{}, false, nil
	}
	delete(s.codes[accountID], hash)
	a.BackupCodesRemaining = len(s.codes[accountID])
	a.RequiresPasskeyReset = true
	removed := s.CredentialStore.DeleteAccount(accountID)
	return BackupRedemption{Remaining: a.BackupCodesRemaining, PasskeysRemoved: removed}, true, nil
}

func (s *memoryStore) AcknowledgeBackupCodes(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrRecordNotFound
	}
	a.BackupCodesAcknowledged = true
	return nil
}

func (s *memoryStore) MarkMfaComplete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrRecordNotFound
	}
	a.MfaComplete = true
	a.RequiresPasskeyReset = false
	return nil
}

func (s *memoryStore) ResetPasskeys(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, ErrRecordNotFound
	}
	a.RequiresPasskeyReset = true
	return s.CredentialStore.DeleteAccount(accountID), nil
}

func (s *memoryStore) DeletePasskey(ctx context.Context, accountID string, credentialID []byte) error {
	creds, _ := s.CredentialStore.ListCredentials(ctx, accountID)
	var target *ceremony.Credential
	usable := 0
	for i := range creds {
		if bytes.Equal(creds[i].ID, credentialID) {
			target = &creds[i]
		}
		if !creds[i].Suspect {
			usable++
		}
	}
	if target == nil {
		return ErrRecordNotFound
	}
	if a := s.account(accountID); a != nil && a.MfaComplete && !target.Suspect && usable == 1 {
		return ErrLastPasskey
	}
	s.CredentialStore.Delete(credentialID)
	return nil
}

func (s *memoryStore) RenamePasskey(ctx context.Context, accountID string, credentialID []byte, label string) error {
	cred, err := s.CredentialStore.CredentialByID(ctx, credentialID)
	if err != nil || cred.AccountID != accountID {
		return ErrRecordNotFound
	}
	s.CredentialStore.Update(credentialID, func(c *ceremony.Credential) { c.Label = label })
	return nil
}

func (s *memoryStore) ActiveHomeIDs(_ context.Context, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, h := range s.homes[accountID] {
		if h.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) AssignHome(_ context.Context, accountID, homeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return ErrRecordNotFound
	}
	if s.homes[accountID] == nil {
		s.homes[accountID] = make(map[string]*HomeAssignment)
	}
	if h, ok := s.homes[accountID][homeID]; ok {
		h.Active = true
		h.DeactivatedAt = nil
		return nil
	}
	s.homes[accountID][homeID] = &HomeAssignment{AccountID: accountID, HomeID: homeID, Active: true, CreatedAt: at}
	return nil
}

func (s *memoryStore) DeactivateHomeAssignment(_ context.Context, accountID, homeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.homes[accountID][homeID]
	if !ok {
		return ErrRecordNotFound
	}
	h.Active = false
	h.DeactivatedAt = &at
	return nil
}

func (s *memoryStore) HomeAssignments(_ context.Context, accountID string) ([]HomeAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HomeAssignment, 0, len(s.homes[accountID]))
	for _, h := range s.homes[accountID] {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HomeID < out[j].HomeID })
	return out, nil
}

// recordingSink keeps every audit event.
type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, event AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

// recordingNotifier keeps every notice.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	fail    bool
}

func (n *recordingNotifier) Send(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("smtp relay down")
	}
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) last(kind NoticeKind) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.notices) - 1; i >= 0; i-- {
		if n.notices[i].Kind == kind {
			return n.notices[i], true
		}
	}
	return Notice{}, false
}

type harness struct {
	engine   *Engine
	store    *memoryStore
	redis    *miniredis.Miniredis
	sink     *recordingSink
	notifier *recordingNotifier
	verifier *ceremonytest.Verifier

	mu   sync.Mutex
	keys map[string]*ceremonytest.Authenticator
}

func harnessConfig() Config {
	cfg := validTestConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Session.JitterEnabled = false
	return cfg
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, harnessConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()
	return buildHarness(t, cfg, nil)
}

func newHarnessWithOperations(t *testing.T, ops []Operation) *harness {
	t.Helper()
	return buildHarness(t, harnessConfig(), ops)
}

func buildHarness(t *testing.T, cfg Config, ops []Operation) *harness {
	t.Helper()

	mr, rdb := newTestRedis(t)
	h := &harness{
		store:    newMemoryStore(),
		redis:    mr,
		sink:     &recordingSink{},
		notifier: &recordingNotifier{},
		verifier: &ceremonytest.Verifier{},
		keys:     make(map[string]*ceremonytest.Authenticator),
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithStore(h.store).
		WithVerifier(h.verifier).
		WithNotifier(h.notifier).
		WithAuditSink(h.sink).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithLatencyHistograms(true).
		WithOperations(ops).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	h.engine = engine
	t.Cleanup(engine.Close)
	return h
}

// auditEvents stops the dispatcher and returns everything it delivered.
func (h *harness) auditEvents() []AuditEvent {
	h.engine.Close()
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return append([]AuditEvent(nil), h.sink.events...)
}

func (h *harness) auditOf(eventType string) []AuditEvent {
	var out []AuditEvent
	for _, e := range h.auditEvents() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) key(accountID string) *ceremonytest.Authenticator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keys[accountID]
}

func (h *harness) setKey(accountID string, a *ceremonytest.Authenticator) {
	h.mu.Lock()
	h.keys[accountID] = a
	h.mu.Unlock()
}

// invite creates and accepts an invitation, returning the onboarding info.
func (h *harness) invite(t *testing.T, email string, role Role, homes ...string) *MfaSetupInfo {
	t.Helper()
	ctx := context.Background()

	inv, err := h.engine.CreateInvitationAsSystem(ctx, Invitation{
		Email:   email,
		Profile: Profile{FirstName: "Test", LastName: "User"},
		Role:    string(role),
		HomeIDs: homes,
	})
	if err != nil {
		t.Fatalf("CreateInvitationAsSystem failed: %v", err)
	}
	info, err := h.engine.AcceptInvitation(ctx, inv.Token, testSecret)
	if err != nil {
		t.Fatalf("AcceptInvitation failed: %v", err)
	}
	return info
}

// registerPasskey runs a registration ceremony for setupToken with a fresh
// authenticator and remembers the authenticator.
func (h *harness) registerPasskey(t *testing.T, accountID, setupToken string) *PasskeySetupResult {
	t.Helper()
	ctx := context.Background()

	setup, err := h.engine.BeginPasskeySetup(ctx, setupToken, "Laptop")
	if err != nil {
		t.Fatalf("BeginPasskeySetup failed: %v", err)
	}
	key := ceremonytest.NewAuthenticator(accountID)
	res, err := h.engine.CompletePasskeySetup(ctx, setup.SessionID, key.Register(setup.Challenge), "")
	if err != nil {
		t.Fatalf("CompletePasskeySetup failed: %v", err)
	}
	h.setKey(accountID, key)
	return res
}

// onboard takes a new account from invitation to its first session.
func (h *harness) onboard(t *testing.T, email string, role Role, homes ...string) *Authenticated {
	t.Helper()
	ctx := context.Background()

	info := h.invite(t, email, role, homes...)
	res := h.registerPasskey(t, info.AccountID, info.SetupToken)
	if res.OnboardingToken == "" {
		t.Fatal("expected onboarding token after first passkey")
	}
	if role == RoleSysadmin {
		if err := h.engine.ConfirmMfaSetup(ctx, res.OnboardingToken, true); err != nil {
			t.Fatalf("ConfirmMfaSetup failed: %v", err)
		}
	}
	auth, err := h.engine.CompleteProfile(ctx, res.OnboardingToken, Profile{FirstName: "Test", LastName: "User"})
	if err != nil {
		t.Fatalf("CompleteProfile failed: %v", err)
	}
	return auth
}

// login runs both factors with the remembered authenticator.
func (h *harness) login(t *testing.T, email, accountID string) *Authenticated {
	t.Helper()
	ctx := context.Background()

	res, err := h.engine.SubmitCredentials(ctx, email, testSecret)
	if err != nil {
		t.Fatalf("SubmitCredentials failed: %v", err)
	}
	if res.State != RequiresPasskeyChallenge {
		t.Fatalf("expected passkey challenge, got %s", res.State)
	}
	auth, err := h.engine.CompleteChallenge(ctx, res.AccountRef, h.key(accountID).Assert(res.Challenge))
	if err != nil {
		t.Fatalf("CompleteChallenge failed: %v", err)
	}
	return auth
}
