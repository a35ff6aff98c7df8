package access

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeHomes struct {
	mu    sync.Mutex
	homes map[string][]string
	calls int
	err   error
}

func (f *fakeHomes) ActiveHomeIDs(_ context.Context, accountID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.homes[accountID], nil
}

func testOperations() []Operation {
	return []Operation{
		{Name: "resident.read", Roles: []Role{RoleAdmin, RoleCaregiver, RoleSysadmin}, PHI: true},
		{Name: "carelog.write", Roles: []Role{RoleAdmin, RoleCaregiver}, PHI: true},
		{Name: "system.backup", Roles: []Role{RoleSysadmin}},
		{Name: "home.list", Roles: []Role{RoleAdmin, RoleCaregiver, RoleSysadmin}},
	}
}

func newTestGate(t *testing.T, homes *fakeHomes) *Gate {
	t.Helper()
	g, err := NewGate(testOperations(), homes, Config{})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return g
}

func TestAuthorizeUnauthenticated(t *testing.T) {
	g := newTestGate(t, &fakeHomes{})
	d, err := g.Authorize(context.Background(), nil, "resident.read", nil)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Allowed || d.Reason != ReasonUnauthenticated {
		t.Fatalf("expected unauthenticated, got %+v", d)
	}
	if d.Denied() {
		t.Fatal("unauthenticated must not be reported as forbidden")
	}
}

func TestAuthorizeRoleGate(t *testing.T) {
	g := newTestGate(t, &fakeHomes{})
	p := &Principal{AccountID: "c1", Roles: []Role{RoleCaregiver}}

	d, _ := g.Authorize(context.Background(), p, "system.backup", nil)
	if d.Allowed || d.Reason != ReasonRole {
		t.Fatalf("expected role denial, got %+v", d)
	}
	if !d.Denied() {
		t.Fatal("role denial must be reported as forbidden")
	}

	d, _ = g.Authorize(context.Background(), p, "nope", nil)
	if d.Reason != ReasonUnknownOperation {
		t.Fatalf("expected unknown operation, got %+v", d)
	}
}

func TestSysadminDeniedPHIUnlessClinical(t *testing.T) {
	g := newTestGate(t, &fakeHomes{homes: map[string][]string{"s2": {"h1"}}})

	maint := &Principal{AccountID: "s1", Roles: []Role{RoleSysadmin}}
	d, _ := g.Authorize(context.Background(), maint, "resident.read", nil)
	if d.Allowed || d.Reason != ReasonPHI {
		t.Fatalf("expected phi denial for maintenance-only account, got %+v", d)
	}
	d, _ = g.Authorize(context.Background(), maint, "system.backup", nil)
	if !d.Allowed {
		t.Fatalf("expected sysadmin to run maintenance, got %+v", d)
	}

	dual := &Principal{AccountID: "s2", Roles: []Role{RoleSysadmin, RoleCaregiver}}
	d, _ = g.Authorize(context.Background(), dual, "resident.read", &Resource{ID: "r1", HomeID: "h1"})
	if !d.Allowed {
		t.Fatalf("expected dual-role account to read assigned home, got %+v", d)
	}
	d, _ = g.Authorize(context.Background(), dual, "resident.read", &Resource{ID: "r2", HomeID: "h2"})
	if d.Allowed || d.Reason != ReasonHomeScope {
		t.Fatalf("expected caregiver home scope to apply to dual-role account, got %+v", d)
	}
}

func TestHomeScopeAndAdminBypass(t *testing.T) {
	homes := &fakeHomes{homes: map[string][]string{"c1": {"h1"}}}
	g := newTestGate(t, homes)
	ctx := context.Background()

	caregiver := &Principal{AccountID: "c1", Roles: []Role{RoleCaregiver}}
	admin := &Principal{AccountID: "a1", Roles: []Role{RoleAdmin}}

	if d, _ := g.Authorize(ctx, caregiver, "resident.read", &Resource{ID: "r1", HomeID: "h1"}); !d.Allowed {
		t.Fatalf("expected assigned home allowed, got %+v", d)
	}
	if d, _ := g.Authorize(ctx, caregiver, "resident.read", &Resource{ID: "r2", HomeID: "h9"}); d.Allowed {
		t.Fatal("expected unassigned home denied")
	}
	if d, _ := g.Authorize(ctx, admin, "resident.read", &Resource{ID: "r2", HomeID: "h9"}); !d.Allowed {
		t.Fatalf("expected admin bypass, got %+v", d)
	}
	if homes.calls != 1 {
		t.Fatalf("expected cached home lookup, got %d calls", homes.calls)
	}

	g.Invalidate("c1")
	_, _ = g.Authorize(ctx, caregiver, "resident.read", &Resource{ID: "r1", HomeID: "h1"})
	if homes.calls != 2 {
		t.Fatalf("expected lookup after invalidate, got %d calls", homes.calls)
	}
}

func TestDraftVisibleOnlyToAuthor(t *testing.T) {
	g := newTestGate(t, &fakeHomes{homes: map[string][]string{"c1": {"h1"}, "c2": {"h1"}}})
	ctx := context.Background()
	draft := &Resource{ID: "inc-1", HomeID: "h1", Draft: true, AuthorID: "c1"}

	if d, _ := g.Authorize(ctx, &Principal{AccountID: "c1", Roles: []Role{RoleCaregiver}}, "carelog.write", draft); !d.Allowed {
		t.Fatalf("expected author to see draft, got %+v", d)
	}
	if d, _ := g.Authorize(ctx, &Principal{AccountID: "c2", Roles: []Role{RoleCaregiver}}, "carelog.write", draft); d.Reason != ReasonDraft {
		t.Fatalf("expected draft denial for other caregiver, got %+v", d)
	}
	if d, _ := g.Authorize(ctx, &Principal{AccountID: "a1", Roles: []Role{RoleAdmin}}, "carelog.write", draft); d.Reason != ReasonDraft {
		t.Fatalf("expected draft denial for admin, got %+v", d)
	}
}

func TestFilterAccessible(t *testing.T) {
	g := newTestGate(t, &fakeHomes{homes: map[string][]string{"c1": {"h1", "h2"}}})
	p := &Principal{AccountID: "c1", Roles: []Role{RoleCaregiver}}

	in := []Resource{
		{ID: "r1", HomeID: "h1"},
		{ID: "r2", HomeID: "h3"},
		{ID: "r3", HomeID: "h2"},
		{ID: "r4", HomeID: "h1", Draft: true, AuthorID: "other"},
	}
	out, err := g.FilterAccessible(context.Background(), p, "resident.read", in)
	if err != nil {
		t.Fatalf("FilterAccessible failed: %v", err)
	}
	if len(out) != 2 || out[0].ID != "r1" || out[1].ID != "r3" {
		t.Fatalf("unexpected filter result: %+v", out)
	}

	none, err := g.FilterAccessible(context.Background(), &Principal{AccountID: "s1", Roles: []Role{RoleSysadmin}}, "resident.read", in)
	if err != nil {
		t.Fatalf("FilterAccessible failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected maintenance-only account to see nothing, got %d", len(none))
	}
}

func TestHomeLookupFailureSurfaces(t *testing.T) {
	g := newTestGate(t, &fakeHomes{err: errors.New("db down")})
	_, err := g.Authorize(context.Background(), &Principal{AccountID: "c1", Roles: []Role{RoleCaregiver}}, "resident.read", &Resource{ID: "r1", HomeID: "h1"})
	if !errors.Is(err, ErrHomeScopeUnavailable) {
		t.Fatalf("expected ErrHomeScopeUnavailable, got %v", err)
	}
}

func TestNewGateRejectsBadOperations(t *testing.T) {
	cases := [][]Operation{
		{{Name: "", Roles: []Role{RoleAdmin}}},
		{{Name: "a.*", Roles: []Role{RoleAdmin}}},
		{{Name: "a", Roles: nil}},
		{{Name: "a", Roles: []Role{RoleAdmin}}, {Name: "a", Roles: []Role{RoleAdmin}}},
	}
	for i, ops := range cases {
		if _, err := NewGate(ops, nil, Config{}); !errors.Is(err, ErrInvalidOperation) {
			t.Fatalf("case %d: expected ErrInvalidOperation, got %v", i, err)
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" caregiver "); !ok || r != RoleCaregiver {
		t.Fatalf("unexpected parse result %q %v", r, ok)
	}
	if _, ok := ParseRole("nurse"); ok {
		t.Fatal("expected unknown role to fail")
	}
}

func TestDefaultOperationsLoad(t *testing.T) {
	g, err := NewGate(DefaultOperations(), &fakeHomes{}, Config{})
	if err != nil {
		t.Fatalf("NewGate(DefaultOperations()) failed: %v", err)
	}
	op, ok := g.Operation(OpResidentRead)
	if !ok || !op.PHI {
		t.Fatalf("expected %s to be a PHI operation, got %+v %v", OpResidentRead, op, ok)
	}

	sys := &Principal{AccountID: "s1", Roles: []Role{RoleSysadmin}}
	d, err := g.Authorize(context.Background(), sys, OpResidentRead, &Resource{ID: "r1", HomeID: "h1"})
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected sysadmin to be denied resident data")
	}
}
