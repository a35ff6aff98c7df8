package access

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

//go:embed model.conf
var casbinModel string

// Reason explains the outcome of a decision.
type Reason string

const (
	ReasonAllowed          Reason = "allowed"
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonUnknownOperation Reason = "unknown_operation"
	ReasonRole             Reason = "role"
	ReasonPHI              Reason = "phi_restricted"
	ReasonDraft            Reason = "draft_not_author"
	ReasonHomeScope        Reason = "home_scope"
)

// Decision is the gate's verdict for a single request.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Denied reports whether the principal was authenticated but forbidden.
func (d Decision) Denied() bool {
	return !d.Allowed && d.Reason != ReasonUnauthenticated
}

var (
	// ErrHomeScopeUnavailable wraps failures of the home-assignment lookup.
	ErrHomeScopeUnavailable = errors.New("home scope unavailable")
	// ErrInvalidOperation is returned for malformed operation definitions.
	ErrInvalidOperation = errors.New("invalid operation definition")
)

// HomeScope resolves the active home assignments of an account.
type HomeScope interface {
	ActiveHomeIDs(ctx context.Context, accountID string) ([]string, error)
}

// Config tunes the home-assignment cache.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Gate evaluates role, PHI, draft and home-scope policy.
type Gate struct {
	enforcer *casbin.SyncedEnforcer
	ops      map[string]Operation
	homes    HomeScope
	cache    *expirable.LRU[string, map[string]struct{}]
}

// NewGate builds a gate for the given operation catalogue.
func NewGate(ops []Operation, homes HomeScope, cfg Config) (*Gate, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}

	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	g := &Gate{
		enforcer: enforcer,
		ops:      make(map[string]Operation, len(ops)),
		homes:    homes,
		cache:    expirable.NewLRU[string, map[string]struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
	}

	for _, op := range ops {
		name := strings.TrimSpace(op.Name)
		if name == "" || strings.Contains(name, "*") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op.Name)
		}
		if _, exists := g.ops[name]; exists {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidOperation, name)
		}
		if len(op.Roles) == 0 {
			return nil, fmt.Errorf("%w: %q accepts no roles", ErrInvalidOperation, name)
		}
		for _, role := range op.Roles {
			if _, err := enforcer.AddPolicy(string(role), name); err != nil {
				return nil, fmt.Errorf("add policy %s/%s: %w", role, name, err)
			}
		}
		op.Name = name
		g.ops[name] = op
	}

	return g, nil
}

// Operation returns the registered definition for name.
func (g *Gate) Operation(name string) (Operation, bool) {
	op, ok := g.ops[name]
	return op, ok
}

// Authorize evaluates a single request. res may be nil for operation-level
// checks that do not target a specific resource.
func (g *Gate) Authorize(ctx context.Context, p *Principal, operation string, res *Resource) (Decision, error) {
	if p == nil || p.AccountID == "" {
		return Decision{Reason: ReasonUnauthenticated}, nil
	}

	op, ok := g.ops[operation]
	if !ok {
		return Decision{Reason: ReasonUnknownOperation}, nil
	}

	granted, err := g.roleGranted(p, op.Name)
	if err != nil {
		return Decision{}, err
	}
	if !granted {
		return Decision{Reason: ReasonRole}, nil
	}

	if op.PHI && !p.Clinical() {
		return Decision{Reason: ReasonPHI}, nil
	}

	if res == nil {
		return Decision{Allowed: true, Reason: ReasonAllowed}, nil
	}

	return g.resourceDecision(ctx, p, res)
}

// FilterAccessible returns the subset of resources the principal may see,
// preserving input order.
func (g *Gate) FilterAccessible(ctx context.Context, p *Principal, operation string, resources []Resource) ([]Resource, error) {
	d, err := g.Authorize(ctx, p, operation, nil)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, nil
	}

	out := make([]Resource, 0, len(resources))
	for i := range resources {
		rd, err := g.resourceDecision(ctx, p, &resources[i])
		if err != nil {
			return nil, err
		}
		if rd.Allowed {
			out = append(out, resources[i])
		}
	}
	return out, nil
}

// Invalidate drops cached home assignments for an account.
func (g *Gate) Invalidate(accountID string) {
	g.cache.Remove(accountID)
}

func (g *Gate) roleGranted(p *Principal, operation string) (bool, error) {
	for _, role := range p.Roles {
		ok, err := g.enforcer.Enforce(string(role), operation)
		if err != nil {
			return false, fmt.Errorf("casbin enforce: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) resourceDecision(ctx context.Context, p *Principal, res *Resource) (Decision, error) {
	// Drafts override every other grant, including the administrator bypass.
	if res.Draft {
		if res.AuthorID != "" && res.AuthorID == p.AccountID {
			return Decision{Allowed: true, Reason: ReasonAllowed}, nil
		}
		return Decision{Reason: ReasonDraft}, nil
	}

	if !p.homeScoped() || res.HomeID == "" {
		return Decision{Allowed: true, Reason: ReasonAllowed}, nil
	}

	homes, err := g.activeHomes(ctx, p.AccountID)
	if err != nil {
		return Decision{}, err
	}
	if _, ok := homes[res.HomeID]; ok {
		return Decision{Allowed: true, Reason: ReasonAllowed}, nil
	}
	return Decision{Reason: ReasonHomeScope}, nil
}

func (g *Gate) activeHomes(ctx context.Context, accountID string) (map[string]struct{}, error) {
	if cached, ok := g.cache.Get(accountID); ok {
		return cached, nil
	}
	if g.homes == nil {
		return map[string]struct{}{}, nil
	}

	ids, err := g.homes.ActiveHomeIDs(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHomeScopeUnavailable, err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	g.cache.Add(accountID, set)
	return set, nil
}
