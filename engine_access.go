package careAuth

import (
	"context"
	"strings"
	"time"

	"github.com/MrEthical07/careAuth/access"
)

// Authorize validates token and asks the gate whether its holder may perform
// operation on res. res may be nil for operation-level checks. Every denial
// is ErrAccessDenied; the reason is only recorded in the audit trail.
func (e *Engine) Authorize(ctx context.Context, token, operation string, res *Resource) (*Principal, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.authenticate(ctx, token, operation)
	if err != nil {
		return nil, err
	}

	d, err := e.gate.Authorize(ctx, p.accessPrincipal(), operation, res)
	if err != nil {
		return nil, dependencyError(err)
	}
	if !d.Allowed {
		e.metricInc(MetricAccessDenied)
		e.emitAudit(ctx, auditEventAccessDenied, false, auditTarget{AccountID: p.AccountID, Resource: resourceID(res)}, ErrAccessDenied, func() map[string]string {
			return map[string]string{"operation": operation, "reason": string(d.Reason)}
		})
		return nil, ErrAccessDenied
	}
	e.metricInc(MetricAccessAllowed)
	return p, nil
}

// FilterAccessible returns the subset of resources the token holder may see
// under operation, preserving input order. A caller without the operation
// gets ErrAccessDenied; a caller with it may still get an empty slice.
func (e *Engine) FilterAccessible(ctx context.Context, token, operation string, resources []Resource) ([]Resource, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.authenticate(ctx, token, operation)
	if err != nil {
		return nil, err
	}

	d, err := e.gate.Authorize(ctx, p.accessPrincipal(), operation, nil)
	if err != nil {
		return nil, dependencyError(err)
	}
	if !d.Allowed {
		e.metricInc(MetricAccessDenied)
		e.emitAudit(ctx, auditEventAccessDenied, false, auditTarget{AccountID: p.AccountID}, ErrAccessDenied, func() map[string]string {
			return map[string]string{"operation": operation, "reason": string(d.Reason)}
		})
		return nil, ErrAccessDenied
	}

	out, err := e.gate.FilterAccessible(ctx, p.accessPrincipal(), operation, resources)
	if err != nil {
		return nil, dependencyError(err)
	}
	e.metricInc(MetricAccessAllowed)
	return out, nil
}

func (e *Engine) authenticate(ctx context.Context, token, operation string) (*Principal, error) {
	p, err := e.validateSession(ctx, token)
	if err != nil {
		if KindOf(err) == KindAuthentication {
			e.metricInc(MetricAccessUnauthenticated)
			e.emitAudit(ctx, auditEventAccessUnauthenticated, false, auditTarget{}, err, func() map[string]string {
				return map[string]string{"operation": operation}
			})
		}
		return nil, err
	}
	return p, nil
}

// AssignHome gives a caregiver access to a care home. The actor must hold Admin.
func (e *Engine) AssignHome(ctx context.Context, actorToken, accountID, homeID string) error {
	return e.changeHome(ctx, actorToken, accountID, homeID, auditEventHomeAssigned, e.store.AssignHome)
}

// DeactivateHomeAssignment revokes a caregiver's access to a care home. The
// assignment row is kept for the audit trail.
func (e *Engine) DeactivateHomeAssignment(ctx context.Context, actorToken, accountID, homeID string) error {
	return e.changeHome(ctx, actorToken, accountID, homeID, auditEventHomeDeactivated, e.store.DeactivateHomeAssignment)
}

func (e *Engine) changeHome(
	ctx context.Context,
	actorToken, accountID, homeID, eventType string,
	apply func(context.Context, string, string, time.Time) error,
) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	p, err := e.requireOperation(ctx, actorToken, access.OpAccountManage, eventType, accountID)
	if err != nil {
		return err
	}

	homeID = strings.TrimSpace(homeID)
	target := auditTarget{ActorID: p.AccountID, AccountID: accountID, Resource: homeID}
	if homeID == "" {
		err := validationError("home id is required")
		e.emitAudit(ctx, eventType, false, target, err, nil)
		return err
	}

	acct, err := e.loadAccount(ctx, accountID, ErrAccountNotFound)
	if err != nil {
		e.emitAudit(ctx, eventType, false, target, err, nil)
		return err
	}
	if !acct.HasRole(RoleCaregiver) {
		err := validationError("home assignments are only valid for caregivers")
		e.emitAudit(ctx, eventType, false, target, err, nil)
		return err
	}

	if err := apply(ctx, accountID, homeID, time.Now().UTC()); err != nil {
		err = e.storeError(err, ErrAccountNotFound)
		e.emitAudit(ctx, eventType, false, target, err, nil)
		return err
	}
	e.gate.Invalidate(accountID)
	e.emitAudit(ctx, eventType, true, target, nil, nil)
	return nil
}

// HomeAssignments lists every assignment of accountID, active or not. The
// actor must hold Admin.
func (e *Engine) HomeAssignments(ctx context.Context, actorToken, accountID string) ([]HomeAssignment, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()

	if _, err := e.requireOperation(ctx, actorToken, access.OpAccountManage, auditEventAccessDenied, accountID); err != nil {
		return nil, err
	}
	out, err := e.store.HomeAssignments(ctx, accountID)
	if err != nil {
		return nil, dependencyError(err)
	}
	return out, nil
}

func resourceID(res *access.Resource) string {
	if res == nil {
		return ""
	}
	return res.ID
}
