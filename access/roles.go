package access

import "strings"

// Role names an account role. Values match the persisted role names.
type Role string

const (
	// RoleAdmin is the privileged clinical administrator. It bypasses home scope.
	RoleAdmin Role = "Admin"
	// RoleCaregiver is the clinical role restricted to assigned homes.
	RoleCaregiver Role = "Caregiver"
	// RoleSysadmin is the system-maintenance role. It never sees PHI on its own.
	RoleSysadmin Role = "Sysadmin"
)

// ParseRole maps a case-insensitive name onto a known role.
func ParseRole(name string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "admin":
		return RoleAdmin, true
	case "caregiver":
		return RoleCaregiver, true
	case "sysadmin":
		return RoleSysadmin, true
	}
	return "", false
}

// Clinical reports whether the role grants access to clinical data.
func (r Role) Clinical() bool {
	return r == RoleAdmin || r == RoleCaregiver
}

// Principal is the authenticated actor presented to the gate.
type Principal struct {
	AccountID string
	Roles     []Role
}

// Has reports whether the principal holds role.
func (p *Principal) Has(role Role) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Clinical reports whether any held role is clinical.
func (p *Principal) Clinical() bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r.Clinical() {
			return true
		}
	}
	return false
}

// homeScoped is true when caregiver rules restrict visibility. Admin lifts the
// restriction; Sysadmin does not.
func (p *Principal) homeScoped() bool {
	return p.Has(RoleCaregiver) && !p.Has(RoleAdmin)
}

// Operation declares the roles accepted by a protected operation and whether
// it reads or writes PHI.
type Operation struct {
	Name  string
	Roles []Role
	PHI   bool
}

// Resource describes the target of an operation. HomeID is empty for
// resources that do not belong to a home.
type Resource struct {
	ID       string
	HomeID   string
	Draft    bool
	AuthorID string
}
