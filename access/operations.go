package access

// Operation names used by the care-records service.
const (
	OpResidentRead    = "resident.read"
	OpResidentWrite   = "resident.write"
	OpCareNoteRead    = "care_note.read"
	OpCareNoteWrite   = "care_note.write"
	OpMedicationRead  = "medication.read"
	OpMedicationWrite = "medication.write"
	OpHomeList        = "home.list"
	OpAccountManage   = "account.manage"
	OpBackupCodes     = "backup_codes.manage"
	OpAuditRead       = "audit.read"
	OpSystemMaintain  = "system.maintain"
)

// EngineOperations are the operations the engine checks for its own
// administrative calls. A custom table that omits one gets the default.
func EngineOperations() []Operation {
	return []Operation{
		{Name: OpAccountManage, Roles: []Role{RoleAdmin}},
		{Name: OpBackupCodes, Roles: []Role{RoleSysadmin}},
	}
}

// DefaultOperations returns the operation table used when the caller supplies none.
func DefaultOperations() []Operation {
	clinical := []Role{RoleAdmin, RoleCaregiver}
	return []Operation{
		{Name: OpResidentRead, Roles: clinical, PHI: true},
		{Name: OpResidentWrite, Roles: clinical, PHI: true},
		{Name: OpCareNoteRead, Roles: clinical, PHI: true},
		{Name: OpCareNoteWrite, Roles: clinical, PHI: true},
		{Name: OpMedicationRead, Roles: clinical, PHI: true},
		{Name: OpMedicationWrite, Roles: []Role{RoleAdmin}, PHI: true},
		{Name: OpHomeList, Roles: []Role{RoleAdmin, RoleCaregiver, RoleSysadmin}},
		{Name: OpAccountManage, Roles: []Role{RoleAdmin}},
		{Name: OpBackupCodes, Roles: []Role{RoleSysadmin}},
		{Name: OpAuditRead, Roles: []Role{RoleAdmin, RoleSysadmin}},
		{Name: OpSystemMaintain, Roles: []Role{RoleSysadmin}},
	}
}
