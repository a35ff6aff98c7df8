package migrations

import (
	"context"
	"fmt"

	"github.com/MrEthical07/careAuth/store/bunstore/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261014000001, down_20261014000001)
}

// up_20261014000001 creates the account, credential, assignment and audit tables.
func up_20261014000001(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().
		Model((*models.Account)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create accounts table: %w", err)
	}

	tables := []struct {
		name  string
		model any
	}{
		{"account_roles", (*models.AccountRole)(nil)},
		{"passkeys", (*models.Passkey)(nil)},
		{"backup_codes", (*models.BackupCode)(nil)},
		{"home_assignments", (*models.HomeAssignment)(nil)},
	}
	for _, table := range tables {
		if _, err := db.NewCreateTable().
			Model(table.model).
			IfNotExists().
			ForeignKey(`("account_id") REFERENCES "accounts" ("id") ON DELETE CASCADE`).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	if _, err := db.NewCreateTable().
		Model((*models.AuditEvent)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_passkeys_account ON passkeys(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_home_assignments_home ON home_assignments(home_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_account ON audit_events(account_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type)`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if IsPostgreSQL(db) {
		// audit_events is append-only.
		for _, stmt := range []string{
			`CREATE OR REPLACE FUNCTION audit_events_immutable() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'audit_events is append-only';
			END;
			$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS audit_events_no_update ON audit_events`,
			`CREATE TRIGGER audit_events_no_update BEFORE UPDATE OR DELETE ON audit_events
			FOR EACH ROW EXECUTE FUNCTION audit_events_immutable()`,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to protect audit_events: %w", err)
			}
		}
	}
	if IsSQLite(db) {
		for _, stmt := range []string{
			`CREATE TRIGGER IF NOT EXISTS audit_events_no_update BEFORE UPDATE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
			`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete BEFORE DELETE ON audit_events
			BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END`,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to protect audit_events: %w", err)
			}
		}
	}
	return nil
}

func down_20261014000001(ctx context.Context, db *bun.DB) error {
	tables := []any{
		(*models.AuditEvent)(nil),
		(*models.HomeAssignment)(nil),
		(*models.BackupCode)(nil),
		(*models.Passkey)(nil),
		(*models.AccountRole)(nil),
		(*models.Account)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	if IsPostgreSQL(db) {
		if _, err := db.ExecContext(ctx, `DROP FUNCTION IF EXISTS audit_events_immutable()`); err != nil {
			return fmt.Errorf("failed to drop audit trigger function: %w", err)
		}
	}
	return nil
}
