// Package bunstore is the SQL Credential Store. It persists accounts, roles,
// passkeys, backup codes, home assignments and the append-only audit log
// through bun, on PostgreSQL or SQLite.
package bunstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/store/bunstore/models"
	"github.com/uptrace/bun"
)

var (
	_ careAuth.Store         = (*Store)(nil)
	_ careAuth.AuditAppender = (*Store)(nil)
)

// Store implements careAuth.Store and careAuth.AuditAppender on a bun.DB.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// New wraps db. The schema must already be migrated.
func New(db *bun.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB returns the underlying handle.
func (s *Store) DB() *bun.DB {
	return s.db
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func loadAccount(ctx context.Context, db bun.IDB, column, value string) (*careAuth.Account, *models.Account, error) {
	row := new(models.Account)
	err := db.NewSelect().
		Model(row).
		Where("? = ?", bun.Ident(column), value).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, careAuth.ErrRecordNotFound
		}
		return nil, nil, fmt.Errorf("get account: %w", err)
	}

	var roles []string
	err = db.NewSelect().
		Model((*models.AccountRole)(nil)).
		Column("role").
		Where("account_id = ?", row.ID).
		Order("role ASC").
		Scan(ctx, &roles)
	if err != nil {
		return nil, nil, fmt.Errorf("get account roles: %w", err)
	}
	return toAccount(row, roles), row, nil
}

func toAccount(row *models.Account, roles []string) *careAuth.Account {
	acct := &careAuth.Account{
		ID:                      row.ID,
		Email:                   row.Email,
		FirstName:               row.FirstName,
		LastName:                row.LastName,
		Phone:                   row.Phone,
		PasswordHash:            row.PasswordHash,
		MfaComplete:             row.MfaComplete,
		RequiresPasskeyReset:    row.RequiresPasskeyReset,
		BackupCodesRemaining:    row.BackupCodesRemaining,
		BackupCodesAcknowledged: row.BackupCodesAcknowledged,
		InvitationHash:          row.InvitationHash,
		InvitationExpiresAt:     row.InvitationExpiresAt,
		InvitationAccepted:      row.InvitationAccepted,
		ProfileComplete:         row.ProfileComplete,
		Active:                  row.Active,
		Version:                 row.Version,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}
	for _, r := range roles {
		acct.Roles = append(acct.Roles, careAuth.Role(r))
	}
	return acct
}

// AccountByID returns careAuth.ErrRecordNotFound for unknown ids.
func (s *Store) AccountByID(ctx context.Context, accountID string) (*careAuth.Account, error) {
	acct, _, err := loadAccount(ctx, s.db, "id", accountID)
	return acct, err
}

// AccountByEmail matches the lower-cased email.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*careAuth.Account, error) {
	acct, _, err := loadAccount(ctx, s.db, "email", strings.ToLower(strings.TrimSpace(email)))
	return acct, err
}

func replaceRoles(ctx context.Context, tx bun.Tx, accountID string, roles []careAuth.Role) error {
	if _, err := tx.NewDelete().
		Model((*models.AccountRole)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete roles: %w", err)
	}
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[careAuth.Role]struct{}, len(roles))
	rows := make([]models.AccountRole, 0, len(roles))
	for _, r := range roles {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		rows = append(rows, models.AccountRole{AccountID: accountID, Role: string(r)})
	}
	if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("insert roles: %w", err)
	}
	return nil
}

// CreateInvitation inserts a pending account or rotates the invitation of an
// existing pending one.
func (s *Store) CreateInvitation(ctx context.Context, rec careAuth.InvitationRecord) (*careAuth.Account, error) {
	var out *careAuth.Account
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := s.now().UTC()
		_, existing, err := loadAccount(ctx, tx, "email", rec.Email)
		switch {
		case err == nil:
			if existing.InvitationAccepted {
				return careAuth.ErrRecordConflict
			}
			res, err := tx.NewUpdate().
				Model((*models.Account)(nil)).
				Set("invitation_hash = ?", rec.InvitationHash).
				Set("invitation_expires_at = ?", rec.ExpiresAt.UTC()).
				Set("version = version + 1").
				Set("updated_at = ?", now).
				Where("id = ?", existing.ID).
				Where("invitation_accepted = ?", false).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("rotate invitation: %w", err)
			}
			if rowsAffected(res) != 1 {
				return careAuth.ErrRecordConflict
			}
			if err := replaceRoles(ctx, tx, existing.ID, rec.Roles); err != nil {
				return err
			}
			out, _, err = loadAccount(ctx, tx, "id", existing.ID)
			return err
		case errors.Is(err, careAuth.ErrRecordNotFound):
		default:
			return err
		}

		row := &models.Account{
			ID:                  rec.AccountID,
			Email:               rec.Email,
			FirstName:           rec.Profile.FirstName,
			LastName:            rec.Profile.LastName,
			Phone:               rec.Profile.Phone,
			InvitationHash:      rec.InvitationHash,
			InvitationExpiresAt: rec.ExpiresAt.UTC(),
			Active:              true,
			Version:             1,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if err := replaceRoles(ctx, tx, row.ID, rec.Roles); err != nil {
			return err
		}
		out, _, err = loadAccount(ctx, tx, "id", row.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptInvitation checks the pending invitation and stores the password hash
// and backup codes in one transaction.
func (s *Store) AcceptInvitation(ctx context.Context, accountID string, invitationHash []byte, passwordHash string, backupCodes [][32]byte, now time.Time) (bool, error) {
	accepted := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, row, err := loadAccount(ctx, tx, "id", accountID)
		if err != nil {
			if errors.Is(err, careAuth.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if row.InvitationAccepted || !bytes.Equal(row.InvitationHash, invitationHash) || !now.Before(row.InvitationExpiresAt) {
			return nil
		}

		q := tx.NewUpdate().
			Model((*models.Account)(nil)).
			Set("password_hash = ?", passwordHash).
			Set("invitation_accepted = ?", true).
			Set("invitation_hash = NULL").
			Set("version = version + 1").
			Set("updated_at = ?", now.UTC()).
			Where("id = ?", accountID).
			Where("version = ?", row.Version)
		if len(backupCodes) > 0 {
			q = q.Set("backup_codes_remaining = ?", len(uniqueHashes(backupCodes)))
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("accept invitation: %w", err)
		}
		if rowsAffected(res) != 1 {
			return nil
		}
		if len(backupCodes) > 0 {
			if err := writeBackupCodes(ctx, tx, accountID, backupCodes, now.UTC()); err != nil {
				return err
			}
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

func (s *Store) updateAccount(ctx context.Context, accountID string, apply func(q *bun.UpdateQuery) *bun.UpdateQuery) error {
	q := s.db.NewUpdate().
		Model((*models.Account)(nil)).
		Set("version = version + 1").
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", accountID)
	res, err := apply(q).Exec(ctx)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if rowsAffected(res) == 0 {
		return careAuth.ErrRecordNotFound
	}
	return nil
}

// CompleteProfile stores the profile fields and marks the profile complete.
func (s *Store) CompleteProfile(ctx context.Context, accountID string, profile careAuth.Profile) error {
	return s.updateAccount(ctx, accountID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("first_name = ?", profile.FirstName).
			Set("last_name = ?", profile.LastName).
			Set("phone = ?", profile.Phone).
			Set("profile_complete = ?", true)
	})
}

// SetAccountActive enables or disables an account.
func (s *Store) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	return s.updateAccount(ctx, accountID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("active = ?", active)
	})
}

func (s *Store) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	return s.updateAccount(ctx, accountID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("password_hash = ?", passwordHash).Where("invitation_accepted = ?", true)
	})
}

// AcknowledgeBackupCodes records that the holder saved their backup codes.
func (s *Store) AcknowledgeBackupCodes(ctx context.Context, accountID string) error {
	return s.updateAccount(ctx, accountID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("backup_codes_acknowledged = ?", true)
	})
}

// MarkMfaComplete sets mfa_complete and clears requires_passkey_reset.
func (s *Store) MarkMfaComplete(ctx context.Context, accountID string) error {
	return s.updateAccount(ctx, accountID, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.
			Set("mfa_complete = ?", true).
			Set("requires_passkey_reset = ?", false)
	})
}

func writeBackupCodes(ctx context.Context, tx bun.Tx, accountID string, hashes [][32]byte, now time.Time) error {
	if _, err := tx.NewDelete().
		Model((*models.BackupCode)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	if len(hashes) == 0 {
		return nil
	}
	seen := make(map[[32]byte]struct{}, len(hashes))
	rows := make([]models.BackupCode, 0, len(hashes))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		rows = append(rows, models.BackupCode{AccountID: accountID, CodeHash: append([]byte(nil), h[:]...), CreatedAt: now})
	}
	if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("insert backup codes: %w", err)
	}
	return nil
}

// ReplaceBackupCodes swaps the whole set. The acknowledgement is left as is.
func (s *Store) ReplaceBackupCodes(ctx context.Context, accountID string, hashes [][32]byte) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := s.now().UTC()
		res, err := tx.NewUpdate().
			Model((*models.Account)(nil)).
			Set("backup_codes_remaining = ?", len(uniqueHashes(hashes))).
			Set("version = version + 1").
			Set("updated_at = ?", now).
			Where("id = ?", accountID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update backup code count: %w", err)
		}
		if rowsAffected(res) == 0 {
			return careAuth.ErrRecordNotFound
		}
		return writeBackupCodes(ctx, tx, accountID, hashes, now)
	})
}

func uniqueHashes(hashes [][32]byte) map[[32]byte]struct{} {
	set := make(map[[32]byte]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

// RedeemBackupCode deletes the matching code and every passkey and sets
// requires_passkey_reset, all in one transaction.
func (s *Store) RedeemBackupCode(ctx context.Context, accountID string, hash [32]byte) (careAuth.BackupRedemption, bool, error) {
	var (
		out careAuth.BackupRedemption
		ok  bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.BackupCode)(nil)).
			Where("account_id = ?", accountID).
			Where("code_hash = ?", hash[:]).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete backup code: %w", err)
		}
		if rowsAffected(res) != 1 {
			return nil
		}

		removed, err := deletePasskeys(ctx, tx, accountID)
		if err != nil {
			return err
		}

		remaining, err := tx.NewSelect().
			Model((*models.BackupCode)(nil)).
			Where("account_id = ?", accountID).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("count backup codes: %w", err)
		}

		if _, err := tx.NewUpdate().
			Model((*models.Account)(nil)).
			Set("backup_codes_remaining = ?", remaining).
			Set("requires_passkey_reset = ?", true).
			Set("version = version + 1").
			Set("updated_at = ?", s.now().UTC()).
			Where("id = ?", accountID).
			Exec(ctx); err != nil {
			return fmt.Errorf("update account after redemption: %w", err)
		}

		out = careAuth.BackupRedemption{Remaining: remaining, PasskeysRemoved: removed}
		ok = true
		return nil
	})
	if err != nil {
		return careAuth.BackupRedemption{}, false, err
	}
	return out, ok, nil
}

// ActiveHomeIDs returns the sorted ids of active assignments.
func (s *Store) ActiveHomeIDs(ctx context.Context, accountID string) ([]string, error) {
	var ids []string
	err := s.db.NewSelect().
		Model((*models.HomeAssignment)(nil)).
		Column("home_id").
		Where("account_id = ?", accountID).
		Where("active = ?", true).
		Order("home_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list active homes: %w", err)
	}
	return ids, nil
}

// AssignHome creates or reactivates an assignment.
func (s *Store) AssignHome(ctx context.Context, accountID, homeID string, at time.Time) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.Account)(nil)).
			Where("id = ?", accountID).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return careAuth.ErrRecordNotFound
		}

		res, err := tx.NewUpdate().
			Model((*models.HomeAssignment)(nil)).
			Set("active = ?", true).
			Set("deactivated_at = NULL").
			Where("account_id = ?", accountID).
			Where("home_id = ?", homeID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("reactivate assignment: %w", err)
		}
		if rowsAffected(res) == 1 {
			return nil
		}

		row := &models.HomeAssignment{AccountID: accountID, HomeID: homeID, Active: true, CreatedAt: at.UTC()}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
		return nil
	})
}

// DeactivateHomeAssignment marks an assignment inactive; the row is kept.
func (s *Store) DeactivateHomeAssignment(ctx context.Context, accountID, homeID string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*models.HomeAssignment)(nil)).
		Set("active = ?", false).
		Set("deactivated_at = ?", at.UTC()).
		Where("account_id = ?", accountID).
		Where("home_id = ?", homeID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deactivate assignment: %w", err)
	}
	if rowsAffected(res) == 0 {
		return careAuth.ErrRecordNotFound
	}
	return nil
}

// HomeAssignments lists every assignment of an account, active or not.
func (s *Store) HomeAssignments(ctx context.Context, accountID string) ([]careAuth.HomeAssignment, error) {
	var rows []models.HomeAssignment
	err := s.db.NewSelect().
		Model(&rows).
		Where("account_id = ?", accountID).
		Order("home_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	out := make([]careAuth.HomeAssignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, careAuth.HomeAssignment{
			AccountID:     r.AccountID,
			HomeID:        r.HomeID,
			Active:        r.Active,
			CreatedAt:     r.CreatedAt,
			DeactivatedAt: r.DeactivatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HomeID < out[j].HomeID })
	return out, nil
}
