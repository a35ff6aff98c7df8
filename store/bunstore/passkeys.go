package bunstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	"github.com/MrEthical07/careAuth/ceremony"
	"github.com/MrEthical07/careAuth/store/bunstore/models"
	"github.com/uptrace/bun"
)

func toCredential(row *models.Passkey) ceremony.Credential {
	cred := ceremony.Credential{
		ID:              row.ID,
		AccountID:       row.AccountID,
		PublicKey:       row.PublicKey,
		AttestationType: row.AttestationType,
		AAGUID:          row.AAGUID,
		SignCount:       uint32(row.SignCount),
		BackupEligible:  row.BackupEligible,
		BackupState:     row.BackupState,
		Label:           row.Label,
		Suspect:         row.Suspect,
		CreatedAt:       row.CreatedAt,
	}
	if row.Transports != "" {
		cred.Transports = strings.Split(row.Transports, ",")
	}
	if row.LastUsedAt != nil {
		cred.LastUsedAt = *row.LastUsedAt
	}
	return cred
}

func listPasskeys(ctx context.Context, db bun.IDB, accountID string) ([]models.Passkey, error) {
	var rows []models.Passkey
	err := db.NewSelect().
		Model(&rows).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	return rows, nil
}

// ListCredentials returns every passkey of an account, suspect ones included.
func (s *Store) ListCredentials(ctx context.Context, accountID string) ([]ceremony.Credential, error) {
	rows, err := listPasskeys(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]ceremony.Credential, 0, len(rows))
	for i := range rows {
		out = append(out, toCredential(&rows[i]))
	}
	return out, nil
}

// CredentialByID returns ceremony.ErrCredentialNotFound for unknown ids.
func (s *Store) CredentialByID(ctx context.Context, id []byte) (*ceremony.Credential, error) {
	row := new(models.Passkey)
	err := s.db.NewSelect().
		Model(row).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ceremony.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get passkey: %w", err)
	}
	cred := toCredential(row)
	return &cred, nil
}

// AddCredential inserts a new passkey.
func (s *Store) AddCredential(ctx context.Context, cred *ceremony.Credential) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*models.Passkey)(nil)).
			Where("id = ?", cred.ID).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check passkey: %w", err)
		}
		if exists {
			return ceremony.ErrDuplicateCredential
		}

		row := &models.Passkey{
			ID:              cred.ID,
			AccountID:       cred.AccountID,
			PublicKey:       cred.PublicKey,
			AttestationType: cred.AttestationType,
			AAGUID:          cred.AAGUID,
			Transports:      strings.Join(cred.Transports, ","),
			SignCount:       int64(cred.SignCount),
			BackupEligible:  cred.BackupEligible,
			BackupState:     cred.BackupState,
			Label:           cred.Label,
			Suspect:         cred.Suspect,
			CreatedAt:       cred.CreatedAt.UTC(),
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.now().UTC()
		}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return fmt.Errorf("insert passkey: %w", err)
		}
		return nil
	})
}

// AdvanceSignCount stores count only when it moves the counter forward, or
// when allowZero is set and both sides are zero.
func (s *Store) AdvanceSignCount(ctx context.Context, id []byte, count uint32, allowZero bool, usedAt time.Time) (bool, error) {
	q := s.db.NewUpdate().
		Model((*models.Passkey)(nil)).
		Set("sign_count = ?", int64(count)).
		Set("last_used_at = ?", usedAt.UTC()).
		Where("id = ?", id).
		Where("suspect = ?", false)
	if allowZero && count == 0 {
		q = q.Where("sign_count = 0")
	} else {
		q = q.Where("sign_count < ?", int64(count))
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("advance sign count: %w", err)
	}
	return rowsAffected(res) == 1, nil
}

// MarkSuspect flags a passkey after a counter regression.
func (s *Store) MarkSuspect(ctx context.Context, id []byte) error {
	res, err := s.db.NewUpdate().
		Model((*models.Passkey)(nil)).
		Set("suspect = ?", true).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark passkey suspect: %w", err)
	}
	if rowsAffected(res) == 0 {
		return ceremony.ErrCredentialNotFound
	}
	return nil
}

func deletePasskeys(ctx context.Context, tx bun.Tx, accountID string) (int, error) {
	res, err := tx.NewDelete().
		Model((*models.Passkey)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete passkeys: %w", err)
	}
	return int(rowsAffected(res)), nil
}

// ResetPasskeys deletes every passkey of the account and sets
// requires_passkey_reset.
func (s *Store) ResetPasskeys(ctx context.Context, accountID string) (int, error) {
	removed := 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.Account)(nil)).
			Set("requires_passkey_reset = ?", true).
			Set("version = version + 1").
			Set("updated_at = ?", s.now().UTC()).
			Where("id = ?", accountID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("flag passkey reset: %w", err)
		}
		if rowsAffected(res) == 0 {
			return careAuth.ErrRecordNotFound
		}
		removed, err = deletePasskeys(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// DeletePasskey removes one passkey unless it is the last usable one of an
// account with MFA complete. Suspect passkeys never count as usable.
func (s *Store) DeletePasskey(ctx context.Context, accountID string, credentialID []byte) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Bumping the version locks the account row, so concurrent deletes for
		// one account run one after the other and each counts what the
		// previous one left.
		res, err := tx.NewUpdate().
			Model((*models.Account)(nil)).
			Set("version = version + 1").
			Where("id = ?", accountID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if rowsAffected(res) == 0 {
			return careAuth.ErrRecordNotFound
		}

		_, acct, err := loadAccount(ctx, tx, "id", accountID)
		if err != nil {
			return err
		}
		rows, err := listPasskeys(ctx, tx, accountID)
		if err != nil {
			return err
		}
		var target *models.Passkey
		usable := 0
		for i := range rows {
			if bytes.Equal(rows[i].ID, credentialID) {
				target = &rows[i]
			}
			if !rows[i].Suspect {
				usable++
			}
		}
		if target == nil {
			return careAuth.ErrRecordNotFound
		}
		if acct.MfaComplete && !target.Suspect && usable == 1 {
			return careAuth.ErrLastPasskey
		}

		if _, err := tx.NewDelete().
			Model((*models.Passkey)(nil)).
			Where("id = ?", credentialID).
			Where("account_id = ?", accountID).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete passkey: %w", err)
		}
		return nil
	})
}

// RenamePasskey changes the label of a passkey owned by accountID.
func (s *Store) RenamePasskey(ctx context.Context, accountID string, credentialID []byte, label string) error {
	res, err := s.db.NewUpdate().
		Model((*models.Passkey)(nil)).
		Set("label = ?", label).
		Where("id = ?", credentialID).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("rename passkey: %w", err)
	}
	if rowsAffected(res) == 0 {
		return careAuth.ErrRecordNotFound
	}
	return nil
}
