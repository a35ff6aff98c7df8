package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"strings"
	"unicode"
)

// BackupCodeAlphabet has 32 symbols without 0/O or 1/I, so one random byte
// masked to five bits picks a symbol uniformly.
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// BackupLimiter is the per-account failure budget for redemption.
type BackupLimiter interface {
	CheckBackup(ctx context.Context, accountID string) error
	RecordBackupFailure(ctx context.Context, accountID string) error
	ResetBackup(ctx context.Context, accountID string) error
}

// BackupCodeOutcome is reported to BackupCodeDeps.Report once per call.
type BackupCodeOutcome uint8

const (
	BackupCodesIssued BackupCodeOutcome = iota + 1
	BackupCodeRedeemed
	BackupCodeRejected
)

type BackupCodeErrors struct {
	EngineNotReady  error
	AccountNotFound error
	Unavailable     error
	Invalid         error
	RateLimited     error
}

// BackupCodeDeps wires the backup-code flows to the engine. Redeem must
// remove the matching hash atomically and report the number of codes left.
type BackupCodeDeps struct {
	Count  int
	Length int

	Replace func(ctx context.Context, accountID string, hashes [][32]byte) error
	Redeem  func(ctx context.Context, accountID string, hash [32]byte) (remaining int, ok bool, err error)

	Limiter       BackupLimiter
	IsRateLimited func(error) bool

	// Random defaults to crypto/rand.
	Random io.Reader
	// Report receives the outcome with the number of codes issued or left.
	Report func(ctx context.Context, accountID string, outcome BackupCodeOutcome, n int)

	Errors BackupCodeErrors
}

func (d *BackupCodeDeps) defaults() {
	if d.Random == nil {
		d.Random = rand.Reader
	}
	if d.Report == nil {
		d.Report = func(context.Context, string, BackupCodeOutcome, int) {}
	}
	if d.IsRateLimited == nil {
		d.IsRateLimited = func(error) bool { return false }
	}
}

// limitErr maps a limiter error onto the flow's public errors.
func (d *BackupCodeDeps) limitErr(err error) error {
	if d.IsRateLimited(err) {
		return d.Errors.RateLimited
	}
	return d.Errors.Unavailable
}

// RunGenerateBackupCodes creates a fresh set and atomically replaces any
// previous one. The plaintext codes are returned once and never stored.
func RunGenerateBackupCodes(ctx context.Context, accountID string, deps BackupCodeDeps) ([]string, error) {
	deps.defaults()
	switch {
	case deps.Replace == nil:
		return nil, deps.Errors.EngineNotReady
	case accountID == "":
		return nil, deps.Errors.AccountNotFound
	case deps.Count <= 0 || deps.Length <= 0:
		return nil, deps.Errors.Unavailable
	}

	codes := make([]string, deps.Count)
	hashes := make([][32]byte, deps.Count)
	for i := range codes {
		raw, err := NewBackupCode(deps.Random, deps.Length)
		if err != nil {
			return nil, deps.Errors.Unavailable
		}
		codes[i] = FormatBackupCode(raw)
		hashes[i] = BackupCodeHash(accountID, raw)
	}

	if err := deps.Replace(ctx, accountID, hashes); err != nil {
		return nil, deps.Errors.Unavailable
	}
	deps.Report(ctx, accountID, BackupCodesIssued, len(codes))
	return codes, nil
}

// RunVerifyBackupCode consumes one code and returns how many remain. Each
// rejected code spends one unit of the account's failure budget.
func RunVerifyBackupCode(ctx context.Context, accountID, code string, deps BackupCodeDeps) (int, error) {
	deps.defaults()
	switch {
	case deps.Redeem == nil || deps.Limiter == nil:
		return 0, deps.Errors.EngineNotReady
	case accountID == "":
		return 0, deps.Errors.AccountNotFound
	}

	if err := deps.Limiter.CheckBackup(ctx, accountID); err != nil {
		return 0, deps.limitErr(err)
	}

	var (
		remaining int
		ok        bool
	)
	if canonical := CanonicalizeBackupCode(code); canonical != "" {
		var err error
		remaining, ok, err = deps.Redeem(ctx, accountID, BackupCodeHash(accountID, canonical))
		if err != nil {
			return 0, deps.Errors.Unavailable
		}
	}

	if !ok {
		deps.Report(ctx, accountID, BackupCodeRejected, 0)
		if err := deps.Limiter.RecordBackupFailure(ctx, accountID); err != nil {
			return 0, deps.limitErr(err)
		}
		return 0, deps.Errors.Invalid
	}

	_ = deps.Limiter.ResetBackup(ctx, accountID)
	deps.Report(ctx, accountID, BackupCodeRedeemed, remaining)
	return remaining, nil
}

// NewBackupCode draws length symbols from BackupCodeAlphabet.
func NewBackupCode(random io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(random, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = BackupCodeAlphabet[b&31]
	}
	return string(buf), nil
}

// FormatBackupCode splits codes of eight or more symbols in half with a
// hyphen for readability.
func FormatBackupCode(code string) string {
	if len(code) < 8 {
		return code
	}
	mid := len(code) / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode upper-cases code and drops hyphens and whitespace.
func CanonicalizeBackupCode(code string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// BackupCodeHash salts the canonical code with the owning account id.
func BackupCodeHash(accountID, canonicalCode string) [32]byte {
	h := sha256.New()
	io.WriteString(h, accountID)
	h.Write([]byte{0})
	io.WriteString(h, canonicalCode)
	var out [32]byte
	h.Sum(out[:0])
	return out
}
