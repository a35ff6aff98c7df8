package flows

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

var (
	errNotReady    = errors.New("not ready")
	errNotFound    = errors.New("not found")
	errUnavailable = errors.New("unavailable")
	errInvalid     = errors.New("invalid")
	errLimited     = errors.New("limited")
	errRateSignal  = errors.New("rate")
)

type memCodes struct {
	mu       sync.Mutex
	codes    map[string]map[[32]byte]struct{}
	failures map[string]int
	limit    int
	outcomes []BackupCodeOutcome
}

func newMemCodes() *memCodes {
	return &memCodes{codes: map[string]map[[32]byte]struct{}{}, failures: map[string]int{}}
}

func (m *memCodes) CheckBackup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[id] >= m.limit {
		return errRateSignal
	}
	return nil
}

func (m *memCodes) RecordBackupFailure(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	if m.failures[id] >= m.limit {
		return errRateSignal
	}
	return nil
}

func (m *memCodes) ResetBackup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
	return nil
}

func (m *memCodes) deps(limit int) BackupCodeDeps {
	m.limit = limit
	return BackupCodeDeps{
		Count:  10,
		Length: 10,
		Replace: func(_ context.Context, id string, hashes [][32]byte) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			set := make(map[[32]byte]struct{}, len(hashes))
			for _, h := range hashes {
				set[h] = struct{}{}
			}
			m.codes[id] = set
			return nil
		},
		Redeem: func(_ context.Context, id string, h [32]byte) (int, bool, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.codes[id][h]; !ok {
				return len(m.codes[id]), false, nil
			}
			delete(m.codes[id], h)
			return len(m.codes[id]), true, nil
		},
		Limiter:       m,
		IsRateLimited: func(err error) bool { return errors.Is(err, errRateSignal) },
		Report: func(_ context.Context, _ string, o BackupCodeOutcome, _ int) {
			m.mu.Lock()
			m.outcomes = append(m.outcomes, o)
			m.mu.Unlock()
		},
		Errors: BackupCodeErrors{
			EngineNotReady:  errNotReady,
			AccountNotFound: errNotFound,
			Unavailable:     errUnavailable,
			Invalid:         errInvalid,
			RateLimited:     errLimited,
		},
	}
}

func TestGenerateAndVerifyBackupCodes(t *testing.T) {
	m := newMemCodes()
	deps := m.deps(5)

	codes, err := RunGenerateBackupCodes(context.Background(), "acct", deps)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	for _, c := range codes {
		if len(c) != 11 || c[5] != '-' {
			t.Fatalf("unexpected code format %q", c)
		}
	}

	remaining, err := RunVerifyBackupCode(context.Background(), "acct", strings.ToLower(codes[0]), deps)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if remaining != 9 {
		t.Fatalf("expected 9 remaining, got %d", remaining)
	}
	if _, err := RunVerifyBackupCode(context.Background(), "acct", codes[0], deps); !errors.Is(err, errInvalid) {
		t.Fatalf("expected reused code rejected, got %v", err)
	}

	want := []BackupCodeOutcome{BackupCodesIssued, BackupCodeRedeemed, BackupCodeRejected}
	if len(m.outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", m.outcomes, want)
	}
	for i := range want {
		if m.outcomes[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", m.outcomes, want)
		}
	}
}

func TestBackupCodeBoundToAccount(t *testing.T) {
	m := newMemCodes()
	deps := m.deps(5)
	codes, _ := RunGenerateBackupCodes(context.Background(), "acct-a", deps)
	_, _ = RunGenerateBackupCodes(context.Background(), "acct-b", deps)

	if _, err := RunVerifyBackupCode(context.Background(), "acct-b", codes[0], deps); !errors.Is(err, errInvalid) {
		t.Fatalf("expected code from another account rejected, got %v", err)
	}
}

func TestRegenerateInvalidatesOldCodes(t *testing.T) {
	m := newMemCodes()
	deps := m.deps(5)
	old, _ := RunGenerateBackupCodes(context.Background(), "acct", deps)
	if _, err := RunGenerateBackupCodes(context.Background(), "acct", deps); err != nil {
		t.Fatalf("regenerate failed: %v", err)
	}
	if _, err := RunVerifyBackupCode(context.Background(), "acct", old[0], deps); !errors.Is(err, errInvalid) {
		t.Fatalf("expected old code rejected, got %v", err)
	}
}

func TestBackupCodeRateLimit(t *testing.T) {
	m := newMemCodes()
	deps := m.deps(2)
	_, _ = RunGenerateBackupCodes(context.Background(), "acct", deps)

	if _, err := RunVerifyBackupCode(context.Background(), "acct", "WRONG-CODE1", deps); !errors.Is(err, errInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := RunVerifyBackupCode(context.Background(), "acct", "WRONG-CODE2", deps); !errors.Is(err, errLimited) {
		t.Fatalf("expected limited once budget spent, got %v", err)
	}
	if _, err := RunVerifyBackupCode(context.Background(), "acct", "WRONG-CODE3", deps); !errors.Is(err, errLimited) {
		t.Fatalf("expected limited before consume, got %v", err)
	}
}

func TestConcurrentSameCodeSingleWinner(t *testing.T) {
	m := newMemCodes()
	deps := m.deps(100)
	codes, _ := RunGenerateBackupCodes(context.Background(), "acct", deps)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := RunVerifyBackupCode(context.Background(), "acct", codes[3], deps); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("expected one winner, got %d", won)
	}
}

func TestCanonicalizeBackupCode(t *testing.T) {
	cases := map[string]string{
		" abcde-fghjk ": "ABCDEFGHJK",
		"ab\tcd\n-ef":   "ABCDEF",
		"ab cd":         "ABCD",
		"":              "",
	}
	for in, want := range cases {
		if got := CanonicalizeBackupCode(in); got != want {
			t.Fatalf("CanonicalizeBackupCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewBackupCodeUsesWholeAlphabet(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	code, err := NewBackupCode(bytes.NewReader(all), len(all))
	if err != nil {
		t.Fatalf("NewBackupCode: %v", err)
	}
	seen := map[rune]int{}
	for _, r := range code {
		seen[r]++
	}
	if len(seen) != len(BackupCodeAlphabet) {
		t.Fatalf("expected %d symbols, got %d", len(BackupCodeAlphabet), len(seen))
	}
	for r, n := range seen {
		if n != 8 {
			t.Fatalf("symbol %q drawn %d times from 256 bytes, want 8", r, n)
		}
	}

	if _, err := NewBackupCode(bytes.NewReader(nil), 4); err == nil {
		t.Fatal("expected short random source to fail")
	}
}

func TestGenerateFailsWithoutRandomness(t *testing.T) {
	deps := newMemCodes().deps(5)
	deps.Random = bytes.NewReader(make([]byte, 15))
	if _, err := RunGenerateBackupCodes(context.Background(), "acct", deps); !errors.Is(err, errUnavailable) {
		t.Fatalf("expected errUnavailable, got %v", err)
	}
}
