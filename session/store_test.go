package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T, sliding bool) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewStore(rdb, Options{Prefix: "as", Sliding: sliding}), mr
}

func testSession(id, account string) *Session {
	now := time.Now()
	return &Session{
		SessionID: id,
		AccountID: account,
		Roles:     []string{"Caregiver"},
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	}
}

func TestSaveGetDelete(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	ctx := context.Background()

	if err := store.Save(ctx, testSession("sid-1", "a-1"), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, "sid-1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccountID != "a-1" || got.SessionID != "sid-1" || len(got.Roles) != 1 {
		t.Fatalf("unexpected session: %+v", got)
	}

	if err := store.Delete(ctx, "sid-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "sid-1"); err != nil {
		t.Fatalf("second delete should be idempotent: %v", err)
	}
	if _, err := store.Get(ctx, "sid-1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ids, _ := store.ActiveSessionIDs(ctx, "a-1")
	if len(ids) != 0 {
		t.Fatalf("expected empty index, got %v", ids)
	}
}

func TestDeleteAllForAccount(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := store.Save(ctx, testSession(id, "a-1"), time.Hour); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := store.Save(ctx, testSession("other", "a-2"), time.Hour); err != nil {
		t.Fatalf("save other: %v", err)
	}

	n, err := store.DeleteAllForAccount(ctx, "a-1")
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	if _, err := store.Get(ctx, "s2", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected s2 gone, got %v", err)
	}
	if _, err := store.Get(ctx, "other", 0); err != nil {
		t.Fatalf("other account session should survive: %v", err)
	}

	n, err = store.DeleteAllForAccount(ctx, "nobody")
	if err != nil || n != 0 {
		t.Fatalf("expected no-op for unknown account, got %d %v", n, err)
	}
}

func TestSlidingExpiryCappedByAbsoluteLifetime(t *testing.T) {
	store, mr := newSessionStoreTest(t, true)
	ctx := context.Background()

	sess := testSession("sid", "a-1")
	sess.CreatedAt = time.Now().Add(-50 * time.Minute).Unix()
	if err := store.Save(ctx, sess, 5*time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := store.Get(ctx, "sid", time.Hour); err != nil {
		t.Fatalf("get: %v", err)
	}
	ttl := mr.TTL("as:sid")
	if ttl <= 5*time.Minute || ttl > 10*time.Minute {
		t.Fatalf("expected ttl extended to the absolute cap (~10m), got %s", ttl)
	}

	if _, err := store.Get(ctx, "sid", 30*time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session past absolute lifetime to be rejected, got %v", err)
	}
	if ids, _ := store.ActiveSessionIDs(ctx, "a-1"); len(ids) != 0 {
		t.Fatalf("expected expired session unindexed, got %v", ids)
	}
}

func TestSlidingRestoresIdleWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	store := NewStore(rdb, Options{Sliding: true, Idle: 15 * time.Minute, Jitter: 30 * time.Second})
	ctx := context.Background()

	if err := store.Save(ctx, testSession("sid", "a-1"), 15*time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Idle time passes without reaching the window's end.
	mr.FastForward(10 * time.Minute)
	if _, err := store.Get(ctx, "sid", 8*time.Hour); err != nil {
		t.Fatalf("get: %v", err)
	}
	ttl := mr.TTL("as:sid")
	if ttl < 15*time.Minute-30*time.Second || ttl > 15*time.Minute+30*time.Second {
		t.Fatalf("expected idle window restored within jitter, got %s", ttl)
	}

	// An untouched session lapses after the idle window.
	mr.FastForward(16 * time.Minute)
	if _, err := store.Get(ctx, "sid", 8*time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
}

func TestSlideBounds(t *testing.T) {
	s := &Store{opts: Options{Sliding: true, Idle: 10 * time.Minute}}
	cases := []struct {
		left, want time.Duration
	}{
		{time.Hour, 10 * time.Minute},
		{5 * time.Minute, 5 * time.Minute},
		{500 * time.Millisecond, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := s.slide(tc.left); got != tc.want {
			t.Fatalf("slide(%s) = %s, want %s", tc.left, got, tc.want)
		}
	}

	s.opts.Idle = 0
	if got := s.slide(time.Hour); got != time.Hour {
		t.Fatalf("slide without idle = %s, want the absolute remainder", got)
	}
}

func TestCorruptRecordIsNotFound(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	if err := mr.Set("as:bad", "xx"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Get(context.Background(), "bad", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisDownIsUnavailable(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	mr.Close()
	if _, err := store.Get(context.Background(), "sid", 0); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestAccountIndexExpiresWithItsSessions(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	ctx := context.Background()
	now := time.Now()

	long := testSession("long", "a-1")
	long.ExpiresAt = now.Add(2 * time.Hour).Unix()
	short := testSession("short", "a-1")
	short.ExpiresAt = now.Add(10 * time.Minute).Unix()

	if err := store.Save(ctx, long, time.Hour); err != nil {
		t.Fatalf("save long: %v", err)
	}
	if err := store.Save(ctx, short, 5*time.Minute); err != nil {
		t.Fatalf("save short: %v", err)
	}
	if ttl := mr.TTL("as:acct:a-1"); ttl <= 110*time.Minute || ttl > 2*time.Hour {
		t.Fatalf("expected index ttl near the longest session expiry, got %s", ttl)
	}

	mr.FastForward(6 * time.Minute)
	ids, err := store.ActiveSessionIDs(ctx, "a-1")
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "long" {
		t.Fatalf("expected only the long session listed, got %v", ids)
	}
	if members, _ := mr.Members("as:acct:a-1"); len(members) != 1 {
		t.Fatalf("expected the expired id pruned from the index, got %v", members)
	}

	mr.FastForward(2 * time.Hour)
	if mr.Exists("as:acct:a-1") {
		t.Fatal("expected the account index to expire")
	}
}
