package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps redis transport failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrNotFound is returned for unknown, expired and deleted sessions.
	ErrNotFound = errors.New("session not found")
)

const minSlidingTTL = time.Second

// KEYS[1] session, KEYS[2] account index, ARGV[1] session id.
var deleteSessionLua = redis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[1])
return redis.call("DEL", KEYS[1])
`)

// KEYS[1] account index, ARGV[1] ttl in milliseconds. Only ever lengthens
// the index expiry.
const extendIndexLua = `
local ttl = redis.call("PTTL", KEYS[1])
if ttl < tonumber(ARGV[1]) then
  return redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 0
`

// Options configures a Store.
type Options struct {
	// Prefix namespaces every key; it defaults to "as".
	Prefix string
	// Sliding restarts the idle window on every successful Get.
	Sliding bool
	// Idle is the inactivity window a sliding Get restores. Zero extends the
	// key to the absolute cap instead.
	Idle time.Duration
	// Jitter spreads sliding expiries by up to ±Jitter so sessions created
	// together do not expire together.
	Jitter time.Duration
}

// Store keeps sessions in redis with an index set per account.
type Store struct {
	redis redis.UniversalClient
	opts  Options
	now   func() time.Time
}

func NewStore(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = "as"
	}
	return &Store{redis: rdb, opts: opts, now: time.Now}
}

func (s *Store) key(sessionID string) string {
	return s.opts.Prefix + ":" + sessionID
}

func (s *Store) accountKey(accountID string) string {
	return s.opts.Prefix + ":acct:" + accountID
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
}

// Save persists sess and indexes it under its account. ttl is the first
// idle window. The index expires with the longest-lived session it holds.
func (s *Store) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	indexTTL := max(ttl, time.Unix(sess.ExpiresAt, 0).Sub(s.now()))
	accountKey := s.accountKey(sess.AccountID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, accountKey, sess.SessionID)
		pipe.Eval(ctx, extendIndexLua, []string{accountKey}, indexTTL.Milliseconds())
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Get loads a session and, when sliding, restarts its idle window. absolute
// caps the total lifetime from CreatedAt; zero leaves only the stored expiry.
func (s *Store) Get(ctx context.Context, sessionID string, absolute time.Duration) (*Session, error) {
	key := s.key(sessionID)
	data, err := s.redis.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, unavailable(err)
	}

	sess, err := Decode(data)
	if err != nil {
		_ = s.redis.Del(ctx, key).Err()
		return nil, ErrNotFound
	}
	sess.SessionID = sessionID

	left := sess.remaining(absolute, s.now())
	if left <= 0 {
		if err := s.deleteIndexed(ctx, sess.AccountID, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	if s.opts.Sliding {
		if err := s.redis.Expire(ctx, key, s.slide(left)).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return sess, nil
}

// slide picks the next key TTL: the idle window with jitter, never past the
// absolute cap and never below one second unless the cap is closer.
func (s *Store) slide(left time.Duration) time.Duration {
	next := left
	if s.opts.Idle > 0 {
		next = s.opts.Idle
		if j := s.opts.Jitter; j > 0 {
			next += time.Duration(rand.Int64N(2*int64(j)+1)) - j
		}
	}
	return max(min(next, left), min(minSlidingTTL, left))
}

// Delete removes one session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil
	case err != nil:
		return unavailable(err)
	}

	sess, err := Decode(data)
	if err != nil {
		if err := s.redis.Del(ctx, s.key(sessionID)).Err(); err != nil {
			return unavailable(err)
		}
		return nil
	}
	return s.deleteIndexed(ctx, sess.AccountID, sessionID)
}

// DeleteAllForAccount removes every session indexed under accountID and
// returns how many existed. A session saved concurrently with this call may
// survive it.
func (s *Store) DeleteAllForAccount(ctx context.Context, accountID string) (int, error) {
	ids, err := s.ActiveSessionIDs(ctx, accountID)
	if err != nil {
		return 0, err
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}

	var deleted *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, s.accountKey(accountID))
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// ActiveSessionIDs lists the session ids indexed for accountID whose key
// still exists. Ids of expired sessions are pruned from the index.
func (s *Store) ActiveSessionIDs(ctx context.Context, accountID string) ([]string, error) {
	accountKey := s.accountKey(accountID)
	ids, err := s.redis.SMembers(ctx, accountKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	exists := make([]*redis.IntCmd, len(ids))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	live := ids[:0]
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, accountKey, stale...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return live, nil
}

// Ping measures redis round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, unavailable(err)
	}
	return time.Since(start), nil
}

func (s *Store) deleteIndexed(ctx context.Context, accountID, sessionID string) error {
	keys := []string{s.key(sessionID), s.accountKey(accountID)}
	if err := deleteSessionLua.Run(ctx, s.redis, keys, sessionID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
