package ceremony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore keeps ceremony sessions in Redis with absolute expiry.
type SessionStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewSessionStore returns a store namespaced under prefix ("cer" if empty).
func NewSessionStore(redisClient redis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "cer"
	}
	return &SessionStore{redis: redisClient, prefix: prefix}
}

func (s *SessionStore) key(id string) string {
	return s.prefix + ":" + id
}

// Save writes a new session. An id collision is reported as ErrUnavailable.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", ErrSessionInvalid)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(sess.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: session id collision", ErrUnavailable)
	}
	return nil
}

// Consume atomically reads and deletes a session. The session is gone after
// this call whatever the outcome.
func (s *SessionStore) Consume(ctx context.Context, id string, kind Kind) (*Session, error) {
	if id == "" {
		return nil, ErrSessionInvalid
	}

	data, err := s.redis.GetDel(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt session", ErrSessionInvalid)
	}
	if sess.ID != id || sess.Kind != kind || !time.Now().Before(sess.ExpiresAt) {
		return nil, ErrSessionInvalid
	}
	return &sess, nil
}
