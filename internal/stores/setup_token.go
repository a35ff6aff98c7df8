package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	setupRecordVersionV1 = 1
)

// Purpose binds a setup token to one step of the flow.
type Purpose uint8

const (
	PurposePasskeySetup Purpose = 1
	PurposeOnboarding   Purpose = 2
	PurposeProfile      Purpose = 3
)

func (p Purpose) String() string {
	switch p {
	case PurposePasskeySetup:
		return "passkey_setup"
	case PurposeOnboarding:
		return "onboarding"
	case PurposeProfile:
		return "profile"
	default:
		return "unknown"
	}
}

var (
	ErrSetupTokenNotFound         = errors.New("setup token not found")
	ErrSetupTokenMismatch         = errors.New("setup token mismatch")
	ErrSetupTokenRedisUnavailable = errors.New("setup token redis unavailable")
)

// SetupTokenRecord is the server-side half of a setup token. Only the hash of
// the bearer secret is stored.
type SetupTokenRecord struct {
	AccountID  string
	Purpose    Purpose
	SecretHash [32]byte
	ExpiresAt  int64
}

// SetupTokenStore keeps single-use, absolute-expiry setup tokens.
type SetupTokenStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewSetupTokenStore(redisClient redis.UniversalClient, prefix string) *SetupTokenStore {
	if prefix == "" {
		prefix = "ast"
	}
	return &SetupTokenStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *SetupTokenStore) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

// Save stores a new record. The TTL is derived from ExpiresAt.
func (s *SetupTokenStore) Save(ctx context.Context, tokenID string, record *SetupTokenRecord) error {
	ttl := time.Until(time.Unix(record.ExpiresAt, 0))
	if ttl <= 0 {
		return ErrSetupTokenNotFound
	}
	encoded, err := encodeSetupTokenRecord(record)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(tokenID), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSetupTokenRedisUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: token id collision", ErrSetupTokenRedisUnavailable)
	}
	return nil
}

// Peek validates the token without consuming it. A wrong secret or purpose
// burns the record.
func (s *SetupTokenStore) Peek(ctx context.Context, tokenID string, providedHash [32]byte, purposes ...Purpose) (*SetupTokenRecord, error) {
	return s.check(ctx, tokenID, providedHash, purposes, false)
}

// Consume validates and deletes the token in one transaction. The record is
// gone after this call whatever the outcome.
func (s *SetupTokenStore) Consume(ctx context.Context, tokenID string, providedHash [32]byte, purposes ...Purpose) (*SetupTokenRecord, error) {
	return s.check(ctx, tokenID, providedHash, purposes, true)
}

// Restore puts back a record consumed by a request that then failed on a
// dependency. An existing key or a passed expiry leaves the store untouched.
func (s *SetupTokenStore) Restore(ctx context.Context, tokenID string, record *SetupTokenRecord) error {
	return s.Save(ctx, tokenID, record)
}

func (s *SetupTokenStore) check(
	ctx context.Context,
	tokenID string,
	providedHash [32]byte,
	purposes []Purpose,
	consume bool,
) (*SetupTokenRecord, error) {
	const maxRetries = 4
	key := s.key(tokenID)

	for i := 0; i < maxRetries; i++ {
		var matched *SetupTokenRecord

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeSetupTokenRecord(data)
			if err != nil {
				return err
			}

			burn := func(result error) error {
				_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return result
			}

			if time.Now().Unix() >= record.ExpiresAt {
				return burn(ErrSetupTokenNotFound)
			}
			if !purposeAllowed(record.Purpose, purposes) {
				return burn(ErrSetupTokenMismatch)
			}
			if subtle.ConstantTimeCompare(record.SecretHash[:], providedHash[:]) != 1 {
				return burn(ErrSetupTokenMismatch)
			}

			if consume {
				if err := burn(nil); err != nil {
					return err
				}
			}
			matched = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrSetupTokenNotFound
			case errors.Is(err, ErrSetupTokenNotFound), errors.Is(err, ErrSetupTokenMismatch):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrSetupTokenRedisUnavailable, err)
			}
		}

		return matched, nil
	}

	return nil, ErrSetupTokenNotFound
}

func purposeAllowed(p Purpose, allowed []Purpose) bool {
	for _, a := range allowed {
		if a == p {
			return true
		}
	}
	return false
}

func encodeSetupTokenRecord(record *SetupTokenRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(setupRecordVersionV1)
	buf.WriteByte(byte(record.Purpose))

	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.AccountID) > 65535 {
		return nil, errors.New("setup token account id too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.AccountID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.AccountID)
	buf.Write(record.SecretHash[:])

	return buf.Bytes(), nil
}

func decodeSetupTokenRecord(data []byte) (*SetupTokenRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != setupRecordVersionV1 {
		return nil, errors.New("invalid setup token record version")
	}

	purpose, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &SetupTokenRecord{
		Purpose: Purpose(purpose),
	}

	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var accountIDLen uint16
	if err := binary.Read(reader, binary.BigEndian, &accountIDLen); err != nil {
		return nil, err
	}

	accountID := make([]byte, accountIDLen)
	if _, err := io.ReadFull(reader, accountID); err != nil {
		return nil, err
	}
	record.AccountID = string(accountID)

	if _, err := io.ReadFull(reader, record.SecretHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}
