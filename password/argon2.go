package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// MinSecretBytes and MaxSecretBytes bound accepted secrets.
	MinSecretBytes = 8
	MaxSecretBytes = 256

	phcPrefix = "$argon2id$"
)

// Lower bounds for both configured and stored parameters.
var floor = Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}

var (
	// ErrPolicy is returned when a secret is outside the accepted length range.
	ErrPolicy = errors.New("secret must be between 8 and 256 bytes")
	// ErrMalformedHash is returned for stored hashes this package cannot read.
	ErrMalformedHash = errors.New("malformed argon2id hash")
)

// Config holds argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (c Config) validate() error {
	switch {
	case c.Memory < floor.Memory:
		return fmt.Errorf("password memory must be >= %d KiB", floor.Memory)
	case c.Time < floor.Time:
		return errors.New("password time must be >= 1")
	case c.Parallelism < floor.Parallelism:
		return errors.New("password parallelism must be >= 1")
	case c.SaltLength < floor.SaltLength:
		return fmt.Errorf("password salt length must be >= %d", floor.SaltLength)
	case c.KeyLength < floor.KeyLength:
		return fmt.Errorf("password key length must be >= %d", floor.KeyLength)
	}
	return nil
}

// weakerThan reports whether a hash made with c should be redone under want.
func (c Config) weakerThan(want Config) bool {
	return c.Memory < want.Memory ||
		c.Time < want.Time ||
		c.Parallelism < want.Parallelism ||
		c.KeyLength != want.KeyLength
}

// phc is a decoded "$argon2id$v=19$m=..,t=..,p=..$salt$key" string.
type phc struct {
	params Config
	salt   []byte
	key    []byte
}

func (p phc) String() string {
	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		phcPrefix, argon2.Version,
		p.params.Memory, p.params.Time, p.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.key))
}

func (p phc) derive(secret string) []byte {
	return argon2.IDKey([]byte(secret), p.salt, p.params.Time, p.params.Memory, p.params.Parallelism, uint32(len(p.key)))
}

func parsePHC(s string) (phc, error) {
	rest, ok := strings.CutPrefix(s, phcPrefix)
	if !ok {
		return phc{}, ErrMalformedHash
	}
	fields := strings.Split(rest, "$")
	if len(fields) != 4 {
		return phc{}, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[0], "v=%d", &version); err != nil || version != argon2.Version {
		return phc{}, fmt.Errorf("%w: unsupported version", ErrMalformedHash)
	}

	var p phc
	if n, err := fmt.Sscanf(fields[1], "m=%d,t=%d,p=%d", &p.params.Memory, &p.params.Time, &p.params.Parallelism); err != nil || n != 3 {
		return phc{}, fmt.Errorf("%w: bad parameters", ErrMalformedHash)
	}
	var err error
	if p.salt, err = decodeB64(fields[2]); err != nil {
		return phc{}, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	if p.key, err = decodeB64(fields[3]); err != nil {
		return phc{}, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}
	p.params.SaltLength = uint32(len(p.salt))
	p.params.KeyLength = uint32(len(p.key))

	// Stored parameters below the floor are treated as corrupt, not weak.
	if err := p.params.validate(); err != nil {
		return phc{}, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	return p, nil
}

// decodeB64 accepts both padded and unpadded standard base64.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Argon2 hashes and verifies account secrets.
type Argon2 struct {
	config Config
	dummy  phc
}

// NewArgon2 validates cfg and precomputes a dummy hash for VerifyDummy.
func NewArgon2(cfg Config) (*Argon2, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &Argon2{config: cfg}
	dummy, err := a.hash("careauth-unknown-account")
	if err != nil {
		return nil, err
	}
	a.dummy = dummy
	return a, nil
}

// CheckPolicy reports ErrPolicy for secrets outside [MinSecretBytes, MaxSecretBytes].
// Length is measured in raw bytes with no Unicode normalization.
func CheckPolicy(secret string) error {
	if len(secret) < MinSecretBytes || len(secret) > MaxSecretBytes {
		return ErrPolicy
	}
	return nil
}

// Hash returns a PHC-encoded argon2id hash of secret.
func (a *Argon2) Hash(secret string) (string, error) {
	if err := CheckPolicy(secret); err != nil {
		return "", err
	}
	p, err := a.hash(secret)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

func (a *Argon2) hash(secret string) (phc, error) {
	p := phc{
		params: a.config,
		salt:   make([]byte, a.config.SaltLength),
		key:    make([]byte, a.config.KeyLength),
	}
	if _, err := rand.Read(p.salt); err != nil {
		return phc{}, err
	}
	p.key = p.derive(secret)
	return p, nil
}

// Verify compares secret against encoded in constant time.
func (a *Argon2) Verify(secret, encoded string) (bool, error) {
	if len(secret) > MaxSecretBytes {
		return false, ErrPolicy
	}
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(p.derive(secret), p.key) == 1, nil
}

// VerifyDummy spends the same work as Verify against a hash nobody owns. It is
// called for unknown accounts so timing does not reveal existence.
func (a *Argon2) VerifyDummy(secret string) {
	_ = subtle.ConstantTimeCompare(a.dummy.derive(secret), a.dummy.key)
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the hasher is configured with.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return p.params.weakerThan(a.config), nil
}
