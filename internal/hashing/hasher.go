package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"authsession-service/internal/config"
	"authsession-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrCorruptCredential means a stored hash record could not be parsed.
	ErrCorruptCredential   = errors.New("corrupt credential record")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not configured")
)

const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"

	saltLength = 16
	keyLength  = 32
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// Hasher produces self-describing password hash records:
//
//	$argon2id$v=19$m=65536,t=3,p=2,pv=1$<salt>$<hash>
//
// The record carries algorithm, cost parameters and pepper version, so costs
// and peppers can change without invalidating stored credentials.
type Hasher struct {
	params        Argon2Params
	peppers       map[int]string
	pepperVersion int
	dummy         string
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	h := &Hasher{
		params: Argon2Params{
			Memory:      cfg.Argon2MemoryKiB,
			Iterations:  cfg.Argon2Iterations,
			Parallelism: cfg.Argon2Parallelism,
		},
		peppers:       cfg.Peppers,
		pepperVersion: cfg.CurrentPepperVersion,
	}
	if h.peppers == nil {
		h.peppers = map[int]string{}
	}
	if _, ok := h.peppers[h.pepperVersion]; !ok {
		// Unpeppered hashing; only reachable outside production.
		h.pepperVersion = 0
	}

	dummySecret := make([]byte, 24)
	if _, err := rand.Read(dummySecret); err != nil {
		return nil, fmt.Errorf("failed to generate dummy secret: %w", err)
	}
	dummy, err := h.Hash(base64.RawStdEncoding.EncodeToString(dummySecret))
	if err != nil {
		return nil, err
	}
	h.dummy = dummy

	util.Info("Password hasher initialized",
		zap.Uint32("memory_kib", h.params.Memory),
		zap.Uint32("iterations", h.params.Iterations),
		zap.Uint8("parallelism", h.params.Parallelism),
		zap.Int("pepper_version", h.pepperVersion))

	return h, nil
}

// Hash returns a new argon2id record for password using the current params.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(h.peppered(password, h.pepperVersion), salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, keyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d,pv=%d$%s$%s",
		AlgorithmArgon2id, argon2.Version,
		h.params.Memory, h.params.Iterations, h.params.Parallelism, h.pepperVersion,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Verify reports whether password matches record. A record that cannot be
// parsed yields ErrCorruptCredential.
func (h *Hasher) Verify(password, record string) (bool, error) {
	if isBcrypt(record) {
		err := bcrypt.CompareHashAndPassword([]byte(record), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrCorruptCredential, err)
		}
	}

	decoded, err := decodeArgon2(record)
	if err != nil {
		return false, err
	}
	if decoded.pepperVersion != 0 {
		if _, ok := h.peppers[decoded.pepperVersion]; !ok {
			return false, fmt.Errorf("%w: %w %d", ErrCorruptCredential, ErrUnknownPepper, decoded.pepperVersion)
		}
	}

	computed := argon2.IDKey(h.peppered(password, decoded.pepperVersion), decoded.salt,
		decoded.params.Iterations, decoded.params.Memory, decoded.params.Parallelism,
		uint32(len(decoded.key)))

	return subtle.ConstantTimeCompare(computed, decoded.key) == 1, nil
}

// DummyVerify burns the same CPU as a real verification. Used when the
// identity does not exist or is locked.
func (h *Hasher) DummyVerify(password string) {
	_, _ = h.Verify(password, h.dummy)
}

// NeedsRehash reports whether record was produced with different settings
// than the hasher currently uses.
func (h *Hasher) NeedsRehash(record string) bool {
	if isBcrypt(record) {
		return true
	}
	decoded, err := decodeArgon2(record)
	if err != nil {
		return true
	}
	return decoded.params != h.params || decoded.pepperVersion != h.pepperVersion
}

func (h *Hasher) peppered(password string, version int) []byte {
	if version == 0 {
		return []byte(password)
	}
	return []byte(password + h.peppers[version])
}

func isBcrypt(record string) bool {
	return strings.HasPrefix(record, "$2a$") || strings.HasPrefix(record, "$2b$") || strings.HasPrefix(record, "$2y$")
}

type argon2Record struct {
	params        Argon2Params
	pepperVersion int
	salt          []byte
	key           []byte
}

func decodeArgon2(record string) (*argon2Record, error) {
	parts := strings.Split(record, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != AlgorithmArgon2id {
		return nil, ErrCorruptCredential
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrCorruptCredential
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCredential, ErrIncompatibleVersion)
	}

	out := &argon2Record{}
	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d,pv=%d",
		&out.params.Memory, &out.params.Iterations, &parallelism, &out.pepperVersion); err != nil {
		// Records written before peppering carry no pv field.
		out.pepperVersion = 0
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d",
			&out.params.Memory, &out.params.Iterations, &parallelism); err != nil {
			return nil, ErrCorruptCredential
		}
	}
	if parallelism == 0 || parallelism > 255 || out.params.Memory == 0 || out.params.Iterations == 0 {
		return nil, ErrCorruptCredential
	}
	out.params.Parallelism = uint8(parallelism)

	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(out.salt) == 0 {
		return nil, ErrCorruptCredential
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(out.key) == 0 {
		return nil, ErrCorruptCredential
	}
	return out, nil
}
