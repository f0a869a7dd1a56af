package encryption

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"authsession-service/internal/config"
	"authsession-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	sealVersion = "v1"
	localKeyID  = "local"
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// EncryptionManager seals MFA secrets with a fresh AES-256 data key per
// value. The data key is wrapped by KMS, or by the local master key when KMS
// is disabled.
type EncryptionManager struct {
	kms       KMSAPI
	cfg       config.KMSConfig
	masterKey []byte
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
}

func NewEncryptionManager(cfg config.KMSConfig, kmsClient KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{kms: kmsClient, cfg: cfg}
	if cfg.Enabled {
		if kmsClient == nil || cfg.KeyID == "" {
			return nil, fmt.Errorf("kms enabled but client or key id missing")
		}
		return em, nil
	}

	switch {
	case len(cfg.LocalMasterKey) == 0:
		em.masterKey = make([]byte, 32)
		if _, err := rand.Read(em.masterKey); err != nil {
			return nil, fmt.Errorf("failed to generate local master key: %w", err)
		}
		util.Warn("No local master key configured, sealed MFA secrets will not survive a restart")
	case len(cfg.LocalMasterKey) == 16 || len(cfg.LocalMasterKey) == 24 || len(cfg.LocalMasterKey) == 32:
		em.masterKey = cfg.LocalMasterKey
	default:
		// Derive a 256-bit key from arbitrary-length material.
		sum := sha256.Sum256(cfg.LocalMasterKey)
		em.masterKey = sum[:]
	}
	return em, nil
}

// GenerateDataKey returns a new data key, wrapped by KMS when enabled.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.cfg.Enabled {
		return em.generateLocalKey()
	}

	result, err := em.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.cfg.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.cfg.KeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := gcmSeal(em.masterKey, key)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

// Seal encrypts plaintext and returns a self-describing string of the form
// v1.<key id>.<wrapped dek>.<ciphertext>, safe to store in a single column.
func (em *EncryptionManager) Seal(ctx context.Context, plaintext string) (string, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return "", err
	}
	ciphertext, err := gcmSeal(dataKey.Plaintext, []byte(plaintext))
	if err != nil {
		return "", err
	}

	wrapped := base64.RawURLEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(wrapped, dataKey.Plaintext)

	return strings.Join([]string{
		sealVersion,
		hex.EncodeToString([]byte(dataKey.KeyID)),
		wrapped,
		base64.RawURLEncoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Open reverses Seal.
func (em *EncryptionManager) Open(ctx context.Context, sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 4 || parts[0] != sealVersion {
		return "", fmt.Errorf("%w: unrecognised envelope", ErrDecryptionFailed)
	}
	wrapped := parts[2]
	ciphertext, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	var dek []byte
	if cached, ok := em.keyCache.Load(wrapped); ok {
		dek = cached.([]byte)
	} else {
		dek, err = em.unwrap(ctx, wrapped)
		if err != nil {
			return "", err
		}
		em.keyCache.Store(wrapped, dek)
	}

	plaintext, err := gcmOpen(dek, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrap(ctx context.Context, wrapped string) ([]byte, error) {
	blob, err := base64.RawURLEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	if !em.cfg.Enabled {
		return gcmOpen(em.masterKey, blob)
	}
	result, err := em.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		util.Error("KMS decrypt failed", zap.Error(err))
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}
	return result.Plaintext, nil
}

func gcmSeal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func gcmOpen(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ClearCache drops every cached data key.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ any) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) CacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// KeyIDOf reports which key wrapped a sealed value.
func KeyIDOf(sealed string) string {
	parts := strings.Split(sealed, ".")
	if len(parts) != 4 {
		return ""
	}
	id, err := hex.DecodeString(parts[1])
	if err != nil || bytes.ContainsAny(id, ".") {
		return ""
	}
	return string(id)
}
