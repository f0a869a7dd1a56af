package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"authsession-service/internal/mfa"
	"authsession-service/internal/models"
	"authsession-service/internal/repository"
	"authsession-service/internal/util"
)

// IdentityStore keeps identities in process memory. It backs development
// runs without ScyllaDB and the service tests; every mutation holds the lock
// so compare-and-remove semantics match the Scylla repository.
type IdentityStore struct {
	mu      sync.Mutex
	byID    map[string]*models.Identity
	byEmail map[string]string
	now     func() time.Time
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		byID:    make(map[string]*models.Identity),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *IdentityStore) CreateIdentity(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity.Email = util.NormalizeIdentifier(identity.Email)
	if _, taken := s.byEmail[identity.Email]; taken {
		return repository.ErrEmailTaken
	}
	if identity.IdentityID == "" {
		identity.IdentityID = uuid.NewString()
	}
	if identity.Status == "" {
		identity.Status = models.IdentityActive
	}
	now := s.now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	s.byID[identity.IdentityID] = identity.Clone()
	s.byEmail[identity.Email] = identity.IdentityID
	return nil
}

func (s *IdentityStore) GetIdentityByEmail(_ context.Context, email string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[util.NormalizeIdentifier(email)]
	if !ok {
		return nil, repository.ErrIdentityNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *IdentityStore) GetIdentity(_ context.Context, identityID string) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.byID[identityID]
	if !ok {
		return nil, repository.ErrIdentityNotFound
	}
	return identity.Clone(), nil
}

func (s *IdentityStore) UpdateIdentity(_ context.Context, identityID string, patch models.IdentityPatch) (*models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.byID[identityID]
	if !ok {
		return nil, repository.ErrIdentityNotFound
	}
	if patch.ExpectedCredentialVersion != nil && identity.CredentialVersion != *patch.ExpectedCredentialVersion {
		return nil, repository.ErrConflict
	}
	if patch.IsEmpty() {
		return identity.Clone(), nil
	}
	patch.Apply(identity, s.now().UTC())
	return identity.Clone(), nil
}

// RedeemBackupCode removes the matching hash and returns how many remain.
func (s *IdentityStore) RedeemBackupCode(_ context.Context, identityID, submitted string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.byID[identityID]
	if !ok {
		return 0, repository.ErrIdentityNotFound
	}
	redeemed, remaining, err := mfa.RedeemBackupCode(identity.BackupCodeHashes, submitted)
	if err != nil {
		return len(identity.BackupCodeHashes), err
	}
	if !redeemed {
		return len(identity.BackupCodeHashes), mfa.ErrInvalidCode
	}
	identity.BackupCodeHashes = remaining
	identity.UpdatedAt = s.now().UTC()
	return len(remaining), nil
}

func (s *IdentityStore) HealthCheck(context.Context) error {
	return nil
}
