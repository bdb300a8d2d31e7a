package capability

import (
	"errors"
	"sort"
	"sync"

	"proofi/trust-engine/pkg/models"
)

// Store holds issued tokens for one issuer. Hosts that persist tokens supply
// their own implementation; the engine never touches disk.
type Store interface {
	Put(token models.CapabilityToken) error
	Get(tokenID string) (models.CapabilityToken, bool, error)
	Delete(tokenID string) error
	List() ([]models.CapabilityToken, error)
}

type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]models.CapabilityToken
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tokens: map[string]models.CapabilityToken{}}
}

func (s *InMemoryStore) Put(token models.CapabilityToken) error {
	if token.TokenID == "" {
		return errors.New("token id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.TokenID] = cloneToken(token)
	return nil
}

func (s *InMemoryStore) Get(tokenID string) (models.CapabilityToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return models.CapabilityToken{}, false, nil
	}
	return cloneToken(token), true, nil
}

func (s *InMemoryStore) Delete(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tokenID)
	return nil
}

func (s *InMemoryStore) List() ([]models.CapabilityToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CapabilityToken, 0, len(s.tokens))
	for _, token := range s.tokens {
		out = append(out, cloneToken(token))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].TokenID < out[j].TokenID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

func cloneToken(t models.CapabilityToken) models.CapabilityToken {
	t.Grantee = append([]byte(nil), t.Grantee...)
	t.Scope = append([]string(nil), t.Scope...)
	t.Permissions = append([]models.Permission(nil), t.Permissions...)
	t.Signature = append([]byte(nil), t.Signature...)
	if t.WrappedDEKs != nil {
		wrapped := make(map[string]models.WrappedDEK, len(t.WrappedDEKs))
		for k, w := range t.WrappedDEKs {
			wrapped[k] = models.WrappedDEK{
				EphemeralPublicKey: append([]byte(nil), w.EphemeralPublicKey...),
				IV:                 append([]byte(nil), w.IV...),
				Ciphertext:         append([]byte(nil), w.Ciphertext...),
			}
		}
		t.WrappedDEKs = wrapped
	}
	return t
}
