// Package auth provides party registration and API authentication for Resolv.
//
// Authentication model:
// - Parties (clients and professionals) register and receive an API key
// - All dispute operations require a valid party API key
// - Admin arbitration routes are guarded by a shared admin secret
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/resolvhq/resolv/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrPartyNotFound = errors.New("party not found")
	ErrInvalidRole   = errors.New("role must be client or professional")
)

// Party roles.
const (
	RoleClient       = "client"
	RoleProfessional = "professional"
)

// Party is a registered marketplace participant.
type Party struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIKey represents an API key issued to a party.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	PartyID   string     `json:"partyId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists parties and their API keys.
type Store interface {
	CreateParty(ctx context.Context, p *Party) error
	GetParty(ctx context.Context, id string) (*Party, error)
	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	GetKeysByParty(ctx context.Context, partyID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
}

// Manager handles party registration and authentication.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// RegisterParty creates a party and issues its first API key.
// Returns the raw key (shown once).
func (m *Manager) RegisterParty(ctx context.Context, name, role string) (*Party, string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role != RoleClient && role != RoleProfessional {
		return nil, "", ErrInvalidRole
	}

	party := &Party{
		ID:        idgen.WithPrefix("pty_"),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateParty(ctx, party); err != nil {
		return nil, "", err
	}

	rawKey, _, err := m.GenerateKey(ctx, party.ID, "Registration key")
	if err != nil {
		return nil, "", err
	}
	return party, rawKey, nil
}

// GetParty returns a registered party.
func (m *Manager) GetParty(ctx context.Context, id string) (*Party, error) {
	return m.store.GetParty(ctx, id)
}

// GenerateKey creates a new API key for a party.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, partyID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		PartyID:   partyID,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.UpdateKey(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a party.
func (m *Manager) ListKeys(ctx context.Context, partyID string) ([]*APIKey, error) {
	return m.store.GetKeysByParty(ctx, partyID)
}

// RevokeKey revokes an API key owned by the party.
func (m *Manager) RevokeKey(ctx context.Context, keyID, partyID string) error {
	keys, err := m.store.GetKeysByParty(ctx, partyID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.UpdateKey(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	parties map[string]*Party
	keys    map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parties: make(map[string]*Party),
		keys:    make(map[string]*APIKey),
	}
}

func (s *MemoryStore) CreateParty(ctx context.Context, p *Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties[p.ID] = p
	return nil
}

func (s *MemoryStore) GetParty(ctx context.Context, id string) (*Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parties[id]
	if !ok {
		return nil, ErrPartyNotFound
	}
	return p, nil
}

func (s *MemoryStore) CreateKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetKeysByParty(ctx context.Context, partyID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.PartyID == partyID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}
