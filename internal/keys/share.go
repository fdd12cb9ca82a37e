package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sec/warden/internal/audit"
	"github.com/warden-sec/warden/internal/shared"
)

const defaultShareTTL = 24 * time.Hour

// CreateShare seals data for a set of recipient roles under a single-purpose
// key that exists only inside the share. When ttl is zero the share lives
// one day; maxAccesses of zero means unlimited until expiry.
func (m *Manager) CreateShare(ctx context.Context, data []byte, recipientRoles []string, ttl time.Duration, maxAccesses int) (Share, error) {
	if len(recipientRoles) == 0 {
		return Share{}, fmt.Errorf("keys: recipient roles required")
	}
	if ttl <= 0 {
		ttl = defaultShareTTL
	}
	mat, err := generateMaterial(AlgorithmAESGCM)
	if err != nil {
		return Share{}, err
	}
	ciphertext, err := seal(AlgorithmAESGCM, mat, data)
	if err != nil {
		return Share{}, err
	}
	now := m.clock()
	share := Share{
		ID:             uuid.NewString(),
		RecipientRoles: append([]string(nil), recipientRoles...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		MaxAccesses:    maxAccesses,
	}

	m.mu.Lock()
	m.shares[share.ID] = &managedShare{
		Share:      share,
		algorithm:  AlgorithmAESGCM,
		material:   mat,
		ciphertext: ciphertext,
	}
	m.mu.Unlock()

	m.log(ctx, audit.EventShareCreated, "", true, 0, map[string]string{"share_id": share.ID})
	return share, nil
}

// AccessShare opens a share for a caller holding one of the recipient roles.
// Expired or exhausted shares are refused and removed.
func (m *Manager) AccessShare(ctx context.Context, shareID string, callerRoles []string) ([]byte, error) {
	m.mu.Lock()
	sh, ok := m.shares[shareID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("keys: share %s: %w", shareID, shared.ErrNotFound)
	}
	now := m.clock()
	if now.After(sh.ExpiresAt) {
		delete(m.shares, shareID)
		m.mu.Unlock()
		return nil, fmt.Errorf("keys: share %s: %w", shareID, shared.ErrExpired)
	}
	allowed := false
	for _, want := range sh.RecipientRoles {
		for _, have := range callerRoles {
			if want == have {
				allowed = true
				break
			}
		}
	}
	if !allowed {
		m.mu.Unlock()
		m.log(ctx, audit.EventKeyAccessDenied, "", false, 0, map[string]string{"share_id": shareID})
		return nil, fmt.Errorf("keys: share %s: %w", shareID, shared.ErrAccessDenied)
	}
	if sh.MaxAccesses > 0 && sh.AccessCount >= sh.MaxAccesses {
		delete(m.shares, shareID)
		m.mu.Unlock()
		return nil, fmt.Errorf("keys: share %s: %w", shareID, shared.ErrExpired)
	}
	sh.AccessCount++
	alg, mat, ciphertext := sh.algorithm, sh.material, sh.ciphertext
	exhausted := sh.MaxAccesses > 0 && sh.AccessCount >= sh.MaxAccesses
	if exhausted {
		delete(m.shares, shareID)
	}
	m.mu.Unlock()

	return open(alg, mat, ciphertext)
}

// PruneShares drops expired shares and returns how many were removed.
func (m *Manager) PruneShares(ctx context.Context) int {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sh := range m.shares {
		if now.After(sh.ExpiresAt) {
			delete(m.shares, id)
			removed++
		}
	}
	return removed
}
