package keys

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sec/warden/internal/audit"
	"github.com/warden-sec/warden/internal/shared"
)

const (
	// SystemKeyName and UserKeyName identify the keys bootstrapped at
	// manager construction.
	SystemKeyName = "system-default"
	UserKeyName   = "user-default"

	defaultBackupRetention = 3
	defaultSweepInterval   = time.Hour
)

type managedKey struct {
	Key
	material material
}

type managedShare struct {
	Share
	algorithm  Algorithm
	material   material
	ciphertext []byte
}

// Manager owns key material and performs every cryptographic operation on
// behalf of callers. Material never crosses the API boundary. Access is
// role-gated: the caller's roles must intersect the key's role access list
// before any cipher work happens.
type Manager struct {
	mu     sync.RWMutex
	keys   map[string]*managedKey
	shares map[string]*managedShare

	trail     *audit.Trail
	logger    *slog.Logger
	clock     func() time.Time
	retention int
	sweep     time.Duration
	locks     *shared.KeyedMutex
}

// Config tunes the manager.
type Config struct {
	// BackupRetention is how many retired predecessors of a key stay
	// decryptable after rotation. Zero means the default of three.
	BackupRetention int
	// SweepInterval is the cadence of the rotation and share-expiry sweep
	// driven by Run. Zero means hourly.
	SweepInterval time.Duration
}

// NewManager constructs a Manager and bootstraps the default system and user
// keys. trail may be nil.
func NewManager(cfg Config, trail *audit.Trail, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.BackupRetention
	if retention <= 0 {
		retention = defaultBackupRetention
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	m := &Manager{
		keys:      make(map[string]*managedKey),
		shares:    make(map[string]*managedShare),
		trail:     trail,
		logger:    logger,
		clock:     time.Now,
		retention: retention,
		sweep:     sweep,
		locks:     shared.NewKeyedMutex(),
	}
	if _, err := m.CreateKey(context.Background(), SystemKeyName, AlgorithmAESGCM, LevelMaximum, []string{"system", "admin"}, 0); err != nil {
		return nil, err
	}
	if _, err := m.CreateKey(context.Background(), UserKeyName, AlgorithmAESGCM, LevelEnhanced, []string{"user", "admin"}, 0); err != nil {
		return nil, err
	}
	return m, nil
}

// SetClock overrides the manager clock. Test hook.
func (m *Manager) SetClock(clock func() time.Time) {
	m.clock = clock
}

// CreateKey generates and registers a new key. A positive ttl sets a hard
// expiry after which the key refuses new encryptions; zero means none.
func (m *Manager) CreateKey(ctx context.Context, name string, alg Algorithm, level SecurityLevel, roleAccess []string, ttl time.Duration) (Key, error) {
	if len(roleAccess) == 0 {
		return Key{}, fmt.Errorf("keys: role access list required")
	}
	switch level {
	case LevelBasic, LevelEnhanced, LevelMaximum:
	case "":
		level = LevelBasic
	default:
		return Key{}, fmt.Errorf("keys: unknown security level %q", level)
	}
	mat, err := generateMaterial(alg)
	if err != nil {
		return Key{}, err
	}
	now := m.clock()
	key := Key{
		ID:         uuid.NewString(),
		Name:       name,
		Algorithm:  alg,
		Level:      level,
		RoleAccess: append([]string(nil), roleAccess...),
		CreatedAt:  now,
		RotateAt:   now.Add(level.RotationInterval()),
		IsActive:   true,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	m.keys[key.ID] = &managedKey{Key: key, material: mat}
	m.mu.Unlock()

	m.log(ctx, audit.EventKeyCreated, "", true, 0, map[string]string{
		"key_id":    key.ID,
		"key_name":  key.Name,
		"algorithm": string(alg),
		"level":     string(level),
	})
	return key, nil
}

// KeyByID returns key metadata.
func (m *Manager) KeyByID(id string) (Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("keys: key %s: %w", id, shared.ErrNotFound)
	}
	return mk.Key, nil
}

// KeyByName returns the newest active key with the given name.
func (m *Manager) KeyByName(name string) (Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *managedKey
	for _, mk := range m.keys {
		if mk.Name != name || !mk.IsActive {
			continue
		}
		if found == nil || mk.CreatedAt.After(found.CreatedAt) {
			found = mk
		}
	}
	if found == nil {
		return Key{}, fmt.Errorf("keys: key %q: %w", name, shared.ErrNotFound)
	}
	return found.Key, nil
}

// Encrypt seals plaintext with the key. The caller's roles must intersect
// the key's role access list, and only active keys encrypt.
func (m *Manager) Encrypt(ctx context.Context, keyID string, plaintext []byte, callerRoles []string) ([]byte, error) {
	started := time.Now()
	m.mu.RLock()
	mk, ok := m.keys[keyID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("keys: key %s: %w", keyID, shared.ErrNotFound)
	}
	key, mat := mk.Key, mk.material
	m.mu.RUnlock()

	if err := m.authorize(ctx, key, callerRoles); err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, fmt.Errorf("keys: key %s retired: %w", keyID, shared.ErrExpired)
	}
	if key.Expired(m.clock()) {
		return nil, fmt.Errorf("keys: key %s past expiry: %w", keyID, shared.ErrExpired)
	}

	out, err := seal(key.Algorithm, mat, plaintext)
	if err != nil {
		return nil, err
	}
	m.log(ctx, audit.EventDataEncrypted, "", true, time.Since(started), map[string]string{"key_id": key.ID})
	return out, nil
}

// Decrypt opens ciphertext. Retired keys still decrypt until rotation
// retention evicts them, so rotation never strands old ciphertext abruptly.
func (m *Manager) Decrypt(ctx context.Context, keyID string, ciphertext []byte, callerRoles []string) ([]byte, error) {
	started := time.Now()
	m.mu.RLock()
	mk, ok := m.keys[keyID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("keys: key %s: %w", keyID, shared.ErrNotFound)
	}
	key, mat := mk.Key, mk.material
	m.mu.RUnlock()

	if err := m.authorize(ctx, key, callerRoles); err != nil {
		return nil, err
	}

	out, err := open(key.Algorithm, mat, ciphertext)
	if err != nil {
		return nil, err
	}
	m.log(ctx, audit.EventDataDecrypted, "", true, time.Since(started), map[string]string{"key_id": key.ID})
	return out, nil
}

// Rotate retires the key and mints a successor that inherits its name,
// algorithm, security level, and role access. The retired key stays
// decrypt-only; once more than the configured retention count of retired
// predecessors share the name, the oldest are evicted and their ciphertext
// becomes unrecoverable.
func (m *Manager) Rotate(ctx context.Context, keyID string) (Key, error) {
	unlock := m.locks.Lock(shared.KeyLockKey(keyID))
	defer unlock()

	m.mu.RLock()
	old, ok := m.keys[keyID]
	if !ok {
		m.mu.RUnlock()
		return Key{}, fmt.Errorf("keys: key %s: %w", keyID, shared.ErrNotFound)
	}
	if !old.IsActive {
		m.mu.RUnlock()
		return Key{}, fmt.Errorf("keys: key %s already retired: %w", keyID, shared.ErrExpired)
	}
	oldKey := old.Key
	m.mu.RUnlock()

	mat, err := generateMaterial(oldKey.Algorithm)
	if err != nil {
		return Key{}, err
	}
	now := m.clock()
	successor := Key{
		ID:         uuid.NewString(),
		Name:       oldKey.Name,
		Algorithm:  oldKey.Algorithm,
		Level:      oldKey.Level,
		RoleAccess: append([]string(nil), oldKey.RoleAccess...),
		CreatedAt:  now,
		RotateAt:   now.Add(oldKey.Level.RotationInterval()),
		ExpiresAt:  oldKey.ExpiresAt,
		IsActive:   true,
	}

	m.mu.Lock()
	old.IsActive = false
	old.RotatedTo = successor.ID
	m.keys[successor.ID] = &managedKey{Key: successor, material: mat}
	m.evictRetiredLocked(oldKey.Name)
	m.mu.Unlock()

	m.log(ctx, audit.EventKeyRotated, "", true, 0, map[string]string{
		"old_key_id": oldKey.ID,
		"new_key_id": successor.ID,
		"key_name":   oldKey.Name,
	})
	return successor, nil
}

// RotateDue rotates every key past its deadline. Failures are logged per
// key; the sweep keeps going.
func (m *Manager) RotateDue(ctx context.Context) (int, error) {
	now := m.clock()
	m.mu.RLock()
	var due []string
	for id, mk := range m.keys {
		if mk.DueForRotation(now) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()

	rotated := 0
	for _, id := range due {
		if _, err := m.Rotate(ctx, id); err != nil {
			m.logger.Warn("rotate key", slog.String("key_id", id), slog.Any("error", err))
			continue
		}
		rotated++
	}
	return rotated, nil
}

// Sweep runs one rotation pass and drops expired shares. The Run loop calls
// this on its cadence; embedders without a loop can call it directly.
func (m *Manager) Sweep(ctx context.Context) (rotated, pruned int) {
	rotated, err := m.RotateDue(ctx)
	if err != nil {
		m.logger.Error("rotation sweep", slog.Any("error", err))
	}
	pruned = m.PruneShares(ctx)
	if rotated > 0 || pruned > 0 {
		m.logger.Info("key sweep",
			slog.Int("rotated", rotated),
			slog.Int("shares_pruned", pruned))
	}
	return rotated, pruned
}

// Run drives the rotation and share-expiry sweep until ctx is done. Key
// material lives only in this process, so the sweep has to run beside the
// manager serving traffic.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// evictRetiredLocked drops the oldest retired keys sharing name beyond the
// retention count. Caller holds m.mu.
func (m *Manager) evictRetiredLocked(name string) {
	var retired []*managedKey
	for _, mk := range m.keys {
		if mk.Name == name && !mk.IsActive {
			retired = append(retired, mk)
		}
	}
	if len(retired) <= m.retention {
		return
	}
	sort.Slice(retired, func(i, j int) bool { return retired[i].CreatedAt.Before(retired[j].CreatedAt) })
	for _, mk := range retired[:len(retired)-m.retention] {
		delete(m.keys, mk.ID)
	}
}

func (m *Manager) authorize(ctx context.Context, key Key, callerRoles []string) error {
	allowed := make(map[string]bool, len(key.RoleAccess))
	for _, r := range key.RoleAccess {
		allowed[r] = true
	}
	for _, r := range callerRoles {
		if allowed[r] {
			return nil
		}
	}
	m.log(ctx, audit.EventKeyAccessDenied, "", false, 0, map[string]string{"key_id": key.ID})
	return fmt.Errorf("keys: key %s: %w", key.ID, shared.ErrAccessDenied)
}

func (m *Manager) log(ctx context.Context, eventType audit.EventType, userID string, success bool, took time.Duration, meta map[string]string) {
	if m.trail == nil {
		return
	}
	m.trail.Log(ctx, audit.Event{Type: eventType, UserID: userID, Success: success, Duration: took, Metadata: meta})
}

// StatusReport summarizes the key inventory and flags keys due for rotation.
func (m *Manager) StatusReport() Status {
	now := m.clock()
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{ByAlgorithm: make(map[Algorithm]int)}
	for _, mk := range m.keys {
		st.TotalKeys++
		st.ByAlgorithm[mk.Algorithm]++
		if mk.IsActive {
			st.ActiveKeys++
		} else {
			st.RetiredKeys++
		}
		if mk.DueForRotation(now) {
			st.DueForRotation = append(st.DueForRotation, mk.ID)
		}
	}
	for _, sh := range m.shares {
		if now.Before(sh.ExpiresAt) {
			st.ActiveShares++
		}
	}
	sort.Strings(st.DueForRotation)
	return st
}
