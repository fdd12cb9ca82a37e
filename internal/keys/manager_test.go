package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-sec/warden/internal/audit"
	"github.com/warden-sec/warden/internal/shared"
)

func newTestManager(t *testing.T) (*Manager, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	trail := audit.NewTrail(sink, nil)
	m, err := NewManager(Config{}, trail, nil)
	require.NoError(t, err)
	return m, sink
}

func TestBootstrapDefaultKeys(t *testing.T) {
	m, _ := newTestManager(t)

	system, err := m.KeyByName(SystemKeyName)
	require.NoError(t, err)
	require.Equal(t, AlgorithmAESGCM, system.Algorithm)
	require.Equal(t, LevelMaximum, system.Level)

	user, err := m.KeyByName(UserKeyName)
	require.NoError(t, err)
	require.Equal(t, LevelEnhanced, user.Level)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	for _, alg := range []Algorithm{AlgorithmAESGCM, AlgorithmChaCha20, AlgorithmNaClBox} {
		key, err := m.CreateKey(ctx, "test-"+string(alg), alg, LevelBasic, []string{"admin"}, 0)
		require.NoError(t, err)

		plaintext := make([]byte, 1024)
		_, err = rand.Read(plaintext)
		require.NoError(t, err)

		ciphertext, err := m.Encrypt(ctx, key.ID, plaintext, []string{"admin"})
		require.NoError(t, err)
		require.False(t, bytes.Contains(ciphertext, plaintext[:64]))

		got, err := m.Decrypt(ctx, key.ID, ciphertext, []string{"admin"})
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestRoleAccessCheckedBeforeCrypto(t *testing.T) {
	ctx := context.Background()
	m, sink := newTestManager(t)

	key, err := m.CreateKey(ctx, "admin-only", AlgorithmAESGCM, LevelBasic, []string{"admin"}, 0)
	require.NoError(t, err)

	_, err = m.Encrypt(ctx, key.ID, []byte("secret"), []string{"user"})
	require.ErrorIs(t, err, shared.ErrAccessDenied)

	ciphertext, err := m.Encrypt(ctx, key.ID, []byte("secret"), []string{"admin"})
	require.NoError(t, err)
	_, err = m.Decrypt(ctx, key.ID, ciphertext, []string{"user"})
	require.ErrorIs(t, err, shared.ErrAccessDenied)

	denied, err := sink.Events(ctx, audit.Query{Type: audit.EventKeyAccessDenied})
	require.NoError(t, err)
	require.Len(t, denied, 2)
	require.False(t, denied[0].Success)

	encrypted, err := sink.Events(ctx, audit.Query{Type: audit.EventDataEncrypted})
	require.NoError(t, err)
	require.Len(t, encrypted, 1)
	require.True(t, encrypted[0].Success)
	require.GreaterOrEqual(t, encrypted[0].Duration, time.Duration(0))
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	key, err := m.CreateKey(ctx, "tamper", AlgorithmAESGCM, LevelBasic, []string{"admin"}, 0)
	require.NoError(t, err)

	ciphertext, err := m.Encrypt(ctx, key.ID, []byte("payload"), []string{"admin"})
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = m.Decrypt(ctx, key.ID, ciphertext, []string{"admin"})
	require.ErrorIs(t, err, shared.ErrCryptoFailure)

	_, err = m.Decrypt(ctx, key.ID, []byte("short"), []string{"admin"})
	require.ErrorIs(t, err, shared.ErrCryptoFailure)
}

func TestRotateInheritsAndRetires(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	key, err := m.CreateKey(ctx, "rotating", AlgorithmChaCha20, LevelEnhanced, []string{"admin", "ops"}, 0)
	require.NoError(t, err)

	ciphertext, err := m.Encrypt(ctx, key.ID, []byte("old data"), []string{"ops"})
	require.NoError(t, err)

	successor, err := m.Rotate(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, key.Algorithm, successor.Algorithm)
	require.Equal(t, key.Level, successor.Level)
	require.ElementsMatch(t, key.RoleAccess, successor.RoleAccess)
	require.NotEqual(t, key.ID, successor.ID)

	retired, err := m.KeyByID(key.ID)
	require.NoError(t, err)
	require.False(t, retired.IsActive)
	require.Equal(t, successor.ID, retired.RotatedTo)

	// Retired keys refuse new encryption but still decrypt old ciphertext.
	_, err = m.Encrypt(ctx, key.ID, []byte("new data"), []string{"ops"})
	require.ErrorIs(t, err, shared.ErrExpired)

	got, err := m.Decrypt(ctx, key.ID, ciphertext, []string{"ops"})
	require.NoError(t, err)
	require.Equal(t, []byte("old data"), got)

	_, err = m.Rotate(ctx, key.ID)
	require.ErrorIs(t, err, shared.ErrExpired)
}

func TestRotateEvictsBeyondRetention(t *testing.T) {
	ctx := context.Background()
	trail := audit.NewTrail(audit.NewMemorySink(), nil)
	m, err := NewManager(Config{BackupRetention: 1}, trail, nil)
	require.NoError(t, err)

	key, err := m.CreateKey(ctx, "churn", AlgorithmAESGCM, LevelBasic, []string{"admin"}, 0)
	require.NoError(t, err)
	first := key.ID

	second, err := m.Rotate(ctx, first)
	require.NoError(t, err)
	_, err = m.Rotate(ctx, second.ID)
	require.NoError(t, err)

	// With retention 1, the first generation is gone after two rotations.
	_, err = m.KeyByID(first)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = m.KeyByID(second.ID)
	require.NoError(t, err)
}

func TestRotateDue(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	key, err := m.CreateKey(ctx, "due", AlgorithmAESGCM, LevelMaximum, []string{"admin"}, 0)
	require.NoError(t, err)

	m.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	// The system bootstrap key runs at the maximum cadence too, so both it
	// and the new key are past deadline after eight days.
	rotated, err := m.RotateDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rotated)

	old, err := m.KeyByID(key.ID)
	require.NoError(t, err)
	require.False(t, old.IsActive)
}

func TestExpiredKeyRefusesEncryption(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	key, err := m.CreateKey(ctx, "short-lived", AlgorithmAESGCM, LevelBasic, []string{"admin"}, time.Hour)
	require.NoError(t, err)
	require.False(t, key.ExpiresAt.IsZero())

	ciphertext, err := m.Encrypt(ctx, key.ID, []byte("before expiry"), []string{"admin"})
	require.NoError(t, err)

	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err = m.Encrypt(ctx, key.ID, []byte("after expiry"), []string{"admin"})
	require.ErrorIs(t, err, shared.ErrExpired)

	// Old ciphertext stays readable under the retention policy.
	got, err := m.Decrypt(ctx, key.ID, ciphertext, []string{"admin"})
	require.NoError(t, err)
	require.Equal(t, []byte("before expiry"), got)
}

func TestSweepRotatesServingManager(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	key, err := m.CreateKey(ctx, "serving", AlgorithmAESGCM, LevelMaximum, []string{"admin"}, 0)
	require.NoError(t, err)
	_, err = m.CreateShare(ctx, []byte("stale"), []string{"ops"}, time.Minute, 0)
	require.NoError(t, err)

	// Eight days later the sweep must retire the overdue key on this very
	// manager and drop the expired share; a key past deadline must not keep
	// encrypting.
	m.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	rotated, pruned := m.Sweep(ctx)
	require.Equal(t, 2, rotated) // the new key and the system bootstrap key
	require.Equal(t, 1, pruned)

	_, err = m.Encrypt(ctx, key.ID, []byte("data"), []string{"admin"})
	require.ErrorIs(t, err, shared.ErrExpired)

	successor, err := m.KeyByName("serving")
	require.NoError(t, err)
	require.True(t, successor.IsActive)
	require.NotEqual(t, key.ID, successor.ID)
}

func TestShareLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	share, err := m.CreateShare(ctx, []byte("handoff"), []string{"ops"}, time.Hour, 2)
	require.NoError(t, err)

	_, err = m.AccessShare(ctx, share.ID, []string{"user"})
	require.ErrorIs(t, err, shared.ErrAccessDenied)

	got, err := m.AccessShare(ctx, share.ID, []string{"ops"})
	require.NoError(t, err)
	require.Equal(t, []byte("handoff"), got)

	_, err = m.AccessShare(ctx, share.ID, []string{"ops"})
	require.NoError(t, err)

	// Third access exceeds max_accesses.
	_, err = m.AccessShare(ctx, share.ID, []string{"ops"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestShareExpiry(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	share, err := m.CreateShare(ctx, []byte("ephemeral"), []string{"ops"}, time.Minute, 0)
	require.NoError(t, err)

	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	_, err = m.AccessShare(ctx, share.ID, []string{"ops"})
	require.ErrorIs(t, err, shared.ErrExpired)
}

func TestPruneShares(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.CreateShare(ctx, []byte("a"), []string{"ops"}, time.Minute, 0)
	require.NoError(t, err)
	_, err = m.CreateShare(ctx, []byte("b"), []string{"ops"}, time.Hour, 0)
	require.NoError(t, err)

	m.SetClock(func() time.Time { return time.Now().Add(10 * time.Minute) })
	require.Equal(t, 1, m.PruneShares(ctx))
}

func TestStatusReport(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	key, err := m.CreateKey(ctx, "status", AlgorithmNaClBox, LevelBasic, []string{"admin"}, 0)
	require.NoError(t, err)
	_, err = m.Rotate(ctx, key.ID)
	require.NoError(t, err)

	st := m.StatusReport()
	require.Equal(t, 4, st.TotalKeys)
	require.Equal(t, 3, st.ActiveKeys)
	require.Equal(t, 1, st.RetiredKeys)
	require.Equal(t, 2, st.ByAlgorithm[AlgorithmNaClBox])
	require.Equal(t, 2, st.ByAlgorithm[AlgorithmAESGCM])
}
