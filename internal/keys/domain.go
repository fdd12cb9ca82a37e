package keys

import "time"

// Algorithm names a supported cipher.
type Algorithm string

const (
	// AlgorithmAESGCM is the default authenticated symmetric cipher.
	AlgorithmAESGCM Algorithm = "aes-256-gcm"
	// AlgorithmChaCha20 is the symmetric cipher for hosts without AES
	// hardware support.
	AlgorithmChaCha20 Algorithm = "chacha20-poly1305"
	// AlgorithmNaClBox is the asymmetric sealed-envelope cipher.
	AlgorithmNaClBox Algorithm = "nacl-box"
)

// SecurityLevel maps to a rotation cadence.
type SecurityLevel string

const (
	LevelBasic    SecurityLevel = "basic"
	LevelEnhanced SecurityLevel = "enhanced"
	LevelMaximum  SecurityLevel = "maximum"
)

// RotationInterval returns how long a key at this level stays current.
func (l SecurityLevel) RotationInterval() time.Duration {
	switch l {
	case LevelMaximum:
		return 7 * 24 * time.Hour
	case LevelEnhanced:
		return 30 * 24 * time.Hour
	default:
		return 90 * 24 * time.Hour
	}
}

// Key is the metadata of one managed key. Raw material never leaves the
// manager; Key carries only what callers may see.
type Key struct {
	ID         string
	Name       string
	Algorithm  Algorithm
	Level      SecurityLevel
	RoleAccess []string
	CreatedAt  time.Time
	RotateAt   time.Time
	// ExpiresAt is an optional hard deadline after which the key refuses
	// new encryptions. Zero means no expiry. Decryption follows the
	// rotation retention policy instead.
	ExpiresAt time.Time
	RotatedTo string
	IsActive  bool
}

// DueForRotation reports whether the key has passed its rotation deadline.
func (k Key) DueForRotation(now time.Time) bool {
	return k.IsActive && now.After(k.RotateAt)
}

// Expired reports whether the key's hard deadline has passed.
func (k Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// Share is an ephemeral encrypted payload for a set of recipient roles,
// sealed with a single-purpose key that dies with the share.
type Share struct {
	ID             string
	RecipientRoles []string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int
	MaxAccesses    int
}

// Status summarizes the key inventory.
type Status struct {
	TotalKeys      int
	ActiveKeys     int
	RetiredKeys    int
	ByAlgorithm    map[Algorithm]int
	DueForRotation []string
	ActiveShares   int
}
