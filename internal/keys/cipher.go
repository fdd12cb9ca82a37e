package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/warden-sec/warden/internal/shared"
)

// material holds raw key bytes. For the symmetric ciphers only secret is
// set; nacl-box carries a keypair.
type material struct {
	secret  []byte
	boxPub  *[32]byte
	boxPriv *[32]byte
}

func generateMaterial(alg Algorithm) (material, error) {
	switch alg {
	case AlgorithmAESGCM:
		secret := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return material{}, fmt.Errorf("keys: generate: %w", err)
		}
		return material{secret: secret}, nil
	case AlgorithmChaCha20:
		secret := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, secret); err != nil {
			return material{}, fmt.Errorf("keys: generate: %w", err)
		}
		return material{secret: secret}, nil
	case AlgorithmNaClBox:
		pub, priv, err := box.GenerateKey(rand.Reader)
		if err != nil {
			return material{}, fmt.Errorf("keys: generate: %w", err)
		}
		return material{boxPub: pub, boxPriv: priv}, nil
	default:
		return material{}, fmt.Errorf("keys: unsupported algorithm %q", alg)
	}
}

// seal encrypts plaintext. Symmetric ciphers prefix the nonce to the
// ciphertext; nacl-box output is already self-contained.
func seal(alg Algorithm, m material, plaintext []byte) ([]byte, error) {
	switch alg {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(m.secret)
		if err != nil {
			return nil, fmt.Errorf("keys: seal: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("keys: seal: %w", err)
		}
		return sealAEAD(aead, plaintext)
	case AlgorithmChaCha20:
		aead, err := chacha20poly1305.New(m.secret)
		if err != nil {
			return nil, fmt.Errorf("keys: seal: %w", err)
		}
		return sealAEAD(aead, plaintext)
	case AlgorithmNaClBox:
		out, err := box.SealAnonymous(nil, plaintext, m.boxPub, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keys: seal: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("keys: unsupported algorithm %q", alg)
	}
}

func sealAEAD(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keys: seal: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts ciphertext. All failure modes collapse into ErrCryptoFailure
// so a caller cannot distinguish a bad tag from a truncated payload.
func open(alg Algorithm, m material, ciphertext []byte) ([]byte, error) {
	switch alg {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(m.secret)
		if err != nil {
			return nil, shared.ErrCryptoFailure
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, shared.ErrCryptoFailure
		}
		return openAEAD(aead, ciphertext)
	case AlgorithmChaCha20:
		aead, err := chacha20poly1305.New(m.secret)
		if err != nil {
			return nil, shared.ErrCryptoFailure
		}
		return openAEAD(aead, ciphertext)
	case AlgorithmNaClBox:
		out, ok := box.OpenAnonymous(nil, ciphertext, m.boxPub, m.boxPriv)
		if !ok {
			return nil, shared.ErrCryptoFailure
		}
		return out, nil
	default:
		return nil, shared.ErrCryptoFailure
	}
}

func openAEAD(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, shared.ErrCryptoFailure
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, shared.ErrCryptoFailure
	}
	return out, nil
}
