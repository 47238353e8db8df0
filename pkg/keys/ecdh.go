package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// kdfInfo binds derived keys to this protocol so a shared secret reused
// elsewhere cannot decrypt TAP traffic.
const kdfInfo = "tap-ecdh-es-a256gcm"

// Sealed is the result of an ECDH-ES + A256GCM encryption: the ephemeral
// public key takes the place of a wrapped CEK.
type Sealed struct {
	EphemeralPub []byte
	Nonce        []byte
	Ciphertext   []byte
}

// Encrypt seals plaintext to a recipient X25519 public key with a fresh
// ephemeral key. aad is bound into the AEAD tag.
func Encrypt(recipientPub, plaintext, aad []byte) (*Sealed, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub)
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}

	aead, err := contentAEAD(shared)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return &Sealed{
		EphemeralPub: ephPub,
		Nonce:        nonce,
		Ciphertext:   aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Decrypt opens a Sealed blob with the local key addressed by keyID.
func (m *Manager) Decrypt(keyID string, sealed *Sealed, aad []byte) ([]byte, error) {
	shared, err := m.X25519Secret(keyID, sealed.EphemeralPub)
	if err != nil {
		return nil, err
	}
	aead, err := contentAEAD(shared)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, aad)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "aead open")
	}
	return plaintext, nil
}

// AEADFromShared derives an A256GCM AEAD from an X25519 shared secret.
// The envelope codec uses it both for key wrapping and for content
// encryption so the derivation stays in one place.
func AEADFromShared(shared []byte) (cipher.AEAD, error) {
	return contentAEAD(shared)
}

func contentAEAD(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
