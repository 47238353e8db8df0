package keys

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/multiformats/go-multibase"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// The on-disk keystore is sealed with a passphrase-derived key. Argon2id
// parameters follow the RFC 9106 second recommended option.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

type storedKey struct {
	DID     string  `json:"did"`
	KeyType KeyType `json:"keyType"`
	Priv    string  `json:"priv"`
	Pub     string  `json:"pub"`
}

type sealedKeystore struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Box     string `json:"box"`
}

// Save seals every held key under the passphrase and writes the keystore to
// path atomically.
func (m *Manager) Save(path, passphrase string) error {
	m.mu.RLock()
	stored := make([]storedKey, 0, len(m.keys))
	for _, k := range m.keys {
		stored = append(stored, storedKey{
			DID:     k.did,
			KeyType: k.keyType,
			Priv:    base64.StdEncoding.EncodeToString(k.priv),
			Pub:     base64.StdEncoding.EncodeToString(k.pub),
		})
	}
	m.mu.RUnlock()

	plaintext, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("keystore salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveSealKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("keystore aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("keystore nonce: %w", err)
	}

	out, err := json.Marshal(sealedKeystore{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Box:     base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	})
	if err != nil {
		return fmt.Errorf("marshal sealed keystore: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keystore dir: %w", err)
	}
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename keystore: %w", err)
	}
	return nil
}

// Load opens a sealed keystore and adds its keys to the manager.
func (m *Manager) Load(path, passphrase string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read keystore: %w", err)
	}
	var sealed sealedKeystore
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "parse keystore")
	}
	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "keystore salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "keystore nonce")
	}
	box, err := base64.StdEncoding.DecodeString(sealed.Box)
	if err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "keystore box")
	}

	aead, err := chacha20poly1305.NewX(deriveSealKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("keystore aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return taperr.Wrap(taperr.KindDecryptionFailed, err, "unseal keystore")
	}

	var stored []storedKey
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return taperr.Wrap(taperr.KindMalformed, err, "parse unsealed keystore")
	}
	for _, s := range stored {
		priv, err := base64.StdEncoding.DecodeString(s.Priv)
		if err != nil {
			return taperr.Wrap(taperr.KindMalformed, err, "key %s", s.DID)
		}
		pub, err := base64.StdEncoding.DecodeString(s.Pub)
		if err != nil {
			return taperr.Wrap(taperr.KindMalformed, err, "key %s", s.DID)
		}
		m.put(&localKey{did: s.DID, keyType: s.KeyType, priv: priv, pub: pub})
	}
	return nil
}

func deriveSealKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func encodeMultibaseDID(codec [2]byte, pub []byte) (string, error) {
	fingerprint, err := multibase.Encode(multibase.Base58BTC, append(codec[:], pub...))
	if err != nil {
		return "", fmt.Errorf("multibase encode: %w", err)
	}
	return "did:key:" + fingerprint, nil
}
