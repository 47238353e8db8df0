// Package keys owns private key material for local agents. All other
// components receive capabilities (sign, verify, ECDH) from the Manager;
// raw private bytes never cross the package boundary except through the
// audit-guarded Export used by backup tooling.
package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/curve25519"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// KeyType selects a key family. The signature algorithm follows the family.
type KeyType string

const (
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeP256      KeyType = "p256"
	KeyTypeSecp256k1 KeyType = "secp256k1"
)

// Alg returns the JWS algorithm name for the family.
func (k KeyType) Alg() string {
	switch k {
	case KeyTypeP256:
		return "ES256"
	case KeyTypeSecp256k1:
		return "ES256K"
	default:
		return "EdDSA"
	}
}

type localKey struct {
	did     string
	keyType KeyType
	priv    []byte
	pub     []byte
}

// Manager holds local keys, indexed by DID. It is process-wide and
// internally synchronized.
type Manager struct {
	mu          sync.RWMutex
	keys        map[string]*localKey
	exportAudit bool
	logger      *slog.Logger
}

// NewManager creates an empty key manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{keys: make(map[string]*localKey), logger: logger}
}

// Generate creates a new key of the given family and returns its DID and
// public key bytes. Only Ed25519 keys currently map to a did:key identity;
// other families are addressed by a synthetic did:key with their own codec.
func (m *Manager) Generate(keyType KeyType) (string, []byte, error) {
	switch keyType {
	case KeyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		id, err := did.EncodeEd25519DID(pub)
		if err != nil {
			return "", nil, err
		}
		m.put(&localKey{did: id, keyType: keyType, priv: priv, pub: pub})
		return id, pub, nil
	case KeyTypeSecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return "", nil, fmt.Errorf("generate secp256k1 key: %w", err)
		}
		pub := priv.PubKey().SerializeCompressed()
		id := syntheticDID([2]byte{0x12, 0x00}, pub)
		m.put(&localKey{did: id, keyType: keyType, priv: priv.Serialize(), pub: pub})
		return id, pub, nil
	case KeyTypeP256:
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", nil, fmt.Errorf("generate p256 key: %w", err)
		}
		pub := elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y)
		id := syntheticDID([2]byte{0x12, 0x01}, pub)
		m.put(&localKey{did: id, keyType: keyType, priv: priv.D.Bytes(), pub: pub})
		return id, pub, nil
	default:
		return "", nil, taperr.New(taperr.KindValidation, "unsupported key type %q", keyType)
	}
}

func (m *Manager) put(k *localKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.did] = k
}

// ListLocalDIDs returns the DIDs of every held key.
func (m *Manager) ListLocalDIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keys))
	for id := range m.keys {
		out = append(out, id)
	}
	return out
}

// Has reports whether a key for the DID (or a DID-URL referencing it) is held.
func (m *Manager) Has(keyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[baseDID(keyID)]
	return ok
}

func (m *Manager) get(keyID string) (*localKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[baseDID(keyID)]
	if !ok {
		return nil, taperr.New(taperr.KindUnknownKey, "no local key for %q", keyID)
	}
	return k, nil
}

// KeyTypeOf returns the family of a held key.
func (m *Manager) KeyTypeOf(keyID string) (KeyType, error) {
	k, err := m.get(keyID)
	if err != nil {
		return "", err
	}
	return k.keyType, nil
}

// Sign signs payload with the key addressed by keyID. The signature encoding
// is the JWS raw form for the family: 64-byte R||S for the ECDSA families,
// the standard 64-byte Ed25519 signature otherwise.
func (m *Manager) Sign(keyID string, payload []byte) ([]byte, error) {
	k, err := m.get(keyID)
	if err != nil {
		return nil, err
	}
	switch k.keyType {
	case KeyTypeEd25519:
		return ed25519.Sign(ed25519.PrivateKey(k.priv), payload), nil
	case KeyTypeSecp256k1:
		priv := secp256k1.PrivKeyFromBytes(k.priv)
		digest := sha256.Sum256(payload)
		sig := secpecdsa.SignCompact(priv, digest[:], true)
		// SignCompact prepends a recovery byte; JWS wants plain R||S.
		return sig[1:], nil
	case KeyTypeP256:
		priv, err := p256PrivateKey(k.priv)
		if err != nil {
			return nil, err
		}
		digest := sha256.Sum256(payload)
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
		if err != nil {
			return nil, fmt.Errorf("p256 sign: %w", err)
		}
		return rawECDSASignature(r, s), nil
	default:
		return nil, taperr.New(taperr.KindValidation, "unsupported key type %q", k.keyType)
	}
}

// Verify checks a signature against raw public key bytes of the given family.
func Verify(keyType KeyType, pub, payload, sig []byte) bool {
	switch keyType {
	case KeyTypeEd25519:
		return len(pub) == ed25519.PublicKeySize && ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
	case KeyTypeSecp256k1:
		pk, err := secp256k1.ParsePubKey(pub)
		if err != nil || len(sig) != 64 {
			return false
		}
		var r, s secp256k1.ModNScalar
		if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) {
			return false
		}
		digest := sha256.Sum256(payload)
		return secpecdsa.NewSignature(&r, &s).Verify(digest[:], pk)
	case KeyTypeP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pub)
		if x == nil || len(sig) != 64 {
			return false
		}
		pk := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		digest := sha256.Sum256(payload)
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		return ecdsa.Verify(pk, digest[:], r, s)
	default:
		return false
	}
}

// X25519Secret derives the shared secret between the local key addressed by
// keyID and a peer X25519 public key. Only Ed25519 keys support key
// agreement; their X25519 scalar is derived per RFC 8032.
func (m *Manager) X25519Secret(keyID string, peerPub []byte) ([]byte, error) {
	k, err := m.get(keyID)
	if err != nil {
		return nil, err
	}
	if k.keyType != KeyTypeEd25519 {
		return nil, taperr.New(taperr.KindValidation, "key %q (%s) cannot do X25519 agreement", keyID, k.keyType)
	}
	scalar := ed25519ToX25519Scalar(ed25519.PrivateKey(k.priv))
	secret, err := curve25519.X25519(scalar, peerPub)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "x25519 agreement")
	}
	return secret, nil
}

// X25519Public returns the local key's X25519 public key.
func (m *Manager) X25519Public(keyID string) ([]byte, error) {
	k, err := m.get(keyID)
	if err != nil {
		return nil, err
	}
	if k.keyType != KeyTypeEd25519 {
		return nil, taperr.New(taperr.KindValidation, "key %q (%s) cannot do X25519 agreement", keyID, k.keyType)
	}
	return did.Ed25519ToX25519(k.pub)
}

// PublicKey returns the raw public key bytes of a held key.
func (m *Manager) PublicKey(keyID string) ([]byte, error) {
	k, err := m.get(keyID)
	if err != nil {
		return nil, err
	}
	return k.pub, nil
}

// EnableExport arms the audit-guarded Export path. Intended only for backup
// tooling; every use is logged.
func (m *Manager) EnableExport() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportAudit = true
	m.logger.Warn("keys: private key export enabled")
}

// Export returns the raw private key for a DID. Fails unless EnableExport
// was called.
func (m *Manager) Export(didStr string) ([]byte, error) {
	m.mu.RLock()
	armed := m.exportAudit
	m.mu.RUnlock()
	if !armed {
		return nil, taperr.New(taperr.KindPolicyViolation, "private key export is not enabled")
	}
	k, err := m.get(didStr)
	if err != nil {
		return nil, err
	}
	m.logger.Warn("keys: private key exported", "did", didStr)
	out := make([]byte, len(k.priv))
	copy(out, k.priv)
	return out, nil
}

// ed25519ToX25519Scalar derives the clamped X25519 scalar from an Ed25519
// private key (SHA-512 of the seed, first 32 bytes, clamped).
func ed25519ToX25519Scalar(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

func p256PrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	priv := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(d)}
	priv.Curve = elliptic.P256()
	priv.X, priv.Y = elliptic.P256().ScalarBaseMult(d)
	if priv.X == nil {
		return nil, taperr.New(taperr.KindUnknownKey, "invalid p256 private key")
	}
	return priv, nil
}

func rawECDSASignature(r, s *big.Int) []byte {
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

func baseDID(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	return keyID
}

func syntheticDID(codec [2]byte, pub []byte) string {
	id, err := encodeMultibaseDID(codec, pub)
	if err != nil {
		// multibase encoding of in-memory bytes cannot fail
		panic(err)
	}
	return id
}
