package did

import (
	"context"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/multiformats/go-multibase"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Multicodec prefixes of did:key identifiers. Resolve accepts Ed25519,
// secp256k1 and P-256; the X25519 prefix only encodes the key-agreement
// method derived from an Ed25519 key.
var (
	codecEd25519   = [2]byte{0xED, 0x01}
	codecX25519    = [2]byte{0xEC, 0x01}
	codecSecp256k1 = [2]byte{0x12, 0x00}
	codecP256      = [2]byte{0x12, 0x01}
)

// KeyResolver resolves did:key identifiers. The key material is embedded in
// the DID itself, so resolution is pure computation.
type KeyResolver struct{}

// NewKeyResolver creates the built-in did:key resolver.
func NewKeyResolver() *KeyResolver { return &KeyResolver{} }

func (*KeyResolver) Method() string { return "key" }

// Resolve decodes the multibase identifier and constructs a document. For
// Ed25519 keys the document additionally carries an X25519 key-agreement
// method derived by converting the Edwards point to Montgomery form
// (RFC 7748 §4.1).
func (*KeyResolver) Resolve(_ context.Context, didKey string) (*Document, error) {
	const prefix = "did:key:"
	if len(didKey) <= len(prefix) || didKey[:len(prefix)] != prefix {
		return nil, taperr.New(taperr.KindMalformed, "not a did:key: %q", didKey)
	}
	fingerprint := didKey[len(prefix):]

	_, raw, err := multibase.Decode(fingerprint)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "multibase decode of %q", fingerprint)
	}
	if len(raw) < 2 {
		return nil, taperr.New(taperr.KindNotFound, "did:key payload too short")
	}

	codec := [2]byte{raw[0], raw[1]}
	pub := raw[2:]

	switch codec {
	case codecEd25519:
		return ed25519Document(didKey, fingerprint, pub)
	case codecSecp256k1:
		return singleMethodDocument(didKey, fingerprint, TypeSecp256k1), nil
	case codecP256:
		return singleMethodDocument(didKey, fingerprint, TypeP256), nil
	default:
		return nil, taperr.New(taperr.KindNotFound, "unknown did:key multicodec %02x%02x", codec[0], codec[1])
	}
}

func ed25519Document(didKey, fingerprint string, pub []byte) (*Document, error) {
	if len(pub) != 32 {
		return nil, taperr.New(taperr.KindNotFound, "ed25519 did:key payload is %d bytes, want 32", len(pub))
	}

	edID := didKey + "#" + fingerprint
	doc := &Document{
		ID: didKey,
		VerificationMethods: []VerificationMethod{{
			ID:                 edID,
			Type:               TypeEd25519,
			Controller:         didKey,
			PublicKeyMultibase: fingerprint,
		}},
		Authentication: []string{edID},
	}

	xPub, err := Ed25519ToX25519(pub)
	if err != nil {
		// Low-order or otherwise unusable point: the key still signs,
		// it just cannot do key agreement.
		return doc, nil
	}

	xMultibase, err := multibase.Encode(multibase.Base58BTC, append(codecX25519[:], xPub...))
	if err != nil {
		return nil, fmt.Errorf("multibase encode x25519 key: %w", err)
	}
	xID := didKey + "#" + xMultibase
	doc.VerificationMethods = append(doc.VerificationMethods, VerificationMethod{
		ID:                 xID,
		Type:               TypeX25519KeyAgreement,
		Controller:         didKey,
		PublicKeyMultibase: xMultibase,
	})
	doc.KeyAgreement = []string{xID}
	return doc, nil
}

func singleMethodDocument(didKey, fingerprint, vmType string) *Document {
	id := didKey + "#" + fingerprint
	return &Document{
		ID: didKey,
		VerificationMethods: []VerificationMethod{{
			ID:                 id,
			Type:               vmType,
			Controller:         didKey,
			PublicKeyMultibase: fingerprint,
		}},
		Authentication: []string{id},
	}
}

// Ed25519ToX25519 converts an Ed25519 public key to its X25519 equivalent by
// mapping the Edwards point to Montgomery form.
func Ed25519ToX25519(pub []byte) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid edwards point: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// EncodeEd25519DID builds the did:key form of an Ed25519 public key.
func EncodeEd25519DID(pub []byte) (string, error) {
	fingerprint, err := multibase.Encode(multibase.Base58BTC, append(codecEd25519[:], pub...))
	if err != nil {
		return "", fmt.Errorf("multibase encode: %w", err)
	}
	return "did:key:" + fingerprint, nil
}

// DecodeMultibaseKey strips the multicodec prefix from a multibase-encoded
// public key and returns the raw key bytes.
func DecodeMultibaseKey(encoded string) ([]byte, error) {
	_, raw, err := multibase.Decode(encoded)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "multibase decode")
	}
	if len(raw) < 2 {
		return nil, taperr.New(taperr.KindMalformed, "multibase payload too short")
	}
	return raw[2:], nil
}
