package did

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// A did:key for an Ed25519 key must yield both an authentication method and
// an X25519 key-agreement method whose Montgomery form agrees with an
// independent conversion of the Edwards point.
func TestKeyResolverEd25519(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	didKey, err := EncodeEd25519DID(pub)
	require.NoError(t, err)

	doc, err := NewKeyResolver().Resolve(context.Background(), didKey)
	require.NoError(t, err)

	assert.Equal(t, didKey, doc.ID)
	require.Len(t, doc.AuthenticationMethods(), 1)
	require.Len(t, doc.KeyAgreementMethods(), 1)

	authVM := doc.AuthenticationMethods()[0]
	assert.Equal(t, TypeEd25519, authVM.Type)
	rawAuth, err := DecodeMultibaseKey(authVM.PublicKeyMultibase)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), rawAuth)

	kaVM := doc.KeyAgreementMethods()[0]
	assert.Equal(t, TypeX25519KeyAgreement, kaVM.Type)
	rawKA, err := DecodeMultibaseKey(kaVM.PublicKeyMultibase)
	require.NoError(t, err)

	point, err := new(edwards25519.Point).SetBytes(pub)
	require.NoError(t, err)
	assert.Equal(t, point.BytesMontgomery(), rawKA)
}

func TestKeyResolverWellKnownVector(t *testing.T) {
	const didKey = "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"
	doc, err := NewKeyResolver().Resolve(context.Background(), didKey)
	require.NoError(t, err)
	assert.Equal(t, didKey, doc.ID)
	assert.Len(t, doc.VerificationMethods, 2)
	assert.Len(t, doc.Authentication, 1)
	assert.Len(t, doc.KeyAgreement, 1)
}

func TestKeyResolverUnknownCodec(t *testing.T) {
	// z followed by base58 of {0x00, 0x03, ...} is not a known codec.
	_, err := NewKeyResolver().Resolve(context.Background(), "did:key:z16fBSf")
	require.Error(t, err)
	assert.Equal(t, taperr.KindNotFound, taperr.KindOf(err))
}

func TestRegistryUnsupportedMethod(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(context.Background(), "did:unsupported:123")
	require.Error(t, err)
	assert.Equal(t, taperr.KindUnsupportedDIDMethod, taperr.KindOf(err))
}

func TestRegistryMalformedDID(t *testing.T) {
	r := NewRegistry()
	for _, bad := range []string{"", "did:", "did:key", "not-a-did"} {
		_, err := r.Resolve(context.Background(), bad)
		assert.Error(t, err, bad)
	}
}

type countingResolver struct {
	calls int
	doc   *Document
}

func (c *countingResolver) Method() string { return "count" }
func (c *countingResolver) Resolve(context.Context, string) (*Document, error) {
	c.calls++
	return c.doc, nil
}

func TestRegistryCachesWithinTTL(t *testing.T) {
	cr := &countingResolver{doc: &Document{ID: "did:count:1"}}
	r := NewRegistry()
	r.Register(cr, time.Hour)

	for range 3 {
		_, err := r.Resolve(context.Background(), "did:count:1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, cr.calls)

	r.Purge()
	_, err := r.Resolve(context.Background(), "did:count:1")
	require.NoError(t, err)
	assert.Equal(t, 2, cr.calls)
}

func TestRegistryCacheExpiry(t *testing.T) {
	cr := &countingResolver{doc: &Document{ID: "did:count:1"}}
	r := NewRegistry()
	r.Register(cr, time.Millisecond)

	base := time.Now()
	r.now = func() time.Time { return base }
	_, err := r.Resolve(context.Background(), "did:count:1")
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(time.Second) }
	_, err = r.Resolve(context.Background(), "did:count:1")
	require.NoError(t, err)
	assert.Equal(t, 2, cr.calls)
}

func TestPkhResolver(t *testing.T) {
	doc, err := NewPkhResolver().Resolve(context.Background(), "did:pkh:eip155:1:0x1234567890abcdef")
	require.NoError(t, err)
	assert.Len(t, doc.Authentication, 1)
	assert.Empty(t, doc.KeyAgreement)

	_, err = NewPkhResolver().Resolve(context.Background(), "did:pkh:nonsense")
	assert.Error(t, err)
}

func TestWebResolverDocumentURL(t *testing.T) {
	w := NewWebResolver(0)
	tests := []struct {
		did  string
		want string
	}{
		{"did:web:example.com", "https://example.com/.well-known/did.json"},
		{"did:web:example.com:user:alice", "https://example.com/user/alice/did.json"},
		{"did:web:example.com%3A8443", "https://example.com:8443/.well-known/did.json"},
	}
	for _, tt := range tests {
		got, err := w.documentURL(tt.did)
		require.NoError(t, err, tt.did)
		assert.Equal(t, tt.want, got)
	}
	_, err := w.documentURL("did:key:z6Mk")
	assert.Error(t, err)
}
