package keys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

func TestGenerateAndSignEd25519(t *testing.T) {
	m := NewManager(nil)
	id, pub, err := m.Generate(KeyTypeEd25519)
	require.NoError(t, err)
	assert.Contains(t, id, "did:key:z6Mk")
	assert.Len(t, pub, 32)

	payload := []byte("authorize tx-1")
	sig, err := m.Sign(id, payload)
	require.NoError(t, err)
	assert.True(t, Verify(KeyTypeEd25519, pub, payload, sig))
	assert.False(t, Verify(KeyTypeEd25519, pub, []byte("tampered"), sig))
}

func TestSignAllFamilies(t *testing.T) {
	m := NewManager(nil)
	for _, kt := range []KeyType{KeyTypeEd25519, KeyTypeP256, KeyTypeSecp256k1} {
		t.Run(string(kt), func(t *testing.T) {
			id, pub, err := m.Generate(kt)
			require.NoError(t, err)

			payload := []byte("payload")
			sig, err := m.Sign(id, payload)
			require.NoError(t, err)
			assert.Len(t, sig, 64)
			assert.True(t, Verify(kt, pub, payload, sig))
			assert.False(t, Verify(kt, pub, []byte("other"), sig))
		})
	}
}

func TestSignUnknownKey(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Sign("did:key:z6MkUnknown", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, taperr.KindUnknownKey, taperr.KindOf(err))
}

func TestSignAcceptsDIDURL(t *testing.T) {
	m := NewManager(nil)
	id, _, err := m.Generate(KeyTypeEd25519)
	require.NoError(t, err)
	_, err = m.Sign(id+"#"+id[len("did:key:"):], []byte("x"))
	assert.NoError(t, err)
}

// Encryption to an agent's X25519 key must round-trip, and a mismatched key
// must fail with DecryptionFailed rather than garbage plaintext.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := NewManager(nil)
	id, _, err := m.Generate(KeyTypeEd25519)
	require.NoError(t, err)

	recipientPub, err := m.X25519Public(id)
	require.NoError(t, err)

	aad := []byte(`{"typ":"application/didcomm-encrypted+json"}`)
	sealed, err := Encrypt(recipientPub, []byte("secret transfer"), aad)
	require.NoError(t, err)

	plaintext, err := m.Decrypt(id, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret transfer"), plaintext)

	other, _, err := m.Generate(KeyTypeEd25519)
	require.NoError(t, err)
	_, err = m.Decrypt(other, sealed, aad)
	require.Error(t, err)
	assert.Equal(t, taperr.KindDecryptionFailed, taperr.KindOf(err))

	_, err = m.Decrypt(id, sealed, []byte("wrong aad"))
	require.Error(t, err)
	assert.Equal(t, taperr.KindDecryptionFailed, taperr.KindOf(err))
}

func TestExportRequiresAudit(t *testing.T) {
	m := NewManager(nil)
	id, _, err := m.Generate(KeyTypeEd25519)
	require.NoError(t, err)

	_, err = m.Export(id)
	require.Error(t, err)
	assert.Equal(t, taperr.KindPolicyViolation, taperr.KindOf(err))

	m.EnableExport()
	priv, err := m.Export(id)
	require.NoError(t, err)
	assert.NotEmpty(t, priv)
}

func TestKeystoreSealRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	m := NewManager(nil)
	id, _, err := m.Generate(KeyTypeEd25519)
	require.NoError(t, err)
	require.NoError(t, m.Save(path, "correct horse"))

	m2 := NewManager(nil)
	require.NoError(t, m2.Load(path, "correct horse"))
	assert.Contains(t, m2.ListLocalDIDs(), id)

	// Loaded key must be usable, not just listed.
	_, err = m2.Sign(id, []byte("x"))
	assert.NoError(t, err)

	m3 := NewManager(nil)
	err = m3.Load(path, "wrong passphrase")
	require.Error(t, err)
	assert.Equal(t, taperr.KindDecryptionFailed, taperr.KindOf(err))
}
