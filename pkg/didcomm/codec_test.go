package didcomm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

func newTestCodec(t *testing.T, policy ModePolicy) (*Codec, *keys.Manager, string) {
	t.Helper()
	km := keys.NewManager(nil)
	id, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)
	return NewCodec(km, did.NewRegistry(), policy), km, id
}

func testPlain(from string, to ...string) *PlainMessage {
	body, _ := json.Marshal(map[string]any{
		"@type":  "https://tap.rsvp/schema/1.0#transfer",
		"amount": "100",
	})
	return &PlainMessage{
		ID:          "msg-1",
		Type:        "https://tap.rsvp/schema/1.0#transfer",
		From:        from,
		To:          to,
		Body:        body,
		CreatedTime: 1700000000,
	}
}

func TestSignedRoundTrip(t *testing.T) {
	codec, _, sender := newTestCodec(t, PolicyRequireSigned)
	plain := testPlain(sender, "did:key:z6MkB")

	raw, err := codec.Pack(context.Background(), plain, PackOptions{Mode: ModeSigned, SenderKid: sender})
	require.NoError(t, err)

	got, desc, err := codec.Unpack(context.Background(), raw, UnpackOptions{RequireSignature: true})
	require.NoError(t, err)
	assert.Equal(t, ModeSigned, desc.Mode)
	assert.Equal(t, []string{sender}, desc.VerifiedSigners)
	assert.Equal(t, plain.ID, got.ID)
	assert.Equal(t, plain.Type, got.Type)
	assert.Equal(t, plain.From, got.From)
	assert.Equal(t, plain.To, got.To)
	assert.JSONEq(t, string(plain.Body), string(got.Body))
}

// Mutating any byte of a signed payload must surface SignatureInvalid.
func TestSignedTamperDetection(t *testing.T) {
	codec, _, sender := newTestCodec(t, PolicyRequireSigned)
	raw, err := codec.Pack(context.Background(), testPlain(sender), PackOptions{Mode: ModeSigned, SenderKid: sender})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	var payload string
	require.NoError(t, json.Unmarshal(env["payload"], &payload))

	// Flip one base64url character of the payload.
	mutated := []byte(payload)
	if mutated[5] == 'A' {
		mutated[5] = 'B'
	} else {
		mutated[5] = 'A'
	}
	env["payload"], _ = json.Marshal(string(mutated))
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, _, err = codec.Unpack(context.Background(), tampered, UnpackOptions{RequireSignature: true})
	require.Error(t, err)
	assert.Equal(t, taperr.KindSignatureInvalid, taperr.KindOf(err))
}

func TestEncryptedRoundTripAuthcrypt(t *testing.T) {
	codec, km, sender := newTestCodec(t, PolicyRequireSigned)
	recipient, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)

	plain := testPlain(sender, recipient)
	raw, err := codec.Pack(context.Background(), plain, PackOptions{
		Mode:          ModeEncrypted,
		SenderKid:     sender,
		RecipientDIDs: []string{recipient},
	})
	require.NoError(t, err)

	got, desc, err := codec.Unpack(context.Background(), raw, UnpackOptions{RequireSignature: true})
	require.NoError(t, err)
	assert.Equal(t, ModeEncrypted, desc.Mode)
	assert.Equal(t, recipient, desc.DecryptedFor)
	assert.Equal(t, []string{sender}, desc.VerifiedSigners)
	assert.Equal(t, plain.ID, got.ID)
	assert.JSONEq(t, string(plain.Body), string(got.Body))
}

func TestEncryptedAnoncrypt(t *testing.T) {
	codec, km, sender := newTestCodec(t, PolicyAny)
	recipient, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)

	raw, err := codec.Pack(context.Background(), testPlain(sender, recipient), PackOptions{
		Mode:          ModeEncrypted,
		RecipientDIDs: []string{recipient},
		Anoncrypt:     true,
	})
	require.NoError(t, err)

	got, desc, err := codec.Unpack(context.Background(), raw, UnpackOptions{})
	require.NoError(t, err)
	assert.Empty(t, desc.VerifiedSigners)
	assert.Equal(t, "msg-1", got.ID)
}

func TestEncryptedMultiRecipient(t *testing.T) {
	codec, km, sender := newTestCodec(t, PolicyRequireSigned)
	r1, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)

	// Second recipient's key lives in a different manager: only r1 is local.
	otherKM := keys.NewManager(nil)
	r2, _, err := otherKM.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)

	raw, err := codec.Pack(context.Background(), testPlain(sender, r1, r2), PackOptions{
		Mode:          ModeEncrypted,
		SenderKid:     sender,
		RecipientDIDs: []string{r2, r1},
	})
	require.NoError(t, err)

	_, desc, err := codec.Unpack(context.Background(), raw, UnpackOptions{})
	require.NoError(t, err)
	assert.Equal(t, r1, desc.DecryptedFor)

	// The other manager's codec decrypts the same bytes for r2.
	otherCodec := NewCodec(otherKM, did.NewRegistry(), PolicyRequireSigned)
	_, desc2, err := otherCodec.Unpack(context.Background(), raw, UnpackOptions{})
	require.NoError(t, err)
	assert.Equal(t, r2, desc2.DecryptedFor)
}

func TestDecryptWithoutKeyFails(t *testing.T) {
	codec, km, sender := newTestCodec(t, PolicyRequireSigned)
	recipient, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)
	raw, err := codec.Pack(context.Background(), testPlain(sender, recipient), PackOptions{
		Mode: ModeEncrypted, SenderKid: sender, RecipientDIDs: []string{recipient},
	})
	require.NoError(t, err)

	stranger := NewCodec(keys.NewManager(nil), did.NewRegistry(), PolicyRequireSigned)
	_, _, err = stranger.Unpack(context.Background(), raw, UnpackOptions{})
	require.Error(t, err)
	assert.Equal(t, taperr.KindUnknownKey, taperr.KindOf(err))
}

func TestPlainRejectedByPolicy(t *testing.T) {
	codec, _, sender := newTestCodec(t, PolicyRequireSigned)
	raw, err := json.Marshal(testPlain(sender))
	require.NoError(t, err)

	_, _, err = codec.Unpack(context.Background(), raw, UnpackOptions{})
	require.Error(t, err)
	assert.Equal(t, taperr.KindPolicyViolation, taperr.KindOf(err))
	assert.Contains(t, err.Error(), "Plain DIDComm messages are not allowed")
}

func TestPlainAcceptedWhenConfigured(t *testing.T) {
	codec, _, sender := newTestCodec(t, PolicyAny)
	raw, err := json.Marshal(testPlain(sender))
	require.NoError(t, err)

	got, desc, err := codec.Unpack(context.Background(), raw, UnpackOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModePlain, desc.Mode)
	assert.Equal(t, "msg-1", got.ID)
}

func TestRequireEncryptedRejectsSigned(t *testing.T) {
	codec, _, sender := newTestCodec(t, PolicyRequireEncrypted)
	raw, err := codec.Pack(context.Background(), testPlain(sender), PackOptions{Mode: ModeSigned, SenderKid: sender})
	require.NoError(t, err)

	_, _, err = codec.Unpack(context.Background(), raw, UnpackOptions{})
	require.Error(t, err)
	assert.Equal(t, taperr.KindPolicyViolation, taperr.KindOf(err))
}

func TestDetectMode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Mode
		wantErr bool
	}{
		{"signed", `{"payload":"e30","signatures":[]}`, ModeSigned, false},
		{"encrypted", `{"protected":"e30","recipients":[],"ciphertext":"x","iv":"y","tag":"z"}`, ModeEncrypted, false},
		{"plain", `{"id":"1","type":"t","from":"d","body":{}}`, ModePlain, false},
		{"ambiguous", `{"signatures":[],"recipients":[]}`, "", true},
		{"garbage", `[]`, "", true},
		{"not an envelope", `{"foo":1}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectMode([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnpackRejectsMissingRequiredFields(t *testing.T) {
	codec, _, _ := newTestCodec(t, PolicyAny)
	raw := []byte(`{"id":"1","type":"","from":"","body":{}}`)
	_, _, err := codec.Unpack(context.Background(), raw, UnpackOptions{})
	require.Error(t, err)
	assert.Equal(t, taperr.KindMalformed, taperr.KindOf(err))
}

func TestPassthroughHeadersSurviveRoundTrip(t *testing.T) {
	plain := testPlain("did:key:z6MkA")
	plain.Extra = map[string]json.RawMessage{"custom_header": json.RawMessage(`"v1"`)}

	raw, err := json.Marshal(plain)
	require.NoError(t, err)
	var got PlainMessage
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, json.RawMessage(`"v1"`), got.Extra["custom_header"])
}

func TestContentTypeMapping(t *testing.T) {
	m, ok := ModeForContentType("application/didcomm-signed+json; charset=utf-8")
	assert.True(t, ok)
	assert.Equal(t, ModeSigned, m)
	_, ok = ModeForContentType("text/plain")
	assert.False(t, ok)
}
