package didcomm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/keys"
)

// Property: unpack(pack(m, s)) == m structurally for every valid plain
// message and s in {Signed, Encrypted}.
func TestRoundTripProperty(t *testing.T) {
	km := keys.NewManager(nil)
	sender, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)
	recipient, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)
	codec := NewCodec(km, did.NewRegistry(), PolicyRequireSigned)

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	roundTrips := func(mode Mode) func(string, string, int64) bool {
		return func(id, memo string, created int64) bool {
			body, _ := json.Marshal(map[string]any{
				"@type": "https://tap.rsvp/schema/1.0#transfer",
				"memo":  memo,
			})
			plain := &PlainMessage{
				ID:          id,
				Type:        "https://tap.rsvp/schema/1.0#transfer",
				From:        sender,
				To:          []string{recipient},
				Body:        body,
				CreatedTime: created,
			}

			raw, err := codec.Pack(context.Background(), plain, PackOptions{
				Mode:          mode,
				SenderKid:     sender,
				RecipientDIDs: []string{recipient},
			})
			if err != nil {
				return false
			}
			got, _, err := codec.Unpack(context.Background(), raw, UnpackOptions{RequireSignature: true})
			if err != nil {
				return false
			}
			return got.ID == plain.ID &&
				got.Type == plain.Type &&
				got.From == plain.From &&
				got.CreatedTime == plain.CreatedTime &&
				string(canonicalOrRaw(got.Body)) == string(canonicalOrRaw(plain.Body))
		}
	}

	properties.Property("signed round trip", prop.ForAll(
		roundTrips(ModeSigned),
		gen.Identifier(), gen.AlphaString(), gen.Int64Range(0, 1<<40),
	))
	properties.Property("encrypted round trip", prop.ForAll(
		roundTrips(ModeEncrypted),
		gen.Identifier(), gen.AlphaString(), gen.Int64Range(0, 1<<40),
	))
	properties.TestingRun(t)
}

func canonicalOrRaw(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
