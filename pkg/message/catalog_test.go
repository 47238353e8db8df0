package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

const usdcMainnet = "eip155:1/erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func validTransfer() *Transfer {
	return &Transfer{
		Asset:         usdcMainnet,
		Originator:    NewParty("did:key:z6MkA"),
		Beneficiary:   &Party{ID: "did:key:z6MkB"},
		Amount:        "100",
		Agents: []Agent{
			NewAgent("did:key:z6MkA", RoleExchange, "did:key:z6MkA"),
			NewAgent("did:key:z6MkB", RoleExchange, "did:key:z6MkB"),
		},
		TransactionID: "tx1",
	}
}

func TestTransferValidate(t *testing.T) {
	require.NoError(t, validTransfer().Validate())

	bad := validTransfer()
	bad.Asset = "not-an-asset"
	assert.Equal(t, taperr.KindValidation, taperr.KindOf(bad.Validate()))

	bad = validTransfer()
	bad.Amount = "12x"
	assert.Error(t, bad.Validate())

	bad = validTransfer()
	bad.Originator.ID = ""
	assert.Error(t, bad.Validate())
}

func TestPaymentAssetXorCurrency(t *testing.T) {
	p := &Payment{Amount: "10", Merchant: NewParty("did:web:merchant.example")}
	assert.Error(t, p.Validate(), "neither set")

	p.CurrencyCode = "USD"
	require.NoError(t, p.Validate())

	p.Asset = usdcMainnet
	assert.Error(t, p.Validate(), "both set")
}

func TestFromPlainDispatch(t *testing.T) {
	plain, err := NewPlain(validTransfer(), "did:key:z6MkA", []string{"did:key:z6MkB"})
	require.NoError(t, err)
	assert.Equal(t, TypeTransfer, plain.Type)

	body, err := FromPlain(plain)
	require.NoError(t, err)
	transfer, ok := body.(*Transfer)
	require.True(t, ok)
	assert.Equal(t, "100", transfer.Amount)
	assert.Equal(t, "tx1", transfer.TransactionRef())
}

func TestFromPlainFallsBackToBodyType(t *testing.T) {
	body, _ := json.Marshal(map[string]any{
		"@type":         TypeAuthorize,
		"transactionId": "tx1",
	})
	plain := &didcomm.PlainMessage{ID: "m1", Typ: didcomm.TypPlain, From: "did:key:z6MkB", Body: body}

	got, err := FromPlain(plain)
	require.NoError(t, err)
	auth, ok := got.(*Authorize)
	require.True(t, ok)
	assert.Equal(t, "tx1", auth.TransactionID)
}

func TestFromPlainUnknownType(t *testing.T) {
	plain := &didcomm.PlainMessage{
		ID: "m1", Type: "https://tap.rsvp/schema/1.0#nope",
		From: "did:key:z6MkA", Body: json.RawMessage(`{}`),
	}
	_, err := FromPlain(plain)
	require.Error(t, err)
	assert.Equal(t, taperr.KindValidation, taperr.KindOf(err))
}

func TestBodyTypeInjected(t *testing.T) {
	plain, err := NewPlain(&Reject{TransactionID: "tx1", Reason: "risk.threshold.exceeded: score 85 > 70"}, "did:key:z6MkB", nil)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(plain.Body, &fields))
	assert.JSONEq(t, `"`+TypeReject+`"`, string(fields["@type"]))
}

func TestReplyThreading(t *testing.T) {
	root := &didcomm.PlainMessage{ID: "root-1", From: "did:key:z6MkA", To: []string{"did:key:z6MkB"}}
	rctx := ReplyTo(root)
	assert.Equal(t, "root-1", rctx.ThreadRoot())

	reply, err := NewReply(rctx, &Authorize{TransactionID: "root-1"}, "did:key:z6MkB", []string{"did:key:z6MkA"})
	require.NoError(t, err)
	assert.Equal(t, "root-1", reply.Thid)

	// A reply to the reply still threads to the root.
	nested := ReplyTo(reply)
	assert.Equal(t, "root-1", nested.ThreadRoot())
}

func TestPartyMetadataRoundTrip(t *testing.T) {
	p := NewParty("did:key:z6MkA")
	p.SetMeta("name", "Alice VASP")
	p.SetMeta("addressCountry", "DE")

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"@id":"did:key:z6MkA"`)

	var got Party
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "did:key:z6MkA", got.ID)
	assert.Equal(t, "Alice VASP", got.Name())
	assert.Equal(t, "DE", got.Country())
}

func TestForPartiesStringOrArray(t *testing.T) {
	var a Agent
	require.NoError(t, json.Unmarshal([]byte(`{"@id":"did:key:z6MkX","for":"did:key:z6MkA"}`), &a))
	assert.Equal(t, ForParties{"did:key:z6MkA"}, a.For)

	require.NoError(t, json.Unmarshal([]byte(`{"@id":"did:key:z6MkX","for":["p1","p2"]}`), &a))
	assert.Len(t, a.For, 2)

	out, err := json.Marshal(Agent{ID: "x", For: ForParties{"only"}})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"for":"only"`)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, (&Policy{Type: PolicyRequireAuthorization}).Validate())
	assert.Error(t, (&Policy{Type: PolicyRequireProofOfControl}).Validate())
	assert.NoError(t, (&Policy{Type: PolicyRequireProofOfControl, AddressID: "eip155:1:0x1234"}).Validate())
	assert.Error(t, (&Policy{Type: "Bogus"}).Validate())
	assert.Error(t, (&Policy{}).Validate())
}

func TestIsReply(t *testing.T) {
	assert.True(t, IsReply(TypeAuthorize))
	assert.True(t, IsReply(TypeSettle))
	assert.False(t, IsReply(TypeTransfer))
	assert.False(t, IsReply(TypeConnect))
}

func TestTransferParticipants(t *testing.T) {
	tr := validTransfer()
	parts := tr.Participants()
	assert.ElementsMatch(t, []string{"did:key:z6MkA", "did:key:z6MkB"}, parts)
	assert.ElementsMatch(t, []string{"did:key:z6MkA", "did:key:z6MkB"}, tr.AgentDIDs())
}
