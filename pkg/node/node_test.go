package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/customer"
	"github.com/tap-rsvp/tap-go/pkg/decision"
	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/fsm"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

const usdc = "eip155:1/erc20:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

type testNode struct {
	node   *Node
	keys   *keys.Manager
	agentA *AgentHandle
	agentB *AgentHandle
	didA   string
	didB   string
}

// newTestNode wires two local agents with in-memory stores and the given
// decision handlers (nil selects log-only).
func newTestNode(t *testing.T, handlerFor func(*storage.Store, string) decision.Handler) *testNode {
	t.Helper()
	km := keys.NewManager(nil)
	didA, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)
	didB, _, err := km.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)

	n := New(Options{SecurityPolicy: didcomm.PolicyRequireSigned}, km, did.NewRegistry(), nil)

	storeA, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	storeB, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = storeA.Close()
		_ = storeB.Close()
	})

	var hA, hB decision.Handler
	if handlerFor != nil {
		hA = handlerFor(storeA, didA)
		hB = handlerFor(storeB, didB)
	}
	agentA := n.RegisterAgentWithStore(didA, storeA, hA)
	agentB := n.RegisterAgentWithStore(didB, storeB, hB)

	return &testNode{node: n, keys: km, agentA: agentA, agentB: agentB, didA: didA, didB: didB}
}

func autoApprove(store *storage.Store, _ string) decision.Handler {
	h, err := decision.NewLocalPolicyHandler(store, "", nil)
	if err != nil {
		panic(err)
	}
	return h
}

// pump drains decisions and deliveries until the node reaches a fixed
// point.
func (tn *testNode) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for range 12 {
		for _, a := range []*AgentHandle{tn.agentA, tn.agentB} {
			require.NoError(t, tn.node.DecisionTick(ctx, a.DID))
			rows, err := a.Store.ClaimPendingDeliveries(ctx, 100)
			require.NoError(t, err)
			for _, d := range rows {
				_ = a.Engine.DeliverNow(ctx, d)
			}
		}
		tn.node.sweep(ctx)
	}
}

func (tn *testNode) transferBody() *message.Transfer {
	origin := message.NewParty(tn.didA)
	origin.SetMeta("name", "Alice Lee")
	return &message.Transfer{
		Asset:       usdc,
		Originator:  origin,
		Beneficiary: &message.Party{ID: tn.didB},
		Amount:      "100",
		Agents: []message.Agent{
			message.NewAgent(tn.didA, message.RoleExchange, tn.didA),
			message.NewAgent(tn.didB, message.RoleExchange, tn.didB),
		},
	}
}

// S1: happy transfer between two auto-authorizing agents ends confirmed
// with every agent authorized on the receiver's store.
func TestHappyTransfer(t *testing.T) {
	tn := newTestNode(t, autoApprove)
	ctx := context.Background()

	plain, err := tn.node.Send(ctx, tn.didA, tn.transferBody(), []string{tn.didB})
	require.NoError(t, err)
	txID := plain.ID

	tn.pump(t)

	txB, err := tn.agentB.Store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransactionStatusConfirmed, txB.Status)

	agentsB, err := tn.agentB.Store.ListTransactionAgents(ctx, txID)
	require.NoError(t, err)
	require.Len(t, agentsB, 2)
	for _, a := range agentsB {
		assert.Equal(t, storage.AgentStatusAuthorized, a.Status, a.AgentDID)
	}

	txA, err := tn.agentA.Store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransactionStatusConfirmed, txA.Status)

	// The settle message left A for B.
	msgs, err := tn.agentB.Store.ListMessagesByThread(ctx, txID)
	require.NoError(t, err)
	var sawSettle bool
	for _, m := range msgs {
		if m.MessageType == message.TypeSettle {
			sawSettle = true
		}
	}
	assert.True(t, sawSettle)
}

// S2: the receiver rejects; both stores end failed and no settle is sent.
func TestRejectOnRisk(t *testing.T) {
	// B keeps decisions pending (log-only); the test resolves them as an
	// external reviewer would.
	tn := newTestNode(t, func(store *storage.Store, agentDID string) decision.Handler {
		return decision.NewLogOnlyHandler(nil)
	})
	ctx := context.Background()

	plain, err := tn.node.Send(ctx, tn.didA, tn.transferBody(), []string{tn.didB})
	require.NoError(t, err)
	txID := plain.ID
	tn.pump(t)

	// B's pending authorization decision is resolved as a reject.
	pending, err := tn.agentB.Store.ListDecisions(ctx, storage.DecisionFilters{
		AgentDID: tn.didB, Status: storage.DecisionStatusPending,
	})
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	require.NoError(t, tn.agentB.Store.UpdateDecisionStatus(ctx, pending[0].ID,
		storage.DecisionStatusResolved, decision.ActionReject,
		[]byte(`{"reason":"risk.threshold.exceeded: score 85 > 70"}`)))

	tn.pump(t)

	txB, err := tn.agentB.Store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransactionStatusFailed, txB.Status)

	txA, err := tn.agentA.Store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransactionStatusFailed, txA.Status)

	// No settle anywhere in the thread.
	for _, a := range []*AgentHandle{tn.agentA, tn.agentB} {
		msgs, err := a.Store.ListMessagesByThread(ctx, txID)
		require.NoError(t, err)
		for _, m := range msgs {
			assert.NotEqual(t, message.TypeSettle, m.MessageType)
		}
	}

	// A's thread holds the Reject sent by B.
	rejects, err := tn.agentA.Store.ListMessagesByThread(ctx, txID)
	require.NoError(t, err)
	var sawReject bool
	for _, m := range rejects {
		if m.MessageType == message.TypeReject {
			sawReject = true
		}
	}
	assert.True(t, sawReject)
}

// S5: the same signed envelope delivered twice produces two received rows,
// one message row, and one FSM advance.
func TestDuplicateDelivery(t *testing.T) {
	tn := newTestNode(t, nil)
	ctx := context.Background()

	transfer := tn.transferBody()
	plain, err := message.NewPlain(transfer, tn.didA, []string{tn.didB})
	require.NoError(t, err)
	raw, err := didcomm.NewCodec(tn.keys, did.NewRegistry(), didcomm.PolicyRequireSigned).
		Pack(ctx, plain, didcomm.PackOptions{Mode: didcomm.ModeSigned, SenderKid: tn.didA})
	require.NoError(t, err)

	require.NoError(t, tn.node.Deliver(ctx, tn.didB, raw, storage.SourceTypeHTTPS, ""))
	require.NoError(t, tn.node.Deliver(ctx, tn.didB, raw, storage.SourceTypeHTTPS, ""))

	received, err := tn.agentB.Store.ListReceived(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, received, 2)
	for _, r := range received {
		assert.Equal(t, storage.ReceivedStatusProcessed, r.Status)
	}

	has, err := tn.agentB.Store.HasMessage(ctx, plain.ID, storage.DirectionIncoming)
	require.NoError(t, err)
	assert.True(t, has)

	agents, err := tn.agentB.Store.ListTransactionAgents(ctx, plain.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 2, "agents inserted exactly once")
}

// Property 6: an Authorize from a DID outside transaction_agents does not
// advance the FSM.
func TestAuthorizeFromStrangerRejected(t *testing.T) {
	tn := newTestNode(t, nil)
	ctx := context.Background()

	plain, err := tn.node.Send(ctx, tn.didA, tn.transferBody(), []string{tn.didB})
	require.NoError(t, err)
	tn.pump(t)

	// A third key signs an authorize for the transaction.
	didEve, _, err := tn.keys.Generate(keys.KeyTypeEd25519)
	require.NoError(t, err)
	evil, err := message.NewReply(message.ReplyTo(plain),
		&message.Authorize{TransactionID: plain.ID}, didEve, []string{tn.didB})
	require.NoError(t, err)
	raw, err := didcomm.NewCodec(tn.keys, did.NewRegistry(), didcomm.PolicyRequireSigned).
		Pack(ctx, evil, didcomm.PackOptions{Mode: didcomm.ModeSigned, SenderKid: didEve})
	require.NoError(t, err)

	err = tn.node.Deliver(ctx, tn.didB, raw, storage.SourceTypeHTTPS, "")
	require.Error(t, err)
	assert.Equal(t, taperr.KindValidation, taperr.KindOf(err))

	agents, err := tn.agentB.Store.ListTransactionAgents(ctx, plain.ID)
	require.NoError(t, err)
	for _, a := range agents {
		if a.AgentDID == didEve {
			t.Fatalf("stranger %s joined the transaction", didEve)
		}
	}
}

// A malformed envelope marks the received row failed and surfaces the
// error.
func TestMalformedEnvelopeFailsReceived(t *testing.T) {
	tn := newTestNode(t, nil)
	ctx := context.Background()

	err := tn.node.Deliver(ctx, tn.didB, []byte(`not json`), storage.SourceTypeHTTPS, "")
	require.Error(t, err)
	assert.Equal(t, taperr.KindMalformed, taperr.KindOf(err))

	received, err := tn.agentB.Store.ListReceived(ctx, storage.ReceivedStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.NotEmpty(t, received[0].ErrorMessage)
}

// An invalid Transfer earns a Reject reply to its sender.
func TestInvalidTransferTriggersReject(t *testing.T) {
	tn := newTestNode(t, nil)
	ctx := context.Background()

	plain, err := message.NewPlain(tn.transferBody(), tn.didA, []string{tn.didB})
	require.NoError(t, err)
	// Swap in the invalid body bypassing NewPlain's validation.
	rawBody := []byte(`{"@type":"` + message.TypeTransfer + `","asset":"` + usdc + `",` +
		`"amount":"not-a-number","originator":{"@id":"` + tn.didA + `"},"agents":[]}`)
	plain.Body = rawBody

	raw, err := didcomm.NewCodec(tn.keys, did.NewRegistry(), didcomm.PolicyRequireSigned).
		Pack(ctx, plain, didcomm.PackOptions{Mode: didcomm.ModeSigned, SenderKid: tn.didA})
	require.NoError(t, err)

	err = tn.node.Deliver(ctx, tn.didB, raw, storage.SourceTypeHTTPS, "")
	require.Error(t, err)
	assert.Equal(t, taperr.KindValidation, taperr.KindOf(err))

	// The reject reply is queued for A.
	rows, err := tn.agentB.Store.ClaimPendingDeliveries(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, tn.didA, rows[0].RecipientDID)
}

// Decision expiry: terminal transactions expire their open decisions.
func TestTerminalStateExpiresDecisions(t *testing.T) {
	tn := newTestNode(t, nil) // log-only: decisions stay open
	ctx := context.Background()

	plain, err := tn.node.Send(ctx, tn.didA, tn.transferBody(), []string{tn.didB})
	require.NoError(t, err)
	tn.pump(t)

	open, err := tn.agentB.Store.ListDecisions(ctx, storage.DecisionFilters{
		Status: storage.DecisionStatusPending,
	})
	require.NoError(t, err)
	require.NotEmpty(t, open)

	// B rejects out-of-band.
	reject, err := message.NewReply(message.ReplyTo(plain),
		&message.Reject{TransactionID: plain.ID, Reason: "manual"}, tn.didB, []string{tn.didA})
	require.NoError(t, err)
	raw, err := didcomm.NewCodec(tn.keys, did.NewRegistry(), didcomm.PolicyRequireSigned).
		Pack(ctx, reject, didcomm.PackOptions{Mode: didcomm.ModeSigned, SenderKid: tn.didB})
	require.NoError(t, err)
	require.NoError(t, tn.node.Deliver(ctx, tn.didB, raw, storage.SourceTypeInternal, ""))

	decisions, err := tn.agentB.Store.ListDecisions(ctx, storage.DecisionFilters{TransactionID: plain.ID})
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	for _, d := range decisions {
		assert.NotContains(t, []storage.DecisionStatus{
			storage.DecisionStatusPending, storage.DecisionStatusDelivered,
		}, d.Status, "decision %d", d.ID)
	}
}

// Customer extraction runs as part of ingest.
func TestCustomerExtractedOnIngest(t *testing.T) {
	tn := newTestNode(t, nil)
	ctx := context.Background()

	_, err := tn.node.Send(ctx, tn.didA, tn.transferBody(), []string{tn.didB})
	require.NoError(t, err)
	tn.pump(t)

	ids, err := tn.agentB.Store.ListCustomerIdentifiers(ctx, customerIDFor(tn.didB, tn.didA))
	require.NoError(t, err)
	assert.NotEmpty(t, ids)
}

func customerIDFor(agentDID, partyIRI string) string {
	p := message.NewParty(partyIRI)
	return customer.FromParty(agentDID, &p).ID
}

// S3: the receiver demands a policy, the originator satisfies it with a
// Presentation, and authorization proceeds.
func TestPolicyRoundTrip(t *testing.T) {
	tn := newTestNode(t, nil)
	ctx := context.Background()

	plain, err := tn.node.Send(ctx, tn.didA, tn.transferBody(), []string{tn.didB})
	require.NoError(t, err)
	txID := plain.ID
	tn.pump(t)

	// B requires proof of control before authorizing.
	rctx := message.ReplyContext{OriginalID: txID}
	_, err = tn.node.SendReply(ctx, tn.didB, rctx, &message.UpdatePolicies{
		TransactionID: txID,
		Policies: []message.Policy{{
			Type:      message.PolicyRequireProofOfControl,
			AddressID: "eip155:1:0x1234567890abcdef",
		}},
	}, []string{tn.didA})
	require.NoError(t, err)
	tn.pump(t)

	tn.agentA.mu.Lock()
	stateA := tn.agentA.contexts[txID].State
	tn.agentA.mu.Unlock()
	assert.Equal(t, fsm.StatePolicyPending, stateA)

	// A presents; its own hold releases and B observes satisfaction.
	_, err = tn.node.SendReply(ctx, tn.didA, rctx, &message.Presentation{
		TransactionID: txID,
	}, []string{tn.didB})
	require.NoError(t, err)
	tn.pump(t)

	tn.agentA.mu.Lock()
	stateA = tn.agentA.contexts[txID].State
	tn.agentA.mu.Unlock()
	assert.Equal(t, fsm.StateAwaitingAuthorization, stateA)

	// Both sides authorize; A settles.
	for _, a := range []*AgentHandle{tn.agentA, tn.agentB} {
		pending, err := a.Store.ListDecisions(ctx, storage.DecisionFilters{
			AgentDID: a.DID, Status: storage.DecisionStatusPending,
		})
		require.NoError(t, err)
		for _, d := range pending {
			if d.DecisionType == storage.DecisionAuthorizationRequired {
				require.NoError(t, a.Store.UpdateDecisionStatus(ctx, d.ID,
					storage.DecisionStatusResolved, decision.ActionAuthorize, nil))
			}
		}
	}
	tn.pump(t)

	// The settlement decision appears for A and resolves.
	settles, err := tn.agentA.Store.ListDecisions(ctx, storage.DecisionFilters{
		AgentDID: tn.didA, Status: storage.DecisionStatusPending,
	})
	require.NoError(t, err)
	for _, d := range settles {
		if d.DecisionType == storage.DecisionSettlementRequired {
			require.NoError(t, tn.agentA.Store.UpdateDecisionStatus(ctx, d.ID,
				storage.DecisionStatusResolved, decision.ActionSettle, nil))
		}
	}
	tn.pump(t)

	txB, err := tn.agentB.Store.GetTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransactionStatusConfirmed, txB.Status)
}
