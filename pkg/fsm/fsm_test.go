package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

const (
	didA = "did:key:z6MkA"
	didB = "did:key:z6MkB"
	didC = "did:key:z6MkC"
)

func ingestEvent(sender string) Event {
	return Event{
		Kind:            EventIngest,
		SenderDID:       sender,
		TransactionType: storage.TransactionTypeTransfer,
		Agents: []AgentRef{
			{DID: didA, Role: "Exchange"},
			{DID: didB, Role: "Exchange"},
		},
	}
}

// ingest creates the transaction and lands in AwaitingAuthorization with an
// AuthorizationRequired decision for each local agent.
func TestIngestEmitsAuthorizationDecision(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	next, effects, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingAuthorization, next.State)
	assert.Equal(t, didA, next.OriginatorDID)

	var decisions []EmitDecision
	var creates int
	for _, e := range effects {
		switch e := e.(type) {
		case EmitDecision:
			decisions = append(decisions, e)
		case CreateTransaction:
			creates++
		}
	}
	assert.Equal(t, 1, creates)
	require.Len(t, decisions, 1)
	assert.Equal(t, didB, decisions[0].AgentDID)
	assert.Equal(t, storage.DecisionAuthorizationRequired, decisions[0].Type)
	assert.ElementsMatch(t, []string{didA, didB}, decisions[0].PendingAgents)
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	next, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	again, effects, err := Step(next, ingestEvent(didA))
	require.NoError(t, err)
	assert.Equal(t, next.State, again.State)
	assert.Empty(t, effects)
}

// Sender-side happy path: all authorized -> ReadyToSettle with a
// SettlementRequired decision, then Settling, then Settled/confirmed.
func TestSenderQuorumAndSettlement(t *testing.T) {
	ctx := NewContext("tx1", []string{didA})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, effects, err := Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAuthorization, ctx.State)
	assert.Len(t, effects, 1)

	ctx, effects, err = Step(ctx, Event{Kind: EventAuthorize, SenderDID: didB})
	require.NoError(t, err)
	assert.Equal(t, StateReadyToSettle, ctx.State)

	var settlement *EmitDecision
	for _, e := range effects {
		if d, ok := e.(EmitDecision); ok && d.Type == storage.DecisionSettlementRequired {
			settlement = &d
		}
	}
	require.NotNil(t, settlement)
	assert.Equal(t, didA, settlement.AgentDID)

	ctx, _, err = Step(ctx, Event{Kind: EventSettleSent})
	require.NoError(t, err)
	assert.Equal(t, StateSettling, ctx.State)

	ctx, effects, err = Step(ctx, Event{Kind: EventSettleDelivered})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, ctx.State)
	assert.Contains(t, effects, SetTransactionStatus{Status: storage.TransactionStatusConfirmed})
	assert.Contains(t, effects, ExpireDecisions{})
}

// Receiver side: quorum does not emit SettlementRequired when the local node
// is not the originator.
func TestReceiverQuorumDoesNotSettle(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, _, err = Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA})
	require.NoError(t, err)
	ctx, effects, err := Step(ctx, Event{Kind: EventAuthorize, SenderDID: didB})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAuthorization, ctx.State)
	for _, e := range effects {
		if d, ok := e.(EmitDecision); ok {
			assert.NotEqual(t, storage.DecisionSettlementRequired, d.Type)
		}
	}
}

// An Authorize from an unknown DID must not advance the machine.
func TestAuthorizeFromUnknownAgent(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	next, effects, err := Step(ctx, Event{Kind: EventAuthorize, SenderDID: didC})
	require.Error(t, err)
	assert.Equal(t, taperr.KindValidation, taperr.KindOf(err))
	assert.Empty(t, effects)
	assert.Equal(t, ctx.State, next.State)
}

func TestDuplicateAuthorizeIsNoOp(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, _, err = Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA})
	require.NoError(t, err)
	_, effects, err := Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA})
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestRejectFailsTransaction(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, effects, err := Step(ctx, Event{Kind: EventReject, SenderDID: didB})
	require.NoError(t, err)
	assert.Equal(t, StateRejected, ctx.State)
	assert.Contains(t, effects, SetTransactionStatus{Status: storage.TransactionStatusFailed})
	assert.Contains(t, effects, SetAgentStatus{DID: didB, Status: storage.AgentStatusRejected})
	assert.Contains(t, effects, ExpireDecisions{})
}

// Terminal states ignore further lifecycle events except Revert on Settled.
func TestTerminalImmutability(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)
	ctx, _, err = Step(ctx, Event{Kind: EventReject, SenderDID: didB})
	require.NoError(t, err)

	for _, kind := range []EventKind{EventAuthorize, EventCancel, EventSettleReceived, EventUpdatePolicies} {
		_, _, err := Step(ctx, Event{Kind: kind, SenderDID: didA})
		assert.Error(t, err, string(kind))
	}
	_, _, err = Step(ctx, Event{Kind: EventRevert})
	assert.Error(t, err, "revert applies only to settled")
}

func TestRevertOnlyFromSettled(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)
	ctx, _, err = Step(ctx, Event{Kind: EventSettleReceived, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, ctx.State)

	ctx, effects, err := Step(ctx, Event{Kind: EventRevert, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, StateReverted, ctx.State)
	assert.Contains(t, effects, SetTransactionStatus{Status: storage.TransactionStatusReverted})
}

// An early Settle from the counterparty is authoritative and logs a warning.
func TestSettleBeforeQuorumIsAuthoritative(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, effects, err := Step(ctx, Event{Kind: EventSettleReceived, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, ctx.State)

	var warned bool
	for _, e := range effects {
		if _, ok := e.(Warn); ok {
			warned = true
		}
	}
	assert.True(t, warned)
}

// S3 shape: Received -> PolicyPending -> AwaitingAuthorization after the
// policy is satisfied.
func TestPolicyRoundTrip(t *testing.T) {
	ctx := NewContext("tx1", []string{didA})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, effects, err := Step(ctx, Event{Kind: EventUpdatePolicies, SenderDID: didB})
	require.NoError(t, err)
	assert.Equal(t, StatePolicyPending, ctx.State)
	require.Len(t, effects, 1)
	d := effects[0].(EmitDecision)
	assert.Equal(t, storage.DecisionPolicySatisfactionRequired, d.Type)
	assert.Equal(t, didB, d.RequestedBy)

	ctx, _, err = Step(ctx, Event{Kind: EventPolicySatisfied, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAuthorization, ctx.State)
	assert.False(t, ctx.PendingPolicies)
}

func TestCancelPaymentOnlyByInitiator(t *testing.T) {
	ev := ingestEvent(didA)
	ev.TransactionType = storage.TransactionTypePayment

	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ev)
	require.NoError(t, err)

	_, _, err = Step(ctx, Event{Kind: EventCancel, SenderDID: didB})
	require.Error(t, err)

	ctx, effects, err := Step(ctx, Event{Kind: EventCancel, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, ctx.State)
	assert.Contains(t, effects, SetTransactionStatus{Status: storage.TransactionStatusCancelled})
}

func TestCancelTransferByAnyAgentPreAuthorization(t *testing.T) {
	ctx := NewContext("tx1", []string{didA})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	next, _, err := Step(ctx, Event{Kind: EventCancel, SenderDID: didB})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, next.State)

	// A stranger cannot cancel.
	_, _, err = Step(ctx, Event{Kind: EventCancel, SenderDID: didC})
	require.Error(t, err)
}

func TestLazyExpiry(t *testing.T) {
	ev := ingestEvent(didA)
	ev.ExpiresAt = 1000

	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ev)
	require.NoError(t, err)

	// Before the deadline a tick does nothing.
	next, effects, err := Step(ctx, Event{Kind: EventTick, Now: 999})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAuthorization, next.State)
	assert.Empty(t, effects)

	// Any event past the deadline expires first.
	next, effects, err = Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA, Now: 1001})
	require.NoError(t, err)
	assert.Equal(t, StateExpired, next.State)
	assert.Contains(t, effects, ExpireDecisions{})
}

func TestAgentManagement(t *testing.T) {
	ctx := NewContext("tx1", []string{didA})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	ctx, effects, err := Step(ctx, Event{
		Kind: EventAddAgents, SenderDID: didA,
		Agents: []AgentRef{{DID: didC, Role: "Compliance"}},
	})
	require.NoError(t, err)
	assert.Contains(t, effects, UpsertAgent{DID: didC, Role: "Compliance"})
	assert.Len(t, ctx.Agents, 3)

	ctx, effects, err = Step(ctx, Event{Kind: EventRemoveAgent, SenderDID: didA, AgentDID: didC})
	require.NoError(t, err)
	assert.Contains(t, effects, RemoveAgent{DID: didC})
	assert.Len(t, ctx.Agents, 2)

	ctx, effects, err = Step(ctx, Event{
		Kind: EventReplaceAgent, SenderDID: didA, AgentDID: didB,
		Agents: []AgentRef{{DID: didC}},
	})
	require.NoError(t, err)
	assert.Contains(t, effects, ReplaceAgent{OriginalDID: didB, ReplacementDID: didC, Role: "Exchange"})
	assert.Equal(t, storage.AgentStatusPending, ctx.Agents[didC])
}

// Step never mutates its input context.
func TestStepIsPure(t *testing.T) {
	ctx := NewContext("tx1", []string{didB})
	ctx, _, err := Step(ctx, ingestEvent(didA))
	require.NoError(t, err)

	before := ctx.Agents[didA]
	next, _, err := Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA})
	require.NoError(t, err)

	assert.Equal(t, before, ctx.Agents[didA], "input context unchanged")
	assert.Equal(t, storage.AgentStatusAuthorized, next.Agents[didA])

	// Determinism: replaying the same event on the same context yields the
	// same successor.
	again, _, err := Step(ctx, Event{Kind: EventAuthorize, SenderDID: didA})
	require.NoError(t, err)
	assert.Equal(t, next.State, again.State)
	assert.Equal(t, next.Agents, again.Agents)
}
