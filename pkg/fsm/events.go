package fsm

import (
	"github.com/tap-rsvp/tap-go/pkg/storage"
)

// EventKind names an FSM input.
type EventKind string

const (
	EventIngest          EventKind = "ingest"
	EventAuthorize       EventKind = "authorize"
	EventReject          EventKind = "reject"
	EventCancel          EventKind = "cancel"
	EventSettleReceived  EventKind = "settle_received"
	EventSettleSent      EventKind = "settle_sent"
	EventSettleDelivered EventKind = "settle_delivered"
	EventRevert          EventKind = "revert"
	EventUpdatePolicies  EventKind = "update_policies"
	EventPolicySatisfied EventKind = "policy_satisfied"
	EventAddAgents       EventKind = "add_agents"
	EventRemoveAgent     EventKind = "remove_agent"
	EventReplaceAgent    EventKind = "replace_agent"
	EventTick            EventKind = "tick"
)

// AgentRef names an agent in an event payload.
type AgentRef struct {
	DID  string
	Role string
}

// Event is one FSM input. Now carries the caller's clock so Step stays pure.
type Event struct {
	Kind      EventKind
	SenderDID string
	Now       int64

	// Ingest fields.
	TransactionType storage.TransactionType
	Agents          []AgentRef
	HasPolicies     bool
	ExpiresAt       int64

	// Remove/replace target.
	AgentDID string
}

// Effect is an output of Step, executed by the router.
type Effect interface{ effect() }

// CreateTransaction persists the transaction row for a fresh ingest.
type CreateTransaction struct{}

// UpsertAgent names an agent in transaction_agents.
type UpsertAgent struct {
	DID  string
	Role string
}

// SetAgentStatus updates one agent's standing.
type SetAgentStatus struct {
	DID    string
	Status storage.AgentStatus
}

// RemoveAgent drops an agent row.
type RemoveAgent struct{ DID string }

// ReplaceAgent re-keys an agent row; the replacement starts pending.
type ReplaceAgent struct {
	OriginalDID    string
	ReplacementDID string
	Role           string
}

// SetTransactionStatus applies a durable status transition.
type SetTransactionStatus struct{ Status storage.TransactionStatus }

// EmitDecision externalizes a choice to the decision log.
type EmitDecision struct {
	AgentDID      string
	Type          storage.DecisionType
	PendingAgents []string
	RequestedBy   string
}

// ExpireDecisions expires every open decision of the transaction.
type ExpireDecisions struct{}

// Warn asks the router to log a warning.
type Warn struct{ Message string }

func (CreateTransaction) effect()    {}
func (UpsertAgent) effect()          {}
func (SetAgentStatus) effect()       {}
func (RemoveAgent) effect()          {}
func (ReplaceAgent) effect()         {}
func (SetTransactionStatus) effect() {}
func (EmitDecision) effect()         {}
func (ExpireDecisions) effect()      {}
func (Warn) effect()                 {}
