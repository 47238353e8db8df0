// Package fsm implements the deterministic per-transaction state machine.
// Step is a pure function from (context, event) to (context, effects): it
// never touches storage, clocks, or the network. The router applies the
// returned effects to the store one at a time, each in its own write; they
// are not committed together in one store transaction, so a crash between
// effects leaves the earlier ones applied and the later ones missing.
package fsm

import (
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// State is the lifecycle position of one transaction.
type State string

const (
	StateIdle                  State = "Idle"
	StateReceived              State = "Received"
	StatePolicyPending         State = "PolicyPending"
	StateAwaitingAuthorization State = "AwaitingAuthorization"
	StateReadyToSettle         State = "ReadyToSettle"
	StateSettling              State = "Settling"
	StateSettled               State = "Settled"
	StateRejected              State = "Rejected"
	StateCancelled             State = "Cancelled"
	StateReverted              State = "Reverted"
	StateExpired               State = "Expired"
)

// Terminal reports whether no event except Revert-on-Settled may move the
// machine further.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRejected, StateCancelled, StateReverted, StateExpired:
		return true
	}
	return false
}

// Context is the in-memory view of one transaction, rehydrated from the
// store on demand.
type Context struct {
	TransactionID   string
	State           State
	Type            storage.TransactionType
	OriginatorDID   string
	Agents          map[string]storage.AgentStatus
	AgentRoles      map[string]string
	PendingPolicies bool
	// LocalDIDs are the node's own agent DIDs; decisions are emitted for
	// the intersection with Agents.
	LocalDIDs []string
	// ExpiresAt is the epoch second after which the transaction expires;
	// zero means never.
	ExpiresAt int64
}

// NewContext creates an Idle context for a transaction id.
func NewContext(transactionID string, localDIDs []string) *Context {
	return &Context{
		TransactionID: transactionID,
		State:         StateIdle,
		Agents:        make(map[string]storage.AgentStatus),
		AgentRoles:    make(map[string]string),
		LocalDIDs:     localDIDs,
	}
}

func (c *Context) isLocal(did string) bool {
	for _, d := range c.LocalDIDs {
		if d == did {
			return true
		}
	}
	return false
}

// localAgents returns the local DIDs participating in this transaction.
func (c *Context) localAgents() []string {
	var out []string
	for _, d := range c.LocalDIDs {
		if _, ok := c.Agents[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (c *Context) allAuthorized() bool {
	if len(c.Agents) == 0 {
		return false
	}
	for _, status := range c.Agents {
		if status != storage.AgentStatusAuthorized {
			return false
		}
	}
	return true
}

// clone copies the context so Step never mutates its input.
func (c *Context) clone() *Context {
	out := *c
	out.Agents = make(map[string]storage.AgentStatus, len(c.Agents))
	for k, v := range c.Agents {
		out.Agents[k] = v
	}
	out.AgentRoles = make(map[string]string, len(c.AgentRoles))
	for k, v := range c.AgentRoles {
		out.AgentRoles[k] = v
	}
	out.LocalDIDs = append([]string(nil), c.LocalDIDs...)
	return &out
}

// Step applies one event. It returns the successor context and the effects
// the caller must persist atomically. Guard failures return an error and
// leave the context unchanged.
func Step(ctx *Context, ev Event) (*Context, []Effect, error) {
	next := ctx.clone()

	// Lazy expiry: any event observed past the deadline expires the
	// transaction first.
	if !next.State.Terminal() && next.ExpiresAt > 0 && ev.Now > next.ExpiresAt && ev.Kind != EventRevert {
		return expire(next)
	}

	switch ev.Kind {
	case EventIngest:
		return stepIngest(next, ev)
	case EventAuthorize:
		return stepAuthorize(next, ev)
	case EventReject:
		return stepReject(next, ev)
	case EventCancel:
		return stepCancel(next, ev)
	case EventSettleReceived:
		return stepSettleReceived(next)
	case EventSettleSent:
		return stepSettleSent(next)
	case EventSettleDelivered:
		return stepSettleDelivered(next)
	case EventRevert:
		return stepRevert(next)
	case EventUpdatePolicies:
		return stepUpdatePolicies(next, ev)
	case EventPolicySatisfied:
		return stepPolicySatisfied(next)
	case EventAddAgents:
		return stepAddAgents(next, ev)
	case EventRemoveAgent:
		return stepRemoveAgent(next, ev)
	case EventReplaceAgent:
		return stepReplaceAgent(next, ev)
	case EventTick:
		// Expiry was handled above; a tick on a live transaction is a
		// no-op.
		return next, nil, nil
	default:
		return ctx, nil, taperr.New(taperr.KindValidation, "unknown fsm event %q", ev.Kind)
	}
}

func stepIngest(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State != StateIdle {
		// Re-delivered initiator; idempotent.
		return next, nil, nil
	}
	next.State = StateReceived
	next.Type = ev.TransactionType
	next.OriginatorDID = ev.SenderDID
	next.ExpiresAt = ev.ExpiresAt

	effects := []Effect{CreateTransaction{}}
	for _, a := range ev.Agents {
		next.Agents[a.DID] = storage.AgentStatusPending
		next.AgentRoles[a.DID] = a.Role
		effects = append(effects, UpsertAgent{DID: a.DID, Role: a.Role})
	}
	next.PendingPolicies = ev.HasPolicies

	if next.PendingPolicies {
		next.State = StatePolicyPending
		return next, effects, nil
	}
	return advanceToAwaiting(next, effects)
}

// advanceToAwaiting moves Received -> AwaitingAuthorization and emits an
// AuthorizationRequired decision for every local agent.
func advanceToAwaiting(next *Context, effects []Effect) (*Context, []Effect, error) {
	next.State = StateAwaitingAuthorization
	pending := make([]string, 0, len(next.Agents))
	for did, status := range next.Agents {
		if status == storage.AgentStatusPending {
			pending = append(pending, did)
		}
	}
	for _, local := range next.localAgents() {
		effects = append(effects, EmitDecision{
			AgentDID:      local,
			Type:          storage.DecisionAuthorizationRequired,
			PendingAgents: pending,
		})
	}
	return next, effects, nil
}

func stepAuthorize(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; authorize ignored", next.TransactionID, next.State)
	}
	status, known := next.Agents[ev.SenderDID]
	if !known {
		return next, nil, taperr.New(taperr.KindValidation,
			"authorize from %s, which is not an agent of %s", ev.SenderDID, next.TransactionID)
	}
	if status == storage.AgentStatusAuthorized {
		// Duplicate authorize is a no-op.
		return next, nil, nil
	}
	next.Agents[ev.SenderDID] = storage.AgentStatusAuthorized
	effects := []Effect{SetAgentStatus{DID: ev.SenderDID, Status: storage.AgentStatusAuthorized}}

	if next.State == StatePolicyPending {
		// An authorize can satisfy a RequireAuthorization policy.
		next.PendingPolicies = false
		var err error
		next, effects, err = advanceToAwaiting(next, effects)
		if err != nil {
			return next, nil, err
		}
	}

	if next.allAuthorized() && !next.PendingPolicies && next.isLocal(next.OriginatorDID) {
		next.State = StateReadyToSettle
		effects = append(effects, EmitDecision{
			AgentDID: next.OriginatorDID,
			Type:     storage.DecisionSettlementRequired,
		})
	}
	return next, effects, nil
}

func stepReject(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; reject ignored", next.TransactionID, next.State)
	}
	next.State = StateRejected
	effects := []Effect{}
	if _, known := next.Agents[ev.SenderDID]; known {
		next.Agents[ev.SenderDID] = storage.AgentStatusRejected
		effects = append(effects, SetAgentStatus{DID: ev.SenderDID, Status: storage.AgentStatusRejected})
	}
	effects = append(effects,
		SetTransactionStatus{Status: storage.TransactionStatusFailed},
		ExpireDecisions{},
	)
	return next, effects, nil
}

func stepCancel(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; cancel ignored", next.TransactionID, next.State)
	}
	switch next.Type {
	case storage.TransactionTypePayment:
		// Only the initiator may cancel a payment.
		if ev.SenderDID != next.OriginatorDID {
			return next, nil, taperr.New(taperr.KindValidation,
				"cancel of payment %s from %s; only the initiator may cancel", next.TransactionID, ev.SenderDID)
		}
	default:
		// Any named agent may cancel a transfer before settlement begins.
		if _, known := next.Agents[ev.SenderDID]; !known && ev.SenderDID != next.OriginatorDID {
			return next, nil, taperr.New(taperr.KindValidation,
				"cancel from %s, which is not part of %s", ev.SenderDID, next.TransactionID)
		}
		if next.State == StateSettling {
			return next, nil, taperr.New(taperr.KindValidation,
				"transaction %s is settling; too late to cancel", next.TransactionID)
		}
	}
	next.State = StateCancelled
	effects := []Effect{}
	if _, known := next.Agents[ev.SenderDID]; known {
		next.Agents[ev.SenderDID] = storage.AgentStatusCancelled
		effects = append(effects, SetAgentStatus{DID: ev.SenderDID, Status: storage.AgentStatusCancelled})
	}
	effects = append(effects,
		SetTransactionStatus{Status: storage.TransactionStatusCancelled},
		ExpireDecisions{},
	)
	return next, effects, nil
}

func stepSettleReceived(next *Context) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; settle ignored", next.TransactionID, next.State)
	}
	effects := []Effect{}
	if !next.allAuthorized() {
		// The counterparty's settle is authoritative; note the early
		// arrival and proceed.
		effects = append(effects, Warn{
			Message: "settle received before all authorizations; accepting as authoritative",
		})
	}
	next.State = StateSettled
	effects = append(effects,
		SetTransactionStatus{Status: storage.TransactionStatusConfirmed},
		ExpireDecisions{},
	)
	return next, effects, nil
}

func stepSettleSent(next *Context) (*Context, []Effect, error) {
	if next.State != StateReadyToSettle {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; cannot emit settle", next.TransactionID, next.State)
	}
	next.State = StateSettling
	return next, nil, nil
}

func stepSettleDelivered(next *Context) (*Context, []Effect, error) {
	if next.State != StateSettling {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; unexpected settle delivery", next.TransactionID, next.State)
	}
	next.State = StateSettled
	return next, []Effect{
		SetTransactionStatus{Status: storage.TransactionStatusConfirmed},
		ExpireDecisions{},
	}, nil
}

func stepRevert(next *Context) (*Context, []Effect, error) {
	if next.State != StateSettled {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; revert only applies to settled transactions", next.TransactionID, next.State)
	}
	next.State = StateReverted
	return next, []Effect{
		SetTransactionStatus{Status: storage.TransactionStatusReverted},
		ExpireDecisions{},
	}, nil
}

func stepUpdatePolicies(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; update-policies ignored", next.TransactionID, next.State)
	}
	next.State = StatePolicyPending
	next.PendingPolicies = true
	effects := []Effect{}
	for _, local := range next.localAgents() {
		effects = append(effects, EmitDecision{
			AgentDID:    local,
			Type:        storage.DecisionPolicySatisfactionRequired,
			RequestedBy: ev.SenderDID,
		})
	}
	return next, effects, nil
}

func stepPolicySatisfied(next *Context) (*Context, []Effect, error) {
	if next.State != StatePolicyPending {
		return next, nil, nil
	}
	next.PendingPolicies = false
	return advanceToAwaiting(next, nil)
}

func stepAddAgents(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; add-agents ignored", next.TransactionID, next.State)
	}
	var effects []Effect
	for _, a := range ev.Agents {
		if _, exists := next.Agents[a.DID]; exists {
			continue
		}
		next.Agents[a.DID] = storage.AgentStatusPending
		next.AgentRoles[a.DID] = a.Role
		effects = append(effects, UpsertAgent{DID: a.DID, Role: a.Role})
	}
	return next, effects, nil
}

func stepRemoveAgent(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; remove-agent ignored", next.TransactionID, next.State)
	}
	if _, exists := next.Agents[ev.AgentDID]; !exists {
		return next, nil, taperr.New(taperr.KindValidation,
			"remove-agent: %s is not part of %s", ev.AgentDID, next.TransactionID)
	}
	delete(next.Agents, ev.AgentDID)
	delete(next.AgentRoles, ev.AgentDID)
	return next, []Effect{RemoveAgent{DID: ev.AgentDID}}, nil
}

func stepReplaceAgent(next *Context, ev Event) (*Context, []Effect, error) {
	if next.State.Terminal() {
		return next, nil, taperr.New(taperr.KindValidation,
			"transaction %s is %s; replace-agent ignored", next.TransactionID, next.State)
	}
	if _, exists := next.Agents[ev.AgentDID]; !exists {
		return next, nil, taperr.New(taperr.KindValidation,
			"replace-agent: %s is not part of %s", ev.AgentDID, next.TransactionID)
	}
	delete(next.Agents, ev.AgentDID)
	role := next.AgentRoles[ev.AgentDID]
	delete(next.AgentRoles, ev.AgentDID)
	if len(ev.Agents) > 0 {
		replacement := ev.Agents[0]
		if replacement.Role != "" {
			role = replacement.Role
		}
		next.Agents[replacement.DID] = storage.AgentStatusPending
		next.AgentRoles[replacement.DID] = role
		return next, []Effect{ReplaceAgent{OriginalDID: ev.AgentDID, ReplacementDID: replacement.DID, Role: role}}, nil
	}
	return next, []Effect{RemoveAgent{DID: ev.AgentDID}}, nil
}

func expire(next *Context) (*Context, []Effect, error) {
	next.State = StateExpired
	// The store's status vocabulary has no expired value; an expired
	// transaction is recorded as cancelled.
	return next, []Effect{
		SetTransactionStatus{Status: storage.TransactionStatusCancelled},
		ExpireDecisions{},
	}, nil
}
