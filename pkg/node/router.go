package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/fsm"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Deliver is the single ingest entry point for one agent: raw envelope
// bytes in, durable state advanced, replies enqueued.
func (n *Node) Deliver(ctx context.Context, agentDID string, raw []byte, source storage.SourceType, sourceIdentifier string) error {
	agent, ok := n.Agent(agentDID)
	if !ok {
		return taperr.New(taperr.KindNotFound, "agent %s is not registered", agentDID)
	}

	receivedID, err := agent.Store.InsertReceived(ctx, raw, source, sourceIdentifier)
	if err != nil {
		return err
	}

	plain, desc, err := n.codec.Unpack(ctx, raw, didcomm.UnpackOptions{})
	if err != nil {
		_ = agent.Store.MarkReceivedFailed(ctx, receivedID, err.Error())
		return err
	}
	n.logger.Debug("router: unpacked envelope",
		"agent", agentDID, "message_id", plain.ID, "mode", desc.Mode, "signers", desc.VerifiedSigners)

	// Duplicate delivery: acknowledged, never reprocessed.
	if dup, err := agent.Store.HasMessage(ctx, plain.ID, storage.DirectionIncoming); err != nil {
		_ = agent.Store.MarkReceivedFailed(ctx, receivedID, err.Error())
		return err
	} else if dup {
		n.logger.Info("router: duplicate message acknowledged", "agent", agentDID, "message_id", plain.ID)
		return agent.Store.MarkReceivedProcessed(ctx, receivedID, plain.ID)
	}

	if err := n.process(ctx, agent, plain); err != nil {
		_ = agent.Store.MarkReceivedFailed(ctx, receivedID, err.Error())
		n.recordIngest(ctx, "failed")
		return err
	}
	n.recordIngest(ctx, "processed")
	return agent.Store.MarkReceivedProcessed(ctx, receivedID, plain.ID)
}

func (n *Node) process(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage) error {
	body, err := message.FromPlain(plain)
	if err != nil {
		return err
	}
	if err := body.Validate(); err != nil {
		// Invalid transaction bodies earn a Reject reply.
		if reply := n.rejectFor(plain, body, err); reply != nil {
			if _, serr := n.SendReply(ctx, agent.DID, message.ReplyTo(plain), reply, []string{plain.From}); serr != nil {
				n.logger.Warn("router: reject reply failed", "message_id", plain.ID, "error", serr)
			}
		}
		return err
	}

	if err := agent.Store.LogMessage(ctx, plain, storage.DirectionIncoming); err != nil &&
		!taperr.Is(err, taperr.KindDuplicateMessage) {
		return err
	}
	n.notifyEvent("message_received", eventJSON(map[string]any{
		"agent": agent.DID, "message_id": plain.ID, "type": plain.Type,
	}))

	// Processor chain; a reply short-circuits.
	n.mu.RLock()
	processors := append([]Processor(nil), n.processors...)
	n.mu.RUnlock()
	for _, p := range processors {
		reply, err := p.ProcessIncoming(ctx, agent, plain, body)
		if err != nil {
			return fmt.Errorf("processor %s: %w", p.Name(), err)
		}
		if reply != nil {
			_, err := n.SendReply(ctx, agent.DID, message.ReplyTo(plain), reply, []string{plain.From})
			return err
		}
	}

	return n.dispatchFSM(ctx, agent, plain, body)
}

// rejectFor builds a Reject reply for validation failures on transaction
// bodies.
func (n *Node) rejectFor(plain *didcomm.PlainMessage, body message.Body, cause error) message.Body {
	switch body.(type) {
	case *message.Transfer, *message.Payment:
		return &message.Reject{
			TransactionID: plain.ThreadID(),
			Reason:        cause.Error(),
		}
	}
	return nil
}

// dispatchFSM maps the body onto an FSM event and applies the returned
// effects. The step is serialized per transaction id.
func (n *Node) dispatchFSM(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, body message.Body) error {
	ev, txID, ok := n.eventFor(plain, body)
	if !ok {
		// Bodies outside the transaction lifecycle only get logged.
		return nil
	}

	lock := agent.lockTransaction(txID)
	lock.Lock()
	defer lock.Unlock()

	fctx, err := n.loadContext(ctx, agent, txID)
	if err != nil {
		return err
	}

	next, effects, err := fsm.Step(fctx, ev)
	if err != nil {
		if taperr.Is(err, taperr.KindValidation) {
			n.logger.Warn("router: fsm rejected event",
				"transaction_id", txID, "event", ev.Kind, "error", err)
			return err
		}
		return err
	}

	if err := n.applyEffects(ctx, agent, plain, next, effects); err != nil {
		return err
	}

	agent.mu.Lock()
	agent.contexts[txID] = next
	agent.mu.Unlock()

	if next.State != fctx.State {
		n.recordTransition(ctx, next.State)
		n.notifyEvent("transaction_state_changed", eventJSON(map[string]any{
			"transaction_id": txID, "from": fctx.State, "to": next.State,
		}))
	}
	return nil
}

// eventFor maps a body to the FSM event it drives.
func (n *Node) eventFor(plain *didcomm.PlainMessage, body message.Body) (fsm.Event, string, bool) {
	now := time.Now().Unix()
	sender := plain.From
	switch b := body.(type) {
	case *message.Transfer:
		refs := make([]fsm.AgentRef, 0, len(b.Agents))
		for i := range b.Agents {
			refs = append(refs, fsm.AgentRef{DID: b.Agents[i].ID, Role: b.Agents[i].Role})
		}
		return fsm.Event{
			Kind: fsm.EventIngest, SenderDID: sender, Now: now,
			TransactionType: storage.TransactionTypeTransfer,
			Agents:          refs, ExpiresAt: plain.ExpiresTime,
		}, plain.ThreadID(), true
	case *message.Payment:
		refs := make([]fsm.AgentRef, 0, len(b.Agents))
		for i := range b.Agents {
			refs = append(refs, fsm.AgentRef{DID: b.Agents[i].ID, Role: b.Agents[i].Role})
		}
		return fsm.Event{
			Kind: fsm.EventIngest, SenderDID: sender, Now: now,
			TransactionType: storage.TransactionTypePayment,
			Agents:          refs, ExpiresAt: plain.ExpiresTime,
		}, plain.ThreadID(), true
	case *message.Authorize:
		return fsm.Event{Kind: fsm.EventAuthorize, SenderDID: sender, Now: now}, b.TransactionID, true
	case *message.Reject:
		return fsm.Event{Kind: fsm.EventReject, SenderDID: sender, Now: now}, b.TransactionID, true
	case *message.Cancel:
		return fsm.Event{Kind: fsm.EventCancel, SenderDID: sender, Now: now}, b.TransactionID, true
	case *message.Settle:
		return fsm.Event{Kind: fsm.EventSettleReceived, SenderDID: sender, Now: now}, b.TransactionID, true
	case *message.Revert:
		return fsm.Event{Kind: fsm.EventRevert, SenderDID: sender, Now: now}, b.TransactionID, true
	case *message.UpdatePolicies:
		return fsm.Event{Kind: fsm.EventUpdatePolicies, SenderDID: sender, Now: now}, b.TransactionID, true
	case *message.Presentation:
		txID := b.TransactionID
		if txID == "" {
			txID = plain.ThreadID()
		}
		return fsm.Event{Kind: fsm.EventPolicySatisfied, SenderDID: sender, Now: now}, txID, true
	case *message.AddAgents:
		refs := make([]fsm.AgentRef, 0, len(b.Agents))
		for i := range b.Agents {
			refs = append(refs, fsm.AgentRef{DID: b.Agents[i].ID, Role: b.Agents[i].Role})
		}
		return fsm.Event{Kind: fsm.EventAddAgents, SenderDID: sender, Now: now, Agents: refs}, b.TransactionID, true
	case *message.RemoveAgent:
		return fsm.Event{Kind: fsm.EventRemoveAgent, SenderDID: sender, Now: now, AgentDID: b.Agent}, b.TransactionID, true
	case *message.ReplaceAgent:
		return fsm.Event{
			Kind: fsm.EventReplaceAgent, SenderDID: sender, Now: now,
			AgentDID: b.Original,
			Agents:   []fsm.AgentRef{{DID: b.Replacement.ID, Role: b.Replacement.Role}},
		}, b.TransactionID, true
	default:
		return fsm.Event{}, "", false
	}
}

// loadContext returns the cached FSM context or rehydrates it from the
// store.
func (n *Node) loadContext(ctx context.Context, agent *AgentHandle, txID string) (*fsm.Context, error) {
	agent.mu.Lock()
	cached, ok := agent.contexts[txID]
	agent.mu.Unlock()
	if ok {
		return cached, nil
	}

	fctx := fsm.NewContext(txID, []string{agent.DID})

	tx, err := agent.Store.GetTransaction(ctx, txID)
	if taperr.Is(err, taperr.KindNotFound) {
		return fctx, nil
	}
	if err != nil {
		return nil, err
	}

	fctx.Type = tx.Type
	fctx.OriginatorDID = tx.FromDID
	agents, err := agent.Store.ListTransactionAgents(ctx, txID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		fctx.Agents[a.AgentDID] = a.Status
		fctx.AgentRoles[a.AgentDID] = a.Role
	}

	switch tx.Status {
	case storage.TransactionStatusConfirmed:
		fctx.State = fsm.StateSettled
	case storage.TransactionStatusFailed:
		fctx.State = fsm.StateRejected
	case storage.TransactionStatusCancelled:
		fctx.State = fsm.StateCancelled
	case storage.TransactionStatusReverted:
		fctx.State = fsm.StateReverted
	default:
		fctx.State = fsm.StateAwaitingAuthorization
		allAuthorized := len(fctx.Agents) > 0
		for _, s := range fctx.Agents {
			if s != storage.AgentStatusAuthorized {
				allAuthorized = false
			}
		}
		if allAuthorized && fctx.OriginatorDID != "" {
			for _, local := range fctx.LocalDIDs {
				if local == fctx.OriginatorDID {
					fctx.State = fsm.StateReadyToSettle
				}
			}
		}
	}
	return fctx, nil
}

// applyEffects executes FSM effects against the store in order, each as its
// own write with no enclosing transaction. Every effect is idempotent when
// repeated, but nothing reprocesses a received row left pending by a crash
// between effects, and a redelivered envelope is skipped as a duplicate.
func (n *Node) applyEffects(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, fctx *fsm.Context, effects []fsm.Effect) error {
	for _, effect := range effects {
		switch e := effect.(type) {
		case fsm.CreateTransaction:
			direction := storage.DirectionIncoming
			if plain.From == agent.DID {
				direction = storage.DirectionOutgoing
			}
			err := agent.Store.InsertTransaction(ctx, plain, direction)
			if err != nil && !taperr.Is(err, taperr.KindDuplicateTransaction) {
				return err
			}
		case fsm.UpsertAgent:
			if err := agent.Store.UpsertTransactionAgent(ctx, fctx.TransactionID, e.DID, e.Role); err != nil {
				return err
			}
		case fsm.SetAgentStatus:
			err := agent.Store.UpdateTransactionAgentStatus(ctx, fctx.TransactionID, e.DID, e.Status)
			if err != nil && !taperr.Is(err, taperr.KindNotFound) {
				return err
			}
		case fsm.RemoveAgent:
			if err := agent.Store.RemoveTransactionAgent(ctx, fctx.TransactionID, e.DID); err != nil {
				return err
			}
		case fsm.ReplaceAgent:
			if err := agent.Store.ReplaceTransactionAgent(ctx, fctx.TransactionID, e.OriginalDID, e.ReplacementDID, e.Role); err != nil {
				return err
			}
		case fsm.SetTransactionStatus:
			err := agent.Store.UpdateTransactionStatus(ctx, fctx.TransactionID, e.Status)
			if err != nil && !taperr.Is(err, taperr.KindNotFound) {
				// A replayed transition to the same status is a no-op at
				// the store layer; a genuinely disallowed one is a bug
				// upstream and surfaces.
				return err
			}
		case fsm.EmitDecision:
			if err := n.emitDecision(ctx, agent, fctx, e); err != nil {
				return err
			}
		case fsm.ExpireDecisions:
			if _, err := agent.Store.ExpireDecisionsForTransaction(ctx, fctx.TransactionID); err != nil {
				return err
			}
		case fsm.Warn:
			n.logger.Warn("router: "+e.Message, "transaction_id", fctx.TransactionID)
		}
	}
	return nil
}

// emitDecision inserts the decision row unless an open decision of the same
// shape already exists (crash-replay idempotence), then hands it to the
// agent's handler.
func (n *Node) emitDecision(ctx context.Context, agent *AgentHandle, fctx *fsm.Context, e fsm.EmitDecision) error {
	existing, err := agent.Store.ListDecisions(ctx, storage.DecisionFilters{
		AgentDID:      e.AgentDID,
		TransactionID: fctx.TransactionID,
	})
	if err != nil {
		return err
	}
	for _, d := range existing {
		if d.DecisionType == e.Type &&
			(d.Status == storage.DecisionStatusPending || d.Status == storage.DecisionStatusDelivered) {
			return nil
		}
	}

	decCtx := eventJSON(map[string]any{
		"transaction_id":    fctx.TransactionID,
		"transaction_state": string(fctx.State),
		"pending_agents":    e.PendingAgents,
		"requested_by":      e.RequestedBy,
	})
	id, err := agent.Store.InsertDecision(ctx, fctx.TransactionID, e.AgentDID, e.Type, decCtx)
	if err != nil {
		return err
	}
	d, err := agent.Store.GetDecision(ctx, id)
	if err != nil {
		return err
	}
	if err := agent.Handler.HandleDecision(ctx, d); err != nil {
		n.logger.Error("router: decision handler failed", "decision_id", id, "error", err)
	}
	return nil
}

func eventJSON(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
