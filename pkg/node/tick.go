package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/decision"
	"github.com/tap-rsvp/tap-go/pkg/fsm"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// resolvedDetail is the marker the tick writes back so a resolved decision
// is translated into an outbound message exactly once.
type resolvedDetail struct {
	Reason           string           `json:"reason,omitempty"`
	SettlementID     string           `json:"settlementId,omitempty"`
	Policies         []message.Policy `json:"policies,omitempty"`
	EmittedMessageID string           `json:"emittedMessageId,omitempty"`
}

// DecisionTick translates resolved decisions into outbound messages for one
// agent. Safe to call repeatedly; already-emitted decisions are skipped.
func (n *Node) DecisionTick(ctx context.Context, agentDID string) error {
	agent, ok := n.Agent(agentDID)
	if !ok {
		return taperr.New(taperr.KindNotFound, "agent %s is not registered", agentDID)
	}

	resolved, err := agent.Store.ListDecisions(ctx, storage.DecisionFilters{
		AgentDID: agentDID,
		Status:   storage.DecisionStatusResolved,
	})
	if err != nil {
		return err
	}

	for _, d := range resolved {
		var detail resolvedDetail
		if len(d.Detail) > 0 {
			_ = json.Unmarshal(d.Detail, &detail)
		}
		if detail.EmittedMessageID != "" {
			continue
		}
		if err := n.actOnDecision(ctx, agent, d, &detail); err != nil {
			n.logger.Error("tick: acting on decision failed",
				"decision_id", d.ID, "action", d.Resolution, "error", err)
		}
	}
	return nil
}

func (n *Node) actOnDecision(ctx context.Context, agent *AgentHandle, d *storage.Decision, detail *resolvedDetail) error {
	tx, err := agent.Store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return err
	}
	rootMsg, err := agent.Store.GetMessage(ctx, d.TransactionID, storage.DirectionIncoming)
	if err != nil {
		// The initiator may have been sent by us.
		rootMsg, err = agent.Store.GetMessage(ctx, d.TransactionID, storage.DirectionOutgoing)
		if err != nil {
			return err
		}
	}
	rootPlain, rootBody, err := bodyJSONFor(rootMsg)
	if err != nil {
		return err
	}
	rctx := message.ReplyTo(rootPlain)

	switch d.Resolution {
	case decision.ActionAuthorize:
		// The originator broadcasts its authorize to the counterparties;
		// everyone else answers the originator.
		recipients := []string{tx.FromDID}
		if tx.FromDID == agent.DID {
			recipients = n.counterparties(tx, rootBody, agent.DID)
		}
		plain, err := n.SendReply(ctx, agent.DID, rctx, &message.Authorize{TransactionID: d.TransactionID}, recipients)
		if err != nil {
			return err
		}
		detail.EmittedMessageID = plain.ID
		// Record our own authorization locally as well.
		if err := n.stepLocal(ctx, agent, d.TransactionID, fsm.Event{
			Kind: fsm.EventAuthorize, SenderDID: agent.DID, Now: time.Now().Unix(),
		}); err != nil && !taperr.Is(err, taperr.KindValidation) {
			n.logger.Warn("tick: local authorize step failed", "transaction_id", d.TransactionID, "error", err)
		}
	case decision.ActionReject:
		plain, err := n.SendReply(ctx, agent.DID, rctx, &message.Reject{
			TransactionID: d.TransactionID,
			Reason:        detail.Reason,
		}, []string{tx.FromDID})
		if err != nil {
			return err
		}
		detail.EmittedMessageID = plain.ID
		// The local reject also fails the transaction here.
		if err := n.stepLocal(ctx, agent, d.TransactionID, fsm.Event{
			Kind: fsm.EventReject, SenderDID: agent.DID, Now: time.Now().Unix(),
		}); err != nil {
			n.logger.Warn("tick: local reject step failed", "transaction_id", d.TransactionID, "error", err)
		}
	case decision.ActionSettle:
		plainID, err := n.emitSettle(ctx, agent, tx, rootBody, rctx, detail)
		if err != nil {
			return err
		}
		detail.EmittedMessageID = plainID
	case decision.ActionCancel:
		plain, err := n.SendReply(ctx, agent.DID, rctx, &message.Cancel{
			TransactionID: d.TransactionID,
			By:            agent.DID,
			Reason:        detail.Reason,
		}, n.counterparties(tx, rootBody, agent.DID))
		if err != nil {
			return err
		}
		detail.EmittedMessageID = plain.ID
		if err := n.stepLocal(ctx, agent, d.TransactionID, fsm.Event{
			Kind: fsm.EventCancel, SenderDID: agent.DID, Now: time.Now().Unix(),
		}); err != nil {
			n.logger.Warn("tick: local cancel step failed", "transaction_id", d.TransactionID, "error", err)
		}
	case decision.ActionUpdatePolicies:
		plain, err := n.SendReply(ctx, agent.DID, rctx, &message.UpdatePolicies{
			TransactionID: d.TransactionID,
			Policies:      detail.Policies,
		}, n.counterparties(tx, rootBody, agent.DID))
		if err != nil {
			return err
		}
		detail.EmittedMessageID = plain.ID
	case decision.ActionPresent:
		plain, err := n.SendReply(ctx, agent.DID, rctx, &message.Presentation{
			TransactionID: d.TransactionID,
		}, n.counterparties(tx, rootBody, agent.DID))
		if err != nil {
			return err
		}
		detail.EmittedMessageID = plain.ID
	default:
		// defer and unknown actions leave the decision as-is.
		return nil
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	return agent.Store.UpdateDecisionStatus(ctx, d.ID, storage.DecisionStatusResolved, d.Resolution, raw)
}

// emitSettle sends Settle to every transaction agent except the sender and
// moves the FSM to Settling.
func (n *Node) emitSettle(ctx context.Context, agent *AgentHandle, tx *storage.Transaction, rootBody message.Body, rctx message.ReplyContext, detail *resolvedDetail) (string, error) {
	if tx.FromDID != agent.DID {
		return "", taperr.New(taperr.KindPolicyViolation,
			"agent %s is not the originator of %s; only the sender settles", agent.DID, tx.ReferenceID)
	}

	settlementID := detail.SettlementID
	if settlementID == "" {
		settlementID = "settle_" + tx.ReferenceID
	}
	recipients := n.counterparties(tx, rootBody, agent.DID)
	if len(recipients) == 0 {
		n.logger.Debug("tick: no agents to settle with", "transaction_id", tx.ReferenceID)
	}

	plain, err := n.SendReply(ctx, agent.DID, rctx, &message.Settle{
		TransactionID: tx.ReferenceID,
		SettlementID:  settlementID,
	}, recipients)
	if err != nil {
		return "", err
	}

	if err := n.stepLocal(ctx, agent, tx.ReferenceID, fsm.Event{
		Kind: fsm.EventSettleSent, SenderDID: agent.DID, Now: time.Now().Unix(),
	}); err != nil {
		n.logger.Warn("tick: settle-sent step failed", "transaction_id", tx.ReferenceID, "error", err)
	}
	return plain.ID, nil
}

// counterparties lists the transaction's agents minus the sender.
func (n *Node) counterparties(tx *storage.Transaction, rootBody message.Body, senderDID string) []string {
	var agents []string
	switch b := rootBody.(type) {
	case *message.Transfer:
		agents = b.AgentDIDs()
	case *message.Payment:
		agents = b.AgentDIDs()
	}
	var out []string
	for _, a := range agents {
		if a != senderDID {
			out = append(out, a)
		}
	}
	return out
}

// stepLocal applies a locally generated event to the FSM under the
// transaction lock.
func (n *Node) stepLocal(ctx context.Context, agent *AgentHandle, txID string, ev fsm.Event) error {
	lock := agent.lockTransaction(txID)
	lock.Lock()
	defer lock.Unlock()

	fctx, err := n.loadContext(ctx, agent, txID)
	if err != nil {
		return err
	}
	next, effects, err := fsm.Step(fctx, ev)
	if err != nil {
		return err
	}
	if err := n.applyEffects(ctx, agent, nil, next, effects); err != nil {
		return err
	}
	agent.mu.Lock()
	agent.contexts[txID] = next
	agent.mu.Unlock()
	return nil
}

// runSweeper drives lazy expiry and settle-completion checks.
func (n *Node) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(n.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweep(ctx)
		}
	}
}

// sweep runs decision translation for every agent, then ticks every cached
// non-terminal context: delivery completion for transactions in Settling,
// expiry for the rest.
func (n *Node) sweep(ctx context.Context) {
	n.mu.RLock()
	agents := make([]*AgentHandle, 0, len(n.agents))
	for _, a := range n.agents {
		agents = append(agents, a)
	}
	n.mu.RUnlock()

	now := time.Now().Unix()
	for _, a := range agents {
		if err := n.DecisionTick(ctx, a.DID); err != nil {
			n.logger.Error("sweep: decision tick failed", "agent", a.DID, "error", err)
		}

		a.mu.Lock()
		txIDs := make([]string, 0, len(a.contexts))
		for id := range a.contexts {
			txIDs = append(txIDs, id)
		}
		a.mu.Unlock()

		for _, txID := range txIDs {
			a.mu.Lock()
			fctx := a.contexts[txID]
			a.mu.Unlock()
			if fctx == nil || fctx.State.Terminal() {
				continue
			}

			if fctx.State == fsm.StateSettling {
				n.checkSettleDelivered(ctx, a, txID)
				continue
			}
			if fctx.ExpiresAt > 0 && now > fctx.ExpiresAt {
				if err := n.stepLocal(ctx, a, txID, fsm.Event{Kind: fsm.EventTick, Now: now}); err != nil {
					n.logger.Warn("sweep: expiry step failed", "transaction_id", txID, "error", err)
				}
			}
		}
	}
}

// checkSettleDelivered completes settlement once every Settle delivery of
// the transaction thread succeeded.
func (n *Node) checkSettleDelivered(ctx context.Context, agent *AgentHandle, txID string) {
	msgs, err := agent.Store.ListMessagesByThread(ctx, txID)
	if err != nil {
		return
	}
	var settleMsgID string
	for _, m := range msgs {
		if m.Direction == storage.DirectionOutgoing && m.MessageType == message.TypeSettle {
			settleMsgID = m.MessageID
		}
	}
	if settleMsgID == "" {
		return
	}
	deliveries, err := agent.Store.ListDeliveriesForMessage(ctx, settleMsgID)
	if err != nil {
		return
	}
	for _, d := range deliveries {
		if d.Status != storage.DeliveryStatusSuccess {
			return
		}
	}
	if err := n.stepLocal(ctx, agent, txID, fsm.Event{
		Kind: fsm.EventSettleDelivered, Now: time.Now().Unix(),
	}); err != nil {
		n.logger.Warn("sweep: settle-delivered step failed", "transaction_id", txID, "error", err)
	}
}
