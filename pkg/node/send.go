package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/storage"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Send builds, logs, packs, and enqueues a fresh outbound message from one
// local agent.
func (n *Node) Send(ctx context.Context, fromDID string, body message.Body, recipients []string) (*didcomm.PlainMessage, error) {
	plain, err := message.NewPlain(body, fromDID, recipients)
	if err != nil {
		return nil, err
	}
	return plain, n.sendPlain(ctx, fromDID, plain, body)
}

// SendReply builds a threaded reply and enqueues it.
func (n *Node) SendReply(ctx context.Context, fromDID string, rctx message.ReplyContext, body message.Body, recipients []string) (*didcomm.PlainMessage, error) {
	plain, err := message.NewReply(rctx, body, fromDID, recipients)
	if err != nil {
		return nil, err
	}
	return plain, n.sendPlain(ctx, fromDID, plain, body)
}

func (n *Node) sendPlain(ctx context.Context, fromDID string, plain *didcomm.PlainMessage, body message.Body) error {
	agent, ok := n.Agent(fromDID)
	if !ok {
		return taperr.New(taperr.KindNotFound, "agent %s is not registered", fromDID)
	}

	if err := agent.Store.LogMessage(ctx, plain, storage.DirectionOutgoing); err != nil &&
		!taperr.Is(err, taperr.KindDuplicateMessage) {
		return err
	}

	// An outbound initiator creates the sender-side transaction too, and an
	// outbound Presentation releases the sender's own policy hold.
	switch body.(type) {
	case *message.Transfer, *message.Payment, *message.Presentation:
		if err := n.dispatchFSM(ctx, agent, plain, body); err != nil {
			return err
		}
	}

	n.mu.RLock()
	processors := append([]Processor(nil), n.processors...)
	n.mu.RUnlock()
	for _, p := range processors {
		if err := p.ProcessOutgoing(ctx, agent, plain, body); err != nil {
			return fmt.Errorf("processor %s: %w", p.Name(), err)
		}
	}

	for _, recipient := range plain.To {
		if err := n.enqueueDelivery(ctx, agent, plain, recipient); err != nil {
			return err
		}
	}
	n.notifyEvent("message_sent", eventJSON(map[string]any{
		"agent": fromDID, "message_id": plain.ID, "type": plain.Type,
	}))
	return nil
}

// enqueueDelivery routes one recipient: internal agents short-circuit the
// network, everyone else goes over HTTPS to their DID document's service
// endpoint.
func (n *Node) enqueueDelivery(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, recipient string) error {
	if _, internal := n.Agent(recipient); internal {
		raw, err := n.packFor(ctx, agent.DID, plain, recipient)
		if err != nil {
			return err
		}
		_, err = agent.Store.InsertDelivery(ctx, plain.ID, string(raw), recipient, "", storage.DeliveryTypeInternal)
		return err
	}

	doc, err := n.resolver.Resolve(ctx, recipient)
	if err != nil {
		return taperr.Wrap(taperr.KindUnknownKey, err, "resolve recipient %s", recipient)
	}
	endpoint := doc.ServiceEndpoint()
	if endpoint == "" {
		return taperr.New(taperr.KindDeliveryFatal, "recipient %s exposes no DIDCommMessaging endpoint", recipient)
	}
	raw, err := n.packFor(ctx, agent.DID, plain, recipient)
	if err != nil {
		return err
	}
	_, err = agent.Store.InsertDelivery(ctx, plain.ID, string(raw), recipient, endpoint, storage.DeliveryTypeHTTPS)
	return err
}

// packFor selects the security mode per recipient: Encrypted when the
// recipient's document exposes a key-agreement key, Signed otherwise.
func (n *Node) packFor(ctx context.Context, senderDID string, plain *didcomm.PlainMessage, recipient string) ([]byte, error) {
	mode := didcomm.ModeSigned
	if doc, err := n.resolver.Resolve(ctx, recipient); err == nil && len(doc.KeyAgreementMethods()) > 0 {
		mode = didcomm.ModeEncrypted
	}
	clone := *plain
	return n.codec.Pack(ctx, &clone, didcomm.PackOptions{
		Mode:          mode,
		SenderKid:     senderDID,
		RecipientDIDs: []string{recipient},
	})
}

// bodyJSONFor extracts a typed body back out of a logged message row.
func bodyJSONFor(m *storage.Message) (*didcomm.PlainMessage, message.Body, error) {
	var plain didcomm.PlainMessage
	if err := json.Unmarshal(m.MessageJSON, &plain); err != nil {
		return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse logged message %s", m.MessageID)
	}
	body, err := message.FromPlain(&plain)
	if err != nil {
		return nil, nil, err
	}
	return &plain, body, nil
}
