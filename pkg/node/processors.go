package node

import (
	"context"
	"log/slog"

	"github.com/tap-rsvp/tap-go/pkg/customer"
	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Processor is one stage of the message pipeline. Stages may mutate the
// plain message in place; an incoming stage may short-circuit by returning a
// reply body, which the router sends back to the sender and then stops the
// chain.
type Processor interface {
	// Name identifies the stage in logs.
	Name() string
	// ProcessIncoming runs after unpack and before the FSM.
	ProcessIncoming(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, body message.Body) (reply message.Body, err error)
	// ProcessOutgoing runs after the plain message is built, before pack.
	ProcessOutgoing(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, body message.Body) error
}

// TravelRuleProcessor validates inbound IVMS101 attachments and attaches
// cached originator data to outgoing transfers when present.
type TravelRuleProcessor struct {
	logger *slog.Logger
}

func (*TravelRuleProcessor) Name() string { return "travel-rule" }

func (p *TravelRuleProcessor) ProcessIncoming(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, body message.Body) (message.Body, error) {
	for _, att := range plain.Attachments {
		if att.Format != "ivms101/1.0" && att.MediaType != "application/ivms101+json" {
			continue
		}
		if att.Data == nil || len(att.Data.JSON) == 0 {
			continue
		}
		if err := customer.ValidateIVMS101(att.Data.JSON); err != nil {
			if taperr.Is(err, taperr.KindMalformed) {
				return nil, err
			}
			// Structurally off payloads are logged, not fatal: the field
			// contents are an opaque schema to this runtime.
			p.logger.Warn("travel-rule: ivms101 attachment failed validation",
				"message_id", plain.ID, "error", err)
			continue
		}
		p.logger.Debug("travel-rule: ivms101 attachment accepted", "message_id", plain.ID)
	}
	return nil, nil
}

func (p *TravelRuleProcessor) ProcessOutgoing(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, body message.Body) error {
	transfer, ok := body.(*message.Transfer)
	if !ok {
		return nil
	}
	// Attach cached IVMS101 data for the originator when the store has it.
	c := customer.FromParty(agent.DID, &transfer.Originator)
	existing, err := agent.Store.GetCustomer(ctx, c.ID)
	if err != nil || len(existing.IVMS101Data) == 0 {
		return nil
	}
	plain.Attachments = append(plain.Attachments, didcomm.Attachment{
		ID:        plain.ID + "-ivms101",
		MediaType: "application/ivms101+json",
		Format:    "ivms101/1.0",
		Data:      &didcomm.AttachmentData{JSON: existing.IVMS101Data},
	})
	p.logger.Debug("travel-rule: attached originator ivms101", "message_id", plain.ID)
	return nil
}

// CustomerExtractionProcessor upserts customer rows for the parties inbound
// transactions name.
type CustomerExtractionProcessor struct {
	logger *slog.Logger
}

func (*CustomerExtractionProcessor) Name() string { return "customer-extraction" }

func (p *CustomerExtractionProcessor) ProcessIncoming(ctx context.Context, agent *AgentHandle, plain *didcomm.PlainMessage, body message.Body) (message.Body, error) {
	parties := customer.PartiesOf(body)
	if len(parties) == 0 {
		return nil, nil
	}
	customer.NewExtractor(agent.Store, p.logger).ExtractParties(ctx, agent.DID, parties)
	return nil, nil
}

func (*CustomerExtractionProcessor) ProcessOutgoing(context.Context, *AgentHandle, *didcomm.PlainMessage, message.Body) error {
	return nil
}
