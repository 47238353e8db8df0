package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tap-rsvp/tap-go/pkg/didcomm"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Wire type URIs. Fragments follow the published fixtures: lowercase,
// hyphenated for multi-word names.
const (
	schemaPrefix = "https://tap.rsvp/schema/1.0#"

	TypeTransfer              = schemaPrefix + "transfer"
	TypePayment               = schemaPrefix + "payment"
	TypeAuthorize             = schemaPrefix + "authorize"
	TypeReject                = schemaPrefix + "reject"
	TypeSettle                = schemaPrefix + "settle"
	TypeCancel                = schemaPrefix + "cancel"
	TypeRevert                = schemaPrefix + "revert"
	TypeAddAgents             = schemaPrefix + "add-agents"
	TypeRemoveAgent           = schemaPrefix + "remove-agent"
	TypeReplaceAgent          = schemaPrefix + "replace-agent"
	TypeUpdatePolicies        = schemaPrefix + "update-policies"
	TypeUpdateParty           = schemaPrefix + "update-party"
	TypeConfirmRelationship   = schemaPrefix + "confirmrelationship"
	TypeConnect               = schemaPrefix + "connect"
	TypeAuthorizationRequired = schemaPrefix + "authorizationrequired"
	TypeOutOfBand             = schemaPrefix + "outofband"
	TypePresentation          = schemaPrefix + "presentation"
	TypeRequestPresentation   = schemaPrefix + "request-presentation"
	TypeError                 = schemaPrefix + "error"

	TypeDIDCommPresentation = "https://didcomm.org/present-proof/3.0/presentation"
)

// Body is a typed TAP message body.
type Body interface {
	// TypeURI returns the stable wire identifier of the body schema.
	TypeURI() string
	// Validate checks the body's invariants.
	Validate() error
	// TransactionRef returns the transaction the body belongs to, or ""
	// for bodies outside a transaction thread.
	TransactionRef() string
	// Participants returns every DID or IRI the body names.
	Participants() []string
}

// bodyFactories maps wire type URIs to empty bodies for decoding.
var bodyFactories = map[string]func() Body{
	TypeTransfer:              func() Body { return &Transfer{} },
	TypePayment:               func() Body { return &Payment{} },
	TypeAuthorize:             func() Body { return &Authorize{} },
	TypeReject:                func() Body { return &Reject{} },
	TypeSettle:                func() Body { return &Settle{} },
	TypeCancel:                func() Body { return &Cancel{} },
	TypeRevert:                func() Body { return &Revert{} },
	TypeAddAgents:             func() Body { return &AddAgents{} },
	TypeRemoveAgent:           func() Body { return &RemoveAgent{} },
	TypeReplaceAgent:          func() Body { return &ReplaceAgent{} },
	TypeUpdatePolicies:        func() Body { return &UpdatePolicies{} },
	TypeUpdateParty:           func() Body { return &UpdateParty{} },
	TypeConfirmRelationship:   func() Body { return &ConfirmRelationship{} },
	TypeConnect:               func() Body { return &Connect{} },
	TypeAuthorizationRequired: func() Body { return &AuthorizationRequired{} },
	TypeOutOfBand:             func() Body { return &OutOfBand{} },
	TypePresentation:          func() Body { return &Presentation{} },
	TypeRequestPresentation:   func() Body { return &RequestPresentation{} },
	TypeError:                 func() Body { return &ErrorBody{} },
	TypeDIDCommPresentation:   func() Body { return &Presentation{} },
}

// FromPlain dispatches on the plain message's type URI and decodes the body.
// When the type header is empty, the body's "@type" property disambiguates.
func FromPlain(plain *didcomm.PlainMessage) (Body, error) {
	typeURI := plain.Type
	if typeURI == "" || typeURI == didcomm.TypPlain {
		var probe struct {
			Type string `json:"@type"`
		}
		if err := json.Unmarshal(plain.Body, &probe); err == nil {
			typeURI = probe.Type
		}
	}
	if typeURI == "" {
		return nil, taperr.New(taperr.KindValidation, "message type not found")
	}
	factory, ok := bodyFactories[typeURI]
	if !ok {
		return nil, taperr.New(taperr.KindValidation, "unknown message type %q", typeURI)
	}
	body := factory()
	if err := json.Unmarshal(plain.Body, body); err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "parse %s body", typeURI)
	}
	return body, nil
}

// IsReply reports whether the type URI names a reply body, whose thid must
// equal the thread root's id.
func IsReply(typeURI string) bool {
	switch typeURI {
	case TypeAuthorize, TypeReject, TypeSettle, TypeCancel, TypeRevert,
		TypeAddAgents, TypeRemoveAgent, TypeReplaceAgent, TypeUpdatePolicies,
		TypeUpdateParty, TypeConfirmRelationship, TypePresentation,
		TypeDIDCommPresentation, TypeAuthorizationRequired, TypeError:
		return true
	}
	return false
}

// injectType stamps the "@type" disambiguator into marshaled body JSON.
func injectType(typeURI string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(typeURI)
	fields["@type"] = tag
	return json.Marshal(fields)
}

// NewPlain wraps a body into a new PlainMessage with a fresh id.
func NewPlain(body Body, from string, to []string) (*didcomm.PlainMessage, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}
	raw, err := injectType(body.TypeURI(), body)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "marshal %s body", body.TypeURI())
	}
	return &didcomm.PlainMessage{
		ID:          uuid.NewString(),
		Typ:         didcomm.TypPlain,
		Type:        body.TypeURI(),
		From:        from,
		To:          to,
		Body:        raw,
		CreatedTime: time.Now().Unix(),
	}, nil
}

// ReplyContext carries the threading data a reply needs. Replies never hold
// a reference to the original message.
type ReplyContext struct {
	OriginalID       string
	OriginalThreadID string
	Participants     []string
}

// ThreadRoot returns the id the reply's thid must carry: the root of the
// thread, recursively.
func (r ReplyContext) ThreadRoot() string {
	if r.OriginalThreadID != "" {
		return r.OriginalThreadID
	}
	return r.OriginalID
}

// ReplyTo builds the reply context for a received plain message.
func ReplyTo(plain *didcomm.PlainMessage) ReplyContext {
	participants := make([]string, 0, len(plain.To)+1)
	if plain.From != "" {
		participants = append(participants, plain.From)
	}
	participants = append(participants, plain.To...)
	return ReplyContext{
		OriginalID:       plain.ID,
		OriginalThreadID: plain.Thid,
		Participants:     participants,
	}
}

// NewReply wraps a body into a PlainMessage threaded to the original.
func NewReply(rctx ReplyContext, body Body, from string, to []string) (*didcomm.PlainMessage, error) {
	plain, err := NewPlain(body, from, to)
	if err != nil {
		return nil, err
	}
	plain.Thid = rctx.ThreadRoot()
	return plain, nil
}
