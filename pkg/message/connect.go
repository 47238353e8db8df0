package message

import (
	"encoding/json"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// ConnectionConstraints bound what a connection may be used for (TAIP-15).
type ConnectionConstraints struct {
	Purposes         []string `json:"purposes,omitempty"`
	CategoryPurposes []string `json:"categoryPurposes,omitempty"`
	Limits           *Limits  `json:"limits,omitempty"`
}

// Limits are per-transaction and per-day value caps.
type Limits struct {
	PerTransaction string `json:"per_transaction,omitempty"`
	PerDay         string `json:"per_day,omitempty"`
	Currency       string `json:"currency,omitempty"`
}

// Connect opens an agent-to-agent connection; the initiator assigns the
// transaction id (TAIP-2).
type Connect struct {
	TransactionID string                 `json:"transactionId"`
	Agent         *Agent                 `json:"agent,omitempty"`
	For           string                 `json:"for,omitempty"`
	Constraints   *ConnectionConstraints `json:"constraints,omitempty"`
}

func (*Connect) TypeURI() string { return TypeConnect }

func (c *Connect) Validate() error {
	return requireTransactionID(c.TransactionID, "connect")
}

func (c *Connect) TransactionRef() string { return c.TransactionID }

func (c *Connect) Participants() []string {
	var out []string
	if c.Agent != nil {
		out = append(out, c.Agent.ID)
	}
	if c.For != "" {
		out = append(out, c.For)
	}
	return dedupe(out)
}

// AuthorizationRequired points a counterparty at an interactive
// authorization flow (TAIP-2).
type AuthorizationRequired struct {
	AuthorizationURL string `json:"authorizationUrl"`
	Expires          string `json:"expires,omitempty"`
}

func (*AuthorizationRequired) TypeURI() string { return TypeAuthorizationRequired }

func (a *AuthorizationRequired) Validate() error {
	if a.AuthorizationURL == "" {
		return taperr.New(taperr.KindValidation, "authorizationrequired authorizationUrl is required")
	}
	return nil
}

func (a *AuthorizationRequired) TransactionRef() string { return "" }
func (a *AuthorizationRequired) Participants() []string { return nil }

// OutOfBand invites a counterparty to connect over a side channel (TAIP-2).
type OutOfBand struct {
	GoalCode string   `json:"goal_code,omitempty"`
	Goal     string   `json:"goal,omitempty"`
	Accept   []string `json:"accept,omitempty"`
}

func (*OutOfBand) TypeURI() string { return TypeOutOfBand }

func (o *OutOfBand) Validate() error        { return nil }
func (o *OutOfBand) TransactionRef() string { return "" }
func (o *OutOfBand) Participants() []string { return nil }

// PresentationFormat declares the format of one presentation attachment.
type PresentationFormat struct {
	AttachID string `json:"attach_id"`
	Format   string `json:"format"`
}

// Presentation delivers verifiable credentials satisfying a
// RequirePresentation policy (TAIP-8). The credential payloads ride as
// message attachments; the body only declares formats.
type Presentation struct {
	TransactionID string               `json:"transactionId,omitempty"`
	Formats       []PresentationFormat `json:"formats,omitempty"`
}

func (*Presentation) TypeURI() string { return TypePresentation }

func (p *Presentation) Validate() error        { return nil }
func (p *Presentation) TransactionRef() string { return p.TransactionID }
func (p *Presentation) Participants() []string { return nil }

// RequestPresentation asks a party for credentials (TAIP-8).
type RequestPresentation struct {
	TransactionID          string          `json:"transactionId,omitempty"`
	PresentationDefinition json.RawMessage `json:"presentationDefinition,omitempty"`
}

func (*RequestPresentation) TypeURI() string { return TypeRequestPresentation }

func (r *RequestPresentation) Validate() error        { return nil }
func (r *RequestPresentation) TransactionRef() string { return r.TransactionID }
func (r *RequestPresentation) Participants() []string { return nil }

// ErrorBody reports an application-level failure in a thread.
type ErrorBody struct {
	Code              string `json:"code"`
	Description       string `json:"description,omitempty"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}

func (*ErrorBody) TypeURI() string { return TypeError }

func (e *ErrorBody) Validate() error {
	if e.Code == "" {
		return taperr.New(taperr.KindValidation, "error code is required")
	}
	return nil
}

func (e *ErrorBody) TransactionRef() string { return "" }
func (e *ErrorBody) Participants() []string { return nil }
