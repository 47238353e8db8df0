package message

import (
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// AddAgents adds agents to an in-flight transaction (TAIP-5).
type AddAgents struct {
	TransactionID string  `json:"transactionId"`
	Agents        []Agent `json:"agents"`
}

func (*AddAgents) TypeURI() string { return TypeAddAgents }

func (a *AddAgents) Validate() error {
	if err := requireTransactionID(a.TransactionID, "add-agents"); err != nil {
		return err
	}
	if len(a.Agents) == 0 {
		return taperr.New(taperr.KindValidation, "add-agents requires at least one agent")
	}
	for i := range a.Agents {
		if a.Agents[i].ID == "" {
			return taperr.New(taperr.KindValidation, "add-agents agent %d missing id", i)
		}
	}
	return nil
}

func (a *AddAgents) TransactionRef() string { return a.TransactionID }

func (a *AddAgents) Participants() []string {
	out := make([]string, 0, len(a.Agents))
	for i := range a.Agents {
		out = append(out, a.Agents[i].ID)
	}
	return dedupe(out)
}

// RemoveAgent removes an agent from a transaction (TAIP-5).
type RemoveAgent struct {
	TransactionID string `json:"transactionId"`
	Agent         string `json:"agent"`
}

func (*RemoveAgent) TypeURI() string { return TypeRemoveAgent }

func (r *RemoveAgent) Validate() error {
	if err := requireTransactionID(r.TransactionID, "remove-agent"); err != nil {
		return err
	}
	if r.Agent == "" {
		return taperr.New(taperr.KindValidation, "remove-agent agent is required")
	}
	return nil
}

func (r *RemoveAgent) TransactionRef() string { return r.TransactionID }
func (r *RemoveAgent) Participants() []string { return []string{r.Agent} }

// ReplaceAgent swaps one agent for another (TAIP-5).
type ReplaceAgent struct {
	TransactionID string `json:"transactionId"`
	Original      string `json:"original"`
	Replacement   Agent  `json:"replacement"`
}

func (*ReplaceAgent) TypeURI() string { return TypeReplaceAgent }

func (r *ReplaceAgent) Validate() error {
	if err := requireTransactionID(r.TransactionID, "replace-agent"); err != nil {
		return err
	}
	if r.Original == "" {
		return taperr.New(taperr.KindValidation, "replace-agent original is required")
	}
	if r.Replacement.ID == "" {
		return taperr.New(taperr.KindValidation, "replace-agent replacement id is required")
	}
	return nil
}

func (r *ReplaceAgent) TransactionRef() string { return r.TransactionID }
func (r *ReplaceAgent) Participants() []string {
	return dedupe([]string{r.Original, r.Replacement.ID})
}

// UpdatePolicies declares policies peers must satisfy before the sender
// will authorize (TAIP-7).
type UpdatePolicies struct {
	TransactionID string   `json:"transactionId"`
	Policies      []Policy `json:"policies"`
}

func (*UpdatePolicies) TypeURI() string { return TypeUpdatePolicies }

func (u *UpdatePolicies) Validate() error {
	if err := requireTransactionID(u.TransactionID, "update-policies"); err != nil {
		return err
	}
	if len(u.Policies) == 0 {
		return taperr.New(taperr.KindValidation, "update-policies requires at least one policy")
	}
	for i := range u.Policies {
		if err := u.Policies[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (u *UpdatePolicies) TransactionRef() string { return u.TransactionID }
func (u *UpdatePolicies) Participants() []string { return nil }

// UpdateParty amends party information on a transaction (TAIP-6).
type UpdateParty struct {
	TransactionID string `json:"transactionId"`
	PartyType     string `json:"partyType"`
	Party         Party  `json:"party"`
}

func (*UpdateParty) TypeURI() string { return TypeUpdateParty }

func (u *UpdateParty) Validate() error {
	if err := requireTransactionID(u.TransactionID, "update-party"); err != nil {
		return err
	}
	if u.PartyType == "" {
		return taperr.New(taperr.KindValidation, "update-party partyType is required")
	}
	if u.Party.ID == "" {
		return taperr.New(taperr.KindValidation, "update-party party id is required")
	}
	return nil
}

func (u *UpdateParty) TransactionRef() string { return u.TransactionID }
func (u *UpdateParty) Participants() []string { return []string{u.Party.ID} }

// ConfirmRelationship proves an agent acts for a party (TAIP-9).
type ConfirmRelationship struct {
	TransactionID string `json:"transactionId"`
	Agent         string `json:"@id"`
	For           string `json:"for"`
	Role          string `json:"role,omitempty"`
}

func (*ConfirmRelationship) TypeURI() string { return TypeConfirmRelationship }

func (c *ConfirmRelationship) Validate() error {
	if err := requireTransactionID(c.TransactionID, "confirmrelationship"); err != nil {
		return err
	}
	if c.Agent == "" || c.For == "" {
		return taperr.New(taperr.KindValidation, "confirmrelationship requires @id and for")
	}
	return nil
}

func (c *ConfirmRelationship) TransactionRef() string { return c.TransactionID }
func (c *ConfirmRelationship) Participants() []string {
	return dedupe([]string{c.Agent, c.For})
}
