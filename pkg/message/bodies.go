package message

import (
	"github.com/tap-rsvp/tap-go/pkg/caip"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Transfer initiates a value transfer between an originator and a
// beneficiary (TAIP-3).
type Transfer struct {
	Asset         string  `json:"asset"`
	Originator    Party   `json:"originator"`
	Beneficiary   *Party  `json:"beneficiary,omitempty"`
	Amount        string  `json:"amount"`
	Agents        []Agent `json:"agents"`
	SettlementID  string  `json:"settlementId,omitempty"`
	Memo          string  `json:"memo,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
}

func (*Transfer) TypeURI() string { return TypeTransfer }

func (t *Transfer) Validate() error {
	if _, err := caip.ParseAssetID(t.Asset); err != nil {
		return taperr.Wrap(taperr.KindValidation, err, "transfer asset")
	}
	if !isDecimalString(t.Amount) {
		return taperr.New(taperr.KindValidation, "transfer amount %q is not a decimal string", t.Amount)
	}
	if t.Originator.ID == "" {
		return taperr.New(taperr.KindValidation, "transfer originator id is required")
	}
	if t.Beneficiary != nil && t.Beneficiary.ID == "" {
		return taperr.New(taperr.KindValidation, "transfer beneficiary id is required when present")
	}
	for i := range t.Agents {
		if t.Agents[i].ID == "" {
			return taperr.New(taperr.KindValidation, "transfer agent %d missing id", i)
		}
		for j := range t.Agents[i].Policies {
			if err := t.Agents[i].Policies[j].Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Transfer) TransactionRef() string { return t.TransactionID }

func (t *Transfer) Participants() []string {
	out := []string{t.Originator.ID}
	if t.Beneficiary != nil {
		out = append(out, t.Beneficiary.ID)
	}
	return dedupe(append(out, t.AgentDIDs()...))
}

// AgentDIDs returns only the agent participants (not primary parties).
func (t *Transfer) AgentDIDs() []string {
	out := make([]string, 0, len(t.Agents))
	for i := range t.Agents {
		out = append(out, t.Agents[i].ID)
	}
	return dedupe(out)
}

// Payment requests a customer payment to a merchant (TAIP-14).
type Payment struct {
	Asset         string  `json:"asset,omitempty"`
	CurrencyCode  string  `json:"currencyCode,omitempty"`
	Amount        string  `json:"amount"`
	Merchant      Party   `json:"merchant"`
	Customer      *Party  `json:"customer,omitempty"`
	Agents        []Agent `json:"agents"`
	InvoiceID     string  `json:"invoiceId,omitempty"`
	Memo          string  `json:"memo,omitempty"`
	TransactionID string  `json:"transactionId,omitempty"`
}

func (*Payment) TypeURI() string { return TypePayment }

func (p *Payment) Validate() error {
	if (p.Asset == "") == (p.CurrencyCode == "") {
		return taperr.New(taperr.KindValidation, "payment requires exactly one of asset or currencyCode")
	}
	if p.Asset != "" {
		if _, err := caip.ParseAssetID(p.Asset); err != nil {
			return taperr.Wrap(taperr.KindValidation, err, "payment asset")
		}
	}
	if !isDecimalString(p.Amount) {
		return taperr.New(taperr.KindValidation, "payment amount %q is not a decimal string", p.Amount)
	}
	if p.Merchant.ID == "" {
		return taperr.New(taperr.KindValidation, "payment merchant id is required")
	}
	for i := range p.Agents {
		if p.Agents[i].ID == "" {
			return taperr.New(taperr.KindValidation, "payment agent %d missing id", i)
		}
	}
	return nil
}

func (p *Payment) TransactionRef() string { return p.TransactionID }

func (p *Payment) Participants() []string {
	out := []string{p.Merchant.ID}
	if p.Customer != nil {
		out = append(out, p.Customer.ID)
	}
	return dedupe(append(out, p.AgentDIDs()...))
}

// AgentDIDs returns only the agent participants.
func (p *Payment) AgentDIDs() []string {
	out := make([]string, 0, len(p.Agents))
	for i := range p.Agents {
		out = append(out, p.Agents[i].ID)
	}
	return dedupe(out)
}

// Authorize approves a transaction on behalf of the sending agent (TAIP-8).
type Authorize struct {
	TransactionID     string `json:"transactionId"`
	SettlementAddress string `json:"settlementAddress,omitempty"`
	Expiry            string `json:"expiry,omitempty"`
}

func (*Authorize) TypeURI() string { return TypeAuthorize }

func (a *Authorize) Validate() error {
	return requireTransactionID(a.TransactionID, "authorize")
}

func (a *Authorize) TransactionRef() string { return a.TransactionID }
func (a *Authorize) Participants() []string { return nil }

// Reject declines a transaction with a reason (TAIP-10).
type Reject struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`
}

func (*Reject) TypeURI() string { return TypeReject }

func (r *Reject) Validate() error {
	return requireTransactionID(r.TransactionID, "reject")
}

func (r *Reject) TransactionRef() string { return r.TransactionID }
func (r *Reject) Participants() []string { return nil }

// Settle announces on-chain settlement of an authorized transaction
// (TAIP-9).
type Settle struct {
	TransactionID string `json:"transactionId"`
	SettlementID  string `json:"settlementId"`
	Amount        string `json:"amount,omitempty"`
}

func (*Settle) TypeURI() string { return TypeSettle }

func (s *Settle) Validate() error {
	if err := requireTransactionID(s.TransactionID, "settle"); err != nil {
		return err
	}
	if s.SettlementID == "" {
		return taperr.New(taperr.KindValidation, "settle settlementId is required")
	}
	if s.Amount != "" && !isDecimalString(s.Amount) {
		return taperr.New(taperr.KindValidation, "settle amount %q is not a decimal string", s.Amount)
	}
	return nil
}

func (s *Settle) TransactionRef() string { return s.TransactionID }
func (s *Settle) Participants() []string { return nil }

// Cancel withdraws a transaction (TAIP-11).
type Cancel struct {
	TransactionID string `json:"transactionId"`
	By            string `json:"by,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (*Cancel) TypeURI() string { return TypeCancel }

func (c *Cancel) Validate() error {
	return requireTransactionID(c.TransactionID, "cancel")
}

func (c *Cancel) TransactionRef() string { return c.TransactionID }
func (c *Cancel) Participants() []string { return nil }

// Revert requests reversal of a settled transaction (TAIP-12).
type Revert struct {
	TransactionID     string `json:"transactionId"`
	SettlementAddress string `json:"settlementAddress"`
	Reason            string `json:"reason"`
}

func (*Revert) TypeURI() string { return TypeRevert }

func (r *Revert) Validate() error {
	if err := requireTransactionID(r.TransactionID, "revert"); err != nil {
		return err
	}
	if r.SettlementAddress == "" {
		return taperr.New(taperr.KindValidation, "revert settlementAddress is required")
	}
	if r.Reason == "" {
		return taperr.New(taperr.KindValidation, "revert reason is required")
	}
	return nil
}

func (r *Revert) TransactionRef() string { return r.TransactionID }
func (r *Revert) Participants() []string { return nil }

func requireTransactionID(id, what string) error {
	if id == "" {
		return taperr.New(taperr.KindValidation, "%s transactionId is required", what)
	}
	return nil
}

func isDecimalString(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot && i > 0 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
