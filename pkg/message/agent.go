package message

import (
	"encoding/json"
	"fmt"
)

// Agent role vocabulary.
const (
	RoleSettlementAddress = "SettlementAddress"
	RoleSourceAddress     = "SourceAddress"
	RoleCustodialService  = "CustodialService"
	RoleWalletService     = "WalletService"
	RoleExchange          = "Exchange"
	RoleBridge            = "Bridge"
	RoleDeFiProtocol      = "DeFiProtocol"
	RoleCompliance        = "Compliance"
)

// ForParties is the "for" field of an agent: one or more party IRIs. The
// wire form is a bare string when there is exactly one.
type ForParties []string

// MarshalJSON collapses a single entry to a bare string.
func (f ForParties) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]string(f))
}

// UnmarshalJSON accepts both a bare string and an array.
func (f *ForParties) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = ForParties{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf(`"for" must be a string or array of strings: %w`, err)
	}
	*f = ForParties(many)
	return nil
}

// Agent is a software service participating in a transaction on behalf of
// one or more parties.
type Agent struct {
	ID       string     `json:"@id"`
	Role     string     `json:"role,omitempty"`
	For      ForParties `json:"for,omitempty"`
	Policies []Policy   `json:"policies,omitempty"`
}

// NewAgent creates an agent acting for a single party.
func NewAgent(id, role, forParty string) Agent {
	return Agent{ID: id, Role: role, For: ForParties{forParty}}
}

// ActsFor reports whether the agent acts for the given party.
func (a *Agent) ActsFor(partyID string) bool {
	for _, p := range a.For {
		if p == partyID {
			return true
		}
	}
	return false
}
