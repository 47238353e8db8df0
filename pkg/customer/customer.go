// Package customer derives durable customer profiles from the party
// metadata that rides on Transfer and Payment messages. It is not on the
// message-processing critical path; extraction failures never fail ingest.
package customer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/tap-rsvp/tap-go/pkg/message"
	"github.com/tap-rsvp/tap-go/pkg/storage"
)

// HashName computes the TAIP name hash: SHA-256 over the NFKC-normalized,
// uppercased name with whitespace removed.
func HashName(name string) string {
	normalized := norm.NFKC.String(name)
	normalized = strings.ToUpper(normalized)
	normalized = strings.Join(strings.Fields(normalized), "")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// identifierTypeOf classifies a party IRI.
func identifierTypeOf(iri string) string {
	switch {
	case strings.HasPrefix(iri, "did:"):
		return "did"
	case strings.HasPrefix(iri, "mailto:"):
		return "email"
	case strings.HasPrefix(iri, "tel:"):
		return "phone"
	case strings.HasPrefix(iri, "http://"), strings.HasPrefix(iri, "https://"):
		return "url"
	default:
		return "other"
	}
}

// FromParty builds a customer record for one party as seen by agentDID.
func FromParty(agentDID string, p *message.Party) *storage.Customer {
	c := &storage.Customer{
		ID:       customerID(agentDID, p.ID),
		AgentDID: agentDID,
	}

	name := p.Name()
	if lei := p.LEICode(); lei != "" || p.MCC() != "" {
		c.SchemaType = storage.SchemaOrganization
		c.LegalName = name
		c.LEICode = lei
		c.MCCCode = p.MCC()
	} else {
		c.SchemaType = storage.SchemaPerson
		c.DisplayName = name
		if name != "" {
			parts := strings.Fields(name)
			if len(parts) >= 2 {
				c.GivenName = parts[0]
				c.FamilyName = strings.Join(parts[1:], " ")
			}
		}
	}
	c.Country = p.Country()

	profile := map[string]any{
		"@context": "https://schema.org",
		"@type":    string(c.SchemaType),
	}
	if name != "" {
		profile["name"] = name
		profile["nameHash"] = HashName(name)
	}
	if c.Country != "" {
		profile["addressCountry"] = c.Country
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		raw = []byte(`{}`)
	}
	c.Profile = raw
	return c
}

// customerID is deterministic per (agent, party IRI) so repeated transfers
// update the same row.
func customerID(agentDID, partyIRI string) string {
	sum := sha256.Sum256([]byte(agentDID + "|" + partyIRI))
	return uuid.NewSHA1(uuid.NameSpaceURL, sum[:]).String()
}

// Extractor persists customers for the parties named by inbound
// transactions.
type Extractor struct {
	store  *storage.Store
	logger *slog.Logger
}

// NewExtractor creates an extractor over an agent store.
func NewExtractor(store *storage.Store, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{store: store, logger: logger}
}

// ExtractParties upserts a customer and identifier row per party. Errors
// are logged, not returned: extraction is best-effort by design.
func (e *Extractor) ExtractParties(ctx context.Context, agentDID string, parties []*message.Party) {
	for _, p := range parties {
		if p == nil || p.ID == "" {
			continue
		}
		c := FromParty(agentDID, p)
		if err := e.store.UpsertCustomer(ctx, c); err != nil {
			e.logger.Warn("customer: upsert failed", "party", p.ID, "error", err)
			continue
		}
		err := e.store.UpsertCustomerIdentifier(ctx, &storage.CustomerIdentifier{
			ID:             p.ID,
			CustomerID:     c.ID,
			IdentifierType: identifierTypeOf(p.ID),
		})
		if err != nil {
			e.logger.Warn("customer: identifier upsert failed", "party", p.ID, "error", err)
		}
	}
}

// PartiesOf collects the party records a body names.
func PartiesOf(body message.Body) []*message.Party {
	switch b := body.(type) {
	case *message.Transfer:
		out := []*message.Party{&b.Originator}
		if b.Beneficiary != nil {
			out = append(out, b.Beneficiary)
		}
		return out
	case *message.Payment:
		out := []*message.Party{&b.Merchant}
		if b.Customer != nil {
			out = append(out, b.Customer)
		}
		return out
	case *message.UpdateParty:
		return []*message.Party{&b.Party}
	default:
		return nil
	}
}
