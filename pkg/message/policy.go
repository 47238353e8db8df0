package message

import (
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Policy type tags.
const (
	PolicyRequireAuthorization  = "RequireAuthorization"
	PolicyRequireProofOfControl = "RequireProofOfControl"
	PolicyRequirePresentation   = "RequirePresentation"
	PolicyRequireRelationship   = "RequireRelationshipConfirmation"
)

// Policy is a flat tagged-variant record. It never points back at the
// transaction that carries it; the pairing lives in the store as
// (transaction_id, agent_did) keys.
type Policy struct {
	Type string `json:"@type"`

	// From restricts who must satisfy the policy (party or agent IRIs).
	From []string `json:"from,omitempty"`
	// FromRole restricts by agent role.
	FromRole string `json:"fromRole,omitempty"`
	// FromAgent restricts by agent id.
	FromAgent string `json:"fromAgent,omitempty"`

	// AddressID names the settlement address for RequireProofOfControl.
	AddressID string `json:"address,omitempty"`
	// Nonce challenges the proof for RequireProofOfControl.
	Nonce string `json:"nonce,omitempty"`

	// AboutParty / AboutAgent select the presentation subject for
	// RequirePresentation.
	AboutParty string `json:"aboutParty,omitempty"`
	AboutAgent string `json:"aboutAgent,omitempty"`
	// PresentationDefinition is a URI for RequirePresentation.
	PresentationDefinition string `json:"presentationDefinition,omitempty"`

	Purpose string `json:"purpose,omitempty"`
}

// Validate checks the tag and the variant-specific required fields.
func (p *Policy) Validate() error {
	switch p.Type {
	case PolicyRequireAuthorization, PolicyRequireRelationship:
		return nil
	case PolicyRequireProofOfControl:
		if p.AddressID == "" {
			return taperr.New(taperr.KindValidation, "RequireProofOfControl needs an address")
		}
		return nil
	case PolicyRequirePresentation:
		if p.AboutParty == "" && p.AboutAgent == "" {
			return taperr.New(taperr.KindValidation, "RequirePresentation needs aboutParty or aboutAgent")
		}
		return nil
	case "":
		return taperr.New(taperr.KindValidation, "policy missing @type")
	default:
		return taperr.New(taperr.KindValidation, "unknown policy type %q", p.Type)
	}
}
