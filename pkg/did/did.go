// Package did resolves Decentralized Identifiers to documents exposing the
// verification material the envelope codec needs. Resolution is a registry
// keyed by the DID method substring; methods register dynamically.
package did

import (
	"context"
	"strings"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Key family tags for verification methods.
const (
	TypeEd25519            = "Ed25519VerificationKey2018"
	TypeX25519KeyAgreement = "X25519KeyAgreementKey2019"
	TypeSecp256k1          = "EcdsaSecp256k1VerificationKey2019"
	TypeP256               = "JsonWebKey2020"
)

// VerificationMethod is a single public key entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// Service is an endpoint declaration, used for routing outbound deliveries.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// Document is a resolved DID document. Authentication lists methods valid
// for signature verification; KeyAgreement lists methods valid for
// encryption key wrapping. Both reference entries of VerificationMethods
// by id.
type Document struct {
	ID                  string               `json:"id"`
	VerificationMethods []VerificationMethod `json:"verificationMethod"`
	Authentication      []string             `json:"authentication"`
	KeyAgreement        []string             `json:"keyAgreement"`
	Services            []Service            `json:"service,omitempty"`
}

// AuthenticationMethods returns the verification methods referenced by the
// authentication section, in declaration order.
func (d *Document) AuthenticationMethods() []VerificationMethod {
	return d.methodsByRef(d.Authentication)
}

// KeyAgreementMethods returns the verification methods referenced by the
// keyAgreement section, in declaration order.
func (d *Document) KeyAgreementMethods() []VerificationMethod {
	return d.methodsByRef(d.KeyAgreement)
}

func (d *Document) methodsByRef(refs []string) []VerificationMethod {
	var out []VerificationMethod
	for _, ref := range refs {
		for _, vm := range d.VerificationMethods {
			if vm.ID == ref {
				out = append(out, vm)
				break
			}
		}
	}
	return out
}

// Method returns the verification method with the given id, if present.
func (d *Document) Method(id string) (VerificationMethod, bool) {
	for _, vm := range d.VerificationMethods {
		if vm.ID == id {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// ServiceEndpoint returns the first DIDCommMessaging endpoint, or "".
func (d *Document) ServiceEndpoint() string {
	for _, s := range d.Services {
		if s.Type == "DIDCommMessaging" {
			return s.ServiceEndpoint
		}
	}
	return ""
}

// Resolver resolves a DID to its document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// MethodResolver resolves DIDs of a single method.
type MethodResolver interface {
	Resolver
	// Method returns the method substring this resolver handles,
	// e.g. "key", "web", "pkh".
	Method() string
}

// MethodOf extracts the method substring of a DID, or an error if the DID is
// not of the form did:<method>:<specific-id>.
func MethodOf(did string) (string, error) {
	parts := strings.SplitN(did, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return "", taperr.New(taperr.KindMalformed, "invalid DID %q", did)
	}
	return parts[1], nil
}
