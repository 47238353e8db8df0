package did

import (
	"context"
	"strings"

	"github.com/tap-rsvp/tap-go/pkg/caip"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// PkhResolver resolves did:pkh identifiers. A did:pkh embeds a CAIP-10
// account id; the resulting document exposes a single secp256k1 recovery
// method and no key agreement. The method carries no public key bytes, so
// the envelope codec cannot verify a did:pkh signature against it, and
// did:pkh peers cannot be encrypted to.
type PkhResolver struct{}

// NewPkhResolver creates the did:pkh resolver.
func NewPkhResolver() *PkhResolver { return &PkhResolver{} }

func (*PkhResolver) Method() string { return "pkh" }

func (*PkhResolver) Resolve(_ context.Context, didPkh string) (*Document, error) {
	const prefix = "did:pkh:"
	if !strings.HasPrefix(didPkh, prefix) {
		return nil, taperr.New(taperr.KindMalformed, "not a did:pkh: %q", didPkh)
	}
	if _, err := caip.ParseAccountID(didPkh[len(prefix):]); err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "did:pkh account id")
	}

	vmID := didPkh + "#blockchainAccountId"
	return &Document{
		ID: didPkh,
		VerificationMethods: []VerificationMethod{{
			ID:         vmID,
			Type:       "EcdsaSecp256k1RecoveryMethod2020",
			Controller: didPkh,
			// Recovery methods carry the account id, not key bytes.
			PublicKeyMultibase: "",
		}},
		Authentication: []string{vmID},
	}, nil
}
