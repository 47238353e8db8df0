// Package caip parses the chain-agnostic identifiers used in TAP message
// bodies: CAIP-2 chain ids, CAIP-10 account ids, and CAIP-19 asset ids.
package caip

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	namespaceRe = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	referenceRe = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,32}$`)
	assetNsRe   = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	assetRefRe  = regexp.MustCompile(`^[-.%a-zA-Z0-9]{1,128}$`)
	accountRe   = regexp.MustCompile(`^[-.%a-zA-Z0-9]{1,128}$`)
)

// ChainID is a CAIP-2 identifier, e.g. "eip155:1".
type ChainID struct {
	Namespace string
	Reference string
}

// ParseChainID parses a CAIP-2 string.
func ParseChainID(s string) (ChainID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ChainID{}, fmt.Errorf("invalid CAIP-2 chain id %q", s)
	}
	c := ChainID{Namespace: parts[0], Reference: parts[1]}
	if !namespaceRe.MatchString(c.Namespace) || !referenceRe.MatchString(c.Reference) {
		return ChainID{}, fmt.Errorf("invalid CAIP-2 chain id %q", s)
	}
	return c, nil
}

func (c ChainID) String() string {
	return c.Namespace + ":" + c.Reference
}

// AccountID is a CAIP-10 identifier, e.g. "eip155:1:0xab16...".
type AccountID struct {
	ChainID ChainID
	Address string
}

// ParseAccountID parses a CAIP-10 string.
func ParseAccountID(s string) (AccountID, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return AccountID{}, fmt.Errorf("invalid CAIP-10 account id %q", s)
	}
	chain, err := ParseChainID(s[:idx])
	if err != nil {
		return AccountID{}, fmt.Errorf("invalid CAIP-10 account id %q: %w", s, err)
	}
	addr := s[idx+1:]
	if !accountRe.MatchString(addr) {
		return AccountID{}, fmt.Errorf("invalid CAIP-10 address in %q", s)
	}
	return AccountID{ChainID: chain, Address: addr}, nil
}

func (a AccountID) String() string {
	return a.ChainID.String() + ":" + a.Address
}

// AssetID is a CAIP-19 identifier, e.g. "eip155:1/erc20:0xa0b8...".
type AssetID struct {
	ChainID        ChainID
	AssetNamespace string
	AssetReference string
}

// ParseAssetID parses a CAIP-19 string.
func ParseAssetID(s string) (AssetID, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset id %q", s)
	}
	chain, err := ParseChainID(parts[0])
	if err != nil {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset id %q: %w", s, err)
	}
	assetParts := strings.SplitN(parts[1], ":", 2)
	if len(assetParts) != 2 {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset id %q", s)
	}
	a := AssetID{ChainID: chain, AssetNamespace: assetParts[0], AssetReference: assetParts[1]}
	if !assetNsRe.MatchString(a.AssetNamespace) || !assetRefRe.MatchString(a.AssetReference) {
		return AssetID{}, fmt.Errorf("invalid CAIP-19 asset id %q", s)
	}
	return a, nil
}

func (a AssetID) String() string {
	return a.ChainID.String() + "/" + a.AssetNamespace + ":" + a.AssetReference
}

// MarshalText implements encoding.TextMarshaler so AssetID round-trips
// through JSON as its string form.
func (a AssetID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AssetID) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
