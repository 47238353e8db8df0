package didcomm

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// jwsEnvelope is the JWS General JSON Serialization.
type jwsEnvelope struct {
	Payload    string         `json:"payload"`
	Signatures []jwsSignature `json:"signatures"`
}

type jwsSignature struct {
	Protected string    `json:"protected"`
	Signature string    `json:"signature"`
	Header    jwsHeader `json:"header,omitempty"`
}

type jwsHeader struct {
	Kid string `json:"kid,omitempty"`
}

type jwsProtected struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

var b64 = base64.RawURLEncoding

// signEnvelope canonicalizes plain, then produces one JWS signature per
// signer kid.
func (c *Codec) signEnvelope(plain *PlainMessage, signerKids []string) ([]byte, error) {
	raw, err := json.Marshal(plain)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "marshal plain message")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "canonicalize plain message")
	}
	payload := b64.EncodeToString(canonical)

	env := jwsEnvelope{Payload: payload}
	for _, kid := range signerKids {
		keyType, err := c.keys.KeyTypeOf(kid)
		if err != nil {
			return nil, err
		}
		protected, err := json.Marshal(jwsProtected{Alg: keyType.Alg(), Kid: kid, Typ: TypSigned})
		if err != nil {
			return nil, err
		}
		protectedB64 := b64.EncodeToString(protected)
		sig, err := c.keys.Sign(kid, []byte(protectedB64+"."+payload))
		if err != nil {
			return nil, err
		}
		env.Signatures = append(env.Signatures, jwsSignature{
			Protected: protectedB64,
			Signature: b64.EncodeToString(sig),
			Header:    jwsHeader{Kid: kid},
		})
	}
	return json.Marshal(env)
}

// verifyEnvelope checks each signature against resolved DID documents and
// returns the set of DIDs with at least one valid signature.
func (c *Codec) verifyEnvelope(ctx context.Context, env *jwsEnvelope) (*PlainMessage, []string, error) {
	if env.Payload == "" || len(env.Signatures) == 0 {
		return nil, nil, taperr.New(taperr.KindMalformed, "signed envelope missing payload or signatures")
	}

	var verified []string
	var lastErr error
	for _, sig := range env.Signatures {
		signerDID, err := c.verifySignature(ctx, env.Payload, &sig)
		if err != nil {
			lastErr = err
			continue
		}
		verified = append(verified, signerDID)
	}
	if len(verified) == 0 {
		if lastErr == nil {
			lastErr = taperr.New(taperr.KindSignatureInvalid, "no valid signature")
		}
		return nil, nil, lastErr
	}

	payload, err := b64.DecodeString(env.Payload)
	if err != nil {
		return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "decode payload")
	}
	var plain PlainMessage
	if err := json.Unmarshal(payload, &plain); err != nil {
		return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse plain message")
	}
	return &plain, verified, nil
}

func (c *Codec) verifySignature(ctx context.Context, payload string, sig *jwsSignature) (string, error) {
	protectedRaw, err := b64.DecodeString(sig.Protected)
	if err != nil {
		return "", taperr.Wrap(taperr.KindMalformed, err, "decode protected header")
	}
	var protected jwsProtected
	if err := json.Unmarshal(protectedRaw, &protected); err != nil {
		return "", taperr.Wrap(taperr.KindMalformed, err, "parse protected header")
	}
	kid := protected.Kid
	if kid == "" {
		kid = sig.Header.Kid
	}
	if kid == "" {
		return "", taperr.New(taperr.KindMalformed, "signature missing kid")
	}
	signerDID := baseDID(kid)

	doc, err := c.resolver.Resolve(ctx, signerDID)
	if err != nil {
		return "", taperr.Wrap(taperr.KindUnknownKey, err, "resolve signer %s", signerDID)
	}

	sigBytes, err := b64.DecodeString(sig.Signature)
	if err != nil {
		return "", taperr.Wrap(taperr.KindMalformed, err, "decode signature")
	}
	signingInput := []byte(sig.Protected + "." + payload)

	for _, vm := range doc.AuthenticationMethods() {
		if vm.PublicKeyMultibase == "" {
			continue
		}
		pub, err := did.DecodeMultibaseKey(vm.PublicKeyMultibase)
		if err != nil {
			continue
		}
		if keys.Verify(keyTypeOfMethod(vm.Type), pub, signingInput, sigBytes) {
			return signerDID, nil
		}
	}
	return "", taperr.New(taperr.KindSignatureInvalid, "signature by %s does not verify", signerDID)
}

func keyTypeOfMethod(vmType string) keys.KeyType {
	switch vmType {
	case did.TypeSecp256k1:
		return keys.KeyTypeSecp256k1
	case did.TypeP256:
		return keys.KeyTypeP256
	default:
		return keys.KeyTypeEd25519
	}
}
