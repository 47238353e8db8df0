package didcomm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"strings"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Mode is an envelope security mode.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeSigned    Mode = "signed"
	ModeEncrypted Mode = "encrypted"
)

// ModePolicy constrains which inbound modes the codec accepts.
type ModePolicy string

const (
	PolicyAny              ModePolicy = "any"
	PolicyRequireSigned    ModePolicy = "require_signed"
	PolicyRequireEncrypted ModePolicy = "require_encrypted"
)

// Codec packs and unpacks envelopes. It holds no global state; the resolver
// and key manager are injected.
type Codec struct {
	keys     *keys.Manager
	resolver did.Resolver
	policy   ModePolicy
}

// NewCodec creates a codec. A zero policy defaults to require_signed, which
// rejects plain envelopes on ingest.
func NewCodec(km *keys.Manager, resolver did.Resolver, policy ModePolicy) *Codec {
	if policy == "" {
		policy = PolicyRequireSigned
	}
	return &Codec{keys: km, resolver: resolver, policy: policy}
}

// PackOptions select the output mode and keys for Pack.
type PackOptions struct {
	Mode Mode
	// SenderKid signs (Signed mode) or identifies the sender (Encrypted
	// mode with authcrypt).
	SenderKid string
	// RecipientDIDs receive the envelope in Encrypted mode.
	RecipientDIDs []string
	// Anoncrypt skips the inner signature in Encrypted mode.
	Anoncrypt bool
}

// UnpackOptions constrain Unpack.
type UnpackOptions struct {
	// ExpectedMode, when non-empty, rejects envelopes of any other mode.
	ExpectedMode Mode
	// RequireSignature fails unpacking when no valid signature is present.
	RequireSignature bool
}

// Descriptor reports what protection an unpacked envelope carried.
type Descriptor struct {
	Mode            Mode
	VerifiedSigners []string
	DecryptedFor    string
}

// Pack serializes plain into an envelope of the requested mode.
func (c *Codec) Pack(ctx context.Context, plain *PlainMessage, opts PackOptions) ([]byte, error) {
	if err := plain.Validate(); err != nil {
		return nil, err
	}
	switch opts.Mode {
	case ModePlain:
		if plain.Typ == "" {
			plain.Typ = TypPlain
		}
		return json.Marshal(plain)
	case ModeSigned:
		if opts.SenderKid == "" {
			return nil, taperr.New(taperr.KindValidation, "signed mode requires a sender kid")
		}
		if plain.Typ == "" {
			plain.Typ = TypPlain
		}
		return c.signEnvelope(plain, []string{opts.SenderKid})
	case ModeEncrypted:
		if len(opts.RecipientDIDs) == 0 {
			return nil, taperr.New(taperr.KindValidation, "encrypted mode requires recipients")
		}
		if plain.Typ == "" {
			plain.Typ = TypPlain
		}
		var payload []byte
		var cty string
		var err error
		if opts.Anoncrypt || opts.SenderKid == "" {
			cty = TypPlain
			payload, err = json.Marshal(plain)
		} else {
			cty = TypSigned
			payload, err = c.signEnvelope(plain, []string{opts.SenderKid})
		}
		if err != nil {
			return nil, err
		}
		return c.encryptEnvelope(ctx, payload, opts.RecipientDIDs, opts.SenderKid, cty)
	default:
		return nil, taperr.New(taperr.KindValidation, "unknown pack mode %q", opts.Mode)
	}
}

// Unpack detects the envelope serialization, decrypts and verifies as
// needed, and returns the plain message with a descriptor of the protection
// observed.
func (c *Codec) Unpack(ctx context.Context, raw []byte, opts UnpackOptions) (*PlainMessage, *Descriptor, error) {
	mode, err := DetectMode(raw)
	if err != nil {
		return nil, nil, err
	}
	if opts.ExpectedMode != "" && opts.ExpectedMode != mode {
		return nil, nil, taperr.New(taperr.KindPolicyViolation, "expected %s envelope, got %s", opts.ExpectedMode, mode)
	}

	desc := &Descriptor{Mode: mode}
	var plain *PlainMessage

	switch mode {
	case ModeEncrypted:
		var env jweEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse jwe")
		}
		payload, cty, decryptedFor, err := c.decryptEnvelope(&env)
		if err != nil {
			return nil, nil, err
		}
		desc.DecryptedFor = decryptedFor
		if cty == TypSigned || looksSigned(payload) {
			var inner jwsEnvelope
			if err := json.Unmarshal(payload, &inner); err != nil {
				return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse inner jws")
			}
			plain, desc.VerifiedSigners, err = c.verifyEnvelope(ctx, &inner)
			if err != nil {
				return nil, nil, err
			}
		} else {
			var p PlainMessage
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse decrypted plain message")
			}
			plain = &p
		}
	case ModeSigned:
		var env jwsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse jws")
		}
		plain, desc.VerifiedSigners, err = c.verifyEnvelope(ctx, &env)
		if err != nil {
			return nil, nil, err
		}
	case ModePlain:
		if c.policy != PolicyAny {
			return nil, nil, taperr.New(taperr.KindPolicyViolation, "Plain DIDComm messages are not allowed")
		}
		var p PlainMessage
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, taperr.Wrap(taperr.KindMalformed, err, "parse plain message")
		}
		plain = &p
	}

	if c.policy == PolicyRequireEncrypted && mode != ModeEncrypted {
		return nil, nil, taperr.New(taperr.KindPolicyViolation, "policy requires encrypted envelopes")
	}
	if opts.RequireSignature && len(desc.VerifiedSigners) == 0 {
		return nil, nil, taperr.New(taperr.KindSignatureInvalid, "signature required but none verified")
	}
	if err := plain.Validate(); err != nil {
		return nil, nil, err
	}
	return plain, desc, nil
}

// DetectMode classifies raw envelope bytes by their top-level JSON shape.
// Envelopes carrying both signatures and recipients are ambiguous and
// rejected.
func DetectMode(raw []byte) (Mode, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", taperr.Wrap(taperr.KindMalformed, err, "envelope is not a JSON object")
	}
	_, hasSignatures := probe["signatures"]
	_, hasRecipients := probe["recipients"]
	_, hasCiphertext := probe["ciphertext"]
	switch {
	case hasSignatures && (hasRecipients || hasCiphertext):
		return "", taperr.New(taperr.KindMalformed, "ambiguous envelope")
	case hasRecipients || hasCiphertext:
		return ModeEncrypted, nil
	case hasSignatures:
		return ModeSigned, nil
	default:
		if _, ok := probe["id"]; !ok {
			return "", taperr.New(taperr.KindMalformed, "envelope is neither jws, jwe, nor plain message")
		}
		return ModePlain, nil
	}
}

// ContentTypeFor returns the HTTP Content-Type for an envelope mode.
func ContentTypeFor(mode Mode) string {
	switch mode {
	case ModeSigned:
		return TypSigned
	case ModeEncrypted:
		return TypEncrypted
	default:
		return TypPlain
	}
}

// ModeForContentType maps an HTTP Content-Type to an envelope mode.
func ModeForContentType(ct string) (Mode, bool) {
	switch strings.TrimSpace(strings.Split(ct, ";")[0]) {
	case TypSigned:
		return ModeSigned, true
	case TypEncrypted:
		return ModeEncrypted, true
	case TypPlain:
		return ModePlain, true
	}
	return "", false
}

func looksSigned(payload []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	_, ok := probe["signatures"]
	return ok
}

func aes256GCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "aes cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "gcm")
	}
	return aead, nil
}

func baseDID(kid string) string {
	if i := strings.IndexByte(kid, '#'); i >= 0 {
		return kid[:i]
	}
	return kid
}
