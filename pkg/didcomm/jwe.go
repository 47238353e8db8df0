package didcomm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/keys"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// jweEnvelope is the JWE General JSON Serialization with per-recipient
// GCM-wrapped content keys (ECDH-ES+A256GCMKW / A256GCM).
type jweEnvelope struct {
	Protected  string         `json:"protected"`
	Recipients []jweRecipient `json:"recipients"`
	IV         string         `json:"iv"`
	Ciphertext string         `json:"ciphertext"`
	Tag        string         `json:"tag"`
}

type jweRecipient struct {
	Header       jweRecipientHeader `json:"header"`
	EncryptedKey string             `json:"encrypted_key"`
}

type jweRecipientHeader struct {
	Kid string  `json:"kid"`
	Epk *jweEpk `json:"epk"`
	IV  string  `json:"iv"`
	Tag string  `json:"tag"`
}

type jweEpk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

type jweProtected struct {
	Alg  string `json:"alg"`
	Enc  string `json:"enc"`
	Typ  string `json:"typ"`
	Cty  string `json:"cty,omitempty"`
	Skid string `json:"skid,omitempty"`
}

const (
	jweAlg = "ECDH-ES+A256GCMKW"
	jweEnc = "A256GCM"
)

const gcmTagSize = 16

// encryptEnvelope seals payload to every recipient's key-agreement key.
// cty records whether the plaintext is a signed envelope or a plain message.
func (c *Codec) encryptEnvelope(ctx context.Context, payload []byte, recipientDIDs []string, senderKid, cty string) ([]byte, error) {
	protected, err := json.Marshal(jweProtected{Alg: jweAlg, Enc: jweEnc, Typ: TypEncrypted, Cty: cty, Skid: senderKid})
	if err != nil {
		return nil, err
	}
	protectedB64 := b64.EncodeToString(protected)
	aad := []byte(protectedB64)

	cek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, cek); err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "generate cek")
	}

	env := jweEnvelope{Protected: protectedB64}
	for _, rcpt := range recipientDIDs {
		doc, err := c.resolver.Resolve(ctx, rcpt)
		if err != nil {
			return nil, taperr.Wrap(taperr.KindUnknownKey, err, "resolve recipient %s", rcpt)
		}
		kaMethods := doc.KeyAgreementMethods()
		if len(kaMethods) == 0 {
			return nil, taperr.New(taperr.KindUnknownKey, "recipient %s has no key-agreement key", rcpt)
		}
		vm := kaMethods[0]
		rcptPub, err := did.DecodeMultibaseKey(vm.PublicKeyMultibase)
		if err != nil {
			return nil, taperr.Wrap(taperr.KindMalformed, err, "recipient key %s", vm.ID)
		}

		recipient, err := wrapCEK(cek, rcptPub, vm.ID)
		if err != nil {
			return nil, err
		}
		env.Recipients = append(env.Recipients, *recipient)
	}

	// Content encryption with the shared CEK.
	aead, err := aes256GCM(cek)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "generate iv")
	}
	sealed := aead.Seal(nil, iv, payload, aad)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	env.IV = b64.EncodeToString(iv)
	env.Ciphertext = b64.EncodeToString(ct)
	env.Tag = b64.EncodeToString(tag)
	return json.Marshal(&env)
}

func wrapCEK(cek, recipientPub []byte, kid string) (*jweRecipient, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "ephemeral key")
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "ephemeral public key")
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "x25519 agreement")
	}
	kw, err := keys.AEADFromShared(shared)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, kw.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "key wrap iv")
	}
	wrapped := kw.Seal(nil, iv, cek, nil)
	wct, wtag := wrapped[:len(wrapped)-gcmTagSize], wrapped[len(wrapped)-gcmTagSize:]

	return &jweRecipient{
		Header: jweRecipientHeader{
			Kid: kid,
			Epk: &jweEpk{Kty: "OKP", Crv: "X25519", X: b64.EncodeToString(ephPub)},
			IV:  b64.EncodeToString(iv),
			Tag: b64.EncodeToString(wtag),
		},
		EncryptedKey: b64.EncodeToString(wct),
	}, nil
}

// decryptEnvelope tries each recipient entry whose kid matches a local key.
// It returns the plaintext, the content type hint, and the local DID the
// envelope was decrypted for.
func (c *Codec) decryptEnvelope(env *jweEnvelope) ([]byte, string, string, error) {
	protectedRaw, err := b64.DecodeString(env.Protected)
	if err != nil {
		return nil, "", "", taperr.Wrap(taperr.KindMalformed, err, "decode protected header")
	}
	var protected jweProtected
	if err := json.Unmarshal(protectedRaw, &protected); err != nil {
		return nil, "", "", taperr.Wrap(taperr.KindMalformed, err, "parse protected header")
	}
	if protected.Enc != jweEnc || protected.Alg != jweAlg {
		return nil, "", "", taperr.New(taperr.KindMalformed, "unsupported jwe alg %q enc %q", protected.Alg, protected.Enc)
	}

	var lastErr error
	for _, rcpt := range env.Recipients {
		if rcpt.Header.Kid == "" || !c.keys.Has(rcpt.Header.Kid) {
			continue
		}
		plaintext, err := c.openRecipient(env, &rcpt)
		if err != nil {
			lastErr = err
			continue
		}
		return plaintext, protected.Cty, baseDID(rcpt.Header.Kid), nil
	}
	if lastErr == nil {
		lastErr = taperr.New(taperr.KindUnknownKey, "no recipient entry matches a local key")
	}
	return nil, "", "", lastErr
}

func (c *Codec) openRecipient(env *jweEnvelope, rcpt *jweRecipient) ([]byte, error) {
	if rcpt.Header.Epk == nil || rcpt.Header.Epk.Crv != "X25519" {
		return nil, taperr.New(taperr.KindMalformed, "recipient %s missing X25519 epk", rcpt.Header.Kid)
	}
	ephPub, err := b64.DecodeString(rcpt.Header.Epk.X)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode epk")
	}
	shared, err := c.keys.X25519Secret(rcpt.Header.Kid, ephPub)
	if err != nil {
		return nil, err
	}
	kw, err := keys.AEADFromShared(shared)
	if err != nil {
		return nil, err
	}

	kwIV, err := b64.DecodeString(rcpt.Header.IV)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode key wrap iv")
	}
	kwTag, err := b64.DecodeString(rcpt.Header.Tag)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode key wrap tag")
	}
	wct, err := b64.DecodeString(rcpt.EncryptedKey)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode encrypted key")
	}
	cek, err := kw.Open(nil, kwIV, append(wct, kwTag...), nil)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "unwrap cek for %s", rcpt.Header.Kid)
	}

	aead, err := aes256GCM(cek)
	if err != nil {
		return nil, err
	}
	iv, err := b64.DecodeString(env.IV)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode iv")
	}
	ct, err := b64.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode ciphertext")
	}
	tag, err := b64.DecodeString(env.Tag)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "decode tag")
	}
	plaintext, err := aead.Open(nil, iv, append(ct, tag...), []byte(env.Protected))
	if err != nil {
		return nil, taperr.Wrap(taperr.KindDecryptionFailed, err, "open content")
	}
	return plaintext, nil
}
