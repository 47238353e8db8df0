package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tap-rsvp/tap-go/pkg/did"
	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// authenticatePickup verifies the caller's bearer JWT: an EdDSA token whose
// issuer DID resolves to the signing key.
func (s *Server) authenticatePickup(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("missing bearer token")
	}
	tokenStr := strings.TrimPrefix(header, "Bearer ")

	var callerDID string
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("unexpected signing alg %s", t.Method.Alg())
		}
		iss, err := t.Claims.GetIssuer()
		if err != nil || iss == "" {
			return nil, fmt.Errorf("token has no issuer")
		}
		callerDID = iss
		return s.resolveEd25519Key(r.Context(), iss)
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return "", fmt.Errorf("invalid pickup token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid pickup token")
	}
	return callerDID, nil
}

func (s *Server) resolveEd25519Key(ctx context.Context, didStr string) (ed25519.PublicKey, error) {
	doc, err := s.node.Resolver().Resolve(ctx, didStr)
	if err != nil {
		return nil, err
	}
	for _, vm := range doc.AuthenticationMethods() {
		if vm.Type != did.TypeEd25519 || vm.PublicKeyMultibase == "" {
			continue
		}
		pub, err := did.DecodeMultibaseKey(vm.PublicKeyMultibase)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		return ed25519.PublicKey(pub), nil
	}
	return nil, taperr.New(taperr.KindUnknownKey, "%s has no ed25519 authentication key", didStr)
}

func baseDID(kid string) string {
	if i := strings.IndexByte(kid, '#'); i >= 0 {
		return kid[:i]
	}
	return kid
}

func b64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
