package did

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// WebResolver resolves did:web identifiers by fetching the document over
// HTTPS per the did:web method spec.
type WebResolver struct {
	client *http.Client
	// scheme is overridable for tests; production is always https.
	scheme string
}

// NewWebResolver creates a did:web resolver with the given timeout. A zero
// timeout selects the 10s default.
func NewWebResolver(timeout time.Duration) *WebResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebResolver{
		client: &http.Client{Timeout: timeout},
		scheme: "https",
	}
}

func (*WebResolver) Method() string { return "web" }

func (w *WebResolver) Resolve(ctx context.Context, didWeb string) (*Document, error) {
	docURL, err := w.documentURL(didWeb)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build did:web request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, taperr.Wrap(taperr.KindResolverUnavailable, err, "fetch %s", docURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, taperr.New(taperr.KindNotFound, "no document at %s", docURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, taperr.New(taperr.KindResolverUnavailable, "%s returned %d", docURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, taperr.Wrap(taperr.KindResolverUnavailable, err, "read %s", docURL)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, taperr.Wrap(taperr.KindMalformed, err, "parse document from %s", docURL)
	}
	if doc.ID != didWeb {
		return nil, taperr.New(taperr.KindMalformed, "document id %q does not match %q", doc.ID, didWeb)
	}
	return &doc, nil
}

// documentURL maps did:web:example.com:user:alice to
// https://example.com/user/alice/did.json, or the bare domain form to
// /.well-known/did.json.
func (w *WebResolver) documentURL(didWeb string) (string, error) {
	const prefix = "did:web:"
	if !strings.HasPrefix(didWeb, prefix) {
		return "", taperr.New(taperr.KindMalformed, "not a did:web: %q", didWeb)
	}
	parts := strings.Split(didWeb[len(prefix):], ":")
	host, err := url.PathUnescape(parts[0])
	if err != nil || host == "" {
		return "", taperr.New(taperr.KindMalformed, "invalid did:web host in %q", didWeb)
	}
	if len(parts) == 1 {
		return fmt.Sprintf("%s://%s/.well-known/did.json", w.scheme, host), nil
	}
	segs := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return "", taperr.New(taperr.KindMalformed, "invalid did:web path segment in %q", didWeb)
		}
		segs = append(segs, seg)
	}
	return fmt.Sprintf("%s://%s/%s/did.json", w.scheme, host, strings.Join(segs, "/")), nil
}
