package did

import (
	"context"
	"sync"
	"time"

	"github.com/tap-rsvp/tap-go/pkg/taperr"
)

// Registry dispatches resolution to per-method resolvers and caches
// documents with a per-method TTL. It is an explicit value passed to the
// envelope codec and the router; there is no process-wide instance.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]MethodResolver
	ttls      map[string]time.Duration
	cache     map[string]cacheEntry
	now       func() time.Time
}

type cacheEntry struct {
	doc     *Document
	expires time.Time
}

const defaultTTL = 5 * time.Minute

// NewRegistry creates a registry with the built-in did:key resolver
// registered.
func NewRegistry() *Registry {
	r := &Registry{
		resolvers: make(map[string]MethodResolver),
		ttls:      make(map[string]time.Duration),
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
	r.Register(NewKeyResolver(), 0)
	return r
}

// Register adds a method resolver. A zero ttl selects the default. Replacing
// an existing method purges its cached documents.
func (r *Registry) Register(mr MethodResolver, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[mr.Method()] = mr
	r.ttls[mr.Method()] = ttl
	for did := range r.cache {
		if m, err := MethodOf(did); err == nil && m == mr.Method() {
			delete(r.cache, did)
		}
	}
}

// Purge drops every cached document. Correctness never depends on this; it
// exists for operators forcing a key rotation to take effect.
func (r *Registry) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// Resolve resolves the DID, serving from cache when fresh.
func (r *Registry) Resolve(ctx context.Context, did string) (*Document, error) {
	method, err := MethodOf(did)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	mr, ok := r.resolvers[method]
	ttl := r.ttls[method]
	if entry, hit := r.cache[did]; hit && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.doc, nil
	}
	r.mu.RUnlock()

	if !ok {
		return nil, taperr.New(taperr.KindUnsupportedDIDMethod, "no resolver for did method %q", method)
	}

	doc, err := mr.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[did] = cacheEntry{doc: doc, expires: r.now().Add(ttl)}
	r.mu.Unlock()
	return doc, nil
}
