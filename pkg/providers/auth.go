// Package providers holds the clients for the platform services the task
// core depends on but does not implement: identity/authorization, user file
// storage, and outbound notification delivery. Each collaborator is a small
// interface with one HTTP implementation; tests substitute fakes.
package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/taskweave/taskweave/pkg/taskerr"
)

// Identity is the resolved caller behind a bearer token.
type Identity struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// AuthProvider validates bearer tokens against the identity service.
type AuthProvider interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// HTTPAuthProvider verifies tokens via the identity service's introspection
// endpoint. Successful verifications are cached briefly so a chatty client
// does not turn every request into an upstream round trip.
type HTTPAuthProvider struct {
	baseURL string
	client  *http.Client

	mu       sync.RWMutex
	cache    map[string]cachedIdentity
	cacheTTL time.Duration
}

type cachedIdentity struct {
	identity  Identity
	expiresAt time.Time
}

// NewHTTPAuthProvider creates an auth provider against the given base URL.
// client may be nil.
func NewHTTPAuthProvider(baseURL string, client *http.Client) *HTTPAuthProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAuthProvider{
		baseURL:  baseURL,
		client:   client,
		cache:    make(map[string]cachedIdentity),
		cacheTTL: time.Minute,
	}
}

// Authenticate resolves the identity behind a token. Unknown or expired
// tokens report unauthorized; upstream trouble reports network.
func (p *HTTPAuthProvider) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, taskerr.New(taskerr.KindUnauthorized, "missing bearer token")
	}
	if id, ok := p.cached(token); ok {
		return &id, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/identity", nil)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, err, "failed to build identity request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindNetwork, err, "identity service unreachable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, taskerr.New(taskerr.KindUnauthorized, "token rejected by identity service")
	default:
		return nil, taskerr.New(taskerr.KindNetwork,
			"identity service returned HTTP %d", resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return nil, taskerr.Wrap(taskerr.KindNetwork, err, "malformed identity response")
	}
	if id.UserID == "" {
		return nil, taskerr.New(taskerr.KindUnauthorized, "identity response missing user id")
	}

	p.store(token, id)
	return &id, nil
}

func (p *HTTPAuthProvider) cached(token string) (Identity, bool) {
	p.mu.RLock()
	entry, ok := p.cache[token]
	p.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return Identity{}, false
	}
	return entry.identity, true
}

func (p *HTTPAuthProvider) store(token string, id Identity) {
	p.mu.Lock()
	p.cache[token] = cachedIdentity{identity: id, expiresAt: time.Now().Add(p.cacheTTL)}
	p.mu.Unlock()
}

// StaticAuthProvider maps fixed tokens to identities. Used for local
// development and tests.
type StaticAuthProvider struct {
	Tokens map[string]Identity
}

func (p *StaticAuthProvider) Authenticate(_ context.Context, token string) (*Identity, error) {
	id, ok := p.Tokens[token]
	if !ok {
		return nil, taskerr.New(taskerr.KindUnauthorized, "unknown token")
	}
	return &id, nil
}

var _ AuthProvider = (*HTTPAuthProvider)(nil)
var _ AuthProvider = (*StaticAuthProvider)(nil)
