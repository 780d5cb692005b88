package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Backend drivers are opt-in; import the one you need in application code:
	//   _ "gocloud.dev/secrets/awskms"
	//   _ "gocloud.dev/secrets/azurekeyvault"
	//   _ "gocloud.dev/secrets/gcpkms"
	//   _ "gocloud.dev/secrets/hashivault"
	//   _ "gocloud.dev/secrets/localsecrets"
)

const defaultCacheTTL = 5 * time.Minute

// SecretProvider loads broker credentials from a Go Cloud secrets keeper.
// The decrypted payload must be a JSON-encoded Credentials value. Loaded
// credentials are cached for a configurable TTL.
type SecretProvider struct {
	keeper     *secrets.Keeper
	ciphertext []byte
	cacheTTL   time.Duration

	mu     sync.Mutex
	cached *Credentials
	expiry time.Time
	closed bool
}

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL sets how long loaded credentials are cached before the
// backend is consulted again. Default is 5 minutes.
func WithCacheTTL(ttl time.Duration) SecretOption {
	return func(p *SecretProvider) {
		p.cacheTTL = ttl
	}
}

// NewSecretProvider opens a secrets keeper by URL and decrypts ciphertext
// into broker credentials. URL formats follow gocloud.dev/secrets, e.g.
// "base64key://..." for local development or "awskms://..." in production.
func NewSecretProvider(ctx context.Context, url string, ciphertext []byte, opts ...SecretOption) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("secret URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	p := &SecretProvider{
		keeper:     keeper,
		ciphertext: ciphertext,
		cacheTTL:   defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("load initial credentials: %w", err)
	}

	return p, nil
}

// GetCredentials returns cached credentials, reloading from the backend when
// the cache has expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if p.cached == nil || time.Now().After(p.expiry) {
		if err := p.loadLocked(ctx); err != nil {
			return nil, err
		}
	}

	if p.cached.Expired() {
		return nil, ErrExpired
	}

	creds := *p.cached
	return &creds, nil
}

func (p *SecretProvider) loadLocked(ctx context.Context) error {
	plaintext, err := p.keeper.Decrypt(ctx, p.ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt secret: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return fmt.Errorf("unmarshal secret payload: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	p.cached = &creds
	p.expiry = time.Now().Add(p.cacheTTL)
	return nil
}

// Close releases the underlying keeper. Safe to call once.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}
