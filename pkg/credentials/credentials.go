// Package credentials supplies broker authentication material. Secrets are
// sourced either statically (development) or from a Go Cloud secrets backend
// (AWS Secrets Manager, GCP Secret Manager, Azure Key Vault, Vault, or local
// files), keeping the broker layer vendor-agnostic.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExpired is returned when stored credentials are past their expiry.
	ErrExpired = errors.New("credentials expired")

	// ErrInvalid is returned when credentials are malformed for their type.
	ErrInvalid = errors.New("invalid credentials")

	// ErrClosed is returned when a provider is used after Close.
	ErrClosed = errors.New("credential provider is closed")
)

// Type identifies the authentication scheme carried by a Credentials value.
type Type string

const (
	// TypeToken is bearer token authentication.
	TypeToken Type = "token"

	// TypeUserPassword is username/password authentication.
	TypeUserPassword Type = "user_password"
)

// Credentials is the authentication material handed to the broker dialer.
type Credentials struct {
	Type Type `json:"type"`

	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// ExpiresAt, when set, bounds the lifetime of these credentials.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credentials are past their expiry.
func (c *Credentials) Expired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that the credentials are well-formed for their type.
func (c *Credentials) Validate() error {
	switch c.Type {
	case TypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalid)
		}
	case TypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalid, c.Type)
	}
	return nil
}

// Provider hands out broker credentials on demand.
type Provider interface {
	// GetCredentials returns current, unexpired credentials.
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider.
	Close() error
}
