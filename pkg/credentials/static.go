package credentials

import "context"

// Static provides fixed credentials. Meant for development and tests; real
// deployments should use a SecretProvider.
type Static struct {
	creds Credentials
}

// NewStaticToken returns a provider with a fixed bearer token.
func NewStaticToken(token string) *Static {
	return &Static{creds: Credentials{Type: TypeToken, Token: token}}
}

// NewStaticUserPassword returns a provider with a fixed username/password pair.
func NewStaticUserPassword(user, password string) *Static {
	return &Static{creds: Credentials{
		Type:     TypeUserPassword,
		User:     user,
		Password: password,
	}}
}

func (s *Static) GetCredentials(ctx context.Context) (*Credentials, error) {
	if err := s.creds.Validate(); err != nil {
		return nil, err
	}
	creds := s.creds
	return &creds, nil
}

func (s *Static) Close() error { return nil }
