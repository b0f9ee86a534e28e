package config

import (
	"context"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"golang.org/x/exp/errors/fmt"
)

// SecretManager resolves secretmanager://<version> references through Google
// Secret Manager. The reference is the full secret version resource name.
type SecretManager struct {
	client *secretmanager.Client
}

func NewSecretManager(ctx context.Context) (*SecretManager, error) {
	c, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: error initializing secret manager client: %w", err)
	}
	return &SecretManager{client: c}, nil
}

func (s *SecretManager) AccessSecret(ctx context.Context, name string) (string, error) {
	res, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	return string(res.Payload.Data), nil
}

func (s *SecretManager) Close() error {
	return s.client.Close()
}

// NeedsSecretManager reports whether any setting read by Resolve refers to a
// Secret Manager secret.
func NeedsSecretManager(lookup LookupFunc) bool {
	for _, s := range []Setting{ClientID, ClientSecret, WebhookURL, SessionSecret} {
		for _, n := range s.Names {
			if v, ok := lookup(n); ok && strings.HasPrefix(strings.TrimSpace(v), secretPrefix) {
				return true
			}
		}
	}
	return false
}
