package delivery

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"
)

// Default Microsoft identity platform settings.
const (
	DefaultTokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	DefaultGraphScope       = "https://graph.microsoft.com/.default"
)

// TokenProvider hands out bearer tokens for the storage endpoint.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// ClientCredentials acquires app-only tokens with the OAuth2 client
// credentials grant. Every call goes to the token endpoint; nothing is cached.
type ClientCredentials struct {
	config clientcredentials.Config
}

// NewClientCredentials creates a token provider for the given tenant. An
// empty tokenURL selects the Microsoft identity platform endpoint.
func NewClientCredentials(tenantID, clientID, clientSecret, tokenURL string) *ClientCredentials {
	if tokenURL == "" {
		tokenURL = fmt.Sprintf(DefaultTokenURLTemplate, tenantID)
	}
	return &ClientCredentials{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{DefaultGraphScope},
		},
	}
}

// Token requests a fresh access token.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	tok, err := c.config.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("unable to get access token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("unable to get access token: empty token in response")
	}
	return tok.AccessToken, nil
}
