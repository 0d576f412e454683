package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultBaiduTokenURL is Baidu's client-credentials token endpoint
const DefaultBaiduTokenURL = "https://aip.baidubce.com/oauth/2.0/token"

// ErrMissingCredentials is returned when no API key or secret key is configured
var ErrMissingCredentials = errors.New("provider credentials are not set")

// Credentials holds a provider access token obtained by a client-credentials
// exchange. The token is reused until it expires or is invalidated.
type Credentials struct {
	config *clientcredentials.Config
	client *http.Client

	mu    sync.Mutex
	token *oauth2.Token
}

// NewCredentials creates a credential holder. A nil client uses http.DefaultClient.
func NewCredentials(clientID, clientSecret, tokenURL string, client *http.Client) *Credentials {
	if tokenURL == "" {
		tokenURL = DefaultBaiduTokenURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Credentials{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
	}
}

// Seed preloads a known access token with no expiry
func (c *Credentials) Seed(accessToken string) {
	if accessToken == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = &oauth2.Token{AccessToken: accessToken}
}

// Configured reports whether a token can be fetched
func (c *Credentials) Configured() bool {
	return c.config.ClientID != "" && c.config.ClientSecret != ""
}

// Token returns the cached access token, fetching a new one when none is valid
func (c *Credentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid() {
		return c.token.AccessToken, nil
	}
	if !c.Configured() {
		return "", ErrMissingCredentials
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	token, err := c.config.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching access token: %w", err)
	}
	c.token = token
	return token.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one
func (c *Credentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}
