// Package provider wraps the upstream VPS provider's compute API:
// OAuth2 password-grant authentication with cached tokens, instance
// lookups and power actions.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/servoxhq/servox/internal/config"
)

var validActions = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
}

type Instance struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	IPv4       string `json:"ipv4"`
	Region     string `json:"region"`
	ProductID  string `json:"productId"`
}

type Client struct {
	apiURL string
	http   *http.Client

	oauth *oauth2.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// New builds a client from configuration. Returns nil when the provider
// integration is not configured; callers treat a nil client as "actions
// unavailable".
func New() *Client {
	cfg := config.Cfg
	if cfg.ProviderAPIURL == "" || cfg.ProviderClientID == "" {
		return nil
	}
	return &Client{
		apiURL: cfg.ProviderAPIURL,
		http:   &http.Client{Timeout: 30 * time.Second},
		oauth: &oauth2.Config{
			ClientID:     cfg.ProviderClientID,
			ClientSecret: cfg.ProviderClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.ProviderAuthURL},
		},
	}
}

// tokenSource lazily performs the password grant once and reuses the
// token until expiry; refresh happens inside the oauth2 package.
func (c *Client) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens != nil {
		return c.tokens, nil
	}
	tok, err := c.oauth.PasswordCredentialsToken(ctx,
		config.Cfg.ProviderUser, config.Cfg.ProviderPassword)
	if err != nil {
		return nil, fmt.Errorf("provider auth: %w", err)
	}
	c.tokens = oauth2.ReuseTokenSource(tok, c.oauth.TokenSource(context.Background(), tok))
	return c.tokens, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, out interface{}) error {
	ts, err := c.tokenSource(ctx)
	if err != nil {
		return err
	}
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("provider token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("x-request-id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("provider %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetInstance fetches one instance's details.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var wrapper struct {
		Data []Instance `json:"data"`
	}
	path := "/v1/compute/instances/" + instanceID
	if err := c.doRequest(ctx, http.MethodGet, path, &wrapper); err != nil {
		return nil, err
	}
	if len(wrapper.Data) == 0 {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	return &wrapper.Data[0], nil
}

// PerformAction relays start/stop/restart to the provider. The caller
// only needs success or failure.
func (c *Client) PerformAction(ctx context.Context, instanceID, action string) error {
	if !validActions[action] {
		return fmt.Errorf("unsupported action %q", action)
	}
	path := fmt.Sprintf("/v1/compute/instances/%s/actions/%s", instanceID, action)
	if err := c.doRequest(ctx, http.MethodPost, path, nil); err != nil {
		return err
	}
	log.Printf("[provider] action %s on instance %s accepted", action, instanceID)
	return nil
}
