// Package netsuite talks to NetSuite's SuiteQL endpoint using
// token-based-authentication (TBA) signed requests. TBA tokens don't expire
// on a schedule the way OAuth2 access tokens do, so EnsureValidToken is a no-op;
// only a 401 response triggers the forced-refresh path.
package netsuite

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/syncdplatform/syncd/internal/adapters/httpx"
	"github.com/syncdplatform/syncd/internal/adapters/providers/tokenrefresh"
)

// Client is a per-integration NetSuite SuiteQL client.
type Client struct {
	http          *httpx.Client
	tokenMgr      *tokenrefresh.Manager
	integrationID string
	accountID     string

	mu           sync.RWMutex
	consumerKey  string
	tokenID      string
	tokenSecret  string
}

// Config carries one organization's NetSuite TBA credentials.
type Config struct {
	IntegrationID string
	AccountID     string
	ConsumerKey   string
	TokenID       string
	TokenSecret   string
}

// NewClient builds a NetSuite client backed by the shared httpx.Client.
func NewClient(hc *httpx.Client, tokenMgr *tokenrefresh.Manager, cfg Config) *Client {
	return &Client{
		http:          hc,
		tokenMgr:      tokenMgr,
		integrationID: cfg.IntegrationID,
		accountID:     cfg.AccountID,
		consumerKey:   cfg.ConsumerKey,
		tokenID:       cfg.TokenID,
		tokenSecret:   cfg.TokenSecret,
	}
}

// auth attaches the TBA OAuth1-style Authorization header built from the
// account id, consumer key and token id. No per-request signature, nonce or
// timestamp is computed: every request carries the same header.
func (c *Client) auth(req *http.Request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	req.Header.Set("Authorization", fmt.Sprintf(
		"OAuth realm=%q,oauth_consumer_key=%q,oauth_token=%q,oauth_signature_method=%q",
		c.accountID, c.consumerKey, c.tokenID, "HMAC-SHA256"))
	req.Header.Set("Prefer", "transient")
	return nil
}

// refresh returns the token id the client already holds. It exchanges no
// grant and re-reads no stored credential, so the retry after a 401 goes out
// with the same credentials as the first attempt.
func (c *Client) refresh(ctx context.Context) (string, error) {
	return c.tokenID, nil
}

// EnsureValidToken is a no-op: TBA tokens don't expire on a schedule, so
// there is nothing to proactively rotate. It exists so the housekeeping
// sweep can treat every provider client uniformly.
func (c *Client) EnsureValidToken(ctx context.Context) error {
	return nil
}

func (c *Client) doWithRefresh(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !httpx.IsUnauthorized(err) {
		return err
	}
	if _, refreshErr := c.tokenMgr.EnsureFresh(ctx, c.integrationID, c.refresh); refreshErr != nil {
		return fmt.Errorf("token refresh after 401: %w", refreshErr)
	}
	return fn()
}

// suiteQLResponse mirrors NetSuite's SuiteQL REST response envelope.
type suiteQLResponse struct {
	Items   []map[string]interface{} `json:"items"`
	HasMore bool                     `json:"hasMore"`
}

// ExecuteSuiteQL runs one page of query, using NetSuite's offset/limit
// pagination. Callers loop, incrementing offset by limit, until the
// returned page has fewer than limit rows.
func (c *Client) ExecuteSuiteQL(ctx context.Context, query string, offset, limit int) ([]map[string]interface{}, error) {
	var items []map[string]interface{}
	err := c.doWithRefresh(ctx, func() error {
		var resp suiteQLResponse
		body := map[string]interface{}{"q": query}
		path := fmt.Sprintf("/services/rest/query/v1/suiteql?limit=%d&offset=%d", limit, offset)
		if err := c.http.Do(ctx, http.MethodPost, path, map[string]string{"Prefer": "transient"}, body, &resp, c.auth); err != nil {
			return err
		}
		items = resp.Items
		return nil
	})
	return items, err
}
