// Package xero talks to the Xero accounting API: OAuth2 bearer auth with a
// refresh-token grant, and two pagination styles (page-number for most list
// endpoints, an explicit offset for the journals feed).
package xero

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/syncdplatform/syncd/internal/adapters/httpx"
	"github.com/syncdplatform/syncd/internal/adapters/providers/tokenrefresh"
)

const pageSize = 100

// Client is a per-integration Xero API client.
type Client struct {
	http         *httpx.Client
	tokenMgr     *tokenrefresh.Manager
	integrationID string
	tenantID     string

	mu          sync.RWMutex
	accessToken string
	refreshTok  string
	clientID    string
	clientSecret string
}

// Config carries one organization's Xero OAuth2 credentials.
type Config struct {
	IntegrationID string
	ClientID      string
	ClientSecret  string
	TenantID      string
	AccessToken   string
	RefreshToken  string
}

// NewClient builds a Xero client backed by the shared httpx.Client.
func NewClient(hc *httpx.Client, tokenMgr *tokenrefresh.Manager, cfg Config) *Client {
	return &Client{
		http:          hc,
		tokenMgr:      tokenMgr,
		integrationID: cfg.IntegrationID,
		tenantID:      cfg.TenantID,
		accessToken:   cfg.AccessToken,
		refreshTok:    cfg.RefreshToken,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
	}
}

func (c *Client) auth(req *http.Request) error {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Xero-tenant-id", c.tenantID)
	return nil
}

// refresh exchanges the stored refresh token for a new access token by
// POSTing a refresh_token grant to /connect/token through the shared
// httpx.Client, then keeps both returned tokens on the client.
func (c *Client) refresh(ctx context.Context) (string, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": c.refreshTok,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	}
	if err := c.http.Do(ctx, http.MethodPost, "/connect/token", nil, body, &resp, nil); err != nil {
		return "", fmt.Errorf("refresh xero token: %w", err)
	}

	c.mu.Lock()
	c.accessToken = resp.AccessToken
	c.refreshTok = resp.RefreshToken
	c.mu.Unlock()

	return resp.AccessToken, nil
}

// EnsureValidToken proactively refreshes the access token, collapsing
// concurrent callers the same way a 401-triggered refresh does. Used by the
// refresh_provider_tokens housekeeping job so a token nearing expiry is
// rotated before any import ever hits a 401 for it.
func (c *Client) EnsureValidToken(ctx context.Context) error {
	_, err := c.tokenMgr.EnsureFresh(ctx, c.integrationID, c.refresh)
	return err
}

// doWithRefresh executes fn, and on a single 401 forces a token refresh and
// retries fn exactly once.
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

// Page is one page of a paginated Xero list response.
type Page struct {
	Items    []map[string]interface{}
	HasMore  bool
}

// ListPaginated fetches one page-number-indexed page of resultKey from path.
// Xero's page-number endpoints (invoices, contacts, bank transactions, ...)
// return an empty array once exhausted. headers carries per-call request
// headers, most notably If-Modified-Since for date-bounded pulls.
func (c *Client) ListPaginated(ctx context.Context, path, resultKey string, page int, headers map[string]string) (*Page, error) {
	var items []map[string]interface{}
	err := c.doWithRefresh(ctx, func() error {
		var resp map[string]interface{}
		q := fmt.Sprintf("%s?page=%d", path, page)
		if err := c.http.Do(ctx, http.MethodGet, q, headers, nil, &resp, c.auth); err != nil {
			return err
		}
		raw, _ := resp[resultKey].([]interface{})
		items = make([]map[string]interface{}, 0, len(raw))
		for _, r := range raw {
			if m, ok := r.(map[string]interface{}); ok {
				items = append(items, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, HasMore: len(items) == pageSize}, nil
}

// Journals fetches one offset-indexed batch of the manual-journal feed. Xero
// caps this endpoint at 100 rows per call and the next offset is always the
// highest JournalNumber seen, not offset+len(items).
func (c *Client) Journals(ctx context.Context, offset int) ([]map[string]interface{}, error) {
	var items []map[string]interface{}
	err := c.doWithRefresh(ctx, func() error {
		var resp struct {
			Journals []map[string]interface{} `json:"Journals"`
		}
		path := fmt.Sprintf("/api.xro/2.0/Journals?offset=%d", offset)
		if err := c.http.Do(ctx, http.MethodGet, path, nil, nil, &resp, c.auth); err != nil {
			return err
		}
		items = resp.Journals
		return nil
	})
	return items, err
}

// NextJournalOffset returns the offset to request on the following call,
// given the batch just fetched.
func NextJournalOffset(batch []map[string]interface{}, currentOffset int) int {
	max := currentOffset
	for _, j := range batch {
		if n, ok := j["JournalNumber"].(float64); ok && int(n) > max {
			max = int(n)
		}
	}
	return max
}
