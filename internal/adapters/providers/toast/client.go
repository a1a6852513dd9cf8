// Package toast talks to the Toast POS API: OAuth2 client-credentials auth
// plus page-number pagination (page/pageSize query params, an empty page
// signals the end of the list).
package toast

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/syncdplatform/syncd/internal/adapters/httpx"
	"github.com/syncdplatform/syncd/internal/adapters/providers/tokenrefresh"
)

const defaultPageSize = 100

// Client is a per-integration Toast API client.
type Client struct {
	http          *httpx.Client
	tokenMgr      *tokenrefresh.Manager
	integrationID string
	restaurantID  string

	mu           sync.RWMutex
	accessToken  string
	clientID     string
	clientSecret string
}

// Config carries one organization's Toast credentials.
type Config struct {
	IntegrationID string
	RestaurantID  string
	ClientID      string
	ClientSecret  string
}

// NewClient builds a Toast client backed by the shared httpx.Client.
func NewClient(hc *httpx.Client, tokenMgr *tokenrefresh.Manager, cfg Config) *Client {
	return &Client{
		http:          hc,
		tokenMgr:      tokenMgr,
		integrationID: cfg.IntegrationID,
		restaurantID:  cfg.RestaurantID,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
	}
}

func (c *Client) auth(req *http.Request) error {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Toast-Restaurant-External-ID", c.restaurantID)
	return nil
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	var resp struct {
		Token struct {
			AccessToken string `json:"accessToken"`
		} `json:"token"`
	}
	body := map[string]string{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
		"userAccessType": "TOAST_MACHINE_CLIENT",
	}
	if err := c.http.Do(ctx, http.MethodPost, "/authentication/v1/authentication/login", nil, body, &resp, nil); err != nil {
		return "", fmt.Errorf("refresh toast token: %w", err)
	}
	c.mu.Lock()
	c.accessToken = resp.Token.AccessToken
	c.mu.Unlock()
	return resp.Token.AccessToken, nil
}

// EnsureValidToken proactively obtains a fresh client-credentials token,
// collapsing concurrent callers the same way a 401-triggered refresh does.
func (c *Client) EnsureValidToken(ctx context.Context) error {
	_, err := c.tokenMgr.EnsureFresh(ctx, c.integrationID, c.refresh)
	return err
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

// Page is one page-number-indexed page of results.
type Page struct {
	Items []map[string]interface{}
}

// ListOrders fetches one page of orders for businessDate (YYYYMMDD).
func (c *Client) ListOrders(ctx context.Context, businessDate string, page int) (*Page, error) {
	var items []map[string]interface{}
	err := c.doWithRefresh(ctx, func() error {
		var resp []map[string]interface{}
		path := fmt.Sprintf("/orders/v2/ordersBulk?businessDate=%s&page=%d&pageSize=%d",
			businessDate, page, defaultPageSize)
		if err := c.http.Do(ctx, http.MethodGet, path, nil, nil, &resp, c.auth); err != nil {
			return err
		}
		items = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Page{Items: items}, nil
}
