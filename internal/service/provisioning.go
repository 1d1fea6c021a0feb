package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// PanelClient allocates traffic volume for a username on the remote
// configuration panel.
type PanelClient interface {
	Allocate(ctx context.Context, username string, volumeBytes int64) (string, error)
}

const panelTokenTTL = time.Hour

type MarzbanClient struct {
	client   *resty.Client
	username string
	password string

	mu          sync.Mutex
	token       string
	tokenIssued time.Time
}

func NewMarzbanClient(baseURL, username, password string) *MarzbanClient {
	return &MarzbanClient{
		client:   resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		username: username,
		password: password,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type panelUserRequest struct {
	Username  string         `json:"username"`
	Proxies   map[string]any `json:"proxies"`
	DataLimit int64          `json:"data_limit"`
}

type panelUserResponse struct {
	Username        string `json:"username"`
	SubscriptionURL string `json:"subscription_url"`
}

func (c *MarzbanClient) adminToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Since(c.tokenIssued) < panelTokenTTL {
		return c.token, nil
	}

	var tok tokenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		SetResult(&tok).
		Post("/api/admin/token")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("panel token request status: %d", resp.StatusCode())
	}

	c.token = tok.AccessToken
	c.tokenIssued = time.Now()

	return c.token, nil
}

func (c *MarzbanClient) Allocate(ctx context.Context, username string, volumeBytes int64) (string, error) {
	token, err := c.adminToken(ctx)
	if err != nil {
		return "", err
	}

	var user panelUserResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(panelUserRequest{
			Username:  username,
			Proxies:   map[string]any{"vless": map[string]any{}},
			DataLimit: volumeBytes,
		}).
		SetResult(&user).
		Post("/api/user")
	if err != nil {
		return "", err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		// the panel revoked our token; drop the cache so the next try re-authenticates
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return "", fmt.Errorf("panel rejected admin token")
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("panel user request status: %d", resp.StatusCode())
	}

	return user.SubscriptionURL, nil
}
