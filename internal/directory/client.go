// Package directory looks up organization members for approver selection,
// backed by a Microsoft-Graph-style API with client-credential auth.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

// Member is one organization-directory entry.
type Member struct {
	ID    string
	Name  string
	Email string
}

// Config holds directory client configuration.
type Config struct {
	AppID       string
	AppPassword string
	TenantID    string
	// BaseURL and LoginURL are overridable for testing.
	BaseURL  string
	LoginURL string
}

// Client queries the organization directory. Access tokens are cached until
// shortly before expiry.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a directory client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = "https://login.microsoftonline.com"
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.AppID)
	form.Set("client_secret", c.cfg.AppPassword)
	form.Set("scope", "https://graph.microsoft.com/.default")
	form.Set("grant_type", "client_credentials")

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.cfg.LoginURL, c.cfg.TenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to get access token: %d %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

type userRecord struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

func (u userRecord) member() Member {
	email := u.Mail
	if email == "" {
		email = u.UserPrincipalName
	}
	return Member{ID: u.ID, Name: u.DisplayName, Email: email}
}

// ListUsers returns up to top organization members ordered by display name.
func (c *Client) ListUsers(ctx context.Context, top int) ([]Member, error) {
	if top <= 0 {
		top = 100
	}
	q := url.Values{}
	q.Set("$select", "id,displayName,mail,userPrincipalName")
	q.Set("$top", strconv.Itoa(top))
	q.Set("$orderby", "displayName")
	return c.queryUsers(ctx, q)
}

// SearchUsers returns members whose display name or mail starts with query.
func (c *Client) SearchUsers(ctx context.Context, query string, top int) ([]Member, error) {
	if top <= 0 {
		top = 20
	}
	q := url.Values{}
	q.Set("$select", "id,displayName,mail,userPrincipalName")
	q.Set("$top", strconv.Itoa(top))
	q.Set("$orderby", "displayName")
	q.Set("$filter", fmt.Sprintf("startswith(displayName,'%s') or startswith(mail,'%s')", query, query))
	return c.queryUsers(ctx, q)
}

func (c *Client) queryUsers(ctx context.Context, q url.Values) ([]Member, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/users?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory query failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("directory query failed: %d %s", resp.StatusCode, string(body))
	}

	var out struct {
		Value []userRecord `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}

	members := make([]Member, 0, len(out.Value))
	for _, u := range out.Value {
		if u.ID == "" || u.DisplayName == "" {
			continue
		}
		members = append(members, u.member())
	}
	return members, nil
}

// GetUser fetches a single member by ID.
func (c *Client) GetUser(ctx context.Context, id string) (Member, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return Member{}, err
	}

	q := url.Values{}
	q.Set("$select", "id,displayName,mail,userPrincipalName")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/users/"+url.PathEscape(id)+"?"+q.Encode(), nil)
	if err != nil {
		return Member{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return Member{}, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Member{}, fmt.Errorf("directory lookup failed: %d %s", resp.StatusCode, string(body))
	}

	var u userRecord
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return Member{}, fmt.Errorf("decode directory response: %w", err)
	}
	return u.member(), nil
}

// Choices formats members as approver choice-set entries. The value encodes
// the {id, name, email} tuple as JSON.
func Choices(members []Member) []refstore.ApproverChoice {
	choices := make([]refstore.ApproverChoice, 0, len(members))
	for _, m := range members {
		value, err := json.Marshal(map[string]string{
			"id":    m.ID,
			"name":  m.Name,
			"email": m.Email,
		})
		if err != nil {
			continue
		}
		choices = append(choices, refstore.ApproverChoice{Title: m.Name, Value: string(value)})
	}
	return choices
}
