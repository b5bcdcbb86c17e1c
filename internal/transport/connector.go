package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

// ConnectorConfig holds transport credentials for outbound sends.
type ConnectorConfig struct {
	AppID       string
	AppPassword string
	// ServiceURLFallback is used when a stored reference carries no
	// service endpoint.
	ServiceURLFallback string
	// LoginURL and Scope are overridable for testing.
	LoginURL string
	Scope    string
}

// Connector delivers activities to the chat transport's REST surface. It
// opens a turn against a conversation by POSTing an activity to the service
// endpoint recorded in the session reference.
type Connector struct {
	cfg    ConnectorConfig
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewConnector creates a transport connector.
func NewConnector(cfg ConnectorConfig, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	}
	if cfg.Scope == "" {
		cfg.Scope = "https://api.botframework.com/.default"
	}
	return &Connector{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (c *Connector) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.AppID)
	form.Set("client_secret", c.cfg.AppPassword)
	form.Set("scope", c.cfg.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LoginURL, strings.NewReader(form.Encode()))
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
		return "", fmt.Errorf("token request failed: %d %s", resp.StatusCode, string(body))
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

// SendToConversation posts an activity into the conversation named by the
// reference.
func (c *Connector) SendToConversation(ctx context.Context, ref refstore.SessionReference, msg Message) error {
	serviceURL := ref.ServiceURL
	if serviceURL == "" {
		serviceURL = c.cfg.ServiceURLFallback
	}
	if serviceURL == "" || ref.ConversationID == "" {
		return fmt.Errorf("reference is missing a service endpoint or conversation id")
	}

	activity := map[string]any{
		"type": "message",
		"from": map[string]string{"id": ref.BotID},
		"conversation": map[string]string{
			"id": ref.ConversationID,
		},
	}
	if msg.Card != nil {
		activity["attachments"] = []map[string]any{{
			"contentType": "application/vnd.microsoft.card.adaptive",
			"content":     msg.Card,
		}}
	} else {
		activity["text"] = msg.Text
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	endpoint := strings.TrimSuffix(serviceURL, "/") +
		"/v3/conversations/" + url.PathEscape(ref.ConversationID) + "/activities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send failed: %d %s", resp.StatusCode, string(respBody))
	}
	return nil
}
