// Package devrev is the client for the DevRev ticketing backend. Leave
// requests become either custom objects or tickets depending on
// configuration; the custom-field keys are fixed by the backend schema.
package devrev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config holds DevRev client configuration.
type Config struct {
	APIToken string
	BaseURL  string
	// WorkItemType selects the flavor: "custom_object" or "ticket".
	WorkItemType   string
	TicketType     string
	TicketSubtype  string
	DefaultPartID  string
	SchemaFragment string
}

// Client calls the DevRev API. Outbound calls are rate-limited.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a DevRev client. A missing token does not fail construction;
// individual operations return ErrNotConfigured instead.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.devrev.ai"
	}
	if cfg.TicketType == "" {
		cfg.TicketType = "ticket"
	}
	if cfg.APIToken == "" {
		logger.Warn("DEVREV_API_TOKEN is not set, ticket creation is disabled")
	}
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

// LeaveRequest carries the validated submission fields.
type LeaveRequest struct {
	StartDate      string // YYYY-MM-DD
	EndDate        string // YYYY-MM-DD
	Reason         string
	UsePaidLeave   bool
	ApproverName   string
	ApproverUserID string
	ApproverEmail  string
}

// Requester identifies the submitting user.
type Requester struct {
	ID    string
	Name  string
	Email string
}

// WorkItem is the created work item's identity.
type WorkItem struct {
	ID        string
	DisplayID string
	URL       string
}

// DayCount computes the inclusive day count of a date range.
func DayCount(startDate, endDate string) (int, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return 0, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return 0, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	return int(end.Sub(start).Hours()/24) + 1, nil
}

func leaveType(usePaid bool) string {
	if usePaid {
		return "paid"
	}
	return "unpaid"
}

// CreateLeaveRequest creates a leave-request work item in the configured
// flavor and returns its identity.
func (c *Client) CreateLeaveRequest(ctx context.Context, req LeaveRequest, from Requester) (*WorkItem, error) {
	if c.cfg.APIToken == "" {
		return nil, ErrNotConfigured
	}
	if c.cfg.WorkItemType == "ticket" {
		return c.createAsTicket(ctx, req, from)
	}
	return c.createAsCustomObject(ctx, req, from)
}

func (c *Client) createAsCustomObject(ctx context.Context, req LeaveRequest, from Requester) (*WorkItem, error) {
	days, err := DayCount(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"leaf_type": "leave_request",
		"custom_schema_spec": map[string]any{
			"tenant_fragment": true,
		},
		"custom_fields": map[string]any{
			"tnt__requester_name":     from.Name,
			"tnt__requester_email":    from.Email,
			"tnt__requester_teams_id": from.ID,
			"tnt__start_date":         req.StartDate,
			"tnt__end_date":           req.EndDate,
			"tnt__days_count":         days,
			"tnt__reason":             req.Reason,
			"tnt__approver_name":      req.ApproverName,
			"tnt__approver_teams_id":  req.ApproverUserID,
			"tnt__status":             "pending",
			"tnt__leave_type":         leaveType(req.UsePaidLeave),
			"tnt__additional_system":  "",
		},
	}

	var resp struct {
		CustomObject *struct {
			ID        string `json:"id"`
			DisplayID string `json:"display_id"`
		} `json:"custom_object"`
	}
	if err := c.post(ctx, "/custom-objects.create", payload, &resp); err != nil {
		return nil, err
	}
	if resp.CustomObject == nil {
		return nil, &APIError{Kind: KindRemote, Message: "unexpected response format"}
	}

	item := &WorkItem{ID: resp.CustomObject.ID, DisplayID: resp.CustomObject.DisplayID}
	if item.DisplayID != "" {
		item.URL = "https://app.devrev.ai/custom/" + item.DisplayID
	}
	return item, nil
}

func (c *Client) createAsTicket(ctx context.Context, req LeaveRequest, from Requester) (*WorkItem, error) {
	days, err := DayCount(req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"type":            c.cfg.TicketType,
		"title":           fmt.Sprintf("Leave request: %s (%s ~ %s)", from.Name, req.StartDate, req.EndDate),
		"body":            buildTicketBody(req, from, days),
		"applies_to_part": c.cfg.DefaultPartID,
		"custom_fields": map[string]any{
			"requester_name":     from.Name,
			"requester_email":    from.Email,
			"requester_teams_id": from.ID,
			"start_date":         req.StartDate + "T00:00:00.000Z",
			"end_date":           req.EndDate + "T00:00:00.000Z",
			"days_count":         days,
			"reason":             req.Reason,
			"approver_name":      req.ApproverName,
			"approver_teams_id":  req.ApproverUserID,
			"status":             "pending",
			"leave_type":         leaveType(req.UsePaidLeave),
			"additional_system":  "",
			"request_type":       "leave_request",
		},
	}
	if c.cfg.SchemaFragment != "" {
		payload["custom_schema_fragments"] = []string{c.cfg.SchemaFragment}
	}
	// Subtype must be a DevRev subtype ID, not a bare string.
	if strings.HasPrefix(c.cfg.TicketSubtype, "don:") {
		payload["subtype"] = c.cfg.TicketSubtype
	}

	var resp struct {
		Work *struct {
			ID        string `json:"id"`
			DisplayID string `json:"display_id"`
		} `json:"work"`
	}
	if err := c.post(ctx, "/works.create", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Work == nil {
		return nil, &APIError{Kind: KindRemote, Message: "unexpected response format"}
	}

	item := &WorkItem{ID: resp.Work.ID, DisplayID: resp.Work.DisplayID}
	if item.DisplayID != "" {
		item.URL = "https://app.devrev.ai/work/" + item.DisplayID
	}
	return item, nil
}

// UpdateStatus updates a work item's leave-request status. One backend call
// per invocation; there is no dedup guard against double submission.
func (c *Client) UpdateStatus(ctx context.Context, id, status string) error {
	if c.cfg.APIToken == "" {
		return ErrNotConfigured
	}

	var payload map[string]any
	endpoint := "/custom-objects.update"
	if c.cfg.WorkItemType == "ticket" {
		endpoint = "/works.update"
		payload = map[string]any{
			"id":   id,
			"type": c.cfg.TicketType,
			"custom_fields": map[string]any{
				"status": status,
			},
		}
	} else {
		payload = map[string]any{
			"id": id,
			"custom_fields": map[string]any{
				"tnt__status": status,
			},
		}
	}

	c.logger.Info("updating work item status", "id", id, "status", status)
	return c.post(ctx, endpoint, payload, &struct{}{})
}

// GetWork fetches a work item by ID.
func (c *Client) GetWork(ctx context.Context, id string) (*WorkItemPayload, error) {
	if c.cfg.APIToken == "" {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/works.get?id="+id, nil)
	if err != nil {
		return nil, &APIError{Kind: KindSetup, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &APIError{Kind: KindNoResponse, Message: err.Error(), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var out struct {
		Work *WorkItemPayload `json:"work"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &APIError{Kind: KindRemote, Message: err.Error(), Err: err}
	}
	return out.Work, nil
}

func (c *Client) post(ctx context.Context, endpoint string, reqBody, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return &APIError{Kind: KindSetup, Message: err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return &APIError{Kind: KindSetup, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return &APIError{Kind: KindNoResponse, Message: err.Error(), Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFromResponse(resp)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	message := string(body)
	var errResp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		message = errResp.Message
	}

	c.logger.Error("devrev API error", "status", resp.StatusCode, "message", message)
	return &APIError{Kind: KindRemote, StatusCode: resp.StatusCode, Message: message}
}

func buildTicketBody(req LeaveRequest, from Requester, days int) string {
	var b strings.Builder
	b.WriteString("# Leave Request\n\n")
	b.WriteString("## Requester\n")
	fmt.Fprintf(&b, "- **Name**: %s\n", from.Name)
	fmt.Fprintf(&b, "- **Email/ID**: %s\n", from.Email)
	fmt.Fprintf(&b, "- **Teams User ID**: %s\n\n", from.ID)

	b.WriteString("## Details\n")
	fmt.Fprintf(&b, "- **Start date**: %s\n", req.StartDate)
	fmt.Fprintf(&b, "- **End date**: %s\n", req.EndDate)
	fmt.Fprintf(&b, "- **Days**: %d\n", days)
	fmt.Fprintf(&b, "- **Paid leave**: %v\n\n", req.UsePaidLeave)

	b.WriteString("## Reason\n")
	b.WriteString(req.Reason + "\n\n")

	if req.ApproverName != "" {
		b.WriteString("## Approver\n")
		fmt.Fprintf(&b, "- **Name**: %s\n", req.ApproverName)
		if req.ApproverUserID != "" {
			fmt.Fprintf(&b, "- **Teams User ID**: %s\n", req.ApproverUserID)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n")
	b.WriteString("*Created automatically by the leave-request bot.*\n")
	return b.String()
}
