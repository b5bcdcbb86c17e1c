// Package workflow implements the leave-request approval state machine:
// Draft -> Submitted -> PendingApproval -> Approved|Rejected -> Notified.
// The ticketing backend owns the persisted status; this package owns the
// transitions and the proactive notifications they trigger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leavebot-dev/leavebot/internal/devrev"
	"github.com/leavebot-dev/leavebot/internal/directory"
	"github.com/leavebot-dev/leavebot/internal/transport"
	"github.com/leavebot-dev/leavebot/pkg/observability"
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

// State names a position in the request lifecycle. Terminal states are
// Approved+Notified and Rejected+Notified; there are no retry or rollback
// transitions, a failed step is reported to the acting user and the machine
// stops advancing.
type State string

const (
	StateDraft           State = "draft"
	StateSubmitted       State = "submitted"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateNotified        State = "notified"
)

// ValidationError reports a missing or malformed submission field. It is
// returned before any backend call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// TicketAPI is the ticketing collaborator.
type TicketAPI interface {
	CreateLeaveRequest(ctx context.Context, req devrev.LeaveRequest, from devrev.Requester) (*devrev.WorkItem, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// Directory is the organization-directory collaborator.
type Directory interface {
	ListUsers(ctx context.Context, top int) ([]directory.Member, error)
}

// Notifier delivers messages through the transport, both as same-turn
// replies (using the inbound activity's own reference) and proactively.
type Notifier interface {
	ResumeAndSend(ctx context.Context, ref refstore.SessionReference, botID string, msg transport.Message) error
}

// Workflow wires the state machine to its collaborators.
type Workflow struct {
	store   *refstore.Store
	tickets TicketAPI
	dir     Directory
	notify  Notifier
	botID   string
	logger  *slog.Logger
}

// New creates a workflow. dir may be nil when no directory is configured;
// approver selection then falls back to the cached snapshot or free text.
func New(store *refstore.Store, tickets TicketAPI, dir Directory, notify Notifier, botID string, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:   store,
		tickets: tickets,
		dir:     dir,
		notify:  notify,
		botID:   botID,
		logger:  logger,
	}
}

// HandleActivity is the entry point for every normalized inbound message.
// The sender's session reference is recorded unconditionally so that a
// later proactive step can reach them.
func (w *Workflow) HandleActivity(ctx context.Context, act transport.Activity) error {
	ref := act.Ref
	if ref.UserID == "" {
		ref.UserID = act.SenderID
	}
	if ref.BotID == "" {
		ref.BotID = w.botID
	}
	w.store.PutReference(ctx, ref)

	// A group roster is an approver-directory source; refresh the shared
	// cache opportunistically.
	if act.Kind != transport.ConversationPersonal && len(act.Members) > 0 {
		w.refreshFromRoster(ctx, act)
	}

	if act.Value != nil {
		action, _ := act.Value["action"].(string)
		switch action {
		case "approve", "reject":
			return w.HandleDecision(ctx, act, action)
		default:
			return w.Submit(ctx, act)
		}
	}

	// The trigger phrase may be surrounded by a mention or other text.
	text := strings.ToLower(act.Text)
	if strings.Contains(text, "leave request") {
		return w.sendIntakeCard(ctx, act)
	}

	w.reply(ctx, act, transport.Message{
		Text: `Command not recognized. Mention me with "leave request" to open the intake form.`,
	})
	return nil
}

// sendIntakeCard opens the Draft state: it renders the intake form with the
// best available approver source for the conversation context.
func (w *Workflow) sendIntakeCard(ctx context.Context, act transport.Activity) error {
	var choices []refstore.ApproverChoice

	if act.Kind != transport.ConversationPersonal && len(act.Members) > 0 {
		choices = rosterChoices(act)
	} else {
		// One-to-one sessions cannot enumerate members; use the cached
		// snapshot, then a live directory lookup, then free text.
		cached, err := w.store.GetApprovers(ctx)
		switch {
		case err == nil:
			choices = cached
		case w.dir != nil:
			members, dirErr := w.dir.ListUsers(ctx, 100)
			if dirErr != nil {
				w.logger.Warn("directory lookup failed, falling back to free-text approver", "error", dirErr)
			} else if len(members) > 0 {
				choices = directory.Choices(members)
				w.store.PutApprovers(ctx, choices)
			}
		}
	}

	w.reply(ctx, act, transport.Message{Card: buildIntakeCard(choices, "", "")})
	return nil
}

// Submit executes the Draft -> Submitted transition: validate, create the
// work item, surface the display ID. No reference-store writes happen here.
func (w *Workflow) Submit(ctx context.Context, act transport.Activity) error {
	sub, vErr := parseSubmission(act.Value)
	if vErr != nil {
		w.reply(ctx, act, transport.Message{Text: vErr.Message})
		return nil
	}

	w.reply(ctx, act, transport.Message{Text: "Got it. Creating your leave-request ticket..."})

	approver := resolveApprover(sub.Approver, sub.ApproverUserID)
	item, err := w.tickets.CreateLeaveRequest(ctx, devrev.LeaveRequest{
		StartDate:      sub.StartDate,
		EndDate:        sub.EndDate,
		Reason:         sub.Reason,
		UsePaidLeave:   sub.UsePaidLeave,
		ApproverName:   approver.Name,
		ApproverUserID: approver.ID,
		ApproverEmail:  approver.Email,
	}, devrev.Requester{
		ID:    act.SenderID,
		Name:  act.SenderName,
		Email: act.SenderEmail,
	})
	if err != nil {
		observability.RecordTicketOperation("create", "error")
		w.replyCreateFailure(ctx, act, err)
		return nil
	}
	observability.RecordTicketOperation("create", "ok")

	days, _ := devrev.DayCount(sub.StartDate, sub.EndDate)
	leaveKind := "unpaid"
	if sub.UsePaidLeave {
		leaveKind = "paid"
	}
	w.reply(ctx, act, transport.Message{Text: fmt.Sprintf(
		"Your leave request has been submitted.\n\n"+
			"**Ticket:** %s\n**Period:** %s ~ %s (%d days)\n**Reason:** %s\n**Leave type:** %s\n**Approver:** %s",
		item.DisplayID, sub.StartDate, sub.EndDate, days, sub.Reason, leaveKind, displayName(approver),
	)})
	return nil
}

func (w *Workflow) replyCreateFailure(ctx context.Context, act transport.Activity, err error) {
	if errors.Is(err, devrev.ErrNotConfigured) {
		w.logger.Error("ticket creation is not configured", "error", err)
		w.reply(ctx, act, transport.Message{
			Text: "Sorry, leave-request submission is currently unavailable. Please contact your administrator.",
		})
		return
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		w.reply(ctx, act, transport.Message{Text: vErr.Message})
		return
	}

	w.logger.Error("ticket creation failed", "error", err)
	w.reply(ctx, act, transport.Message{
		Text: "Sorry, something went wrong while creating the ticket. Please try again in a moment.",
	})
}

// HandleWorkItemCreated executes Submitted -> PendingApproval. It is driven
// by the out-of-band lifecycle webhook, not by the submission itself. An
// approver without a stored reference has never talked to the bot and
// cannot be reached proactively; the transition aborts and the request
// stays Submitted.
func (w *Workflow) HandleWorkItemCreated(ctx context.Context, item *devrev.WorkItemPayload) error {
	approverID := item.CustomField("approver_teams_id")
	if approverID == "" {
		w.logger.Info("work item has no approver identity, skipping approval dispatch", "work_item", item.ID)
		return nil
	}

	ref, err := w.store.GetReference(ctx, approverID)
	if err != nil {
		w.logger.Info("no session reference for approver, skipping approval dispatch",
			"work_item", item.ID, "approver_id", approverID)
		return nil
	}

	if err := w.notify.ResumeAndSend(ctx, ref, w.botID, transport.Message{Card: buildApprovalCard(item)}); err != nil {
		return fmt.Errorf("dispatch approval card for %s: %w", item.ID, err)
	}

	w.logger.Info("approval card dispatched", "work_item", item.ID, "approver_id", approverID)
	return nil
}

// HandleDecision executes PendingApproval -> Approved|Rejected -> Notified.
// Exactly one status-update call is issued per invocation; a notification
// failure afterwards never reverts the committed status, it is reported to
// the acting approver instead.
func (w *Workflow) HandleDecision(ctx context.Context, act transport.Activity, action string) error {
	workItemID, _ := act.Value["workItemId"].(string)
	display, _ := act.Value["workItemDisplay"].(string)
	if display == "" {
		display = workItemID
	}
	if workItemID == "" {
		w.reply(ctx, act, transport.Message{Text: "This decision card is missing its work item. Please ask the requester to resubmit."})
		return nil
	}

	status := "approved"
	if action == "reject" {
		status = "rejected"
	}

	if err := w.tickets.UpdateStatus(ctx, workItemID, status); err != nil {
		observability.RecordTicketOperation("update_status", "error")
		w.logger.Error("status update failed", "work_item", workItemID, "status", status, "error", err)
		w.reply(ctx, act, transport.Message{
			Text: "Sorry, the status update did not go through. Please try again in a moment.",
		})
		return nil
	}
	observability.RecordTicketOperation("update_status", "ok")

	w.reply(ctx, act, transport.Message{Text: fmt.Sprintf("Request %s has been %s.", display, status)})

	// The requester identity rides on the decision payload rather than
	// being re-fetched from the backend. See DESIGN.md.
	requesterID, _ := act.Value["requesterTeamsId"].(string)
	requesterName, _ := act.Value["requesterName"].(string)
	if requesterName == "" {
		requesterName = "the requester"
	}
	outcome := transport.Message{Text: fmt.Sprintf(
		"Your leave request %s has been %s by %s.", display, status, act.SenderName,
	)}

	if requesterID == "" {
		w.reply(ctx, act, transport.Message{Text: fmt.Sprintf(
			"Note: %s could not be notified (no requester identity on the request).", requesterName)})
		return nil
	}

	ref, err := w.store.GetReference(ctx, requesterID)
	if err != nil {
		w.logger.Warn("no session reference for requester, notification skipped",
			"work_item", workItemID, "requester_id", requesterID)
		w.reply(ctx, act, transport.Message{Text: fmt.Sprintf(
			"Note: %s could not be notified (no stored conversation).", requesterName)})
		return nil
	}

	if err := w.notify.ResumeAndSend(ctx, ref, w.botID, outcome); err != nil {
		w.reply(ctx, act, transport.Message{Text: fmt.Sprintf(
			"Note: %s could not be notified (delivery failed).", requesterName)})
		return nil
	}
	return nil
}

// HandleQuestionUpdated notifies the asker of a leave question when the
// backing issue is updated with an answer.
func (w *Workflow) HandleQuestionUpdated(ctx context.Context, item *devrev.WorkItemPayload) error {
	askerID := item.CustomField("requester_teams_id")
	if askerID == "" {
		w.logger.Info("question has no asker identity, skipping notification", "work_item", item.ID)
		return nil
	}

	ref, err := w.store.GetReference(ctx, askerID)
	if err != nil {
		w.logger.Info("no session reference for asker, notification skipped",
			"work_item", item.ID, "asker_id", askerID)
		return nil
	}

	msg := transport.Message{Text: fmt.Sprintf(
		"Your question %q has an update. Check %s for the answer.", item.Title, item.DisplayID,
	)}
	if err := w.notify.ResumeAndSend(ctx, ref, w.botID, msg); err != nil {
		return fmt.Errorf("notify asker for %s: %w", item.ID, err)
	}
	return nil
}

// RefreshApprovers repopulates the shared directory cache from the
// organization directory. Wired to the cron schedule and callable on demand.
func (w *Workflow) RefreshApprovers(ctx context.Context) error {
	if w.dir == nil {
		return nil
	}
	members, err := w.dir.ListUsers(ctx, 100)
	if err != nil {
		return fmt.Errorf("refresh approvers: %w", err)
	}
	if len(members) == 0 {
		w.logger.Warn("directory returned no members, keeping previous approver snapshot")
		return nil
	}
	w.store.PutApprovers(ctx, directory.Choices(members))
	w.logger.Info("approver directory cache refreshed", "count", len(members))
	return nil
}

func (w *Workflow) refreshFromRoster(ctx context.Context, act transport.Activity) {
	choices := rosterChoices(act)
	if len(choices) > 0 {
		w.store.PutApprovers(ctx, choices)
	}
}

func rosterChoices(act transport.Activity) []refstore.ApproverChoice {
	members := make([]directory.Member, 0, len(act.Members))
	for _, m := range act.Members {
		if m.ID == "" || m.Name == "" || m.ID == act.Ref.BotID {
			continue
		}
		members = append(members, directory.Member{ID: m.ID, Name: m.Name, Email: m.Email})
	}
	return directory.Choices(members)
}

// reply sends a same-turn response using the inbound activity's own
// reference.
func (w *Workflow) reply(ctx context.Context, act transport.Activity, msg transport.Message) {
	ref := act.Ref
	if ref.UserID == "" {
		ref.UserID = act.SenderID
	}
	if err := w.notify.ResumeAndSend(ctx, ref, w.botID, msg); err != nil {
		w.logger.Error("reply delivery failed", "user_id", ref.UserID, "error", err)
	}
}

func displayName(a Approver) string {
	if a.Name != "" {
		return a.Name
	}
	if a.ID != "" {
		return a.ID
	}
	return "(unspecified)"
}

// submission holds the raw intake-form fields.
type submission struct {
	StartDate      string
	EndDate        string
	Reason         string
	UsePaidLeave   bool
	Approver       string
	ApproverUserID string
}

// parseSubmission validates the card payload. Every missing required field
// gets its own guidance; no backend call is made on failure.
func parseSubmission(value map[string]any) (submission, *ValidationError) {
	str := func(key string) string {
		s, _ := value[key].(string)
		return strings.TrimSpace(s)
	}

	sub := submission{
		StartDate:      str("startDate"),
		EndDate:        str("endDate"),
		Reason:         str("reason"),
		UsePaidLeave:   str("usePaidLeave") == "true",
		Approver:       str("approver"),
		ApproverUserID: str("approverUserId"),
	}

	switch {
	case sub.StartDate == "":
		return sub, &ValidationError{Field: "startDate", Message: "Please provide a start date."}
	case sub.EndDate == "":
		return sub, &ValidationError{Field: "endDate", Message: "Please provide an end date."}
	case sub.Reason == "":
		return sub, &ValidationError{Field: "reason", Message: "Please provide a reason for the leave."}
	case sub.Approver == "":
		return sub, &ValidationError{Field: "approver", Message: "Please select or enter an approver."}
	}

	if _, err := devrev.DayCount(sub.StartDate, sub.EndDate); err != nil {
		return sub, &ValidationError{Field: "startDate", Message: "Dates must be in YYYY-MM-DD format."}
	}
	return sub, nil
}
