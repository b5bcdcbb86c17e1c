package workflow

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leavebot-dev/leavebot/internal/devrev"
	"github.com/leavebot-dev/leavebot/internal/directory"
	"github.com/leavebot-dev/leavebot/internal/transport"
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

type fakeTickets struct {
	created    []devrev.LeaveRequest
	requesters []devrev.Requester
	item       *devrev.WorkItem
	createErr  error

	updates   []string // "id:status"
	updateErr error
}

func (f *fakeTickets) CreateLeaveRequest(_ context.Context, req devrev.LeaveRequest, from devrev.Requester) (*devrev.WorkItem, error) {
	f.created = append(f.created, req)
	f.requesters = append(f.requesters, from)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.item != nil {
		return f.item, nil
	}
	return &devrev.WorkItem{ID: "don:core:work/1", DisplayID: "TKT-1"}, nil
}

func (f *fakeTickets) UpdateStatus(_ context.Context, id, status string) error {
	f.updates = append(f.updates, id+":"+status)
	return f.updateErr
}

type fakeDirectory struct {
	members []directory.Member
	err     error
	calls   int
}

func (f *fakeDirectory) ListUsers(context.Context, int) ([]directory.Member, error) {
	f.calls++
	return f.members, f.err
}

type sent struct {
	ref   refstore.SessionReference
	botID string
	msg   transport.Message
}

type fakeNotifier struct {
	sends   []sent
	failFor map[string]error // keyed by ref.UserID
}

func (f *fakeNotifier) ResumeAndSend(_ context.Context, ref refstore.SessionReference, botID string, msg transport.Message) error {
	f.sends = append(f.sends, sent{ref: ref, botID: botID, msg: msg})
	if err, ok := f.failFor[ref.UserID]; ok {
		return err
	}
	return nil
}

// sentTo returns the messages delivered to a given user.
func (f *fakeNotifier) sentTo(userID string) []transport.Message {
	var out []transport.Message
	for _, s := range f.sends {
		if s.ref.UserID == userID {
			out = append(out, s.msg)
		}
	}
	return out
}

func newTestStore(t *testing.T) *refstore.Store {
	t.Helper()
	// Never connected: exercises the cache-only path without a Redis server.
	s := refstore.New(refstore.Config{Addr: "127.0.0.1:1"}, slog.Default())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorkflow(t *testing.T) (*Workflow, *refstore.Store, *fakeTickets, *fakeDirectory, *fakeNotifier) {
	t.Helper()
	store := newTestStore(t)
	tickets := &fakeTickets{}
	dir := &fakeDirectory{}
	notify := &fakeNotifier{failFor: map[string]error{}}
	w := New(store, tickets, dir, notify, "bot-1", slog.Default())
	return w, store, tickets, dir, notify
}

func userActivity(userID, text string) transport.Activity {
	return transport.Activity{
		Kind:       transport.ConversationPersonal,
		SenderID:   userID,
		SenderName: "Taro Yamada",
		Text:       text,
		Ref: refstore.SessionReference{
			UserID:         userID,
			ConversationID: "conv-" + userID,
			ServiceURL:     "https://smba.example.com/",
		},
	}
}

func submitActivity(userID string, value map[string]any) transport.Activity {
	act := userActivity(userID, "")
	act.SenderEmail = "taro@example.com"
	act.Value = value
	return act
}

func validSubmission() map[string]any {
	return map[string]any{
		"action":       "submit",
		"startDate":    "2025-01-20",
		"endDate":      "2025-01-22",
		"reason":       "family trip",
		"usePaidLeave": "true",
		"approver":     `{"id":"mgr-1","name":"Hanako Sato","email":"hanako@example.com"}`,
	}
}

func TestHandleActivity_RecordsReference(t *testing.T) {
	w, store, _, _, _ := newTestWorkflow(t)

	err := w.HandleActivity(context.Background(), userActivity("user-1", "hello"))
	require.NoError(t, err)

	ref, err := store.GetReference(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-user-1", ref.ConversationID)
	assert.Equal(t, "bot-1", ref.BotID, "missing bot identity must be filled in")
}

func TestHandleActivity_UnknownTextGetsGuidance(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)

	require.NoError(t, w.HandleActivity(context.Background(), userActivity("user-1", "what can you do")))

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "leave request")
	assert.Empty(t, tickets.created)
}

func TestHandleActivity_TriggerToleratesSurroundingText(t *testing.T) {
	w, _, _, _, notify := newTestWorkflow(t)

	require.NoError(t, w.HandleActivity(context.Background(), userActivity("user-1", "@leavebot leave request please")))

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].Card, "trigger phrase inside surrounding text must open the intake form")
}

func TestHandleActivity_IntakeCardUsesCachedApprovers(t *testing.T) {
	w, store, _, dir, notify := newTestWorkflow(t)
	store.PutApprovers(context.Background(), []refstore.ApproverChoice{
		{Title: "Hanako Sato", Value: `{"id":"mgr-1"}`},
	})

	require.NoError(t, w.HandleActivity(context.Background(), userActivity("user-1", "  Leave Request ")))

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Card)
	assert.Equal(t, 0, dir.calls, "cached snapshot must win over a live lookup")

	ids := inputIDs(t, msgs[0].Card)
	assert.Contains(t, ids, "approver")
}

func TestHandleActivity_IntakeCardFallsBackToDirectory(t *testing.T) {
	w, store, _, dir, notify := newTestWorkflow(t)
	dir.members = []directory.Member{{ID: "mgr-1", Name: "Hanako Sato", Email: "hanako@example.com"}}

	require.NoError(t, w.HandleActivity(context.Background(), userActivity("user-1", "leave request")))

	require.Equal(t, 1, dir.calls)
	require.Len(t, notify.sentTo("user-1"), 1)

	// The lookup result is cached for the next request.
	cached, err := store.GetApprovers(context.Background())
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "Hanako Sato", cached[0].Title)
}

func TestHandleActivity_GroupRosterRefreshesApprovers(t *testing.T) {
	w, store, _, _, _ := newTestWorkflow(t)

	act := userActivity("user-1", "hello")
	act.Kind = transport.ConversationGroup
	act.Members = []transport.Peer{
		{ID: "bot-1", Name: "Leave Bot"},
		{ID: "mgr-1", Name: "Hanako Sato", Email: "hanako@example.com"},
	}
	act.Ref.BotID = "bot-1"
	require.NoError(t, w.HandleActivity(context.Background(), act))

	cached, err := store.GetApprovers(context.Background())
	require.NoError(t, err)
	require.Len(t, cached, 1, "the bot itself must not be offered as an approver")
	assert.Equal(t, "Hanako Sato", cached[0].Title)
}

func TestSubmit_FieldValidation(t *testing.T) {
	tests := []struct {
		name   string
		drop   string
		wantIn string
	}{
		{"missing start date", "startDate", "start date"},
		{"missing end date", "endDate", "end date"},
		{"missing reason", "reason", "reason"},
		{"missing approver", "approver", "approver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _, tickets, _, notify := newTestWorkflow(t)

			value := validSubmission()
			delete(value, tt.drop)
			require.NoError(t, w.HandleActivity(context.Background(), submitActivity("user-1", value)))

			assert.Empty(t, tickets.created, "no backend call on validation failure")
			msgs := notify.sentTo("user-1")
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0].Text, tt.wantIn)
		})
	}
}

func TestSubmit_RejectsMalformedDates(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)

	value := validSubmission()
	value["startDate"] = "Jan 20"
	require.NoError(t, w.HandleActivity(context.Background(), submitActivity("user-1", value)))

	assert.Empty(t, tickets.created)
	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "YYYY-MM-DD")
}

func TestSubmit_CreatesTicket(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)

	require.NoError(t, w.HandleActivity(context.Background(), submitActivity("user-1", validSubmission())))

	require.Len(t, tickets.created, 1)
	req := tickets.created[0]
	assert.Equal(t, "2025-01-20", req.StartDate)
	assert.Equal(t, "2025-01-22", req.EndDate)
	assert.Equal(t, "family trip", req.Reason)
	assert.True(t, req.UsePaidLeave)
	assert.Equal(t, "mgr-1", req.ApproverUserID)
	assert.Equal(t, "Hanako Sato", req.ApproverName)

	from := tickets.requesters[0]
	assert.Equal(t, "user-1", from.ID)
	assert.Equal(t, "Taro Yamada", from.Name)
	assert.Equal(t, "taro@example.com", from.Email)

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 2, "acknowledgement then confirmation")
	assert.Contains(t, msgs[1].Text, "TKT-1")
	assert.Contains(t, msgs[1].Text, "3 days")
}

func TestSubmit_FreeTextApprover(t *testing.T) {
	w, _, tickets, _, _ := newTestWorkflow(t)

	value := validSubmission()
	value["approver"] = "Hanako Sato"
	value["approverUserId"] = "mgr-7"
	require.NoError(t, w.HandleActivity(context.Background(), submitActivity("user-1", value)))

	require.Len(t, tickets.created, 1)
	assert.Equal(t, "Hanako Sato", tickets.created[0].ApproverName)
	assert.Equal(t, "mgr-7", tickets.created[0].ApproverUserID)
}

func TestSubmit_NotConfigured(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)
	tickets.createErr = devrev.ErrNotConfigured

	require.NoError(t, w.HandleActivity(context.Background(), submitActivity("user-1", validSubmission())))

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text, "administrator")
}

func TestSubmit_BackendFailure(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)
	tickets.createErr = &devrev.APIError{Kind: devrev.KindRemote, StatusCode: 400, Message: "bad part"}

	require.NoError(t, w.HandleActivity(context.Background(), submitActivity("user-1", validSubmission())))

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text, "try again")
}

func createdPayload(customFields map[string]any) *devrev.WorkItemPayload {
	return &devrev.WorkItemPayload{
		ID:           "don:core:work/1",
		DisplayID:    "TKT-1",
		CustomFields: customFields,
	}
}

func TestHandleWorkItemCreated_DispatchesApprovalCard(t *testing.T) {
	w, store, _, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{
		UserID: "mgr-1", ConversationID: "conv-mgr-1", ServiceURL: "https://smba.example.com/",
	})

	err := w.HandleWorkItemCreated(context.Background(), createdPayload(map[string]any{
		"approver_teams_id":  "mgr-1",
		"requester_teams_id": "user-1",
		"requester_name":     "Taro Yamada",
	}))
	require.NoError(t, err)

	msgs := notify.sentTo("mgr-1")
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Card)
}

func TestHandleWorkItemCreated_TenantPrefixedFields(t *testing.T) {
	w, store, _, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "mgr-1"})

	err := w.HandleWorkItemCreated(context.Background(), createdPayload(map[string]any{
		"tnt__approver_teams_id": "mgr-1",
	}))
	require.NoError(t, err)
	assert.Len(t, notify.sentTo("mgr-1"), 1)
}

func TestHandleWorkItemCreated_NoApproverIdentity(t *testing.T) {
	w, _, _, _, notify := newTestWorkflow(t)

	err := w.HandleWorkItemCreated(context.Background(), createdPayload(map[string]any{
		"requester_teams_id": "user-1",
	}))
	require.NoError(t, err)
	assert.Empty(t, notify.sends)
}

func TestHandleWorkItemCreated_UnknownApproverSkips(t *testing.T) {
	w, _, _, _, notify := newTestWorkflow(t)

	err := w.HandleWorkItemCreated(context.Background(), createdPayload(map[string]any{
		"approver_teams_id": "mgr-never-seen",
	}))
	require.NoError(t, err, "an unreachable approver is a skip, not a failure")
	assert.Empty(t, notify.sends)
}

func TestHandleWorkItemCreated_DeliveryFailure(t *testing.T) {
	w, store, _, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "mgr-1"})
	notify.failFor["mgr-1"] = errors.New("conversation expired")

	err := w.HandleWorkItemCreated(context.Background(), createdPayload(map[string]any{
		"approver_teams_id": "mgr-1",
	}))
	assert.Error(t, err)
}

func decisionActivity(action string) transport.Activity {
	act := userActivity("mgr-1", "")
	act.SenderName = "Hanako Sato"
	act.Value = map[string]any{
		"action":           action,
		"workItemId":       "don:core:work/1",
		"workItemDisplay":  "TKT-1",
		"requesterTeamsId": "user-1",
		"requesterName":    "Taro Yamada",
	}
	return act
}

func TestHandleDecision_ApproveNotifiesRequester(t *testing.T) {
	w, store, tickets, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "user-1", ConversationID: "conv-user-1"})

	require.NoError(t, w.HandleActivity(context.Background(), decisionActivity("approve")))

	require.Equal(t, []string{"don:core:work/1:approved"}, tickets.updates, "exactly one status update per decision")

	approverMsgs := notify.sentTo("mgr-1")
	require.Len(t, approverMsgs, 1)
	assert.Contains(t, approverMsgs[0].Text, "approved")
	assert.Contains(t, approverMsgs[0].Text, "TKT-1")

	requesterMsgs := notify.sentTo("user-1")
	require.Len(t, requesterMsgs, 1)
	assert.Contains(t, requesterMsgs[0].Text, "approved")
	assert.Contains(t, requesterMsgs[0].Text, "Hanako Sato")
}

func TestHandleDecision_Reject(t *testing.T) {
	w, store, tickets, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "user-1"})

	require.NoError(t, w.HandleActivity(context.Background(), decisionActivity("reject")))

	require.Equal(t, []string{"don:core:work/1:rejected"}, tickets.updates)
	requesterMsgs := notify.sentTo("user-1")
	require.Len(t, requesterMsgs, 1)
	assert.Contains(t, requesterMsgs[0].Text, "rejected")
}

func TestHandleDecision_UpdateFailureStopsThere(t *testing.T) {
	w, store, tickets, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "user-1"})
	tickets.updateErr = &devrev.APIError{Kind: devrev.KindNoResponse, Message: "timeout"}

	require.NoError(t, w.HandleActivity(context.Background(), decisionActivity("approve")))

	require.Len(t, tickets.updates, 1, "the failed call is not retried")
	assert.Empty(t, notify.sentTo("user-1"), "no requester notification on a failed update")

	approverMsgs := notify.sentTo("mgr-1")
	require.Len(t, approverMsgs, 1)
	assert.Contains(t, approverMsgs[0].Text, "try again")
}

func TestHandleDecision_RequesterUnreachable(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)
	// No stored reference for user-1.

	require.NoError(t, w.HandleActivity(context.Background(), decisionActivity("approve")))

	require.Len(t, tickets.updates, 1, "the committed status is never reverted")
	approverMsgs := notify.sentTo("mgr-1")
	require.Len(t, approverMsgs, 2, "confirmation plus an explicit notification warning")
	assert.Contains(t, approverMsgs[1].Text, "could not be notified")
	assert.Contains(t, approverMsgs[1].Text, "Taro Yamada", "the warning names the requester")
}

func TestHandleDecision_RequesterDeliveryFails(t *testing.T) {
	w, store, _, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "user-1"})
	notify.failFor["user-1"] = errors.New("gateway timeout")

	require.NoError(t, w.HandleActivity(context.Background(), decisionActivity("approve")))

	approverMsgs := notify.sentTo("mgr-1")
	require.Len(t, approverMsgs, 2)
	assert.Contains(t, approverMsgs[1].Text, "delivery failed")
	assert.Contains(t, approverMsgs[1].Text, "Taro Yamada")
}

func TestHandleDecision_WarningWithoutRequesterName(t *testing.T) {
	w, _, _, _, notify := newTestWorkflow(t)

	act := decisionActivity("approve")
	delete(act.Value, "requesterName")
	require.NoError(t, w.HandleActivity(context.Background(), act))

	approverMsgs := notify.sentTo("mgr-1")
	require.Len(t, approverMsgs, 2)
	assert.Contains(t, approverMsgs[1].Text, "the requester could not be notified")
}

func TestHandleDecision_MissingWorkItem(t *testing.T) {
	w, _, tickets, _, notify := newTestWorkflow(t)

	act := decisionActivity("approve")
	delete(act.Value, "workItemId")
	require.NoError(t, w.HandleActivity(context.Background(), act))

	assert.Empty(t, tickets.updates)
	msgs := notify.sentTo("mgr-1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "resubmit")
}

func TestHandleQuestionUpdated(t *testing.T) {
	w, store, _, _, notify := newTestWorkflow(t)
	store.PutReference(context.Background(), refstore.SessionReference{UserID: "user-1"})

	item := &devrev.WorkItemPayload{
		ID:        "don:core:issue/9",
		DisplayID: "ISS-9",
		Title:     "How do I carry over unused days?",
		CustomFields: map[string]any{
			"requester_teams_id": "user-1",
		},
	}
	require.NoError(t, w.HandleQuestionUpdated(context.Background(), item))

	msgs := notify.sentTo("user-1")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "ISS-9")
}

func TestRefreshApprovers(t *testing.T) {
	w, store, _, dir, _ := newTestWorkflow(t)
	dir.members = []directory.Member{
		{ID: "mgr-1", Name: "Hanako Sato", Email: "hanako@example.com"},
		{ID: "mgr-2", Name: "Jiro Suzuki", Email: "jiro@example.com"},
	}

	require.NoError(t, w.RefreshApprovers(context.Background()))

	cached, err := store.GetApprovers(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestRefreshApprovers_EmptyResultKeepsSnapshot(t *testing.T) {
	w, store, _, dir, _ := newTestWorkflow(t)
	store.PutApprovers(context.Background(), []refstore.ApproverChoice{{Title: "Hanako Sato", Value: "{}"}})
	dir.members = nil

	require.NoError(t, w.RefreshApprovers(context.Background()))

	cached, err := store.GetApprovers(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestRefreshApprovers_DirectoryError(t *testing.T) {
	w, _, _, dir, _ := newTestWorkflow(t)
	dir.err = errors.New("503 service unavailable")

	assert.Error(t, w.RefreshApprovers(context.Background()))
}
