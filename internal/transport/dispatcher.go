package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leavebot-dev/leavebot/pkg/observability"
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

// DeliveryError reports a failed proactive delivery. It is the only error
// ResumeAndSend returns: transport failures are caught here, never left to
// escape the workflow.
type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("proactive delivery to %s failed: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sender abstracts the transport's conversation-send operation.
type Sender interface {
	SendToConversation(ctx context.Context, ref refstore.SessionReference, msg Message) error
}

// Dispatcher resumes stored session references to push messages into
// conversations the user is not currently active in. This is the sole
// mechanism by which a user is reached outside their own turn.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

// NewDispatcher creates a proactive dispatcher over the given sender.
func NewDispatcher(sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, logger: logger}
}

// ResumeAndSend opens a fresh turn against the stored reference and delivers
// the message exactly once. botID overrides the reference's recorded bot
// identity when the reference predates a credential rotation.
func (d *Dispatcher) ResumeAndSend(ctx context.Context, ref refstore.SessionReference, botID string, msg Message) error {
	if botID != "" {
		ref.BotID = botID
	}

	if err := d.sender.SendToConversation(ctx, ref, msg); err != nil {
		observability.RecordProactiveDelivery("error")
		d.logger.Error("proactive delivery failed",
			"user_id", ref.UserID, "conversation_id", ref.ConversationID, "error", err)
		return &DeliveryError{UserID: ref.UserID, Err: err}
	}

	observability.RecordProactiveDelivery("ok")
	d.logger.Info("proactive message delivered",
		"user_id", ref.UserID, "conversation_id", ref.ConversationID)
	return nil
}
