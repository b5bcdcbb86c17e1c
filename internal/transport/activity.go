// Package transport carries the chat-transport collaborator boundary: the
// normalized inbound activity, the outbound message shape, and the proactive
// dispatcher that resumes a stored conversation reference.
package transport

import (
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

// ConversationKind classifies the inbound conversation context.
type ConversationKind string

const (
	// ConversationPersonal is a one-to-one chat; members cannot be
	// enumerated from the activity.
	ConversationPersonal ConversationKind = "personal"
	// ConversationGroup is a multi-party chat with an enumerable roster.
	ConversationGroup ConversationKind = "groupChat"
	// ConversationChannel is a team channel.
	ConversationChannel ConversationKind = "channel"
)

// Peer is a conversation member as delivered by the transport.
type Peer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Activity is the normalized inbound message the message-dispatch
// collaborator hands to the core: sender identity, resumable session
// reference, and either free text or a card-submission payload.
type Activity struct {
	ID          string                   `json:"id"`
	Kind        ConversationKind         `json:"conversationType"`
	SenderID    string                   `json:"senderId"`
	SenderName  string                   `json:"senderName"`
	SenderEmail string                   `json:"senderEmail,omitempty"`
	Text        string                   `json:"text,omitempty"`
	Value       map[string]any           `json:"value,omitempty"`
	Members     []Peer                   `json:"members,omitempty"`
	Ref         refstore.SessionReference `json:"ref"`
}

// Message is an outbound reply or proactive push: plain text, or an
// adaptive-card attachment.
type Message struct {
	Text string
	Card map[string]any
}
