// Package refstore persists conversation references for proactive messaging.
// References are written to an in-process cache on every inbound activity and
// mirrored to Redis so that a conversation can be resumed across restarts.
package refstore

// SessionReference holds everything needed to resume a conversation with a
// user outside the scope of an inbound message.
type SessionReference struct {
	// UserID is the stable chat-platform identity of the user. It is the
	// storage key; a newer reference for the same user overwrites the
	// older one.
	UserID string `json:"userId"`
	// ChannelID identifies the channel the conversation lives in.
	ChannelID string `json:"channelId"`
	// ServiceURL is the transport endpoint to open the new turn against.
	ServiceURL string `json:"serviceUrl"`
	// ConversationID identifies the conversation itself.
	ConversationID string `json:"conversationId"`
	// TenantID is set for tenant-scoped deployments (optional).
	TenantID string `json:"tenantId,omitempty"`
	// BotID is the bot identity the reference was recorded under.
	BotID string `json:"botId"`
}

// ApproverChoice is one entry of the shared approver directory cache,
// formatted for a choice-set input. Value carries a JSON-encoded
// {id, name, email} tuple.
type ApproverChoice struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Stats reports store occupancy for diagnostics.
type Stats struct {
	Connected   bool `json:"connected"`
	MemoryCount int  `json:"memoryCount"`
	RedisCount  int  `json:"redisCount"`
}
