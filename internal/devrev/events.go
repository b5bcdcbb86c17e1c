package devrev

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Recognized lifecycle webhook event types.
const (
	EventCustomObjectCreated  = "custom_object.created"
	EventWorkCreated          = "work.created"
	EventWorkUpdated          = "work.updated"
	EventTimelineEntryCreated = "timeline_entry.created"
)

// Event is a work-item lifecycle webhook payload.
type Event struct {
	Type          string           `json:"type"`
	Work          *WorkItemPayload `json:"work,omitempty"`
	CustomObject  *WorkItemPayload `json:"custom_object,omitempty"`
	TimelineEntry *TimelineEntry   `json:"timeline_entry,omitempty"`
}

// Payload returns whichever work-item payload the event carries, or nil.
func (e *Event) Payload() *WorkItemPayload {
	if e.CustomObject != nil {
		return e.CustomObject
	}
	return e.Work
}

// WorkItemPayload mirrors the work-item fields the webhook delivers.
type WorkItemPayload struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	LeafType     string         `json:"leaf_type"`
	Subtype      string         `json:"subtype"`
	Title        string         `json:"title"`
	DisplayID    string         `json:"display_id"`
	CustomFields map[string]any `json:"custom_fields"`
}

// TimelineEntry mirrors a timeline_entry.created payload.
type TimelineEntry struct {
	EntryType string `json:"entry_type"`
	Object    string `json:"object"`
}

// IsLeaveRequest reports whether the payload is a leave request, checking
// the custom-object leaf type, the ticket subtype, and the request_type
// custom field in both its bare and tenant-prefixed forms.
func (w *WorkItemPayload) IsLeaveRequest() bool {
	if w.LeafType == "leave_request" || w.Subtype == "leave_request" {
		return true
	}
	return w.CustomField("request_type") == "leave_request"
}

// CustomField returns a custom field as a string, looking up the bare key
// and its tenant-prefixed (tnt__) form.
func (w *WorkItemPayload) CustomField(key string) string {
	if w.CustomFields == nil {
		return ""
	}
	for _, k := range []string{key, "tnt__" + key} {
		if v, ok := w.CustomFields[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// ParseEvent decodes a webhook body. The sender sometimes double-encodes the
// payload (a JSON string containing JSON); that wrapping is removed once
// before decoding.
func ParseEvent(body []byte) (*Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty webhook body")
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("invalid JSON string body: %w", err)
		}
		trimmed = []byte(inner)
	}

	var event Event
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return &event, nil
}
