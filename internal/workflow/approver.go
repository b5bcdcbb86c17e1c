package workflow

import (
	"encoding/json"
	"strings"
)

// Approver is the resolved approver selection. The intake form yields either
// a structured identity (choice-set value carrying a JSON tuple, or a
// prefilled hidden ID) or a bare free-text name; the two shapes are resolved
// once at submission time.
type Approver struct {
	ID    string
	Name  string
	Email string
}

// Structured reports whether the approver carries a stable identity that can
// be targeted proactively.
func (a Approver) Structured() bool { return a.ID != "" }

// resolveApprover turns the raw approver field and the optional hidden ID
// field into an Approver. The raw value is tried as a JSON {id,name,email}
// tuple first (choice-set submissions), then falls back to free text.
func resolveApprover(raw, hiddenID string) Approver {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		var v struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := json.Unmarshal([]byte(raw), &v); err == nil && v.ID != "" {
			return Approver{ID: v.ID, Name: v.Name, Email: v.Email}
		}
	}

	return Approver{ID: hiddenID, Name: raw}
}
