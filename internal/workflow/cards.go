package workflow

import (
	"fmt"

	"github.com/leavebot-dev/leavebot/internal/devrev"
	"github.com/leavebot-dev/leavebot/pkg/refstore"
)

const cardSchema = "http://adaptivecards.io/schemas/adaptive-card.json"

// buildIntakeCard renders the leave-request form. When approver choices are
// available they become a choice-set; otherwise the approver is free text.
func buildIntakeCard(choices []refstore.ApproverChoice, prefillName, prefillID string) map[string]any {
	body := []map[string]any{
		{
			"type":   "TextBlock",
			"text":   "Leave Request",
			"size":   "Large",
			"weight": "Bolder",
		},
		{"type": "TextBlock", "text": "Start date"},
		{"type": "Input.Date", "id": "startDate", "isRequired": true},
		{"type": "TextBlock", "text": "End date"},
		{"type": "Input.Date", "id": "endDate", "isRequired": true},
		{"type": "TextBlock", "text": "Reason"},
		{
			"type":        "Input.Text",
			"id":          "reason",
			"isMultiline": true,
			"placeholder": "Why do you need this leave?",
		},
		{
			"type":  "Input.Toggle",
			"id":    "usePaidLeave",
			"title": "Use paid leave",
			"value": "true",
		},
		{"type": "TextBlock", "text": "Approver"},
	}

	switch {
	case len(choices) > 0:
		cs := make([]map[string]any, 0, len(choices))
		for _, c := range choices {
			cs = append(cs, map[string]any{"title": c.Title, "value": c.Value})
		}
		body = append(body, map[string]any{
			"type":    "Input.ChoiceSet",
			"id":      "approver",
			"style":   "compact",
			"choices": cs,
		})
	default:
		input := map[string]any{
			"type":        "Input.Text",
			"id":          "approver",
			"placeholder": "Approver name",
		}
		if prefillName != "" {
			input["value"] = prefillName
		}
		body = append(body, input)
		if prefillID != "" {
			body = append(body, map[string]any{
				"type":      "Input.Text",
				"id":        "approverUserId",
				"isVisible": false,
				"value":     prefillID,
			})
		}
	}

	return map[string]any{
		"$schema": cardSchema,
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body":    body,
		"actions": []map[string]any{
			{
				"type":  "Action.Submit",
				"title": "Submit",
				"data":  map[string]any{"action": "submit"},
			},
		},
	}
}

// buildApprovalCard renders the approve/reject decision card for a created
// work item. The requester identity rides on the action payload so the
// decision handler can notify them without a backend round trip.
func buildApprovalCard(item *devrev.WorkItemPayload) map[string]any {
	decisionData := func(action string) map[string]any {
		return map[string]any{
			"action":           action,
			"workItemId":       item.ID,
			"workItemDisplay":  item.DisplayID,
			"requesterTeamsId": item.CustomField("requester_teams_id"),
			"requesterName":    item.CustomField("requester_name"),
		}
	}

	facts := []map[string]any{
		{"title": "Requester", "value": item.CustomField("requester_name")},
		{"title": "Period", "value": fmt.Sprintf("%s ~ %s", item.CustomField("start_date"), item.CustomField("end_date"))},
		{"title": "Reason", "value": item.CustomField("reason")},
		{"title": "Leave type", "value": item.CustomField("leave_type")},
	}

	return map[string]any{
		"$schema": cardSchema,
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body": []map[string]any{
			{
				"type":   "TextBlock",
				"text":   "Leave request pending your approval",
				"size":   "Large",
				"weight": "Bolder",
			},
			{"type": "FactSet", "facts": facts},
		},
		"actions": []map[string]any{
			{"type": "Action.Submit", "title": "Approve", "data": decisionData("approve")},
			{"type": "Action.Submit", "title": "Reject", "data": decisionData("reject")},
		},
	}
}
