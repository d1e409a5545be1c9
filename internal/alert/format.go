package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	exit := "-"
	if event.ExitCode != nil {
		exit = fmt.Sprint(*event.ExitCode)
	}
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("procwatch: %s", event.Type),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Process:* %s (%d)", event.Name, event.PID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Tool:* %s", event.ToolType)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Exit code:* %s", exit)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Message:* %s", event.Message)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.EventID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("procwatch %s: %s (%d)", event.Type, event.Name, event.PID),
			"severity": severityFor(event),
			"source":   "procwatch",
			"custom_details": map[string]any{
				"tool":      event.ToolType,
				"source":    event.Source,
				"message":   event.Message,
				"exit_code": event.ExitCode,
				"abnormal":  event.Abnormal,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event AlertEvent) string {
	switch event.Type {
	case "killed", "error":
		return "error"
	case "performance_alert":
		return "warning"
	default:
		return "info"
	}
}
