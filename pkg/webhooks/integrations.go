package webhooks

import (
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// TeamsMessage represents a Microsoft Teams webhook message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	ActivityTitle string      `json:"activityTitle,omitempty"`
	Facts         []TeamsFact `json:"facts,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func render(format Format, event *Event) ([]byte, error) {
	var body interface{}
	switch format {
	case FormatSlack:
		body = FormatSlackMessage(event)
	case FormatTeams:
		body = FormatTeamsMessage(event)
	default:
		body = event
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, nil
}

type fact struct {
	name, value string
	short       bool
}

func transitionFacts(ev *events.SubscriptionTransitioned) []fact {
	facts := []fact{
		{"Account", ev.AccountID, true},
		{"Reason", string(ev.Reason), true},
	}
	if ev.OldTier != "" && ev.OldTier != ev.NewTier {
		facts = append(facts, fact{"Tier", ev.OldTier + " → " + ev.NewTier, true})
	} else {
		facts = append(facts, fact{"Tier", ev.NewTier, true})
	}
	if ev.OldStatus != "" && ev.OldStatus != ev.NewStatus {
		facts = append(facts, fact{"Status", string(ev.OldStatus) + " → " + string(ev.NewStatus), true})
	} else {
		facts = append(facts, fact{"Status", string(ev.NewStatus), true})
	}
	return append(facts,
		fact{"Subscription", ev.SubscriptionID, false},
		fact{"Occurred At", ev.OccurredAt.UTC().Format("2006-01-02 15:04:05 MST"), false},
	)
}

// FormatSlackMessage formats an event as a Slack message
func FormatSlackMessage(event *Event) SlackMessage {
	var fields []SlackField
	for _, f := range transitionFacts(event.Data) {
		fields = append(fields, SlackField{Title: f.name, Value: f.value, Short: f.short})
	}
	return SlackMessage{
		Attachments: []SlackAttachment{{
			Color:  reasonColor(event.Data.Reason),
			Title:  reasonTitle(event.Data.Reason),
			Fields: fields,
		}},
	}
}

// FormatTeamsMessage formats an event as a Microsoft Teams message
func FormatTeamsMessage(event *Event) TeamsMessage {
	title := reasonTitle(event.Data.Reason)
	var facts []TeamsFact
	for _, f := range transitionFacts(event.Data) {
		facts = append(facts, TeamsFact{Name: f.name, Value: f.value})
	}
	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    title,
		Title:      title,
		ThemeColor: reasonColor(event.Data.Reason)[1:],
		Sections: []TeamsSection{{
			ActivityTitle: event.Data.AccountID,
			Facts:         facts,
		}},
	}
}

func reasonColor(reason subscriptions.TransitionReason) string {
	switch reason {
	case subscriptions.ReasonCreated, subscriptions.ReasonRenewed, subscriptions.ReasonReactivated:
		return "#36a64f" // green
	case subscriptions.ReasonTierChanged, subscriptions.ReasonDefaultAssigned:
		return "#2196F3" // blue
	case subscriptions.ReasonCancellationRequested, subscriptions.ReasonExpired:
		return "#ff9800" // orange
	case subscriptions.ReasonSuspended:
		return "#f44336" // red
	default:
		return "#808080"
	}
}

func reasonTitle(reason subscriptions.TransitionReason) string {
	switch reason {
	case subscriptions.ReasonCreated:
		return "Subscription Created"
	case subscriptions.ReasonRenewed:
		return "Subscription Renewed"
	case subscriptions.ReasonTierChanged:
		return "Subscription Tier Changed"
	case subscriptions.ReasonCancellationRequested:
		return "Cancellation Requested"
	case subscriptions.ReasonReactivated:
		return "Subscription Reactivated"
	case subscriptions.ReasonSuspended:
		return "Subscription Suspended"
	case subscriptions.ReasonExpired:
		return "Subscription Expired"
	case subscriptions.ReasonDefaultAssigned:
		return "Default Tier Assigned"
	default:
		return "Subscription Changed"
	}
}
