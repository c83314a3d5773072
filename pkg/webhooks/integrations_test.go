package webhooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/subscriptions"
)

func TestFormatSlackMessage(t *testing.T) {
	ev := transition(subscriptions.ReasonTierChanged)
	msg := FormatSlackMessage(&Event{ID: ev.EventID, Type: EventSubscriptionTransitioned, Data: ev})

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "Subscription Tier Changed", att.Title)
	assert.Equal(t, "#2196F3", att.Color)

	values := map[string]string{}
	for _, f := range att.Fields {
		values[f.Title] = f.Value
	}
	assert.Equal(t, "acct-1", values["Account"])
	assert.Equal(t, "free → standard", values["Tier"])
	assert.Equal(t, "active", values["Status"])
}

func TestFormatTeamsMessage(t *testing.T) {
	ev := transition(subscriptions.ReasonExpired)
	ev.OldStatus = subscriptions.StatusActive
	ev.NewStatus = subscriptions.StatusExpired
	msg := FormatTeamsMessage(&Event{ID: ev.EventID, Type: EventSubscriptionTransitioned, Data: ev})

	assert.Equal(t, "MessageCard", msg.Type)
	assert.Equal(t, "Subscription Expired", msg.Title)
	assert.Equal(t, "ff9800", msg.ThemeColor)
	require.Len(t, msg.Sections, 1)
	assert.Contains(t, msg.Sections[0].Facts, TeamsFact{Name: "Status", Value: "active → expired"})
}

func TestReasonTitlesCoverAllReasons(t *testing.T) {
	for _, r := range []subscriptions.TransitionReason{
		subscriptions.ReasonCreated,
		subscriptions.ReasonRenewed,
		subscriptions.ReasonTierChanged,
		subscriptions.ReasonCancellationRequested,
		subscriptions.ReasonReactivated,
		subscriptions.ReasonSuspended,
		subscriptions.ReasonExpired,
		subscriptions.ReasonDefaultAssigned,
	} {
		assert.NotEqual(t, "Subscription Changed", reasonTitle(r), r)
		assert.NotEqual(t, "#808080", reasonColor(r), r)
	}
}
