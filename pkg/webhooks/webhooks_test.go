package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

type received struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (rc *received) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.bodies)
}

func receiver(t *testing.T, status *atomic.Int32) (*httptest.Server, *received) {
	t.Helper()
	rc := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, body)
		rc.headers = append(rc.headers, r.Header.Clone())
		rc.mu.Unlock()
		code := http.StatusOK
		if status != nil {
			code = int(status.Load())
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, rc
}

func newTestManager() *Manager {
	log, _ := test.NewNullLogger()
	return NewManager(WithLogger(log))
}

func transition(reason subscriptions.TransitionReason) *events.SubscriptionTransitioned {
	return &events.SubscriptionTransitioned{
		EventID:        "evt-1",
		AccountID:      "acct-1",
		SubscriptionID: "sub-1",
		OldTier:        "free",
		NewTier:        "standard",
		OldStatus:      subscriptions.StatusActive,
		NewStatus:      subscriptions.StatusActive,
		Reason:         reason,
		OccurredAt:     time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestRegisterValidates(t *testing.T) {
	m := newTestManager()

	tests := []struct {
		name    string
		ep      Endpoint
		wantErr bool
	}{
		{name: "https", ep: Endpoint{URL: "https://hooks.example.com/x"}},
		{name: "slack", ep: Endpoint{URL: "https://hooks.slack.com/x", Format: FormatSlack}},
		{name: "relative", ep: Endpoint{URL: "/hook"}, wantErr: true},
		{name: "ftp", ep: Endpoint{URL: "ftp://example.com"}, wantErr: true},
		{name: "bad format", ep: Endpoint{URL: "https://example.com", Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := tt.ep
			err := m.Register(&ep)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, ep.ID)
			assert.True(t, ep.Active)
			assert.NotEmpty(t, ep.Format)
		})
	}
}

func TestManagerCRUD(t *testing.T) {
	m := newTestManager()
	ep := &Endpoint{URL: "https://example.com/a"}
	require.NoError(t, m.Register(ep))

	got, err := m.Get(ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.URL, got.URL)
	assert.Len(t, m.List(), 1)

	require.NoError(t, m.SetActive(ep.ID, false))
	got, _ = m.Get(ep.ID)
	assert.False(t, got.Active)

	require.NoError(t, m.Unregister(ep.ID))
	_, err = m.Get(ep.ID)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	assert.ErrorIs(t, m.Unregister(ep.ID), ErrEndpointNotFound)
	assert.ErrorIs(t, m.SetActive(ep.ID, true), ErrEndpointNotFound)
}

func TestHandleDeliversSignedJSON(t *testing.T) {
	srv, rc := receiver(t, nil)
	m := newTestManager()
	require.NoError(t, m.Register(&Endpoint{URL: srv.URL, Secret: "s3cret"}))

	require.NoError(t, m.Handle(context.Background(), transition(subscriptions.ReasonTierChanged)))
	require.Equal(t, 1, rc.count())

	h := rc.headers[0]
	assert.Equal(t, events.TypeSubscriptionTransitioned, h.Get("X-Tally-Event"))
	assert.Equal(t, "evt-1", h.Get("X-Tally-Event-ID"))
	assert.True(t, VerifySignature(rc.bodies[0], h.Get("X-Tally-Signature"), "s3cret"))
	assert.False(t, VerifySignature(rc.bodies[0], h.Get("X-Tally-Signature"), "other"))

	var ev Event
	require.NoError(t, json.Unmarshal(rc.bodies[0], &ev))
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "standard", ev.Data.NewTier)
	assert.Equal(t, subscriptions.ReasonTierChanged, ev.Data.Reason)
}

func TestHandleNoSecretNoSignature(t *testing.T) {
	srv, rc := receiver(t, nil)
	m := newTestManager()
	require.NoError(t, m.Register(&Endpoint{URL: srv.URL}))

	require.NoError(t, m.Handle(context.Background(), transition(subscriptions.ReasonCreated)))
	require.Equal(t, 1, rc.count())
	assert.Empty(t, rc.headers[0].Get("X-Tally-Signature"))
}

func TestHandleFiltersReasonsAndInactive(t *testing.T) {
	srv, rc := receiver(t, nil)
	m := newTestManager()
	require.NoError(t, m.Register(&Endpoint{URL: srv.URL, Reasons: []subscriptions.TransitionReason{subscriptions.ReasonSuspended}}))
	inactive := &Endpoint{URL: srv.URL}
	require.NoError(t, m.Register(inactive))
	require.NoError(t, m.SetActive(inactive.ID, false))

	require.NoError(t, m.Handle(context.Background(), transition(subscriptions.ReasonRenewed)))
	assert.Equal(t, 0, rc.count())

	ev := transition(subscriptions.ReasonSuspended)
	ev.EventID = "evt-2"
	require.NoError(t, m.Handle(context.Background(), ev))
	assert.Equal(t, 1, rc.count())
}

func TestHandleRetriesOnlyFailedEndpoints(t *testing.T) {
	okSrv, okRC := receiver(t, nil)
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	badSrv, badRC := receiver(t, &status)

	m := newTestManager()
	good := &Endpoint{URL: okSrv.URL}
	bad := &Endpoint{URL: badSrv.URL}
	require.NoError(t, m.Register(good))
	require.NoError(t, m.Register(bad))

	ev := transition(subscriptions.ReasonExpired)
	err := m.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad.ID)
	assert.Equal(t, 1, okRC.count())
	assert.Equal(t, 1, badRC.count())

	status.Store(http.StatusNoContent)
	require.NoError(t, m.Handle(context.Background(), ev))
	assert.Equal(t, 1, okRC.count(), "delivered endpoint is not called again")
	assert.Equal(t, 2, badRC.count())

	logs := m.Deliveries(bad.ID, 0)
	require.Len(t, logs, 2)
	assert.Equal(t, DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, 2, logs[0].Attempts)
	assert.Equal(t, DeliveryStatusFailed, logs[1].Status)
	assert.Equal(t, http.StatusBadGateway, logs[1].StatusCode)

	stats := m.Stats(bad.ID)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Success)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)

	// nothing left to deliver
	require.NoError(t, m.Handle(context.Background(), ev))
	assert.Equal(t, 2, badRC.count())
}

func TestHandleRateLimited(t *testing.T) {
	srv, rc := receiver(t, nil)
	log, _ := test.NewNullLogger()
	m := NewManager(WithLogger(log), WithRateLimit(1, time.Hour))
	require.NoError(t, m.Register(&Endpoint{URL: srv.URL}))

	require.NoError(t, m.Handle(context.Background(), transition(subscriptions.ReasonCreated)))
	ev := transition(subscriptions.ReasonRenewed)
	ev.EventID = "evt-2"
	err := m.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, rc.count())
}

func TestHandleSlackFormat(t *testing.T) {
	srv, rc := receiver(t, nil)
	m := newTestManager()
	require.NoError(t, m.Register(&Endpoint{URL: srv.URL, Format: FormatSlack}))

	require.NoError(t, m.Handle(context.Background(), transition(subscriptions.ReasonSuspended)))
	require.Equal(t, 1, rc.count())

	var msg SlackMessage
	require.NoError(t, json.Unmarshal(rc.bodies[0], &msg))
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "Subscription Suspended", msg.Attachments[0].Title)
	assert.Equal(t, "#f44336", msg.Attachments[0].Color)
}

func TestHandleWithoutEndpoints(t *testing.T) {
	assert.NoError(t, newTestManager().Handle(context.Background(), transition(subscriptions.ReasonCreated)))
}
