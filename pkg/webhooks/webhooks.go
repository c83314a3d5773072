package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tally/pkg/async"
	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// EventType represents the type of webhook event
type EventType string

const EventSubscriptionTransitioned EventType = events.TypeSubscriptionTransitioned

// Event is the body delivered to JSON endpoints
type Event struct {
	ID        string                           `json:"id"`
	Type      EventType                        `json:"type"`
	Timestamp time.Time                        `json:"timestamp"`
	Data      *events.SubscriptionTransitioned `json:"data"`
}

// Format selects how an endpoint wants events rendered
type Format string

const (
	FormatJSON  Format = "json"
	FormatSlack Format = "slack"
	FormatTeams Format = "teams"
)

// Endpoint is a registered webhook receiver. Reasons filters the
// transitions it receives; empty means all.
type Endpoint struct {
	ID          string                           `json:"id"`
	URL         string                           `json:"url"`
	Format      Format                           `json:"format"`
	Reasons     []subscriptions.TransitionReason `json:"reasons,omitempty"`
	Secret      string                           `json:"-"`
	Active      bool                             `json:"active"`
	Description string                           `json:"description,omitempty"`
	CreatedAt   time.Time                        `json:"created_at"`
	UpdatedAt   time.Time                        `json:"updated_at"`
}

func (e *Endpoint) wants(reason subscriptions.TransitionReason) bool {
	if len(e.Reasons) == 0 {
		return true
	}
	for _, r := range e.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Manager delivers transition events to registered endpoints. It is an
// outbox handler: a failed endpoint fails the message, and the outbox
// retries it later. Endpoints that already accepted the event are skipped
// on retry.
type Manager struct {
	mu          sync.RWMutex
	endpoints   map[string]*Endpoint
	client      *http.Client
	deliveries  *DeliveryLogStore
	rateLimiter *RateLimiter
	concurrency int
	timeout     time.Duration
	log         logrus.FieldLogger
}

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient replaces the instrumented default client
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRateLimit caps deliveries per endpoint
func WithRateLimit(maxRequests int, period time.Duration) Option {
	return func(m *Manager) { m.rateLimiter = NewRateLimiter(maxRequests, period) }
}

// WithLogger sets the logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// WithConcurrency sets how many endpoints are called in parallel
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// NewManager creates a new webhook manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		endpoints: make(map[string]*Endpoint),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		deliveries:  NewDeliveryLogStore(1000),
		rateLimiter: NewRateLimiter(100, time.Minute), // 100 requests per minute per endpoint
		concurrency: 4,
		timeout:     15 * time.Second,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "webhooks")
	return m
}

// Register adds an endpoint
func (m *Manager) Register(ep *Endpoint) error {
	u, err := url.Parse(ep.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook URL must be an absolute http(s) URL: %q", ep.URL)
	}
	switch ep.Format {
	case "":
		ep.Format = FormatJSON
	case FormatJSON, FormatSlack, FormatTeams:
	default:
		return fmt.Errorf("unknown webhook format %q", ep.Format)
	}

	now := time.Now()
	ep.ID = uuid.NewString()
	ep.Active = true
	ep.CreatedAt = now
	ep.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = ep
	return nil
}

// Unregister removes an endpoint
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[id]; !exists {
		return ErrEndpointNotFound
	}
	delete(m.endpoints, id)
	return nil
}

// ErrEndpointNotFound is returned for unknown endpoint ids
var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Get retrieves an endpoint by ID
func (m *Manager) Get(id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, exists := m.endpoints[id]
	if !exists {
		return nil, ErrEndpointNotFound
	}
	c := *ep
	return &c, nil
}

// List returns all endpoints, oldest first
func (m *Manager) List() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		c := *ep
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetActive activates or deactivates an endpoint
func (m *Manager) SetActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, exists := m.endpoints[id]
	if !exists {
		return ErrEndpointNotFound
	}
	ep.Active = active
	ep.UpdatedAt = time.Now()
	return nil
}

// Deliveries returns the newest delivery logs of an endpoint
func (m *Manager) Deliveries(id string, limit int) []*DeliveryLog {
	return m.deliveries.GetByEndpoint(id, limit)
}

// Stats returns delivery statistics of an endpoint
func (m *Manager) Stats(id string) DeliveryStats {
	stats := m.deliveries.GetStats(id)
	stats.RateLimitRemaining = m.rateLimiter.GetRemaining(id)
	return stats
}

// Name implements events.Handler
func (m *Manager) Name() string { return "webhooks" }

// Handle implements events.Handler
func (m *Manager) Handle(ctx context.Context, ev *events.SubscriptionTransitioned) error {
	targets := m.targets(ev)
	if len(targets) == 0 {
		return nil
	}
	errs := async.Batch(ctx, targets, m.concurrency, "webhook delivery", m.timeout,
		func(ctx context.Context, ep *Endpoint) error {
			return m.deliver(ctx, ep, ev)
		})
	return errors.Join(errs...)
}

func (m *Manager) targets(ev *events.SubscriptionTransitioned) []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Endpoint
	for _, ep := range m.endpoints {
		if !ep.Active || !ep.wants(ev.Reason) {
			continue
		}
		if m.deliveries.Succeeded(ev.EventID, ep.ID) {
			continue
		}
		c := *ep
		out = append(out, &c)
	}
	return out
}

func (m *Manager) deliver(ctx context.Context, ep *Endpoint, ev *events.SubscriptionTransitioned) error {
	deliveryLog := &DeliveryLog{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    ev.EventID,
		EventType:  EventSubscriptionTransitioned,
		URL:        ep.URL,
		Attempts:   m.deliveries.Attempts(ev.EventID, ep.ID) + 1,
		CreatedAt:  time.Now(),
	}

	start := time.Now()
	err := m.send(ctx, ep, ev, deliveryLog)
	deliveryLog.Duration = time.Since(start)
	completed := time.Now()
	deliveryLog.CompletedAt = &completed

	if err != nil {
		deliveryLog.Status = DeliveryStatusFailed
		deliveryLog.ErrorMessage = err.Error()
		m.log.WithFields(logrus.Fields{
			"endpoint":   ep.ID,
			"event_id":   ev.EventID,
			"account_id": ev.AccountID,
			"attempts":   deliveryLog.Attempts,
		}).WithError(err).Warn("Webhook delivery failed")
	} else {
		deliveryLog.Status = DeliveryStatusSuccess
	}
	m.deliveries.Add(deliveryLog)

	if err != nil {
		return fmt.Errorf("endpoint %s: %w", ep.ID, err)
	}
	return nil
}

// send posts an event to a specific endpoint
func (m *Manager) send(ctx context.Context, ep *Endpoint, ev *events.SubscriptionTransitioned, deliveryLog *DeliveryLog) error {
	if !m.rateLimiter.Allow(ep.ID) {
		return fmt.Errorf("rate limit exceeded for webhook %s", ep.ID)
	}

	event := &Event{
		ID:        ev.EventID,
		Type:      EventSubscriptionTransitioned,
		Timestamp: ev.OccurredAt,
		Data:      ev,
	}
	payload, err := render(ep.Format, event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tally-Event", string(event.Type))
	req.Header.Set("X-Tally-Event-ID", event.ID)
	req.Header.Set("X-Tally-Delivery", time.Now().UTC().Format(time.RFC3339))

	if ep.Secret != "" {
		req.Header.Set("X-Tally-Signature", generateSignature(payload, ep.Secret))
	}

	deliveryLog.RequestHeaders = make(map[string]string)
	for key, values := range req.Header {
		if len(values) > 0 && key != "X-Tally-Signature" {
			deliveryLog.RequestHeaders[key] = values[0]
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	deliveryLog.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	deliveryLog.ResponseBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// VerifySignature verifies the webhook signature on the receiver side
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
