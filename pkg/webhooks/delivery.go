package webhooks

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryLog represents one delivery attempt of an event to an endpoint
type DeliveryLog struct {
	ID             string            `json:"id"`
	EndpointID     string            `json:"endpoint_id"`
	EventID        string            `json:"event_id"`
	EventType      EventType         `json:"event_type"`
	URL            string            `json:"url"`
	Status         DeliveryStatus    `json:"status"`
	StatusCode     int               `json:"status_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Attempts       int               `json:"attempts"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Duration       time.Duration     `json:"duration,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
}

// DeliveryStats summarizes the delivery logs of an endpoint
type DeliveryStats struct {
	Total              int           `json:"total"`
	Success            int           `json:"success"`
	Failed             int           `json:"failed"`
	SuccessRate        float64       `json:"success_rate"`
	AverageDuration    time.Duration `json:"average_duration"`
	LastDeliveryAt     *time.Time    `json:"last_delivery_at,omitempty"`
	RateLimitRemaining int           `json:"rate_limit_remaining"`
}

// DeliveryLogStore keeps the most recent delivery logs in memory. The
// outcome per (event, endpoint) is tracked separately so a retried outbox
// message skips endpoints that already accepted it.
type DeliveryLogStore struct {
	logs     *lru.Cache[string, *DeliveryLog]
	outcomes *lru.Cache[string, outcome]
}

type outcome struct {
	attempts  int
	succeeded bool
}

// NewDeliveryLogStore creates a new delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	logs, _ := lru.New[string, *DeliveryLog](maxLogs)
	outcomes, _ := lru.New[string, outcome](maxLogs * 4)
	return &DeliveryLogStore{logs: logs, outcomes: outcomes}
}

func outcomeKey(eventID, endpointID string) string {
	return eventID + "/" + endpointID
}

// Add adds a delivery log
func (s *DeliveryLogStore) Add(log *DeliveryLog) {
	s.logs.Add(log.ID, log)

	key := outcomeKey(log.EventID, log.EndpointID)
	o, _ := s.outcomes.Get(key)
	o.attempts++
	o.succeeded = o.succeeded || log.Status == DeliveryStatusSuccess
	s.outcomes.Add(key, o)
}

// Get retrieves a delivery log by ID
func (s *DeliveryLogStore) Get(id string) (*DeliveryLog, bool) {
	return s.logs.Peek(id)
}

// Succeeded reports whether the event was delivered to the endpoint
func (s *DeliveryLogStore) Succeeded(eventID, endpointID string) bool {
	o, _ := s.outcomes.Peek(outcomeKey(eventID, endpointID))
	return o.succeeded
}

// Attempts returns the number of recorded attempts of the event at the endpoint
func (s *DeliveryLogStore) Attempts(eventID, endpointID string) int {
	o, _ := s.outcomes.Peek(outcomeKey(eventID, endpointID))
	return o.attempts
}

// GetByEndpoint returns an endpoint's logs, newest first
func (s *DeliveryLogStore) GetByEndpoint(endpointID string, limit int) []*DeliveryLog {
	var result []*DeliveryLog
	for _, log := range s.logs.Values() {
		if log.EndpointID == endpointID {
			result = append(result, log)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// GetByEvent retrieves delivery logs for an event
func (s *DeliveryLogStore) GetByEvent(eventID string) []*DeliveryLog {
	var result []*DeliveryLog
	for _, log := range s.logs.Values() {
		if log.EventID == eventID {
			result = append(result, log)
		}
	}
	return result
}

// GetStats computes statistics over the endpoint's retained logs
func (s *DeliveryLogStore) GetStats(endpointID string) DeliveryStats {
	var stats DeliveryStats
	var total time.Duration
	for _, log := range s.logs.Values() {
		if log.EndpointID != endpointID {
			continue
		}
		stats.Total++
		switch log.Status {
		case DeliveryStatusSuccess:
			stats.Success++
		case DeliveryStatusFailed:
			stats.Failed++
		}
		total += log.Duration
		if stats.LastDeliveryAt == nil || log.CreatedAt.After(*stats.LastDeliveryAt) {
			at := log.CreatedAt
			stats.LastDeliveryAt = &at
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Total)
		stats.AverageDuration = total / time.Duration(stats.Total)
	}
	return stats
}
