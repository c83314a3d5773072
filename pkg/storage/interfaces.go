package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write lost a race with another
	// transaction (serialization failure, lock timeout, unique violation).
	// The whole account transaction can be retried.
	ErrConflict = errors.New("concurrent modification")
)

// Tx is the view of one account inside an account transaction. Every
// method acts on the locked account only.
type Tx interface {
	// Current returns the account's active or suspended row, or ErrNotFound
	Current(ctx context.Context) (*subscriptions.Subscription, error)
	// Insert adds a new row. Inserting a second current row is ErrConflict.
	Insert(ctx context.Context, sub *subscriptions.Subscription) error
	// Update overwrites an existing row by id
	Update(ctx context.Context, sub *subscriptions.Subscription) error

	// RecordPaymentEvent adds the event to the dedup ledger. It returns
	// false when the provider event was already recorded.
	RecordPaymentEvent(ctx context.Context, ev PaymentEvent) (bool, error)

	// GetUsageEvent returns a previously recorded event by request id, or ErrNotFound
	GetUsageEvent(ctx context.Context, requestID string) (*metering.UsageEvent, error)
	InsertUsageEvent(ctx context.Context, ev *metering.UsageEvent) error

	// AppendOutbox queues an event for delivery once the transaction commits
	AppendOutbox(ctx context.Context, msg *OutboxMessage) error
}

// ClaimKind selects which due rows ClaimNext looks for
type ClaimKind string

const (
	ClaimRollover ClaimKind = "rollover"
	ClaimExpiry   ClaimKind = "expiry"
)

// Claim describes one ClaimNext call
type Claim struct {
	Kind          ClaimKind
	Now           time.Time
	DefaultTierID string
	// Exclude lists accounts the caller already failed on during this run
	Exclude []string
}

// UsageQuery filters usage events. An empty AccountID matches all accounts.
// From is inclusive and To is exclusive; zero values are unbounded.
type UsageQuery struct {
	AccountID string
	From      time.Time
	To        time.Time
	Limit     int
}

// Store persists subscriptions, usage events, the payment ledger and the outbox
type Store interface {
	// WithAccount runs fn in a transaction holding the account lock. fn's
	// writes commit only when it returns nil.
	WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// ClaimNext locks one current row matching the claim, skipping rows
	// locked by others, and runs fn on it in a transaction. The bool
	// reports whether fn ran; false with a nil error means nothing is due.
	ClaimNext(ctx context.Context, claim Claim, fn func(tx Tx, sub *subscriptions.Subscription) error) (bool, error)

	// GetCurrent reads the account's current row without locking, or ErrNotFound
	GetCurrent(ctx context.Context, accountID string) (*subscriptions.Subscription, error)
	// History returns all rows of the account, newest first
	History(ctx context.Context, accountID string) ([]*subscriptions.Subscription, error)
	ListUsageEvents(ctx context.Context, q UsageQuery) ([]*metering.UsageEvent, error)

	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error)
	MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	HealthCheck(ctx context.Context) error
}

// OutboxMessage is an event written in the same transaction as the change
// that produced it and delivered afterwards
type OutboxMessage struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	AccountID     string     `json:"account_id"`
	Payload       []byte     `json:"payload"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// PaymentEvent is an entry of the payment dedup ledger
type PaymentEvent struct {
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_event_id"`
	AccountID  string    `json:"account_id"`
	Kind       string    `json:"kind"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	MigrateOnStart      bool

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "postgres",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		MigrateOnStart:   true,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
	}
}
