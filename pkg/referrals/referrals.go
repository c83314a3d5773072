package referrals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/tally/pkg/events"
	"github.com/platinummonkey/tally/pkg/tiers"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the account was not referred
	ErrNotFound = errors.New("referral not found")

	// ErrSelfReferral is returned when an account refers itself
	ErrSelfReferral = errors.New("an account cannot refer itself")
)

// Referral links a referred account to the account that referred it
type Referral struct {
	ReferredAccountID string     `json:"referred_account_id"`
	ReferrerAccountID string     `json:"referrer_account_id"`
	RewardCount       int64      `json:"reward_count"`
	TotalRewardAmount int64      `json:"total_reward_amount"`
	LastRewardAt      *time.Time `json:"last_reward_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Store persists referrals and the rewards granted for them
type Store interface {
	// Register records that referrer brought in referred. Registering the
	// same pair again is a no-op; a referred account keeps its first referrer.
	Register(ctx context.Context, referrer, referred string, at time.Time) error
	Get(ctx context.Context, referred string) (*Referral, error)
	// ApplyReward credits amount to the referral of referred once per eventID.
	// It returns false when the event was already applied.
	ApplyReward(ctx context.Context, eventID, referred string, amount int64, at time.Time) (bool, error)
}

// Consumer grants referral rewards when a referred account moves from the
// default tier to a paid one
type Consumer struct {
	store   Store
	catalog tiers.Catalog
	log     logrus.FieldLogger
}

var _ events.Handler = (*Consumer)(nil)

// NewConsumer creates the reward consumer
func NewConsumer(store Store, catalog tiers.Catalog, log logrus.FieldLogger) *Consumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{store: store, catalog: catalog, log: log.WithField("component", "referrals")}
}

func (c *Consumer) Name() string { return "referrals" }

// Handle credits the referrer with the new tier's reward amount
func (c *Consumer) Handle(ctx context.Context, ev *events.SubscriptionTransitioned) error {
	if ev.OldTier == "" || ev.OldTier == ev.NewTier {
		return nil
	}

	oldTier, err := c.catalog.GetTier(ctx, ev.OldTier)
	if err != nil {
		return fmt.Errorf("failed to load tier %s: %w", ev.OldTier, err)
	}
	if !oldTier.IsDefault {
		return nil
	}
	newTier, err := c.catalog.GetTier(ctx, ev.NewTier)
	if err != nil {
		return fmt.Errorf("failed to load tier %s: %w", ev.NewTier, err)
	}
	if newTier.IsDefault || newTier.ReferralRewardAmount <= 0 {
		return nil
	}

	applied, err := c.store.ApplyReward(ctx, ev.EventID, ev.AccountID, newTier.ReferralRewardAmount, ev.OccurredAt)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply referral reward: %w", err)
	}
	if applied {
		c.log.WithFields(logrus.Fields{
			"account_id": ev.AccountID,
			"tier":       newTier.ID,
			"amount":     newTier.ReferralRewardAmount,
		}).Info("referral reward granted")
	}
	return nil
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu        sync.Mutex
	referrals map[string]*Referral
	applied   map[string]struct{}
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		referrals: make(map[string]*Referral),
		applied:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Register(ctx context.Context, referrer, referred string, at time.Time) error {
	if referrer == referred {
		return ErrSelfReferral
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrals[referred]; ok {
		return nil
	}
	s.referrals[referred] = &Referral{
		ReferredAccountID: referred,
		ReferrerAccountID: referrer,
		CreatedAt:         at,
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, referred string) (*Referral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[referred]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) ApplyReward(ctx context.Context, eventID, referred string, amount int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[referred]
	if !ok {
		return false, ErrNotFound
	}
	if _, done := s.applied[eventID]; done {
		return false, nil
	}
	s.applied[eventID] = struct{}{}
	r.RewardCount++
	r.TotalRewardAmount += amount
	r.LastRewardAt = &at
	return true, nil
}
