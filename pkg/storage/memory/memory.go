package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/tally/pkg/metering"
	"github.com/platinummonkey/tally/pkg/storage"
	"github.com/platinummonkey/tally/pkg/subscriptions"
)

// Store is an in-process storage.Store. Each account has its own mutex;
// the data maps are guarded by mu and only touched briefly.
type Store struct {
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu       sync.RWMutex
	subs     map[string][]*subscriptions.Subscription // account -> rows in insertion order
	usage    map[string]*metering.UsageEvent          // request id -> event
	usageLog []*metering.UsageEvent
	payments map[string]storage.PaymentEvent
	outbox   []*storage.OutboxMessage
}

// New creates an empty memory store
func New() *Store {
	return &Store{
		locks:    make(map[string]*sync.Mutex),
		subs:     make(map[string][]*subscriptions.Subscription),
		usage:    make(map[string]*metering.UsageEvent),
		payments: make(map[string]storage.PaymentEvent),
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) lockFor(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// WithAccount runs fn holding the account mutex and applies its writes on success
func (s *Store) WithAccount(ctx context.Context, accountID string, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()
	return s.run(accountID, fn)
}

func (s *Store) run(accountID string, fn func(tx storage.Tx) error) error {
	tx := s.begin(accountID)
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

// ClaimNext picks the first due account whose mutex is free
func (s *Store) ClaimNext(ctx context.Context, claim storage.Claim, fn func(tx storage.Tx, sub *subscriptions.Subscription) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	excluded := make(map[string]struct{}, len(claim.Exclude))
	for _, id := range claim.Exclude {
		excluded[id] = struct{}{}
	}

	for _, accountID := range s.dueAccounts(claim) {
		if _, skip := excluded[accountID]; skip {
			continue
		}
		l := s.lockFor(accountID)
		if !l.TryLock() {
			continue
		}

		var claimed bool
		err := s.run(accountID, func(tx storage.Tx) error {
			cur, err := tx.Current(ctx)
			if err != nil {
				return nil
			}
			// re-check under the lock
			if !isDue(claim, cur) {
				return nil
			}
			claimed = true
			return fn(tx, cur)
		})
		l.Unlock()

		if claimed || err != nil {
			return claimed, err
		}
	}
	return false, nil
}

func isDue(claim storage.Claim, sub *subscriptions.Subscription) bool {
	isDefault := sub.TierID == claim.DefaultTierID
	switch claim.Kind {
	case storage.ClaimRollover:
		return subscriptions.NeedsRollover(sub, isDefault, claim.Now)
	case storage.ClaimExpiry:
		return subscriptions.NeedsExpiry(sub, isDefault, claim.Now)
	}
	return false
}

func (s *Store) dueAccounts(claim storage.Claim) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []string
	for accountID, rows := range s.subs {
		if cur := currentOf(rows); cur != nil && isDue(claim, cur) {
			due = append(due, accountID)
		}
	}
	sort.Strings(due)
	return due
}

func currentOf(rows []*subscriptions.Subscription) *subscriptions.Subscription {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].IsCurrent() {
			return rows[i]
		}
	}
	return nil
}

// GetCurrent returns a copy of the account's current row
func (s *Store) GetCurrent(ctx context.Context, accountID string) (*subscriptions.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := currentOf(s.subs[accountID])
	if cur == nil {
		return nil, storage.ErrNotFound
	}
	return cur.Clone(), nil
}

// History returns copies of all the account's rows, newest first
func (s *Store) History(ctx context.Context, accountID string) ([]*subscriptions.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.subs[accountID]
	out := make([]*subscriptions.Subscription, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].Clone())
	}
	return out, nil
}

// ListUsageEvents returns matching events in recording order
func (s *Store) ListUsageEvents(ctx context.Context, q storage.UsageQuery) ([]*metering.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*metering.UsageEvent
	for _, ev := range s.usageLog {
		if q.AccountID != "" && ev.AccountID != q.AccountID {
			continue
		}
		if !q.From.IsZero() && ev.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !ev.CreatedAt.Before(q.To) {
			continue
		}
		c := *ev
		out = append(out, &c)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// PendingOutbox returns undelivered messages that are due, oldest first
func (s *Store) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]*storage.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.OutboxMessage
	for _, m := range s.outbox {
		if m.DeliveredAt != nil || m.NextAttemptAt.After(now) {
			continue
		}
		c := *m
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxDelivered records a successful delivery
func (s *Store) MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findOutbox(id)
	if m == nil {
		return storage.ErrNotFound
	}
	m.DeliveredAt = &at
	m.Attempts++
	m.LastError = ""
	return nil
}

// MarkOutboxFailed records a failed attempt and when to try again
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findOutbox(id)
	if m == nil {
		return storage.ErrNotFound
	}
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = nextAttemptAt
	return nil
}

func (s *Store) findOutbox(id string) *storage.OutboxMessage {
	for _, m := range s.outbox {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// Outbox returns copies of every outbox message, delivered or not
func (s *Store) Outbox() []*storage.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		c := *m
		out = append(out, &c)
	}
	return out
}

// CurrentRowCount returns how many current rows the account has. It is
// never more than one.
func (s *Store) CurrentRowCount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.subs[accountID] {
		if row.IsCurrent() {
			n++
		}
	}
	return n
}

func paymentKey(provider, externalID string) string {
	return provider + "\x00" + externalID
}

type tx struct {
	store     *Store
	accountID string

	rows     []*subscriptions.Subscription
	payments []storage.PaymentEvent
	usage    []*metering.UsageEvent
	outbox   []*storage.OutboxMessage
}

func (s *Store) begin(accountID string) *tx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*subscriptions.Subscription, 0, len(s.subs[accountID]))
	for _, r := range s.subs[accountID] {
		rows = append(rows, r.Clone())
	}
	return &tx{store: s, accountID: accountID, rows: rows}
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range t.payments {
		if _, dup := s.payments[paymentKey(ev.Provider, ev.ExternalID)]; dup {
			return storage.ErrConflict
		}
	}
	for _, ev := range t.usage {
		if _, dup := s.usage[ev.RequestID]; dup {
			return storage.ErrConflict
		}
	}

	s.subs[t.accountID] = t.rows
	for _, ev := range t.payments {
		s.payments[paymentKey(ev.Provider, ev.ExternalID)] = ev
	}
	for _, ev := range t.usage {
		s.usage[ev.RequestID] = ev
		s.usageLog = append(s.usageLog, ev)
	}
	s.outbox = append(s.outbox, t.outbox...)
	return nil
}

func (t *tx) checkAccount(accountID string) error {
	if accountID != t.accountID {
		return fmt.Errorf("row of account %s written in transaction of account %s", accountID, t.accountID)
	}
	return nil
}

func (t *tx) Current(ctx context.Context) (*subscriptions.Subscription, error) {
	cur := currentOf(t.rows)
	if cur == nil {
		return nil, storage.ErrNotFound
	}
	return cur.Clone(), nil
}

func (t *tx) Insert(ctx context.Context, sub *subscriptions.Subscription) error {
	if err := t.checkAccount(sub.AccountID); err != nil {
		return err
	}
	for _, r := range t.rows {
		if r.ID == sub.ID {
			return fmt.Errorf("subscription %s already exists: %w", sub.ID, storage.ErrConflict)
		}
	}
	if sub.IsCurrent() && currentOf(t.rows) != nil {
		return fmt.Errorf("account %s already has a current subscription: %w", sub.AccountID, storage.ErrConflict)
	}
	t.rows = append(t.rows, sub.Clone())
	return nil
}

func (t *tx) Update(ctx context.Context, sub *subscriptions.Subscription) error {
	if err := t.checkAccount(sub.AccountID); err != nil {
		return err
	}
	for i, r := range t.rows {
		if r.ID != sub.ID {
			continue
		}
		if sub.IsCurrent() {
			if cur := currentOf(t.rows); cur != nil && cur.ID != sub.ID {
				return fmt.Errorf("account %s already has a current subscription: %w", sub.AccountID, storage.ErrConflict)
			}
		}
		t.rows[i] = sub.Clone()
		return nil
	}
	return storage.ErrNotFound
}

func (t *tx) RecordPaymentEvent(ctx context.Context, ev storage.PaymentEvent) (bool, error) {
	key := paymentKey(ev.Provider, ev.ExternalID)
	for _, p := range t.payments {
		if paymentKey(p.Provider, p.ExternalID) == key {
			return false, nil
		}
	}
	t.store.mu.RLock()
	_, seen := t.store.payments[key]
	t.store.mu.RUnlock()
	if seen {
		return false, nil
	}
	t.payments = append(t.payments, ev)
	return true, nil
}

func (t *tx) GetUsageEvent(ctx context.Context, requestID string) (*metering.UsageEvent, error) {
	for _, ev := range t.usage {
		if ev.RequestID == requestID {
			c := *ev
			return &c, nil
		}
	}
	t.store.mu.RLock()
	ev, ok := t.store.usage[requestID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *ev
	return &c, nil
}

func (t *tx) InsertUsageEvent(ctx context.Context, ev *metering.UsageEvent) error {
	if err := t.checkAccount(ev.AccountID); err != nil {
		return err
	}
	if _, err := t.GetUsageEvent(ctx, ev.RequestID); err == nil {
		return fmt.Errorf("usage event %s already recorded: %w", ev.RequestID, storage.ErrConflict)
	}
	c := *ev
	t.usage = append(t.usage, &c)
	return nil
}

func (t *tx) AppendOutbox(ctx context.Context, msg *storage.OutboxMessage) error {
	c := *msg
	t.outbox = append(t.outbox, &c)
	return nil
}
