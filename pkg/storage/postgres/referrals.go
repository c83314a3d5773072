package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tally/pkg/referrals"
)

// ReferralStore implements referrals.Store on PostgreSQL
type ReferralStore struct {
	db *sql.DB
}

var _ referrals.Store = (*ReferralStore)(nil)

// NewReferralStore creates a referral store
func NewReferralStore(db *sql.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

func (s *ReferralStore) Register(ctx context.Context, referrer, referred string, at time.Time) error {
	if referrer == referred {
		return referrals.ErrSelfReferral
	}
	query := `
		INSERT INTO referrals (referred_account_id, referrer_account_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (referred_account_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, referred, referrer, at); err != nil {
		return fmt.Errorf("failed to register referral: %w", err)
	}
	return nil
}

func (s *ReferralStore) Get(ctx context.Context, referred string) (*referrals.Referral, error) {
	query := `
		SELECT referred_account_id, referrer_account_id, reward_count, total_reward_amount, last_reward_at, created_at
		FROM referrals
		WHERE referred_account_id = $1
	`
	var (
		r          referrals.Referral
		lastReward sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, referred).Scan(
		&r.ReferredAccountID, &r.ReferrerAccountID, &r.RewardCount, &r.TotalRewardAmount, &lastReward, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, referrals.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	if lastReward.Valid {
		r.LastRewardAt = &lastReward.Time
	}
	return &r, nil
}

// ApplyReward records the event and credits the referral in one transaction
func (s *ReferralStore) ApplyReward(ctx context.Context, eventID, referred string, amount int64, at time.Time) (bool, error) {
	var applied bool
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var referrer string
		err := tx.QueryRowContext(ctx,
			`SELECT referrer_account_id FROM referrals WHERE referred_account_id = $1 FOR UPDATE`,
			referred).Scan(&referrer)
		if errors.Is(err, sql.ErrNoRows) {
			return referrals.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock referral: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO referral_reward_events (event_id, referrer_account_id, referred_account_id, amount, rewarded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID, referrer, referred, amount, at)
		if err != nil {
			return fmt.Errorf("failed to record reward event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE referrals
			SET reward_count = reward_count + 1,
			    total_reward_amount = total_reward_amount + $2,
			    last_reward_at = $3
			WHERE referred_account_id = $1
		`, referred, amount, at); err != nil {
			return fmt.Errorf("failed to credit referral: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
