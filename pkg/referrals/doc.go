// Package referrals keeps referral bookkeeping. The Consumer listens to
// subscription transitions and credits the referrer with the new tier's
// referral_reward_amount when a referred account upgrades from the default
// tier. Rewards are applied at most once per event.
package referrals
