// Package events defines the SubscriptionTransitioned event and the outbox
// dispatcher that delivers it.
//
// Events are appended to the outbox in the same transaction as the change
// that produced them, so a committed transition always has its event and a
// rolled back one never does. Dispatcher.RunOnce loads due messages and hands
// each one to every registered Handler; a message is marked delivered when
// all handlers succeed and rescheduled with backoff otherwise.
package events
