package subscriptions

import (
	"slices"
)

// Transition represents a status change of a single subscription row
type Transition struct {
	From Status
	To   Status
}

// validTransitions lists every status change a row may go through.
// Cancelled and expired rows are archival and never change again; the
// account continues on a freshly inserted row.
var validTransitions = map[Transition]bool{
	{StatusActive, StatusActive}:       true, // renewal, tier change, rollover
	{StatusActive, StatusSuspended}:    true, // payment failed
	{StatusActive, StatusExpired}:      true, // term ended without renewal
	{StatusActive, StatusCancelled}:    true, // cancel_at_period_end reached
	{StatusSuspended, StatusActive}:    true, // payment recovered
	{StatusSuspended, StatusExpired}:   true,
	{StatusSuspended, StatusCancelled}: true,
}

// CanTransition checks if a row may move from one status to another
func CanTransition(from, to Status) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given status
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

func checkTransition(sub *Subscription, to Status) error {
	if !CanTransition(sub.Status, to) {
		return invalid("status", "cannot move subscription %s from %s to %s", sub.ID, sub.Status, to)
	}
	return nil
}
