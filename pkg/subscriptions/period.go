package subscriptions

import "time"

// addMonths adds n calendar months, clamping the day to the end of the
// target month (Jan 31 + 1 month = Feb 28/29)
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// NextPeriodEnd returns the end of the usage period starting at start.
// Daily periods last one day; every other cycle resets monthly. The result
// never passes subscriptionEnd.
func NextPeriodEnd(start time.Time, cycle BillingCycle, subscriptionEnd *time.Time) time.Time {
	var end time.Time
	if cycle == CycleDaily {
		end = start.AddDate(0, 0, 1)
	} else {
		end = addMonths(start, 1)
	}
	if subscriptionEnd != nil && end.After(*subscriptionEnd) {
		end = *subscriptionEnd
	}
	return end
}

// TermEnd returns the subscription_end for a term starting at start.
// Only yearly terms have one.
func TermEnd(start time.Time, cycle BillingCycle) *time.Time {
	if cycle != CycleYearly {
		return nil
	}
	end := addMonths(start, 12)
	return &end
}
