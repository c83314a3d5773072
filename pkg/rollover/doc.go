// Package rollover runs the period boundary jobs: rollover refreshes the usage
// period of renewing subscriptions in place, expiry downgrades ended
// subscriptions to the default tier. The predicates are mutually exclusive,
// so the jobs can run in any order and any number of times.
//
// The Scheduler fires the jobs on cron schedules and takes a Redis lock per
// run so that only one instance works a job at a time.
package rollover
