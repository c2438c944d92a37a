// Package notifier sends operator alerts when a newsletter job ends badly.
//
// The service listens on the event bus for newsletter.job.finished events.
// Jobs that end failed (and, unless disabled, partially_failed) produce one
// Telegram message each.
//
// # Delivery
//
// Alerts go through a single worker with a token-bucket limiter and bounded
// retries. Each job alerts at most once per process; duplicates from a
// resumed dispatch are dropped.
package notifier
