// Package delivery sends one newsletter to one recipient with bounded
// retries and reports the outcome as an Attempt. It never returns an error:
// every failure is folded into the Attempt.
package delivery
