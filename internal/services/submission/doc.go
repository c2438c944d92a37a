// Package submission is the entry point for newsletter requests. It turns the
// schedule and send DTOs into jobs, persists them and starts immediate jobs
// without waiting for delivery.
package submission
