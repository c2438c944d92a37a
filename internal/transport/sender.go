// Package transport delivers one rendered newsletter to one recipient.
//
// Senders report failures as plain errors. Callers classify them:
// ErrInvalidRecipient and errors reporting Permanent() == true are not
// retried, errors carrying RetryAfter() hint the next delay.
package transport

import (
	"context"
	"errors"
)

// ErrInvalidRecipient means the recipient can never be delivered to.
var ErrInvalidRecipient = errors.New("transport: invalid recipient")

// Message is a single send.
type Message struct {
	JobID       string `json:"job_id"`
	RecipientID string `json:"recipient_id"`
	Subject     string `json:"subject"`
	HTML        string `json:"html"`
}

// IdempotencyKey identifies a (job, recipient) pair across retries and
// resumed dispatches.
func (m Message) IdempotencyKey() string { return m.JobID + ":" + m.RecipientID }

type Sender interface {
	SendOne(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) SendOne(ctx context.Context, msg Message) error { return f(ctx, msg) }
