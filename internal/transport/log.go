package transport

import (
	"context"

	logx "newsletterd/pkg/logx"
)

// LogSender logs every message instead of sending it. Used for dry runs.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "transport.log"))}
}

func (s *LogSender) SendOne(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("newsletter sent",
		logx.Job(msg.JobID),
		logx.String("recipient", msg.RecipientID),
		logx.String("subject", msg.Subject),
		logx.Int("html_bytes", len(msg.HTML)),
	)
	return nil
}
