package sink

import (
	"context"
	"log/slog"
)

type logSender struct {
	log *slog.Logger
}

// NewLogSender writes every entry to the structured log.
func NewLogSender(log *slog.Logger) Sender {
	if log == nil {
		log = slog.Default()
	}
	return &logSender{log: log}
}

func (s *logSender) Send(ctx context.Context, p EntryPayload) error {
	s.log.InfoContext(ctx, "feed entry",
		"feed", p.FeedID,
		"entry", p.Key,
		"icon", p.Icon,
		"summary", p.Summary,
		"content", p.Content,
	)
	return nil
}
