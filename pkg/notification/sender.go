package notification

import (
	"context"
	"strings"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"github.com/google/uuid"
)

type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers a rendered receipt to its recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) (SendResult, error)
}

// LogSender writes receipts to the log instead of sending them.
type LogSender struct {
	logger *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSender{logger: log}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) (SendResult, error) {
	result := SendResult{
		MessageID: "log-" + uuid.NewString(),
		SentAt:    time.Now().UTC(),
	}
	s.logger.Info(subject, "to", to, "message_id", result.MessageID)
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		s.logger.Info(line)
	}
	return result, nil
}
