package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender stands in for the email and messaging gateways by logging the
// rendered message.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notify.log").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Str("body", body).Msg("notification sent")
	return nil
}

func (s *LogSender) SendMessage(_ context.Context, phone, body string) error {
	s.logger.Info().Str("channel", "messaging").Str("to", phone).Str("body", body).Msg("notification sent")
	return nil
}
