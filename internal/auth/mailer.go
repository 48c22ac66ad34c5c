package auth

import (
	"context"

	"github.com/rs/zerolog"
)

// Mailer delivers verification codes.
type Mailer interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// LogMailer writes the code to the log instead of sending mail. Use it in
// development and tests only.
type LogMailer struct {
	logger zerolog.Logger
}

func NewLogMailer(logger zerolog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendVerificationCode(_ context.Context, email, code string) error {
	m.logger.Info().
		Str("email", email).
		Str("code", code).
		Msg("verification code issued")
	return nil
}
