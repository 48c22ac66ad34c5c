package auth

import (
	"CreditLedger/internal/credit"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Session is the outcome of a successful code verification.
type Session struct {
	Identity  credit.Identity
	Token     string
	ExpiresAt time.Time
}

// Service runs the email login flow: send a code, then exchange it for a
// token.
type Service struct {
	codes  *CodeStore
	mailer Mailer
	tokens *TokenManager
	logger zerolog.Logger
}

func NewService(codes *CodeStore, mailer Mailer, tokens *TokenManager, logger zerolog.Logger) *Service {
	return &Service{codes: codes, mailer: mailer, tokens: tokens, logger: logger}
}

func (s *Service) SendCode(ctx context.Context, email string) error {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	code, err := s.codes.Issue(ctx, normalized)
	if err != nil {
		return err
	}
	if err := s.mailer.SendVerificationCode(ctx, normalized, code); err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	s.logger.Debug().Str("email", normalized).Msg("verification code sent")
	return nil
}

// VerifyCode consumes code and issues a token for the email's identity.
func (s *Service) VerifyCode(ctx context.Context, email, code string) (*Session, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := s.codes.Verify(ctx, normalized, code); err != nil {
		return nil, err
	}
	identity := credit.Identity(normalized)
	token, expires, err := s.tokens.Issue(identity)
	if err != nil {
		return nil, err
	}
	return &Session{Identity: identity, Token: token, ExpiresAt: expires}, nil
}

func (s *Service) Tokens() *TokenManager {
	return s.tokens
}
