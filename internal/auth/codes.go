package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultCodeTTL = 10 * time.Minute

	// MaxCodeAttempts wrong guesses discard the pending code.
	MaxCodeAttempts = 5

	codeKeyPrefix     = "credit:auth:code:"
	attemptsKeyPrefix = "credit:auth:attempts:"
	codeDigits        = 6
)

var (
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrCodeNotFound    = errors.New("no verification code found, request a new one")
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrTooManyAttempts = errors.New("too many wrong codes, request a new one")
)

// CodeStore keeps one pending verification code per email in Redis. A code
// expires after its TTL, is deleted on first successful use and after
// MaxCodeAttempts wrong guesses.
type CodeStore struct {
	client redis.UniversalClient
	ttl    time.Duration

	// generate is replaced in tests.
	generate func() (string, error)
}

func NewCodeStore(client redis.UniversalClient, ttl time.Duration) *CodeStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeStore{client: client, ttl: ttl, generate: randomCode}
}

// NormalizeEmail trims and lowercases address after checking it parses.
func NormalizeEmail(address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return "", ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return "", ErrInvalidEmail
	}
	return address, nil
}

// Issue stores a fresh code for email, replacing any pending one.
func (s *CodeStore) Issue(ctx context.Context, email string) (string, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return "", err
	}
	code, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, codeKeyPrefix+email, code, s.ttl)
		pipe.Del(ctx, attemptsKeyPrefix+email)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify consumes the pending code for email. A wrong code leaves the
// pending one in place until MaxCodeAttempts misses, which discard it and
// return ErrTooManyAttempts.
func (s *CodeStore) Verify(ctx context.Context, email, code string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	key := codeKeyPrefix + email

	stored, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) != 1 {
		return s.recordMiss(ctx, email)
	}

	// A concurrent verify may have consumed it between GET and DEL.
	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	if deleted == 0 {
		return ErrCodeNotFound
	}
	s.client.Del(ctx, attemptsKeyPrefix+email)
	return nil
}

// recordMiss counts a wrong guess. The counter lives no longer than a code.
func (s *CodeStore) recordMiss(ctx context.Context, email string) error {
	attemptsKey := attemptsKeyPrefix + email

	misses, err := s.client.Incr(ctx, attemptsKey).Result()
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if misses == 1 {
		if err := s.client.Expire(ctx, attemptsKey, s.ttl).Err(); err != nil {
			return fmt.Errorf("count attempt: %w", err)
		}
	}
	if misses < MaxCodeAttempts {
		return ErrInvalidCode
	}
	if err := s.client.Del(ctx, codeKeyPrefix+email, attemptsKey).Err(); err != nil {
		return fmt.Errorf("discard code: %w", err)
	}
	return ErrTooManyAttempts
}

func (s *CodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()+100000), nil
}
