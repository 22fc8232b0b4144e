// Package otp keeps pending one-time passwords keyed by email. Values expire
// through the backend's own TTL; there is no sweeper.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable indicates the OTP backend could not be reached.
var ErrUnavailable = errors.New("otp store unavailable")

// Store is a time-bounded email -> code mapping. At most one code per email.
type Store interface {
	Put(ctx context.Context, email, code string, ttl time.Duration) error
	// Get reports ok=false once the TTL has elapsed.
	Get(ctx context.Context, email string) (code string, ok bool, err error)
	Delete(ctx context.Context, email string) error
	Exists(ctx context.Context, email string) (bool, error)
}

// RedisStore implements Store on redis string keys with PX expiry.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	logger *zap.SugaredLogger
}

func NewRedisStore(redisClient redis.UniversalClient, prefix string, logger *zap.SugaredLogger) *RedisStore {
	if prefix == "" {
		prefix = "otp"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisStore{redis: redisClient, prefix: prefix, logger: logger}
}

func (s *RedisStore) key(email string) string {
	return s.prefix + ":" + strings.ToLower(strings.TrimSpace(email))
}

// Put stores or replaces the code for email.
func (s *RedisStore) Put(ctx context.Context, email, code string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("otp ttl must be positive, got %s", ttl)
	}
	if err := s.redis.Set(ctx, s.key(email), code, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Debugw("otp stored", "email", email, "ttl", ttl.String())
	return nil
}

func (s *RedisStore) Get(ctx context.Context, email string) (string, bool, error) {
	code, err := s.redis.Get(ctx, s.key(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.logger.Debugw("otp miss", "email", email)
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return code, true, nil
}

// Delete is idempotent.
func (s *RedisStore) Delete(ctx context.Context, email string) error {
	if err := s.redis.Del(ctx, s.key(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, email string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.key(email)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

const codeDigits = 6

var codeSpace = big.NewInt(1_000_000)

// Generate returns a uniformly random 6-digit numeric code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
