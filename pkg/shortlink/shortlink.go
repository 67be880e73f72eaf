// Package shortlink provides Redis-backed short links for invite URLs.
// Codes are random, unguessable and time-boxed to match the invite links
// they wrap.
package shortlink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 24 * time.Hour
	keyPrefix  = "membergate:shortlink:"
)

// ErrNotFound is returned when a code does not resolve, either because it
// never existed or because it expired.
var ErrNotFound = errors.New("shortlink: not found")

// Config holds short link service configuration.
type Config struct {
	// PublicBaseURL is the externally reachable prefix for generated links,
	// e.g. "https://pay.example.com/r".
	PublicBaseURL string

	// TTL is how long a code stays resolvable (default: 24h).
	TTL time.Duration
}

// Service stores code-to-URL mappings in Redis.
type Service struct {
	client  redis.UniversalClient
	baseURL string
	ttl     time.Duration
}

// New creates a short link service.
func New(client redis.UniversalClient, cfg Config) (*Service, error) {
	if client == nil {
		return nil, errors.New("shortlink: redis client is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("shortlink: public base URL is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		client:  client,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		ttl:     ttl,
	}, nil
}

// Shorten stores the target URL under a fresh code and returns the public
// short URL.
func (s *Service) Shorten(ctx context.Context, target string) (string, error) {
	if target == "" {
		return "", errors.New("shortlink: empty target")
	}

	// First 8 hex chars of a v4 UUID: 32 bits of entropy, plenty for links
	// that expire within a day.
	code := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	if err := s.client.Set(ctx, keyPrefix+code, target, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("shortlink: store code: %w", err)
	}
	return s.baseURL + "/" + code, nil
}

// Resolve returns the target URL for a code, or ErrNotFound.
func (s *Service) Resolve(ctx context.Context, code string) (string, error) {
	target, err := s.client.Get(ctx, keyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("shortlink: resolve code: %w", err)
	}
	return target, nil
}
