// Package quota publishes a read-only mirror of each account's latest quota
// reading to Redis for external dashboards. It is strictly additive: the
// pool never reads this data back, so Redis being down or absent never
// affects account selection or request handling.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiro2api/kiro-gateway/internal/account"
)

// Mirror publishes account.UsageLimits snapshots to Redis hashes under
// "<prefix>quota:<account_id>".
type Mirror struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// Options configures a Mirror.
type Options struct {
	URL       string
	KeyPrefix string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// New connects to Redis and returns a Mirror, or nil with no error if opts.URL
// is empty — the mirror is entirely optional.
func New(opts Options) (*Mirror, error) {
	if opts.URL == "" {
		return nil, nil
	}

	redisOpts, err := parseRedisURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("quota: invalid redis url: %w", err)
	}
	if opts.Timeout > 0 {
		redisOpts.ReadTimeout = opts.Timeout
		redisOpts.WriteTimeout = opts.Timeout
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Mirror{
		rdb:    redis.NewClient(redisOpts),
		prefix: opts.KeyPrefix,
		logger: logger,
	}, nil
}

func parseRedisURL(rawURL string) (*redis.Options, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	opts := &redis.Options{Addr: u.Host}
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	if len(u.Path) > 1 {
		if db, err := strconv.Atoi(u.Path[1:]); err == nil {
			opts.DB = db
		}
	}
	return opts, nil
}

// Publish writes one account's latest quota reading. Failures are logged
// and swallowed: a down mirror must never surface as a request error.
func (m *Mirror) Publish(ctx context.Context, accountID string, limits account.UsageLimits) {
	if m == nil {
		return
	}
	data, err := json.Marshal(limits)
	if err != nil {
		m.logger.Warn("quota mirror: marshal reading", "account_id", accountID, "error", err)
		return
	}
	key := m.prefix + "quota:" + accountID
	if err := m.rdb.HSet(ctx, key, "reading", data, "updated_at", time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		m.logger.Warn("quota mirror: publish failed", "account_id", accountID, "error", err)
	}
}

// Close releases the underlying connection. Safe to call on a nil Mirror.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.rdb.Close()
}
