// Package notify sends customer notifications with a Redis-backed rate
// limit. Messages that exceed the per-phone budget are either rejected
// or parked in a delayed queue and retried until they expire.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auralogic/fulfillment/pkg/config"
)

// ErrRateLimited is returned when a send is refused outright.
var ErrRateLimited = errors.New("notification rate limited")

const (
	delayedQueueKey = "notify:delayed"
	drainInterval   = 30 * time.Second
	delayedTTL      = 10 * time.Minute
	retryDelay      = time.Minute
)

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// LogSender writes messages to the log instead of a provider. Default
// wiring until a real gateway is configured.
type LogSender struct{ Log *slog.Logger }

func (s *LogSender) Send(_ context.Context, phone, message string) error {
	s.Log.Info("notification sent", "phone", phone, "message", message)
	return nil
}

// allowScript atomically checks and bumps the per-minute and per-hour
// counters for one phone number. Returns 1 when the send is allowed.
var allowScript = redis.NewScript(`
local minute_key = KEYS[1]
local hour_key = KEYS[2]
local per_minute = tonumber(ARGV[1])
local per_hour = tonumber(ARGV[2])

local m = tonumber(redis.call('GET', minute_key) or '0')
local h = tonumber(redis.call('GET', hour_key) or '0')
if m >= per_minute or h >= per_hour then
	return 0
end
redis.call('INCR', minute_key)
redis.call('EXPIRE', minute_key, 60)
redis.call('INCR', hour_key)
redis.call('EXPIRE', hour_key, 3600)
return 1
`)

type queuedMessage struct {
	Phone    string    `json:"phone"`
	Message  string    `json:"message"`
	Enqueued time.Time `json:"enqueued"`
}

// Notifier rate-limits and dispatches notifications.
type Notifier struct {
	rdb    redis.UniversalClient
	sender Sender
	cfg    *config.Manager
	log    *slog.Logger
	clock  func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(rdb redis.UniversalClient, sender Sender, cfg *config.Manager, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	if sender == nil {
		sender = &LogSender{Log: log}
	}
	return &Notifier{
		rdb:    rdb,
		sender: sender,
		cfg:    cfg,
		log:    log.With("component", "notify"),
		clock:  time.Now,
		stop:   make(chan struct{}),
	}
}

// WithClock overrides the clock for testing.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// Send dispatches a message if the phone's budget allows. Over budget,
// the configured action decides: "delay" parks the message for a retry,
// anything else rejects with ErrRateLimited.
func (n *Notifier) Send(ctx context.Context, phone, message string) error {
	limit := n.cfg.Snapshot().SMSRateLimit

	allowed, err := n.allow(ctx, phone, limit)
	if err != nil {
		return fmt.Errorf("rate limit check: %w", err)
	}
	if allowed {
		return n.sender.Send(ctx, phone, message)
	}

	if limit.ExceedAction == "delay" {
		return n.enqueue(ctx, phone, message, n.clock().Add(retryDelay))
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, phone)
}

func (n *Notifier) allow(ctx context.Context, phone string, limit config.RateLimitConfig) (bool, error) {
	keys := []string{
		"notify:rate:m:" + phone,
		"notify:rate:h:" + phone,
	}
	res, err := allowScript.Run(ctx, n.rdb, keys, limit.PerMinute, limit.PerHour).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (n *Notifier) enqueue(ctx context.Context, phone, message string, readyAt time.Time) error {
	payload, err := json.Marshal(queuedMessage{Phone: phone, Message: message, Enqueued: n.clock()})
	if err != nil {
		return err
	}
	return n.rdb.ZAdd(ctx, delayedQueueKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: string(payload),
	}).Err()
}

// StartDrain launches the delayed-queue drain loop.
func (n *Notifier) StartDrain() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.DrainOnce(context.Background())
			case <-n.stop:
				return
			}
		}
	}()
}

// Stop halts the drain loop.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.stop) })
	n.wg.Wait()
}

// DrainOnce retries every queued message that is ready. Messages older
// than the queue TTL are dropped; still-limited ones are re-parked.
func (n *Notifier) DrainOnce(ctx context.Context) {
	now := n.clock()
	members, err := n.rdb.ZRangeByScore(ctx, delayedQueueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		n.log.Error("delayed queue read failed", "error", err)
		return
	}

	limit := n.cfg.Snapshot().SMSRateLimit
	for _, member := range members {
		if err := n.rdb.ZRem(ctx, delayedQueueKey, member).Err(); err != nil {
			continue
		}
		var msg queuedMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			n.log.Error("dropping malformed queued message", "error", err)
			continue
		}
		if now.Sub(msg.Enqueued) > delayedTTL {
			n.log.Warn("dropping expired queued message", "phone", msg.Phone)
			continue
		}

		allowed, err := n.allow(ctx, msg.Phone, limit)
		if err != nil {
			n.log.Error("rate limit check failed on drain", "error", err)
			continue
		}
		if !allowed {
			// Re-park the original payload so the enqueue timestamp, and
			// with it the TTL, is preserved.
			err := n.rdb.ZAdd(ctx, delayedQueueKey, redis.Z{
				Score:  float64(now.Add(retryDelay).Unix()),
				Member: member,
			}).Err()
			if err != nil {
				n.log.Error("re-queue failed", "phone", msg.Phone, "error", err)
			}
			continue
		}
		if err := n.sender.Send(ctx, msg.Phone, msg.Message); err != nil {
			n.log.Error("delayed send failed", "phone", msg.Phone, "error", err)
		}
	}
}
