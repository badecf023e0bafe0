// Package notify implements an optional cross-process fan-out used to
// shorten the Approval Store's decision-wait latency and to nudge
// sibling scheduler processes into an immediate discovery poll, beyond
// what filesystem watching and polling alone give. Grounded on the
// teacher's internal/fabric/redis_event_bus.go (publish/subscribe
// shape, degrade-to-no-op on error) wrapping go-redis/v9 the way
// internal/infra/redis_adapter.go does. It is entirely optional: with
// no address configured, vaultd runs on fs-watch and poll alone.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier fans a short payload out to every subscriber of a channel. A
// nil *Notifier is a no-op: Publish and Subscribe both degrade
// silently, as if Redis were absent, so callers never need a separate
// "is this configured" branch.
type Notifier struct {
	rdb *redis.Client
}

// Open connects to addr (host:port). An empty addr returns a nil
// *Notifier, not an error.
func Open(addr string) (*Notifier, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("notify: connect to %s: %w", addr, err)
	}
	return &Notifier{rdb: rdb}, nil
}

// Publish sends payload to channel. A nil Notifier, or any publish
// error, is swallowed — this fan-out is a latency optimization over
// the filesystem truth, never a correctness dependency.
func (n *Notifier) Publish(ctx context.Context, channel, payload string) {
	if n == nil {
		return
	}
	if err := n.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Warn("notify: publish failed", "channel", channel, "error", err)
	}
}

// Subscribe invokes handler for every message received on channel
// until ctx is cancelled. A nil Notifier returns immediately without
// starting anything.
func (n *Notifier) Subscribe(ctx context.Context, channel string, handler func(payload string)) {
	if n == nil {
		return
	}
	sub := n.rdb.Subscribe(ctx, channel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
}

// Close shuts down the underlying client. Safe to call on a nil
// Notifier.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.rdb.Close()
}
