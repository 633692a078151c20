package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventPath = "path"
	EventTag  = "tag"
)

// Event is the wire form of one invalidation broadcast to other replicas.
type Event struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Origin string `json:"origin"`
	At     int64  `json:"at"` // unix ms
}

func decodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, err
	}
	if ev.Kind != EventPath && ev.Kind != EventTag {
		return Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.Target == "" {
		return Event{}, fmt.Errorf("empty target")
	}
	return ev, nil
}

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.Contains(redisURL, "://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisPublisher is a Backend that broadcasts every invalidation on a channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
}

func NewRedisPublisher(client *redis.Client, channel, origin string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, origin: origin}
}

func (p *RedisPublisher) InvalidatePath(ctx context.Context, path string) error {
	return p.publish(ctx, EventPath, path)
}

func (p *RedisPublisher) InvalidateTag(ctx context.Context, tag string) error {
	return p.publish(ctx, EventTag, tag)
}

func (p *RedisPublisher) publish(ctx context.Context, kind, target string) error {
	b, err := json.Marshal(Event{Kind: kind, Target: target, Origin: p.origin, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s %q: %w", kind, target, err)
	}
	return nil
}

// Subscribe applies invalidations published by other replicas to local until
// ctx is done. Events carrying origin are this replica's own and are skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel, origin string, local Backend, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			apply(ctx, []byte(msg.Payload), origin, local, logger)
		}
	}
}

func apply(ctx context.Context, payload []byte, origin string, local Backend, logger *slog.Logger) {
	ev, err := decodeEvent(payload)
	if err != nil {
		logger.Warn("invalid invalidation event", "error", err)
		return
	}
	if ev.Origin == origin {
		return
	}
	switch ev.Kind {
	case EventPath:
		err = local.InvalidatePath(ctx, ev.Target)
	case EventTag:
		err = local.InvalidateTag(ctx, ev.Target)
	}
	if err != nil {
		logger.Warn("remote invalidation failed", "kind", ev.Kind, "target", ev.Target, "error", err)
		return
	}
	logger.Debug("remote invalidation applied", "kind", ev.Kind, "target", ev.Target, "from", ev.Origin)
}
