package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const DefaultChannelPrefix = "kanban:"

// RedisBroadcaster carries events between API instances over Redis pub/sub.
// Publish sends to the board's channel; Run receives from every board channel
// and hands events to the local Hub.
type RedisBroadcaster struct {
	client    *redis.Client
	prefix    string
	hub       *Hub
	logger    *log.Logger
	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBroadcaster connects to redisURL and checks the connection.
func NewRedisBroadcaster(redisURL, prefix string, hub *Hub, logger *log.Logger) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBroadcasterWithClient(client, prefix, hub, logger), nil
}

func NewRedisBroadcasterWithClient(client *redis.Client, prefix string, hub *Hub, logger *log.Logger) *RedisBroadcaster {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBroadcaster{
		client: client,
		prefix: prefix,
		hub:    hub,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (b *RedisBroadcaster) channel(boardID string) string {
	return b.prefix + "board:" + boardID
}

func (b *RedisBroadcaster) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(ev.BoardID), data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Ready is closed once the first subscription is confirmed by the server.
func (b *RedisBroadcaster) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes to all board channels and delivers to the hub until ctx is
// done, resubscribing whenever the connection drops.
func (b *RedisBroadcaster) Run(ctx context.Context) error {
	pattern := b.channel("*")
	for {
		if err := b.consume(ctx, pattern); err != nil && ctx.Err() == nil {
			b.logger.WithError(err).Error("event subscription failed")
		}
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("event subscription closed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pattern string) error {
	sub := b.client.PSubscribe(ctx, pattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				b.logger.WithError(err).WithField("channel", msg.Channel).Warn("skipping malformed event")
				continue
			}
			if want := strings.TrimPrefix(msg.Channel, b.prefix+"board:"); want != ev.BoardID {
				b.logger.WithField("channel", msg.Channel).Warn("event board does not match channel")
				continue
			}
			b.hub.Deliver(ev)
		}
	}
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
