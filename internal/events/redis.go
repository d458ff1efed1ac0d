package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "docq:events:"

// RedisBus publishes events over Redis pub/sub so multiple workers and the
// API tier observe the same stream.
type RedisBus struct {
	client *redis.Client
	log    *logrus.Entry

	mu   sync.Mutex
	subs []*redis.PubSub
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(client *redis.Client, log *logrus.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		log:    log.WithField("component", "events"),
	}
}

func (b *RedisBus) channel(eventType string) string {
	return channelPrefix + eventType
}

// Publish stamps and serializes the event onto its type channel.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(evt.Type), payload).Err()
}

// Subscribe starts a goroutine relaying messages of the given type to the
// handler. "*" pattern-subscribes across every type channel. Malformed
// payloads are dropped with a warning.
func (b *RedisBus) Subscribe(eventType string, h Handler) {
	if eventType == "" || h == nil {
		return
	}
	var sub *redis.PubSub
	if eventType == "*" {
		sub = b.client.PSubscribe(context.Background(), channelPrefix+"*")
	} else {
		sub = b.client.Subscribe(context.Background(), b.channel(eventType))
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.WithError(err).Warn("dropping malformed event payload")
				continue
			}
			h(evt)
		}
	}()
}

// Close tears down every subscription channel.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}
