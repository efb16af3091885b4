// Package events fans out notifications about outbound messages. Delivery is
// fire-and-forget: publishers log failures and never block the caller's work.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/httprouter/internal/model"
)

const DefaultChannel = "httprouter:mass_text_sent"

// MassTextSent is emitted after a mass text creates its batch and messages.
type MassTextSent struct {
	BatchID    int64        `json:"batch_id"`
	MessageIDs []int64      `json:"message_ids"`
	Status     model.Status `json:"status"`
	At         time.Time    `json:"at"`
}

type Publisher interface {
	PublishMassText(ctx context.Context, ev MassTextSent)
}

type NopPublisher struct{}

func (NopPublisher) PublishMassText(context.Context, MassTextSent) {}

type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) PublishMassText(ctx context.Context, ev MassTextSent) {
	if err := p.publish(ctx, ev); err != nil {
		slog.Warn("mass text event dropped", "batch_id", ev.BatchID, "err", err)
	}
}

func (p *RedisPublisher) publish(ctx context.Context, ev MassTextSent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.channel, err)
	}
	return nil
}
