package ws

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	targetUser            = "user"
	targetRoom            = "room"
	targetUserOutsideRoom = "user_outside_room"
	targetAttach          = "attach"
	targetClose           = "close"

	DefaultRelayChannel = "carscanada:ws:events"
)

// RelayFrame carries an already-encoded event, or a room mutation, between
// server processes. ID is a user id for user targets and attach, and a
// conversation id for room and close.
type RelayFrame struct {
	Node       string          `json:"node"`
	Target     string          `json:"target"`
	ID         uint            `json:"id"`
	Room       uint            `json:"room,omitempty"`
	ExceptUser uint            `json:"exceptUser,omitempty"`
	Frame      json.RawMessage `json:"frame,omitempty"`
}

// Relay fans events out to hubs running in other processes.
type Relay interface {
	Publish(ctx context.Context, f RelayFrame) error
	Subscribe(ctx context.Context, handle func(RelayFrame)) error
}

// RedisRelay 基于 Redis Pub/Sub，每个节点订阅同一个频道并投递给本地连接。
type RedisRelay struct {
	rdb     *redis.Client
	channel string
}

func NewRedisRelay(rdb *redis.Client, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{rdb: rdb, channel: channel}
}

func (r *RedisRelay) Publish(ctx context.Context, f RelayFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, handle func(RelayFrame)) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f RelayFrame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Warn().Err(err).Msg("relay frame decode")
				continue
			}
			handle(f)
		}
	}
}
