package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mrehwald/bigbluebutton-mr/internal/config"
)

// RedisGateway implements Gateway on Redis pub/sub. Meeting events are
// additionally persisted with RPUSH so the recording pipeline can replay
// them.
type RedisGateway struct {
	client        *redis.Client
	keys          KeyFunc
	events        *emitter
	mu            sync.Mutex
	subscriptions map[string]*redis.PubSub
}

func NewRedisGateway(cfg config.RedisConfig, keys KeyFunc) (*RedisGateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisGateway{
		client:        client,
		keys:          keys,
		events:        newEmitter(),
		subscriptions: make(map[string]*redis.PubSub),
	}, nil
}

func (g *RedisGateway) Publish(ctx context.Context, channel string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", channel, err)
	}
	return g.client.Publish(ctx, channel, data).Err()
}

func (g *RedisGateway) Subscribe(ctx context.Context, channel string, h Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.subscriptions[channel]; ok {
		return fmt.Errorf("already subscribed to %s", channel)
	}

	pubsub := g.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	g.subscriptions[channel] = pubsub

	// One pump goroutine per channel keeps per-channel delivery ordered.
	go g.pump(ctx, pubsub, h)
	return nil
}

func (g *RedisGateway) SubscribeEvents(ctx context.Context, channel string) error {
	return g.Subscribe(ctx, channel, g.routeEvents)
}

func (g *RedisGateway) routeEvents(msg Message) {
	if g.keys == nil {
		return
	}
	for _, key := range g.keys(msg.Data) {
		g.events.emit(key, msg.Data)
	}
}

func (g *RedisGateway) pump(ctx context.Context, pubsub *redis.PubSub, h Handler) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h(Message{Channel: msg.Channel, Data: json.RawMessage(msg.Payload)})
		}
	}
}

func (g *RedisGateway) On(event string, fn ListenerFunc) (cancel func()) {
	return g.events.add(event, fn, false)
}

func (g *RedisGateway) Once(event string, fn ListenerFunc) (cancel func()) {
	return g.events.add(event, fn, true)
}

// IsChannelAvailable reports whether anyone is listening on the channel.
func (g *RedisGateway) IsChannelAvailable(ctx context.Context, channel string) (bool, error) {
	channels, err := g.client.PubSubChannels(ctx, channel).Result()
	if err != nil {
		return false, fmt.Errorf("failed to query channel %s: %w", channel, err)
	}
	return len(channels) > 0, nil
}

func (g *RedisGateway) StoreMeetingEvent(ctx context.Context, meetingID string, event any) error {
	data, err := marshalPayload(event)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting event: %w", err)
	}
	key := fmt.Sprintf("meeting:%s:recording-events", meetingID)
	if err := g.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to store meeting event: %w", err)
	}
	return nil
}

func (g *RedisGateway) Close() error {
	g.mu.Lock()
	for channel, pubsub := range g.subscriptions {
		if err := pubsub.Close(); err != nil {
			log.Warn().Str("module", "bus").Str("channel", channel).Err(err).Msg("error closing subscription")
		}
	}
	g.subscriptions = make(map[string]*redis.PubSub)
	g.mu.Unlock()

	return g.client.Close()
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(payload)
	}
}
