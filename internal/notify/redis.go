package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradeguard/resilience/internal/persistence"
)

// RedisPublisher publishes events on Redis pub/sub channels. Publishes go
// through a circuit breaker so a dead broker degrades to dropped
// notifications instead of stalling every state transition on timeouts.
type RedisPublisher struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewRedisPublisher connects to the broker at addr and verifies the
// connection with a ping.
func NewRedisPublisher(ctx context.Context, addr string, timeout time.Duration) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	settings := gobreaker.Settings{
		Name:    "redis-notify",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("notify breaker state change")
		},
	}

	return &RedisPublisher{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
	}, nil
}

func (p *RedisPublisher) PublishResilienceEvent(ctx context.Context, ev persistence.ResilienceEvent) {
	p.publish(ctx, ChannelResilience, ev.EventType, ev)
}

func (p *RedisPublisher) PublishRiskEvent(ctx context.Context, ev persistence.RiskEvent) {
	p.publish(ctx, ChannelRisk, ev.EventType, ev)
}

func (p *RedisPublisher) publish(ctx context.Context, channel, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("notify: marshal event")
		return
	}

	_, err = p.breaker.Execute(func() (any, error) {
		pctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return nil, p.client.Publish(pctx, channel, body).Err()
	})
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Str("event_type", eventType).
			Msg("notify: publish dropped")
	}
}

// Close releases the underlying connection pool.
func (p *RedisPublisher) Close() error { return p.client.Close() }
