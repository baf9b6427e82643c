package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := NewRedisBroker(client, zerolog.Nop())
	t.Cleanup(func() { broker.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := broker.Subscribe(ctx, "booking.events")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "booking.events", map[string]string{"type": "booking.paid"}))

	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"type":"booking.paid"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPublishFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	broker := NewRedisBroker(client, zerolog.Nop())
	mr.Close()

	for i := 0; i < 6; i++ {
		assert.Error(t, broker.Publish(context.Background(), "booking.events", []byte(`{}`)))
	}
}
