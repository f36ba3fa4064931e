package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/school-billing/billing"
)

type fakeRedis struct {
	channel string
	message []byte
	err     error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestLog_WritesNotification(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLog(zerolog.New(&buf))

	err := pub.Publish(context.Background(), billing.Notification{
		BranchID: "b1",
		Title:    "Nuevo pago registrado",
		Message:  "Ana Ruiz",
		Category: billing.CategoryPayment,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"branch_id":"b1"`)
	assert.Contains(t, out, `"category":"payment"`)
	assert.Contains(t, out, "Ana Ruiz")
}

func TestRedis_PublishesJSONOnBranchChannel(t *testing.T) {
	fake := &fakeRedis{}
	pub := NewRedis(fake, zerolog.Nop())

	n := billing.Notification{BranchID: "b7", Title: "t", Message: "m", Category: billing.CategoryPayment}
	require.NoError(t, pub.Publish(context.Background(), n))

	assert.Equal(t, "notifications:b7", fake.channel)
	var got billing.Notification
	require.NoError(t, json.Unmarshal(fake.message, &got))
	assert.Equal(t, n, got)
}

func TestRedis_PropagatesError(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	pub := NewRedis(fake, zerolog.Nop())

	err := pub.Publish(context.Background(), billing.Notification{BranchID: "b1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "not-a-url://")
	assert.Error(t, err)
}
