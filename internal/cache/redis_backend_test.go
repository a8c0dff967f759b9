package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRedisClient struct {
	mock.Mock
}

func (m *mockRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return args.Get(0).(*redis.StringCmd)
}

func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func (m *mockRedisClient) Close() error {
	return m.Called().Error(0)
}

func TestRedisBackend_Get(t *testing.T) {
	ctx := context.Background()
	client := new(mockRedisClient)
	backend := NewRedisBackendWithClient(client, "test:", time.Minute, nil)

	entry := Entry{ETag: `"3"`, Body: []byte(`{"Results":[]}`), Generation: 4, Owner: "o"}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	client.On("Get", ctx, "test:hit").Return(redis.NewStringResult(string(data), nil))
	client.On("Get", ctx, "test:miss").Return(redis.NewStringResult("", redis.Nil))
	client.On("Get", ctx, "test:broken").Return(redis.NewStringResult("", errors.New("connection reset")))

	got, err := backend.Get(ctx, "hit")
	require.NoError(t, err)
	assert.Equal(t, entry.ETag, got.ETag)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, int64(4), got.Generation)

	_, err = backend.Get(ctx, "miss")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = backend.Get(ctx, "broken")
	assert.EqualError(t, err, "connection reset")

	client.AssertExpectations(t)
}

func TestRedisBackend_GetDropsUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	client := new(mockRedisClient)
	backend := NewRedisBackendWithClient(client, "", 0, nil)

	client.On("Get", ctx, "docstore:cache:k").Return(redis.NewStringResult("not-json", nil))
	client.On("Del", ctx, []string{"docstore:cache:k"}).Return(redis.NewIntResult(1, nil))

	_, err := backend.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	client.AssertExpectations(t)
}

func TestRedisBackend_SetAndDelete(t *testing.T) {
	ctx := context.Background()
	client := new(mockRedisClient)
	backend := NewRedisBackendWithClient(client, "test:", time.Minute, nil)

	client.On("Set", ctx, "test:k", mock.AnythingOfType("[]uint8"), time.Minute).
		Return(redis.NewStatusResult("OK", nil))
	client.On("Del", ctx, []string{"test:k"}).Return(redis.NewIntResult(1, nil))
	client.On("Close").Return(nil)

	require.NoError(t, backend.Set(ctx, "k", &Entry{ETag: "1"}))
	assert.Equal(t, 1, backend.Size())
	require.NoError(t, backend.Delete(ctx, "k"))
	assert.Equal(t, 0, backend.Size())
	require.NoError(t, backend.Close())

	stored := client.Calls[0].Arguments.Get(2).([]byte)
	var e Entry
	require.NoError(t, json.Unmarshal(stored, &e))
	assert.Equal(t, "1", e.ETag)
	client.AssertExpectations(t)
}

func TestCache_OverRedisBackend(t *testing.T) {
	ctx := context.Background()
	client := new(mockRedisClient)
	backend := NewRedisBackendWithClient(client, "test:", time.Minute, nil)
	c := New(backend, nil)

	client.On("Set", ctx, "test:k", mock.Anything, time.Minute).Return(redis.NewStatusResult("OK", nil))
	c.Set(ctx, "k", `"9"`, []byte(`{}`))
	assert.Equal(t, int64(1), c.Generation())
	client.AssertExpectations(t)
}
