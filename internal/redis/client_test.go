package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, addr := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		c, err := NewClient(context.Background(), addr)
		require.NoError(t, err, addr)

		require.NoError(t, c.Client.Set(context.Background(), "k", "v", 0).Err())
		mutex := c.Lock.NewMutex("lock:k")
		require.NoError(t, mutex.LockContext(context.Background()))
		ok, err := mutex.UnlockContext(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, c.Close())
	}
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(context.Background(), "")
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewClient(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
