package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedRedisClient(t *testing.T) (*RedisMessageClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisClient("redis://" + mr.Addr())
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisPublishSubscribe(t *testing.T) {
	c, _ := connectedRedisClient(t)
	sub, err := c.Subscribe("/scan", DefaultPolicy())
	require.NoError(t, err)
	pub, err := c.Advertise("/scan", DefaultPolicy())
	require.NoError(t, err)

	m := &Message{Header: Header{Stamp: Stamp{Sec: 7}, FrameID: "laser_frame"}, Payload: []byte{1, 2, 3}}
	require.NoError(t, pub.Publish(context.Background(), m))

	got := receive(t, sub)
	assert.Equal(t, m.Header, got.Header)
	assert.Equal(t, m.Payload, got.Payload)

	require.NoError(t, sub.Unsubscribe())
	<-sub.Done()
}

func TestRedisPersistentHistory(t *testing.T) {
	c, mr := connectedRedisClient(t)
	latched := Policy{Reliability: Reliable, Durability: Persistent, Depth: 2}
	pub, err := c.Advertise("/map2d", latched)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, pub.Publish(context.Background(), &Message{Header: Header{Stamp: Stamp{Sec: int32(i)}}}))
	}
	require.Eventually(t, func() bool {
		history, err := mr.List(historyKey("/map2d"))
		if err != nil || len(history) != 2 {
			return false
		}
		last, err := Unmarshal([]byte(history[1]))
		return err == nil && last.Header.Stamp.Sec == 3
	}, time.Second, 5*time.Millisecond)

	late, err := c.Subscribe("/map2d", latched.WithDepth(10))
	require.NoError(t, err)
	assert.Equal(t, int32(2), receive(t, late).Header.Stamp.Sec)
	assert.Equal(t, int32(3), receive(t, late).Header.Stamp.Sec)
}

func TestRedisClosed(t *testing.T) {
	c, _ := connectedRedisClient(t)
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())

	_, err := c.Subscribe("/scan", DefaultPolicy())
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = c.Advertise("/scan", DefaultPolicy())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
