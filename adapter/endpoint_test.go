package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicationCountsFailuresApart(t *testing.T) {
	sent := make(chan struct{}, 4)
	pub := newPublication("/scan_bridge", Policy{Reliability: Reliable, Depth: 4},
		func(context.Context, *Message) error {
			sent <- struct{}{}
			return ErrTimeout
		}, nil)
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), &Message{}))
	require.NoError(t, pub.Publish(context.Background(), &Message{}))

	require.Eventually(t, func() bool {
		return pub.Failed() == 2
	}, time.Second, time.Millisecond)
	assert.Zero(t, pub.Dropped())
}
