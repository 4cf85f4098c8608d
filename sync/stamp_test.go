package sync

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/JK-97/sensor-porter/adapter"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lidarTopic  = "/utlidar/cloud"
	imuTopic    = "/utlidar/imu"
	syncedTopic = "/utlidar/imu_synced"
)

type stampFixture struct {
	stamper *Stamper
	metrics *Metrics
	lidar   adapter.Publication
	imu     adapter.Publication
	out     adapter.Subscription
}

func newStampFixture(t *testing.T) *stampFixture {
	t.Helper()
	c := memoryClient(t)
	m := NewMetrics(nil)
	s, err := NewStamper(c, c, StampConfig{
		ReferenceTopic:  lidarTopic,
		SecondaryTopic:  imuTopic,
		OutputTopic:     syncedTopic,
		ReferencePolicy: bestEffort,
		SecondaryPolicy: reliable,
		OutputPolicy:    reliable,
		NoticeInterval:  time.Hour,
	}, quiet(), WithMetrics(m))
	require.NoError(t, err)

	f := &stampFixture{stamper: s, metrics: m}
	f.out, err = c.Subscribe(syncedTopic, reliable.WithDepth(64))
	require.NoError(t, err)
	f.lidar, err = c.Advertise(lidarTopic, bestEffort)
	require.NoError(t, err)
	f.imu, err = c.Advertise(imuTopic, reliable.WithDepth(64))
	require.NoError(t, err)
	runSync(t, s)
	return f
}

func imuMessage(sec int32) *adapter.Message {
	return &adapter.Message{
		Header:  adapter.Header{Stamp: adapter.Stamp{Sec: sec, Nanosec: 1}, FrameID: "imu_link"},
		Payload: []byte{0x01, 0x02, byte(sec)},
	}
}

func (f *stampFixture) reference(t *testing.T, stamp adapter.Stamp) {
	t.Helper()
	m := &adapter.Message{Header: adapter.Header{Stamp: stamp, FrameID: "utlidar_lidar"}}
	require.NoError(t, f.lidar.Publish(context.Background(), m))
	require.Eventually(t, func() bool {
		ref, ok := f.stamper.Reference()
		return ok && ref == stamp
	}, time.Second, time.Millisecond)
}

func TestStamperDropsBeforeFirstReference(t *testing.T) {
	f := newStampFixture(t)
	assert.Equal(t, AwaitingReference, f.stamper.State())

	for i := int32(0); i < 5; i++ {
		require.NoError(t, f.imu.Publish(context.Background(), imuMessage(i)))
	}
	dropped := f.metrics.Dropped.WithLabelValues(stampComponent, imuTopic, reasonNoReference)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(dropped) == 5
	}, time.Second, time.Millisecond)

	select {
	case <-f.out.Chan():
		t.Fatal("secondary message forwarded before any reference")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, AwaitingReference, f.stamper.State())
}

func TestStamperUsesLatestReference(t *testing.T) {
	f := newStampFixture(t)
	f.reference(t, adapter.Stamp{Sec: 50})
	f.reference(t, adapter.Stamp{Sec: 100, Nanosec: 250})
	assert.Equal(t, Synced, f.stamper.State())

	in := imuMessage(99)
	require.NoError(t, f.imu.Publish(context.Background(), in))

	got := recv(t, f.out)
	assert.Equal(t, adapter.Stamp{Sec: 100, Nanosec: 250}, got.Header.Stamp)
	assert.Equal(t, "imu_link", got.Header.FrameID)
	assert.Equal(t, in.Payload, got.Payload)
	// 输入消息不被修改
	assert.Equal(t, int32(99), in.Header.Stamp.Sec)
}

func TestStamperHoldsStaleReference(t *testing.T) {
	f := newStampFixture(t)
	f.reference(t, adapter.Stamp{Sec: 7})

	for i := int32(0); i < 3; i++ {
		require.NoError(t, f.imu.Publish(context.Background(), imuMessage(200+i)))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, adapter.Stamp{Sec: 7}, recv(t, f.out).Header.Stamp)
	}
	published := f.metrics.Published.WithLabelValues(stampComponent, syncedTopic)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(published) == 3
	}, time.Second, time.Millisecond)
}

func TestStampCellConcurrentAccess(t *testing.T) {
	var cell StampCell
	_, ok := cell.Load()
	assert.False(t, ok)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int32(1); i <= 1000; i++ {
			cell.Store(adapter.Stamp{Sec: i, Nanosec: uint32(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if s, ok := cell.Load(); ok {
				// 两个字段总是来自同一次写入
				assert.Equal(t, uint32(s.Sec), s.Nanosec)
			}
			runtime.Gosched()
		}
	}()
	wg.Wait()

	s, ok := cell.Load()
	assert.True(t, ok)
	assert.Equal(t, adapter.Stamp{Sec: 1000, Nanosec: 1000}, s)
}

func TestStampConfigErrors(t *testing.T) {
	valid := StampConfig{
		ReferenceTopic:  lidarTopic,
		SecondaryTopic:  imuTopic,
		OutputTopic:     syncedTopic,
		ReferencePolicy: bestEffort,
		SecondaryPolicy: bestEffort,
		OutputPolicy:    bestEffort,
	}
	assert.NoError(t, valid.Validate())

	noOutput := valid
	noOutput.OutputTopic = ""
	src := new(countingSubscriber)
	_, err := NewStamper(src, adapter.NewMemoryClient(t.Name()), noOutput, quiet())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Zero(t, src.calls.Load())

	badPolicy := valid
	badPolicy.SecondaryPolicy.Depth = 0
	assert.ErrorIs(t, badPolicy.Validate(), ErrInvalidConfig)

	// 多个字段同时出错时总是报告第一个
	empty := StampConfig{}
	for i := 0; i < 20; i++ {
		assert.EqualError(t, empty.Validate(), "porter: invalid configuration: reference topic is required")
	}
	badPolicies := valid
	badPolicies.ReferencePolicy.Depth = 0
	badPolicies.OutputPolicy.Depth = 0
	for i := 0; i < 20; i++ {
		assert.ErrorContains(t, badPolicies.Validate(), "reference policy")
	}
}
