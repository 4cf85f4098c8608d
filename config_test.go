package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JK-97/sensor-porter/adapter"
	portersync "github.com/JK-97/sensor-porter/sync"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "porter.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "/scan", cfg.Bridge.InputTopic)
	assert.Equal(t, "/scan_bridge", cfg.Bridge.OutputTopic)
	assert.Equal(t, 10, cfg.Bridge.QueueSize)
	assert.Equal(t, adapter.BestEffort, cfg.Bridge.InputPolicy.Reliability)
	assert.Equal(t, adapter.Reliable, cfg.Bridge.OutputPolicy.Reliability)
	assert.True(t, cfg.Mapping.Enabled)
	assert.Equal(t, 95, cfg.Mapping.Quality)
	assert.Equal(t, portersync.DefaultNoticeInterval, cfg.stampConfig().NoticeInterval)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
metrics_addr = "127.0.0.1:9100"

[bridge]
input_uri = "mqtt://localhost:1883"
queue_size = 32
stats_interval = "10s"

[bridge.input_policy]
reliability = "best_effort"
durability = "volatile"
history = "keep_last"
depth = 5

[sync]
reference_topic = "/rslidar_points"
notice_interval = "1s"

[sync.output_policy]
reliability = "reliable"
durability = "transient_local"
history = "keep_last"
depth = 1
`)
	cfg, err := loadConfig([]string{"-c", path}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "mqtt://localhost:1883", cfg.Bridge.InputURI)
	// 未出现的字段保留默认值
	assert.Equal(t, "memory://nav", cfg.Bridge.OutputURI)
	assert.Equal(t, 10*time.Second, cfg.Bridge.StatsInterval.Duration)
	assert.Equal(t, time.Second, cfg.Sync.NoticeInterval.Duration)
	assert.Equal(t, adapter.Persistent, cfg.Sync.OutputPolicy.Durability)

	rc := cfg.relayConfig()
	assert.Equal(t, 32, rc.QueueSize)
	assert.Equal(t, 5, rc.InputPolicy.Depth)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
[bridge]
input_topic = "/from_file"
queue_size = 20
`)
	cfg, err := loadConfig([]string{
		"-config", path,
		"-input_topic", "/scan_front",
		"-output_topic", "/scan_front_bridge",
		"-queue_size", "4",
		"-use_mapping=false",
		"-log_level", "warn",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "/scan_front", cfg.Bridge.InputTopic)
	assert.Equal(t, "/scan_front_bridge", cfg.Bridge.OutputTopic)
	assert.Equal(t, 4, cfg.Bridge.QueueSize)
	assert.False(t, cfg.Mapping.Enabled)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string][]string{
		"zero queue":        {"-queue_size", "0"},
		"negative queue":    {"-queue_size", "-2"},
		"empty input topic": {"-input_topic", ""},
		"bad log level":     {"-log_level", "verbose"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(args, io.Discard)
			assert.ErrorIs(t, err, portersync.ErrInvalidConfig)
		})
	}

	t.Run("bad policy", func(t *testing.T) {
		path := writeConfig(t, `
[bridge.output_policy]
reliability = "mostly"
`)
		_, err := loadConfig([]string{"-c", path}, io.Discard)
		assert.ErrorContains(t, err, "mostly")
	})

	t.Run("missing explicit file", func(t *testing.T) {
		_, err := loadConfig([]string{"-c", filepath.Join(t.TempDir(), "nope.toml")}, io.Discard)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

type stubSynchronizer struct {
	err    error
	closed atomic.Int32
}

func (s *stubSynchronizer) Sync(ctx context.Context) error { return s.err }
func (s *stubSynchronizer) Source() adapter.Subscriber     { return nil }
func (s *stubSynchronizer) Destination() adapter.Publisher { return nil }
func (s *stubSynchronizer) Close() error {
	s.closed.Add(1)
	return nil
}

func TestSuperviseRebuildsAfterDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var builds atomic.Int32
	stub := &stubSynchronizer{err: adapter.ErrConnectionClosed}
	err := supervise(ctx, "test", func(context.Context) (portersync.Synchronizer, error) {
		if builds.Add(1) == 2 {
			cancel()
		}
		return stub, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
	assert.Equal(t, int32(2), stub.closed.Load())
}

func TestSuperviseStopsOnInvalidConfig(t *testing.T) {
	want := errors.Join(portersync.ErrInvalidConfig, errors.New("queue size"))
	err := supervise(context.Background(), "test", func(context.Context) (portersync.Synchronizer, error) {
		return nil, want
	})
	assert.ErrorIs(t, err, portersync.ErrInvalidConfig)
}

func TestClientPoolSharesClients(t *testing.T) {
	pool := newClientPool()
	defer pool.Close()

	a, err := pool.Get(context.Background(), "memory://"+t.Name())
	require.NoError(t, err)
	b, err := pool.Get(context.Background(), "memory://"+t.Name())
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = pool.Get(context.Background(), "gopher://localhost")
	assert.ErrorIs(t, err, adapter.ErrUnsupportedScheme)
}
