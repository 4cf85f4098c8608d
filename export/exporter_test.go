package export

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JK-97/sensor-porter/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid() *Grid {
	g := &Grid{Width: 16, Height: 8, Cells: make([]int8, 16*8)}
	for i := range g.Cells {
		switch i % 3 {
		case 0:
			g.Cells[i] = CellUnknown
		case 1:
			g.Cells[i] = CellOccupied
		}
	}
	return g
}

func TestExportWritesNumberedFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "maps")
	e, err := NewExporter(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultQuality, e.Quality)

	first, err := e.Export(testGrid())
	require.NoError(t, err)
	second, err := e.Export(testGrid())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "map_0000.jpg"), first)
	assert.Equal(t, filepath.Join(dir, "map_0001.jpg"), second)

	f, err := os.Open(first)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
}

func TestExportRejectsBadGrid(t *testing.T) {
	e, err := NewExporter(t.TempDir(), DefaultQuality)
	require.NoError(t, err)

	_, err = e.Export(&Grid{Width: 2, Height: 2})
	assert.ErrorIs(t, err, ErrBadGrid)
	// 失败不占用文件编号
	path, err := e.Export(testGrid())
	require.NoError(t, err)
	assert.Equal(t, "map_0000.jpg", filepath.Base(path))
}

func TestRunExportsFromSubscription(t *testing.T) {
	c := adapter.NewMemoryClient(t.Name())
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })

	latched := adapter.Policy{Reliability: adapter.Reliable, Durability: adapter.Persistent, Depth: 1}
	sub, err := c.Subscribe("/map2d", latched)
	require.NoError(t, err)
	pub, err := c.Advertise("/map2d", latched)
	require.NoError(t, err)

	dir := t.TempDir()
	e, err := NewExporter(dir, 80)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, sub) }()

	require.NoError(t, pub.Publish(ctx, &adapter.Message{Payload: []byte("not a grid")}))
	require.NoError(t, pub.Publish(ctx, &adapter.Message{Payload: testGrid().Encode()}))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "map_0000.jpg"))
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exporter did not stop")
	}
	_, err = os.Stat(filepath.Join(dir, "map_0001.jpg"))
	assert.True(t, os.IsNotExist(err))
}
