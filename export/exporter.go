package export

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/JK-97/sensor-porter/adapter"
	"github.com/charmbracelet/log"
)

// DefaultQuality JPEG 质量
const DefaultQuality = 95

// Exporter 每收到一条 grid 消息写一张 map_%04d.jpg
type Exporter struct {
	Dir     string
	Quality int
	count   int
	log     *log.Logger
}

// NewExporter 创建 Exporter，dir 不存在时自动创建
func NewExporter(dir string, quality int) (*Exporter, error) {
	if dir == "" {
		dir = "."
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Exporter{Dir: dir, Quality: quality, log: log.WithPrefix("export")}, nil
}

// Export 渲染并写入文件，返回文件路径
func (e *Exporter) Export(g *Grid) (string, error) {
	img, err := Render(g)
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.Dir, fmt.Sprintf("map_%04d.jpg", e.count))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	e.count++
	return path, nil
}

// Run 消费 sub 上的 grid 消息直到 ctx 结束。单条消息的错误只记录日志
func (e *Exporter) Run(ctx context.Context, sub adapter.Subscription) error {
	e.log.Info("map saver started", "topic", sub.Topic(), "dir", e.Dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return adapter.ErrConnectionClosed
		case d := <-sub.Chan():
			g, err := DecodeGrid(d.Message().Payload)
			if err != nil {
				e.log.Warn("drop grid", "err", err)
				d.Ack()
				continue
			}
			path, err := e.Export(g)
			if err != nil {
				e.log.Error("export failed", "err", err)
				d.Nack()
				continue
			}
			d.Ack()
			e.log.Info("saved map", "file", path, "width", g.Width, "height", g.Height)
		}
	}
}
