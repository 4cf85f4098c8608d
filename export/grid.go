// Package export 将 occupancy grid 渲染为图片
package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
)

// Cell values
const (
	CellUnknown  int8 = -1
	CellFree     int8 = 0
	CellOccupied int8 = 100
)

// Gray levels
const (
	GrayUnknown  uint8 = 128
	GrayFree     uint8 = 255
	GrayOccupied uint8 = 0
)

const gridHeaderSize = 8

// ErrBadGrid grid 尺寸与数据不一致
var ErrBadGrid = errors.New("porter: malformed occupancy grid")

// Grid 2-D occupancy grid，Cells 按行存储，第 0 行位于底部
type Grid struct {
	Width  int
	Height int
	Cells  []int8
}

// Validate 检查尺寸
func (g *Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrBadGrid, g.Width, g.Height)
	}
	if len(g.Cells) != g.Width*g.Height {
		return fmt.Errorf("%w: %d cells for %dx%d", ErrBadGrid, len(g.Cells), g.Width, g.Height)
	}
	return nil
}

// Encode 序列化为消息 payload: width, height (little endian uint32)，然后是 cells
func (g *Grid) Encode() []byte {
	buf := make([]byte, gridHeaderSize+len(g.Cells))
	binary.LittleEndian.PutUint32(buf[0:], uint32(g.Width))
	binary.LittleEndian.PutUint32(buf[4:], uint32(g.Height))
	for i, v := range g.Cells {
		buf[gridHeaderSize+i] = byte(v)
	}
	return buf
}

// DecodeGrid 解析消息 payload
func DecodeGrid(b []byte) (*Grid, error) {
	if len(b) < gridHeaderSize {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrBadGrid, len(b))
	}
	g := &Grid{
		Width:  int(binary.LittleEndian.Uint32(b[0:])),
		Height: int(binary.LittleEndian.Uint32(b[4:])),
	}
	data := b[gridHeaderSize:]
	g.Cells = make([]int8, len(data))
	for i, v := range data {
		g.Cells[i] = int8(v)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Render 渲染为灰度图。grid 的原点在左下角，图片的原点在左上角，因此上下翻转。
// 除 -1/0/100 之外的值渲染为黑色。
func Render(g *Grid) (*image.Gray, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for row := 0; row < g.Height; row++ {
		dst := img.Pix[(g.Height-1-row)*img.Stride:]
		for col, v := range g.Cells[row*g.Width : (row+1)*g.Width] {
			dst[col] = gray(v)
		}
	}
	return img, nil
}

func gray(v int8) uint8 {
	switch v {
	case CellUnknown:
		return GrayUnknown
	case CellFree:
		return GrayFree
	}
	return GrayOccupied
}
