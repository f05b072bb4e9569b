package frames

import (
	"encoding/binary"
	"fmt"
)

const (
	// BytesPerPosition is one int16 x, y, z triple.
	BytesPerPosition = 6
	// BytesPerColor is one BGRA pixel.
	BytesPerColor = 4
)

// PointCloudLayout is a depth-registered point cloud: Width*Height int16
// positions followed by Width*Height BGRA colours.
type PointCloudLayout struct {
	Width  int
	Height int
}

func (l PointCloudLayout) Name() string { return LayoutPointCloud }

// Points returns the number of points per frame.
func (l PointCloudLayout) Points() int { return l.Width * l.Height }

// BytesPerFrame returns the frame size.
func (l PointCloudLayout) BytesPerFrame() int {
	return l.Points() * (BytesPerPosition + BytesPerColor)
}

// ColorOffset is the byte offset of the colour block.
func (l PointCloudLayout) ColorOffset() int {
	return l.Points() * BytesPerPosition
}

// Point is a single decoded point. Coordinates are millimetres.
type Point struct {
	X, Y, Z    int16
	B, G, R, A uint8
}

// Valid reports whether the sensor produced a depth sample for the point.
func (p Point) Valid() bool {
	return p.X != 0 || p.Y != 0 || p.Z != 0
}

// DecodePointCloud decodes frame into dst, reusing its capacity, and returns
// the resulting slice in row-major order.
func DecodePointCloud(frame []byte, layout PointCloudLayout, dst []Point) ([]Point, error) {
	if err := CheckFrameSize(layout, len(frame)); err != nil {
		return dst[:0], err
	}
	n := layout.Points()
	if cap(dst) < n {
		dst = make([]Point, n)
	}
	dst = dst[:n]
	colors := frame[layout.ColorOffset():]
	for i := range dst {
		dst[i] = pointAt(frame, colors, i)
	}
	return dst, nil
}

// PointAt decodes the point at row, col without decoding the whole frame.
func PointAt(frame []byte, layout PointCloudLayout, row, col int) (Point, error) {
	if err := CheckFrameSize(layout, len(frame)); err != nil {
		return Point{}, err
	}
	if row < 0 || row >= layout.Height || col < 0 || col >= layout.Width {
		return Point{}, fmt.Errorf("point (%d,%d) outside %dx%d cloud", row, col, layout.Width, layout.Height)
	}
	return pointAt(frame, frame[layout.ColorOffset():], row*layout.Width+col), nil
}

func pointAt(frame, colors []byte, i int) Point {
	p := frame[i*BytesPerPosition:]
	c := colors[i*BytesPerColor:]
	return Point{
		X: int16(binary.LittleEndian.Uint16(p[0:])),
		Y: int16(binary.LittleEndian.Uint16(p[2:])),
		Z: int16(binary.LittleEndian.Uint16(p[4:])),
		B: c[0], G: c[1], R: c[2], A: c[3],
	}
}

// EncodePointCloud writes points into a frame for layout. len(points) must
// equal layout.Points().
func EncodePointCloud(points []Point, layout PointCloudLayout) ([]byte, error) {
	if len(points) != layout.Points() {
		return nil, fmt.Errorf("%w: %d points for a %dx%d cloud", ErrConfigurationMismatch, len(points), layout.Width, layout.Height)
	}
	frame := make([]byte, layout.BytesPerFrame())
	colors := frame[layout.ColorOffset():]
	for i, pt := range points {
		p := frame[i*BytesPerPosition:]
		binary.LittleEndian.PutUint16(p[0:], uint16(pt.X))
		binary.LittleEndian.PutUint16(p[2:], uint16(pt.Y))
		binary.LittleEndian.PutUint16(p[4:], uint16(pt.Z))
		copy(colors[i*BytesPerColor:], []byte{pt.B, pt.G, pt.R, pt.A})
	}
	return frame, nil
}
