package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointCloudLayout_Sizes(t *testing.T) {
	l := PointCloudLayout{Width: 640, Height: 576}
	assert.Equal(t, 368640, l.Points())
	assert.Equal(t, 368640*10, l.BytesPerFrame())
	assert.Equal(t, 368640*6, l.ColorOffset())
}

func TestPointCloud_RoundTrip(t *testing.T) {
	layout := PointCloudLayout{Width: 3, Height: 2}
	points := []Point{
		{X: -100, Y: 200, Z: 1500, B: 1, G: 2, R: 3, A: 255},
		{},
		{X: 32767, Y: -32768, Z: 1, B: 9, G: 8, R: 7, A: 6},
		{X: 1, Y: 1, Z: 1},
		{X: 2, Y: 2, Z: 2, A: 128},
		{X: -1, Y: -2, Z: -3, R: 200},
	}

	frame, err := EncodePointCloud(points, layout)
	require.NoError(t, err)
	require.Len(t, frame, layout.BytesPerFrame())

	// Colour block starts after all positions.
	assert.Equal(t, []byte{1, 2, 3, 255}, frame[layout.ColorOffset():layout.ColorOffset()+4])

	got, err := DecodePointCloud(frame, layout, nil)
	require.NoError(t, err)
	assert.Equal(t, points, got)
	assert.False(t, got[1].Valid())
	assert.True(t, got[0].Valid())

	p, err := PointAt(frame, layout, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, points[2], p)
	p, err = PointAt(frame, layout, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, points[4], p)

	_, err = PointAt(frame, layout, 2, 0)
	assert.Error(t, err)
}

func TestDecodePointCloud_ReusesBuffer(t *testing.T) {
	layout := PointCloudLayout{Width: 2, Height: 2}
	frame := make([]byte, layout.BytesPerFrame())
	buf := make([]Point, 0, 16)

	got, err := DecodePointCloud(frame, layout, buf)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Same(t, &buf[:1][0], &got[0])
}

func TestDecodePointCloud_SizeMismatch(t *testing.T) {
	layout := PointCloudLayout{Width: 2, Height: 2}
	_, err := DecodePointCloud(make([]byte, 39), layout, nil)
	assert.ErrorIs(t, err, ErrConfigurationMismatch)

	_, err = EncodePointCloud(make([]Point, 3), layout)
	assert.ErrorIs(t, err, ErrConfigurationMismatch)
}
