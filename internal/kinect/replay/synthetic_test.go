package replay

import (
	"testing"

	"github.com/banshee-data/kinect.receiver/internal/kinect/frames"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyntheticSource_Invalid(t *testing.T) {
	_, err := NewSyntheticSource(nil)
	assert.Error(t, err)
	_, err = NewSyntheticSource(frames.RawLayout{Size: 0})
	assert.Error(t, err)
}

func TestSyntheticSource_BodyTracking(t *testing.T) {
	src, err := NewSyntheticSource(frames.BodyTracking{NumBodies: 2})
	require.NoError(t, err)
	assert.Equal(t, 2048, src.BytesPerFrame())

	frame := src.Next()
	require.Len(t, frame, 2048)
	assert.Equal(t, 1, src.Sequence())

	bodies, err := frames.DecodeBodies(frame)
	require.NoError(t, err)
	require.Len(t, bodies, 2)

	want := SyntheticBody(1, 1)
	assert.Equal(t, want, bodies[1])

	head := bodies[0].Joint(frames.Head)
	pelvis := bodies[0].Joint(frames.Pelvis)
	assert.Less(t, head.Position[1], pelvis.Position[1], "head is above the pelvis (negative Y)")
	assert.InDelta(t, 600, bodies[1].Joint(frames.Pelvis).Position[0]-pelvis.Position[0], 1e-3)
}

func TestSyntheticSource_FramesDiffer(t *testing.T) {
	src, err := NewSyntheticSource(frames.BodyTracking{NumBodies: 1})
	require.NoError(t, err)
	first := append([]byte(nil), src.Next()...)
	second := src.Next()
	assert.NotEqual(t, first, second)
}

func TestSyntheticSource_PointCloud(t *testing.T) {
	layout := frames.PointCloudLayout{Width: 8, Height: 4}
	src, err := NewSyntheticSource(layout)
	require.NoError(t, err)

	frame := src.Next()
	require.Len(t, frame, layout.BytesPerFrame())

	pt, err := frames.PointAt(frame, layout, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, int16(5-4), pt.X)
	assert.Equal(t, int16(2-2), pt.Y)
	assert.Equal(t, int16(1000+2+5+1), pt.Z)
	assert.Equal(t, uint8(5), pt.B)
	assert.Equal(t, uint8(2), pt.G)
	assert.Equal(t, uint8(1), pt.R)
	assert.Equal(t, uint8(255), pt.A)
}

func TestSyntheticSource_Raw(t *testing.T) {
	src, err := NewSyntheticSource(frames.RawLayout{Size: 300})
	require.NoError(t, err)
	frame := src.Next()
	require.Len(t, frame, 300)
	assert.Equal(t, byte(1), frame[0])
	assert.Equal(t, byte(0), frame[250])
}
