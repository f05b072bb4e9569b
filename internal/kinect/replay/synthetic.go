// Package replay produces frame streams for a receiver: a TCP sender that
// fragments and paces frames, synthetic frame generators, and capture
// replay.
package replay

import (
	"fmt"
	"math"

	"github.com/banshee-data/kinect.receiver/internal/kinect/frames"
)

// FrameSource yields successive frames of a fixed size.
type FrameSource interface {
	// Next returns the next frame. The slice may be reused by the following
	// call.
	Next() []byte
	BytesPerFrame() int
}

// SyntheticSource generates deterministic frames for a layout. Body frames
// sway each skeleton around a standing pose, point cloud frames carry a
// moving depth ramp, raw frames a rolling byte pattern.
type SyntheticSource struct {
	layout frames.Layout
	seq    int
	buf    []byte
	points []frames.Point
}

// NewSyntheticSource creates a generator for layout.
func NewSyntheticSource(layout frames.Layout) (*SyntheticSource, error) {
	if layout == nil || layout.BytesPerFrame() <= 0 {
		return nil, fmt.Errorf("synthetic source needs a layout with a positive frame size")
	}
	s := &SyntheticSource{layout: layout, buf: make([]byte, 0, layout.BytesPerFrame())}
	if pc, ok := layout.(frames.PointCloudLayout); ok {
		s.points = make([]frames.Point, pc.Points())
	}
	return s, nil
}

func (s *SyntheticSource) BytesPerFrame() int { return s.layout.BytesPerFrame() }

// Sequence returns the number of frames generated so far.
func (s *SyntheticSource) Sequence() int { return s.seq }

func (s *SyntheticSource) Next() []byte {
	s.seq++
	switch l := s.layout.(type) {
	case frames.BodyTracking:
		s.buf = s.buf[:0]
		for i := 0; i < l.NumBodies; i++ {
			body := SyntheticBody(s.seq, i)
			s.buf = frames.EncodeBody(s.buf, &body)
		}
		return s.buf
	case frames.PointCloudLayout:
		s.fillPointCloud(l)
		frame, err := frames.EncodePointCloud(s.points, l)
		if err != nil {
			// points is sized from the same layout.
			panic(err)
		}
		return frame
	default:
		s.buf = s.buf[:s.layout.BytesPerFrame()]
		for i := range s.buf {
			s.buf[i] = byte((s.seq + i) % 251)
		}
		return s.buf
	}
}

// standing pose offsets from the pelvis in millimetres, indexed by JointID.
var standingPose = [frames.JointCount][3]float32{
	frames.Pelvis:        {0, 0, 0},
	frames.SpineNavel:    {0, -200, 0},
	frames.SpineChest:    {0, -380, 0},
	frames.Neck:          {0, -560, 0},
	frames.ClavicleLeft:  {-40, -520, 0},
	frames.ShoulderLeft:  {-180, -520, 0},
	frames.ElbowLeft:     {-200, -260, 0},
	frames.WristLeft:     {-210, -20, 0},
	frames.HandLeft:      {-215, 60, 0},
	frames.HandTipLeft:   {-220, 140, 0},
	frames.ThumbLeft:     {-180, 70, -30},
	frames.ClavicleRight: {40, -520, 0},
	frames.ShoulderRight: {180, -520, 0},
	frames.ElbowRight:    {200, -260, 0},
	frames.WristRight:    {210, -20, 0},
	frames.HandRight:     {215, 60, 0},
	frames.HandTipRight:  {220, 140, 0},
	frames.ThumbRight:    {180, 70, -30},
	frames.HipLeft:       {-100, 0, 0},
	frames.KneeLeft:      {-110, 420, 0},
	frames.AnkleLeft:     {-115, 820, 0},
	frames.FootLeft:      {-115, 880, -120},
	frames.HipRight:      {100, 0, 0},
	frames.KneeRight:     {110, 420, 0},
	frames.AnkleRight:    {115, 820, 0},
	frames.FootRight:     {115, 880, -120},
	frames.Head:          {0, -680, 0},
	frames.Nose:          {0, -670, -90},
	frames.EyeLeft:       {-30, -700, -80},
	frames.EarLeft:       {-70, -690, 0},
	frames.EyeRight:      {30, -700, -80},
	frames.EarRight:      {70, -690, 0},
}

// SyntheticBody returns skeleton index of frame seq. Bodies stand 600 mm
// apart, two metres from the sensor, and sway with a one second period at
// 30 fps.
func SyntheticBody(seq, index int) frames.Body {
	var body frames.Body
	phase := 2 * math.Pi * float64(seq) / 30
	pelvis := [3]float32{
		float32(index*600) + float32(50*math.Sin(phase)),
		0,
		2000 + float32(20*math.Cos(phase)),
	}
	for j := range body.Joints {
		off := standingPose[j]
		body.Joints[j] = frames.Joint{
			Position:   [3]float32{pelvis[0] + off[0], pelvis[1] + off[1], pelvis[2] + off[2]},
			Rotation:   [4]float32{1, 0, 0, 0},
			Confidence: 2,
		}
	}
	return body
}

func (s *SyntheticSource) fillPointCloud(l frames.PointCloudLayout) {
	for row := 0; row < l.Height; row++ {
		for col := 0; col < l.Width; col++ {
			i := row*l.Width + col
			z := int16(1000 + (row+col+s.seq)%1000)
			s.points[i] = frames.Point{
				X: int16(col - l.Width/2),
				Y: int16(row - l.Height/2),
				Z: z,
				B: uint8(col),
				G: uint8(row),
				R: uint8(s.seq),
				A: 255,
			}
		}
	}
}
