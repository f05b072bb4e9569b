package frames

import (
	"encoding/binary"
	"fmt"
	"math"
)

// JointID indexes the 32 joints of the Azure Kinect body tracking skeleton.
type JointID int

const (
	Pelvis JointID = iota
	SpineNavel
	SpineChest
	Neck
	ClavicleLeft
	ShoulderLeft
	ElbowLeft
	WristLeft
	HandLeft
	HandTipLeft
	ThumbLeft
	ClavicleRight
	ShoulderRight
	ElbowRight
	WristRight
	HandRight
	HandTipRight
	ThumbRight
	HipLeft
	KneeLeft
	AnkleLeft
	FootLeft
	HipRight
	KneeRight
	AnkleRight
	FootRight
	Head
	Nose
	EyeLeft
	EarLeft
	EyeRight
	EarRight

	// JointCount is the number of joints per body.
	JointCount int = iota
)

const (
	// FloatsPerJoint is position (3), orientation quaternion (4) and confidence.
	FloatsPerJoint = 8
	// BytesPerJoint is the encoded size of one joint.
	BytesPerJoint = FloatsPerJoint * 4
	// BytesPerBody is the encoded size of one body.
	BytesPerBody = JointCount * BytesPerJoint
)

var jointNames = [JointCount]string{
	"PELVIS", "SPINE_NAVEL", "SPINE_CHEST", "NECK",
	"CLAVICLE_LEFT", "SHOULDER_LEFT", "ELBOW_LEFT", "WRIST_LEFT", "HAND_LEFT", "HANDTIP_LEFT", "THUMB_LEFT",
	"CLAVICLE_RIGHT", "SHOULDER_RIGHT", "ELBOW_RIGHT", "WRIST_RIGHT", "HAND_RIGHT", "HANDTIP_RIGHT", "THUMB_RIGHT",
	"HIP_LEFT", "KNEE_LEFT", "ANKLE_LEFT", "FOOT_LEFT",
	"HIP_RIGHT", "KNEE_RIGHT", "ANKLE_RIGHT", "FOOT_RIGHT",
	"HEAD", "NOSE", "EYE_LEFT", "EAR_LEFT", "EYE_RIGHT", "EAR_RIGHT",
}

func (j JointID) String() string {
	if j < 0 || int(j) >= JointCount {
		return fmt.Sprintf("JointID(%d)", int(j))
	}
	return jointNames[j]
}

// Valid reports whether j names a joint.
func (j JointID) Valid() bool {
	return j >= 0 && int(j) < JointCount
}

// noParent marks the root of the skeleton.
const noParent JointID = -1

var jointParents = [JointCount]JointID{
	Pelvis:        noParent,
	SpineNavel:    Pelvis,
	SpineChest:    SpineNavel,
	Neck:          SpineChest,
	ClavicleLeft:  SpineChest,
	ShoulderLeft:  ClavicleLeft,
	ElbowLeft:     ShoulderLeft,
	WristLeft:     ElbowLeft,
	HandLeft:      WristLeft,
	HandTipLeft:   HandLeft,
	ThumbLeft:     HandLeft,
	ClavicleRight: SpineChest,
	ShoulderRight: ClavicleRight,
	ElbowRight:    ShoulderRight,
	WristRight:    ElbowRight,
	HandRight:     WristRight,
	HandTipRight:  HandRight,
	ThumbRight:    HandRight,
	HipLeft:       SpineNavel,
	KneeLeft:      HipLeft,
	AnkleLeft:     KneeLeft,
	FootLeft:      AnkleLeft,
	HipRight:      SpineNavel,
	KneeRight:     HipRight,
	AnkleRight:    KneeRight,
	FootRight:     AnkleRight,
	Head:          Pelvis,
	Nose:          Head,
	EyeLeft:       Head,
	EarLeft:       Head,
	EyeRight:      Head,
	EarRight:      Head,
}

// ParentJoint returns the joint j hangs from. The pelvis is the root and
// reports ok == false.
func ParentJoint(j JointID) (parent JointID, ok bool) {
	if !j.Valid() {
		return noParent, false
	}
	p := jointParents[j]
	return p, p != noParent
}

// Joint is one decoded skeleton joint. Position is in the sensor's units
// (millimetres); Rotation is a quaternion {W, X, Y, Z}.
type Joint struct {
	Position   [3]float32
	Rotation   [4]float32
	Confidence float32
}

// Body is one tracked skeleton.
type Body struct {
	Joints [JointCount]Joint
}

// Joint returns the joint with the given id.
func (b *Body) Joint(id JointID) Joint {
	return b.Joints[id]
}

// BodyTracking is the layout of a frame carrying NumBodies skeletons.
type BodyTracking struct {
	NumBodies int
}

func (l BodyTracking) Name() string       { return LayoutBodyTracking }
func (l BodyTracking) BytesPerFrame() int { return BodyTrackingBytesPerFrame(l.NumBodies) }

// BodyTrackingBytesPerFrame returns the frame size for numBodies skeletons.
func BodyTrackingBytesPerFrame(numBodies int) int {
	return numBodies * BytesPerBody
}

// DecodeBodies decodes every body in frame. The frame length must be a
// non-zero multiple of BytesPerBody.
func DecodeBodies(frame []byte) ([]Body, error) {
	if len(frame) == 0 || len(frame)%BytesPerBody != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte bodies", ErrConfigurationMismatch, len(frame), BytesPerBody)
	}
	bodies := make([]Body, len(frame)/BytesPerBody)
	for i := range bodies {
		decodeBody(frame[i*BytesPerBody:(i+1)*BytesPerBody], &bodies[i])
	}
	return bodies, nil
}

func decodeBody(b []byte, body *Body) {
	for j := 0; j < JointCount; j++ {
		off := j * BytesPerJoint
		var f [FloatsPerJoint]float32
		for k := range f {
			f[k] = math.Float32frombits(binary.LittleEndian.Uint32(b[off+k*4:]))
		}
		body.Joints[j] = Joint{
			Position:   [3]float32{f[0], f[1], f[2]},
			Rotation:   [4]float32{f[3], f[4], f[5], f[6]},
			Confidence: f[7],
		}
	}
}

// EncodeBody appends the wire form of body to dst.
func EncodeBody(dst []byte, body *Body) []byte {
	for _, jt := range body.Joints {
		for _, v := range [FloatsPerJoint]float32{
			jt.Position[0], jt.Position[1], jt.Position[2],
			jt.Rotation[0], jt.Rotation[1], jt.Rotation[2], jt.Rotation[3],
			jt.Confidence,
		} {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	}
	return dst
}
