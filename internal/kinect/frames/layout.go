// Package frames decodes the fixed-size payloads an Azure Kinect sender
// streams to the receiver. The receiver itself treats frames as opaque bytes;
// these layouts are applied by consumers and by configuration validation.
package frames

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigurationMismatch reports that a frame length does not match the
// layout it is declared to carry.
var ErrConfigurationMismatch = errors.New("frame size does not match layout")

// Layout describes the structure of one frame.
type Layout interface {
	// Name identifies the layout in configuration and status output.
	Name() string
	// BytesPerFrame is the exact frame length the layout expects.
	BytesPerFrame() int
}

// Layout names accepted by ParseLayout.
const (
	LayoutRaw          = "raw"
	LayoutBodyTracking = "bodytracking"
	LayoutPointCloud   = "pointcloud"
)

// RawLayout is an opaque payload of a fixed size.
type RawLayout struct {
	Size int
}

func (l RawLayout) Name() string       { return LayoutRaw }
func (l RawLayout) BytesPerFrame() int { return l.Size }

// CheckFrameSize returns ErrConfigurationMismatch when n is not the frame
// length layout requires.
func CheckFrameSize(layout Layout, n int) error {
	if want := layout.BytesPerFrame(); n != want {
		return fmt.Errorf("%w: %s layout needs %d bytes per frame, got %d", ErrConfigurationMismatch, layout.Name(), want, n)
	}
	return nil
}

// LayoutOptions carries the per-layout parameters from configuration.
type LayoutOptions struct {
	NumBodies int
	Width     int
	Height    int
	RawSize   int
}

// ParseLayout builds a Layout from its configuration name.
func ParseLayout(name string, opts LayoutOptions) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", LayoutRaw:
		if opts.RawSize <= 0 {
			return nil, fmt.Errorf("raw layout needs a positive size, got %d", opts.RawSize)
		}
		return RawLayout{Size: opts.RawSize}, nil
	case LayoutBodyTracking:
		if opts.NumBodies <= 0 {
			return nil, fmt.Errorf("body tracking layout needs at least one body, got %d", opts.NumBodies)
		}
		return BodyTracking{NumBodies: opts.NumBodies}, nil
	case LayoutPointCloud:
		if opts.Width <= 0 || opts.Height <= 0 {
			return nil, fmt.Errorf("point cloud layout needs positive dimensions, got %dx%d", opts.Width, opts.Height)
		}
		return PointCloudLayout{Width: opts.Width, Height: opts.Height}, nil
	default:
		return nil, fmt.Errorf("unknown frame layout %q", name)
	}
}
