package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLayout(t *testing.T) {
	tests := []struct {
		name    string
		layout  string
		opts    LayoutOptions
		want    Layout
		wantErr bool
	}{
		{"raw", "raw", LayoutOptions{RawSize: 1500000}, RawLayout{Size: 1500000}, false},
		{"empty is raw", "", LayoutOptions{RawSize: 4}, RawLayout{Size: 4}, false},
		{"body tracking", "BodyTracking", LayoutOptions{NumBodies: 2}, BodyTracking{NumBodies: 2}, false},
		{"point cloud", " pointcloud ", LayoutOptions{Width: 320, Height: 288}, PointCloudLayout{Width: 320, Height: 288}, false},
		{"raw without size", "raw", LayoutOptions{}, nil, true},
		{"no bodies", "bodytracking", LayoutOptions{}, nil, true},
		{"no width", "pointcloud", LayoutOptions{Height: 2}, nil, true},
		{"unknown", "depth", LayoutOptions{RawSize: 4}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLayout(tt.layout, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckFrameSize(t *testing.T) {
	assert.NoError(t, CheckFrameSize(BodyTracking{NumBodies: 1}, 1024))
	assert.NoError(t, CheckFrameSize(RawLayout{Size: 7}, 7))

	err := CheckFrameSize(PointCloudLayout{Width: 4, Height: 4}, 1024)
	assert.ErrorIs(t, err, ErrConfigurationMismatch)
	assert.Contains(t, err.Error(), "pointcloud layout needs 160 bytes")
}
