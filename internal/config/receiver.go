package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/kinect/frames"
)

// DefaultConfigPath is the path to the canonical receiver defaults file.
const DefaultConfigPath = "config/receiver.defaults.json"

// ReceiverConfig is the root configuration of the kinect receiver. Fields are
// pointers so that a partial file only overrides what it names; the Get*
// methods supply defaults for the rest.
type ReceiverConfig struct {
	// Endpoint
	Address                 *string  `json:"address,omitempty"`
	Port                    *int     `json:"port,omitempty"`
	BytesPerFrame           *int     `json:"bytes_per_frame,omitempty"`
	ExpectedFramesPerSecond *float64 `json:"expected_frames_per_second,omitempty"`
	PollInterval            *string  `json:"poll_interval,omitempty"` // duration string like "1ms"
	ReceiveBufferBytes      *int     `json:"receive_buffer_bytes,omitempty"`

	// Frame layout
	Layout           *string `json:"layout,omitempty"` // "raw", "bodytracking" or "pointcloud"
	NumBodies        *int    `json:"num_bodies,omitempty"`
	PointCloudWidth  *int    `json:"point_cloud_width,omitempty"`
	PointCloudHeight *int    `json:"point_cloud_height,omitempty"`

	// Diagnostics
	LogFrameTimings *bool   `json:"log_frame_timings,omitempty"`
	LogFirstFloat   *bool   `json:"log_first_float,omitempty"`
	StatsInterval   *string `json:"stats_interval,omitempty"`

	// Services
	DBPath     *string `json:"db_path,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"`
	HTTPListen *string `json:"http_listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyReceiverConfig returns a ReceiverConfig with all fields set to nil.
func EmptyReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{}
}

// DefaultReceiverConfig returns a config with every field set to its default.
func DefaultReceiverConfig() *ReceiverConfig {
	c := EmptyReceiverConfig()
	return &ReceiverConfig{
		Address:                 ptrString(c.GetAddress()),
		Port:                    ptrInt(c.GetPort()),
		BytesPerFrame:           ptrInt(c.GetBytesPerFrame()),
		ExpectedFramesPerSecond: ptrFloat64(c.GetExpectedFramesPerSecond()),
		PollInterval:            ptrString(c.GetPollInterval().String()),
		ReceiveBufferBytes:      ptrInt(c.GetReceiveBufferBytes()),
		Layout:                  ptrString(c.GetLayout()),
		NumBodies:               ptrInt(c.GetNumBodies()),
		PointCloudWidth:         ptrInt(c.GetPointCloudWidth()),
		PointCloudHeight:        ptrInt(c.GetPointCloudHeight()),
		LogFrameTimings:         ptrBool(c.GetLogFrameTimings()),
		LogFirstFloat:           ptrBool(c.GetLogFirstFloat()),
		StatsInterval:           ptrString(c.GetStatsInterval().String()),
		DBPath:                  ptrString(c.GetDBPath()),
		GRPCListen:              ptrString(c.GetGRPCListen()),
		HTTPListen:              ptrString(c.GetHTTPListen()),
	}
}

// LoadReceiverConfig loads a ReceiverConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to defaults, so partial configs
// are safe.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReceiverConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical receiver defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *ReceiverConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/kinect/network/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadReceiverConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ReceiverConfig) Validate() error {
	if c.Port != nil && (*c.Port < 1 || *c.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", *c.Port)
	}
	if c.BytesPerFrame != nil && *c.BytesPerFrame <= 0 {
		return fmt.Errorf("bytes_per_frame must be positive, got %d", *c.BytesPerFrame)
	}
	if c.ExpectedFramesPerSecond != nil && *c.ExpectedFramesPerSecond <= 0 {
		return fmt.Errorf("expected_frames_per_second must be positive, got %f", *c.ExpectedFramesPerSecond)
	}
	if c.ReceiveBufferBytes != nil && *c.ReceiveBufferBytes < 0 {
		return fmt.Errorf("receive_buffer_bytes must be non-negative, got %d", *c.ReceiveBufferBytes)
	}

	for name, v := range map[string]*string{
		"poll_interval":  c.PollInterval,
		"stats_interval": c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if poll := c.GetPollInterval(); poll <= 0 || poll >= c.FramePeriod() {
		return fmt.Errorf("poll_interval %v must be positive and shorter than the frame period %v", poll, c.FramePeriod())
	}

	layout, err := c.FrameLayout()
	if err != nil {
		return err
	}
	if err := frames.CheckFrameSize(layout, c.GetBytesPerFrame()); err != nil {
		return err
	}
	return nil
}

// IsConfigurationMismatch reports whether err came from a layout/frame size
// disagreement.
func IsConfigurationMismatch(err error) bool {
	return errors.Is(err, frames.ErrConfigurationMismatch)
}

// FrameLayout builds the frame layout named by the config.
func (c *ReceiverConfig) FrameLayout() (frames.Layout, error) {
	return frames.ParseLayout(c.GetLayout(), frames.LayoutOptions{
		NumBodies: c.GetNumBodies(),
		Width:     c.GetPointCloudWidth(),
		Height:    c.GetPointCloudHeight(),
		RawSize:   c.GetBytesPerFrame(),
	})
}

// FramePeriod is the expected interval between frames.
func (c *ReceiverConfig) FramePeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetExpectedFramesPerSecond())
}

// GetAddress returns the bind address or the default.
func (c *ReceiverConfig) GetAddress() string {
	if c.Address == nil || *c.Address == "" {
		return "127.0.0.1"
	}
	return *c.Address
}

// GetPort returns the port or the default.
func (c *ReceiverConfig) GetPort() int {
	if c.Port == nil {
		return 8888
	}
	return *c.Port
}

// GetBytesPerFrame returns the frame size or the default (one body).
func (c *ReceiverConfig) GetBytesPerFrame() int {
	if c.BytesPerFrame == nil {
		return 1024
	}
	return *c.BytesPerFrame
}

// GetExpectedFramesPerSecond returns the sender frame rate or the default.
func (c *ReceiverConfig) GetExpectedFramesPerSecond() float64 {
	if c.ExpectedFramesPerSecond == nil || *c.ExpectedFramesPerSecond <= 0 {
		return 30
	}
	return *c.ExpectedFramesPerSecond
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *ReceiverConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil {
		return time.Millisecond // default on parse error
	}
	return d
}

// GetReceiveBufferBytes returns the socket receive buffer size or the default.
func (c *ReceiverConfig) GetReceiveBufferBytes() int {
	if c.ReceiveBufferBytes == nil {
		return 4 << 20
	}
	return *c.ReceiveBufferBytes
}

// GetLayout returns the frame layout name or the default.
func (c *ReceiverConfig) GetLayout() string {
	if c.Layout == nil || *c.Layout == "" {
		return frames.LayoutBodyTracking
	}
	return *c.Layout
}

// GetNumBodies returns the number of bodies per frame or the default.
func (c *ReceiverConfig) GetNumBodies() int {
	if c.NumBodies == nil {
		return 1
	}
	return *c.NumBodies
}

// GetPointCloudWidth returns the point cloud width or the default.
func (c *ReceiverConfig) GetPointCloudWidth() int {
	if c.PointCloudWidth == nil {
		return 320
	}
	return *c.PointCloudWidth
}

// GetPointCloudHeight returns the point cloud height or the default.
func (c *ReceiverConfig) GetPointCloudHeight() int {
	if c.PointCloudHeight == nil {
		return 288
	}
	return *c.PointCloudHeight
}

// GetLogFrameTimings returns the log_frame_timings value or the default.
func (c *ReceiverConfig) GetLogFrameTimings() bool {
	if c.LogFrameTimings == nil {
		return false
	}
	return *c.LogFrameTimings
}

// GetLogFirstFloat returns the log_first_float value or the default.
func (c *ReceiverConfig) GetLogFirstFloat() bool {
	if c.LogFirstFloat == nil {
		return false
	}
	return *c.LogFirstFloat
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
func (c *ReceiverConfig) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetDBPath returns the sqlite path or the default.
func (c *ReceiverConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "kinect_receiver.db"
	}
	return *c.DBPath
}

// GetGRPCListen returns the frame stream listen address or the default.
func (c *ReceiverConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return "localhost:50061"
	}
	return *c.GRPCListen
}

// GetHTTPListen returns the monitoring web listen address or the default.
func (c *ReceiverConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return "localhost:8090"
	}
	return *c.HTTPListen
}
