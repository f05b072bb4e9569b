package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/config"
)

// options holds the command-line flags. Only flags the user set override
// the config file.
type options struct {
	configPath string
	version    bool
	debug      bool

	address         string
	port            int
	bytesPerFrame   int
	fps             float64
	pollInterval    time.Duration
	rcvBuf          int
	layout          string
	numBodies       int
	logFrameTimings bool
	logFirstFloat   bool
	statsInterval   time.Duration
	dbPath          string
	grpcListen      string
	httpListen      string
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("kinect-receiver", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON receiver config (defaults apply when empty)")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	fs.BoolVar(&o.debug, "debug", false, "Log per-fragment and decoded frame diagnostics")

	fs.StringVar(&o.address, "addr", "", "IPv4 address to accept the sender on")
	fs.IntVar(&o.port, "port", 0, "TCP port to accept the sender on")
	fs.IntVar(&o.bytesPerFrame, "bytes-per-frame", 0, "Exact size of one frame in bytes")
	fs.Float64Var(&o.fps, "fps", 0, "Expected sender frame rate")
	fs.DurationVar(&o.pollInterval, "poll", 0, "Control loop tick (must be shorter than the frame period)")
	fs.IntVar(&o.rcvBuf, "rcvbuf", 0, "TCP receive buffer size in bytes (0 = kernel default)")
	fs.StringVar(&o.layout, "layout", "", "Frame layout: raw, bodytracking or pointcloud")
	fs.IntVar(&o.numBodies, "bodies", 0, "Bodies per frame for the bodytracking layout")
	fs.BoolVar(&o.logFrameTimings, "log-frame-timings", false, "Log the reassembly time of every frame")
	fs.BoolVar(&o.logFirstFloat, "log-first-float", false, "Log the first float of every frame")
	fs.DurationVar(&o.statsInterval, "stats-interval", 0, "Statistics logging interval (0 disables)")
	fs.StringVar(&o.dbPath, "db", "", "Path to the SQLite session database (\"none\" disables persistence)")
	fs.StringVar(&o.grpcListen, "grpc-listen", "", "gRPC frame stream listen address (\"none\" disables)")
	fs.StringVar(&o.httpListen, "listen", "", "HTTP monitoring listen address (\"none\" disables)")
	return fs
}

// loadConfig reads the config file (or the built-in defaults) and applies
// every flag that was set on fs.
func loadConfig(o *options, fs *flag.FlagSet) (*config.ReceiverConfig, error) {
	cfg := config.DefaultReceiverConfig()
	if o.configPath != "" {
		loaded, err := config.LoadReceiverConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Address = &o.address
		case "port":
			cfg.Port = &o.port
		case "bytes-per-frame":
			cfg.BytesPerFrame = &o.bytesPerFrame
		case "fps":
			cfg.ExpectedFramesPerSecond = &o.fps
		case "poll":
			s := o.pollInterval.String()
			cfg.PollInterval = &s
		case "rcvbuf":
			cfg.ReceiveBufferBytes = &o.rcvBuf
		case "layout":
			cfg.Layout = &o.layout
		case "bodies":
			cfg.NumBodies = &o.numBodies
		case "log-frame-timings":
			cfg.LogFrameTimings = &o.logFrameTimings
		case "log-first-float":
			cfg.LogFirstFloat = &o.logFirstFloat
		case "stats-interval":
			s := o.statsInterval.String()
			cfg.StatsInterval = &s
		case "db":
			cfg.DBPath = &o.dbPath
		case "grpc-listen":
			cfg.GRPCListen = &o.grpcListen
		case "listen":
			cfg.HTTPListen = &o.httpListen
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
