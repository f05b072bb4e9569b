package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/kinect.receiver/internal/config"
	"github.com/banshee-data/kinect.receiver/internal/db"
	"github.com/banshee-data/kinect.receiver/internal/kinect/frames"
	"github.com/banshee-data/kinect.receiver/internal/kinect/monitor"
	"github.com/banshee-data/kinect.receiver/internal/kinect/network"
	"github.com/banshee-data/kinect.receiver/internal/kinect/visualiser"
	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/version"
)

// disabled turns off an optional service when given as its address or path.
const disabled = "none"

func main() {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(&opts, fs)
	if err != nil {
		if config.IsConfigurationMismatch(err) {
			log.Fatalf("Frame layout does not match bytes per frame: %v", err)
		}
		log.Fatalf("Failed to load configuration: %v", err)
	}
	monitoring.SetDebug(opts.debug)
	log.Printf("Starting %s", version.String())

	layout, err := cfg.FrameLayout()
	if err != nil {
		log.Fatalf("Invalid frame layout: %v", err)
	}

	stats := network.NewFrameStats()
	rx, err := network.NewReceiver(network.ReceiverConfig{
		Address:                 cfg.GetAddress(),
		Port:                    cfg.GetPort(),
		BytesPerFrame:           cfg.GetBytesPerFrame(),
		ExpectedFramesPerSecond: cfg.GetExpectedFramesPerSecond(),
		PollInterval:            cfg.GetPollInterval(),
		ReceiveBufferBytes:      cfg.GetReceiveBufferBytes(),
		StatsInterval:           cfg.GetStatsInterval(),
		LogFrameTimings:         cfg.GetLogFrameTimings(),
		LogFirstFloat:           cfg.GetLogFirstFloat(),
		Stats:                   stats,
	})
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}

	// Session persistence
	var sessions monitor.SessionStore
	var database *db.DB
	if path := cfg.GetDBPath(); path != "" && path != disabled {
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("Failed to open session database: %v", err)
		}
		defer database.Close()

		tracker := db.NewSessionTracker(database)
		tracker.Attach(rx)
		stats.OnWindow = tracker.RecordWindow
		sessions = database
	} else {
		log.Printf("Session persistence disabled")
	}

	if err := rx.Start(); err != nil {
		var bindErr *network.BindError
		if errors.As(err, &bindErr) {
			log.Fatalf("Failed to bind %s: %v", bindErr.Address, bindErr.Err)
		}
		log.Fatalf("Failed to start receiver: %v", err)
	}

	history := monitor.NewFrameHistory(monitor.DefaultHistorySize)
	history.Attach(rx)

	if monitoring.DebugEnabled() {
		rx.OnFrameComplete(func() { logDecodedFrame(layout, rx.CurrentFrame(), rx.LastFrameInfo()) })
	}

	// Frame fan-out
	var publisher *visualiser.Publisher
	if addr := cfg.GetGRPCListen(); addr != "" && addr != disabled {
		publisher = visualiser.NewPublisher(visualiser.Config{
			ListenAddr:    addr,
			BytesPerFrame: cfg.GetBytesPerFrame(),
		})
		if err := publisher.Start(); err != nil {
			log.Fatalf("Failed to start frame stream: %v", err)
		}
		publisher.Attach(rx)
	}

	webCfg := monitor.WebServerConfig{
		Address:  cfg.GetHTTPListen(),
		Source:   rx,
		History:  history,
		Stats:    stats,
		Sessions: sessions,
		Layout:   layout.Name(),
	}
	if publisher != nil {
		webCfg.Publisher = publisher
	}
	ws := monitor.NewWebServer(webCfg)
	if database != nil {
		if err := database.AttachAdminRoutes(ws.ServeMux()); err != nil {
			log.Printf("Failed to attach database admin routes: %v", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Receiver error: %v", err)
			stop()
		}
		log.Print("receiver routine terminated")
	}()

	if cfg.GetHTTPListen() != disabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
			log.Print("HTTP server routine terminated")
		}()
	} else {
		log.Printf("HTTP monitoring disabled")
	}

	<-ctx.Done()
	if publisher != nil {
		publisher.Stop()
	}
	wg.Wait()

	// Flush the partial statistics window so it is persisted too.
	stats.LogStats()
	log.Printf("Graceful shutdown complete")
}

// logDecodedFrame summarises a decoded frame at debug level.
func logDecodedFrame(layout frames.Layout, frame []byte, info network.FrameInfo) {
	switch l := layout.(type) {
	case frames.BodyTracking:
		bodies, err := frames.DecodeBodies(frame)
		if err != nil {
			monitoring.Debugf("[Decode] frame %d: %v", info.Sequence, err)
			return
		}
		for i := range bodies {
			p := bodies[i].Joint(frames.Pelvis)
			monitoring.Debugf("[Decode] frame %d body %d pelvis=(%.0f, %.0f, %.0f) confidence=%.0f",
				info.Sequence, i, p.Position[0], p.Position[1], p.Position[2], p.Confidence)
		}
	case frames.PointCloudLayout:
		points, err := frames.DecodePointCloud(frame, l, nil)
		if err != nil {
			monitoring.Debugf("[Decode] frame %d: %v", info.Sequence, err)
			return
		}
		valid := 0
		for _, pt := range points {
			if pt.Valid() {
				valid++
			}
		}
		monitoring.Debugf("[Decode] frame %d: %d/%d valid points", info.Sequence, valid, l.Points())
	}
}
