// frame-sender streams synthetic or captured Kinect frames to a receiver.
//
// Usage:
//
//	frame-sender -addr 127.0.0.1:8888 -layout bodytracking -bodies 1 -fps 30 -count 300
//	frame-sender -addr 127.0.0.1:8888 -pcap capture.pcap -pcap-port 8888 -speed 2
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/kinect/frames"
	"github.com/banshee-data/kinect.receiver/internal/kinect/monitor"
	"github.com/banshee-data/kinect.receiver/internal/kinect/replay"
	"github.com/banshee-data/kinect.receiver/internal/monitoring"
	"github.com/banshee-data/kinect.receiver/internal/version"
)

var (
	addr        = flag.String("addr", "127.0.0.1:8888", "Receiver address")
	layoutName  = flag.String("layout", "bodytracking", "Frame layout: raw, bodytracking or pointcloud")
	bodies      = flag.Int("bodies", 1, "Bodies per frame (bodytracking)")
	width       = flag.Int("width", 320, "Point cloud width (pointcloud)")
	height      = flag.Int("height", 288, "Point cloud height (pointcloud)")
	rawSize     = flag.Int("bytes-per-frame", 1024, "Frame size (raw)")
	fps         = flag.Float64("fps", 30, "Frames per second (0 = as fast as possible)")
	count       = flag.Int("count", 0, "Frames to send (0 = until interrupted)")
	fragments   = flag.String("fragments", "", "Comma separated write sizes to split frames into, e.g. 512,256,256")
	fragDelay   = flag.Duration("fragment-delay", 0, "Pause between the writes of one frame")
	pcapFile    = flag.String("pcap", "", "Replay TCP payloads from this capture instead of synthetic frames")
	pcapPort    = flag.Int("pcap-port", 8888, "Receiver port in the capture")
	speed       = flag.Float64("speed", 1.0, "Capture replay speed multiplier")
	verifyURL   = flag.String("verify", "", "Receiver monitoring address; wait until it reports the sent frames")
	debug       = flag.Bool("debug", false, "Log every frame sent")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func parseFragments(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid fragment size %q", part)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(*debug)

	sizes, err := parseFragments(*fragments)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender, err := replay.NewSender(replay.SenderConfig{
		Address:         *addr,
		FramesPerSecond: *fps,
		FragmentSizes:   sizes,
		FragmentDelay:   *fragDelay,
	})
	if err != nil {
		log.Fatalf("Invalid sender configuration: %v", err)
	}
	if err := sender.Dial(ctx); err != nil {
		log.Fatalf("%v", err)
	}
	defer sender.Close()

	if *pcapFile != "" {
		res, err := replay.ReplayPCAP(ctx, *pcapFile, *pcapPort, sender, replay.ReplayConfig{SpeedMultiplier: *speed})
		if err != nil && ctx.Err() == nil {
			log.Fatalf("Capture replay failed: %v", err)
		}
		log.Printf("Replayed %d packets (%d bytes)", res.Packets, res.Bytes)
		return
	}

	layout, err := frames.ParseLayout(*layoutName, frames.LayoutOptions{
		NumBodies: *bodies,
		Width:     *width,
		Height:    *height,
		RawSize:   *rawSize,
	})
	if err != nil {
		log.Fatalf("Invalid layout: %v", err)
	}
	src, err := replay.NewSyntheticSource(layout)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Sending %s frames of %d bytes to %s at %.1f fps", layout.Name(), layout.BytesPerFrame(), *addr, *fps)

	if err := sender.Run(ctx, src, *count); err != nil && ctx.Err() == nil {
		log.Printf("Sender stopped: %v", err)
		os.Exit(1)
	}

	if *verifyURL != "" && *count > 0 {
		client := monitor.NewClient(nil, *verifyURL)
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		status, err := client.WaitForFrames(waitCtx, int64(*count), 100*time.Millisecond)
		if err != nil {
			log.Fatalf("Receiver did not report %d frames: %v", *count, err)
		}
		log.Printf("Receiver reports %d frames, state %s", status.Totals.Frames, status.State)
	}
}
