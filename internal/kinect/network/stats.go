package network

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/kinect.receiver/internal/monitoring"
)

// FrameStatsInterface collects receiver statistics.
type FrameStatsInterface interface {
	AddConnect()
	AddDisconnect(reason error)
	AddFragment(bytes int)
	AddFrame(info FrameInfo)
	LogStats()
}

// noopStats is a FrameStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddConnect()         {}
func (noopStats) AddDisconnect(error) {}
func (noopStats) AddFragment(int)     {}
func (noopStats) AddFrame(FrameInfo)  {}
func (noopStats) LogStats()           {}

// maxDurationSamples bounds the receive-duration window kept between resets.
const maxDurationSamples = 4096

// FrameStatsSnapshot summarises one statistics window.
type FrameStatsSnapshot struct {
	WindowStart     time.Time
	WindowEnd       time.Time
	Frames          int64
	Bytes           int64
	Fragments       int64
	LateFrames      int64
	Connects        int64
	Disconnects     int64
	FPS             float64
	MeanReceiveMs   float64
	StdDevReceiveMs float64
	P95ReceiveMs    float64
}

// FrameTotals are cumulative counters that survive window resets.
type FrameTotals struct {
	Frames      int64 `json:"frames"`
	Bytes       int64 `json:"bytes"`
	Fragments   int64 `json:"fragments"`
	LateFrames  int64 `json:"late_frames"`
	Connects    int64 `json:"connects"`
	Disconnects int64 `json:"disconnects"`
}

// FrameStats is the production FrameStatsInterface. Each LogStats call closes
// the current window, logs it and hands it to OnWindow if set.
type FrameStats struct {
	mu          sync.Mutex
	window      FrameTotals
	totals      FrameTotals
	durationsMs []float64
	lastReset   time.Time
	now         func() time.Time

	// OnWindow receives every closed window, e.g. to persist it.
	OnWindow func(FrameStatsSnapshot)
}

// NewFrameStats creates an empty collector.
func NewFrameStats() *FrameStats {
	return &FrameStats{lastReset: time.Now(), now: time.Now}
}

func (fs *FrameStats) AddConnect() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.window.Connects++
	fs.totals.Connects++
}

func (fs *FrameStats) AddDisconnect(reason error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.window.Disconnects++
	fs.totals.Disconnects++
}

func (fs *FrameStats) AddFragment(bytes int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.window.Fragments++
	fs.totals.Fragments++
}

func (fs *FrameStats) AddFrame(info FrameInfo) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.window.Frames++
	fs.window.Bytes += int64(info.Bytes)
	fs.totals.Frames++
	fs.totals.Bytes += int64(info.Bytes)
	if info.Late {
		fs.window.LateFrames++
		fs.totals.LateFrames++
	}
	if len(fs.durationsMs) < maxDurationSamples {
		fs.durationsMs = append(fs.durationsMs, float64(info.ReceiveDuration)/float64(time.Millisecond))
	}
}

// Totals returns the cumulative counters.
func (fs *FrameStats) Totals() FrameTotals {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.totals
}

// GetAndReset closes the current window and starts a new one.
func (fs *FrameStats) GetAndReset() FrameStatsSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := fs.now()
	snap := FrameStatsSnapshot{
		WindowStart: fs.lastReset,
		WindowEnd:   now,
		Frames:      fs.window.Frames,
		Bytes:       fs.window.Bytes,
		Fragments:   fs.window.Fragments,
		LateFrames:  fs.window.LateFrames,
		Connects:    fs.window.Connects,
		Disconnects: fs.window.Disconnects,
	}
	if elapsed := now.Sub(fs.lastReset).Seconds(); elapsed > 0 {
		snap.FPS = float64(snap.Frames) / elapsed
	}
	if len(fs.durationsMs) > 0 {
		sorted := append([]float64(nil), fs.durationsMs...)
		sort.Float64s(sorted)
		snap.MeanReceiveMs, snap.StdDevReceiveMs = stat.MeanStdDev(sorted, nil)
		snap.P95ReceiveMs = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}

	fs.window = FrameTotals{}
	fs.durationsMs = fs.durationsMs[:0]
	fs.lastReset = now
	return snap
}

// LogStats logs and resets the current window.
func (fs *FrameStats) LogStats() {
	snap := fs.GetAndReset()
	if snap.Frames == 0 && snap.Connects == 0 && snap.Disconnects == 0 {
		monitoring.Logf("[Receiver] Stats: no frames in the last %.1fs", snap.WindowEnd.Sub(snap.WindowStart).Seconds())
	} else {
		monitoring.Logf("[Receiver] Stats: fps=%.1f frames=%s bytes=%s fragments=%s late=%d connects=%d disconnects=%d receive_ms mean=%.2f sd=%.2f p95=%.2f",
			snap.FPS, formatWithCommas(snap.Frames), formatWithCommas(snap.Bytes), formatWithCommas(snap.Fragments),
			snap.LateFrames, snap.Connects, snap.Disconnects,
			snap.MeanReceiveMs, snap.StdDevReceiveMs, snap.P95ReceiveMs)
	}
	if fs.OnWindow != nil {
		fs.OnWindow(snap)
	}
}

// formatWithCommas formats a number with thousands separators
func formatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := false
	if n < 0 {
		neg = true
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	if neg {
		return "-" + result
	}
	return result
}
