// Package monitor serves the receiver's monitoring HTTP interface: status
// JSON, the current frame, persisted sessions and debug charts.
package monitor

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/banshee-data/kinect.receiver/internal/kinect/network"
)

// DefaultHistorySize is the number of frames kept when none is given.
const DefaultHistorySize = 600

// FrameSource is the subset of the receiver the history listens to.
type FrameSource interface {
	OnFrameComplete(fn func()) network.ListenerHandle
	RemoveFrameListener(h network.ListenerHandle) bool
	LastFrameInfo() network.FrameInfo
}

// FrameHistory is a bounded ring of recently completed frames. It also fans
// every added frame out to live subscribers (the debug tail).
type FrameHistory struct {
	mu      sync.Mutex
	samples []network.FrameInfo
	next    int
	full    bool

	subscriberMu sync.Mutex
	subscribers  map[string]chan network.FrameInfo
}

// NewFrameHistory creates a history holding up to size frames.
func NewFrameHistory(size int) *FrameHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &FrameHistory{
		samples:     make([]network.FrameInfo, size),
		subscribers: make(map[string]chan network.FrameInfo),
	}
}

// Attach registers a frame listener on src that records every completed
// frame. The returned func detaches it.
func (h *FrameHistory) Attach(src FrameSource) func() {
	handle := src.OnFrameComplete(func() {
		h.Add(src.LastFrameInfo())
	})
	return func() { src.RemoveFrameListener(handle) }
}

// Add records info and forwards it to subscribers. Slow subscribers miss
// frames rather than stalling the receiver.
func (h *FrameHistory) Add(info network.FrameInfo) {
	h.mu.Lock()
	h.samples[h.next] = info
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()

	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- info:
		default:
		}
	}
}

// Len returns the number of frames held.
func (h *FrameHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Snapshot returns the held frames, oldest first.
func (h *FrameHistory) Snapshot() []network.FrameInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]network.FrameInfo(nil), h.samples[:h.next]...)
	}
	out := make([]network.FrameInfo, 0, len(h.samples))
	out = append(out, h.samples[h.next:]...)
	return append(out, h.samples[:h.next]...)
}

// Intervals returns the gaps between consecutive completions in the
// snapshot. The result has one fewer element than frames.
func Intervals(frames []network.FrameInfo) []time.Duration {
	if len(frames) < 2 {
		return nil
	}
	out := make([]time.Duration, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		out[i-1] = frames[i].CompletedAt.Sub(frames[i-1].CompletedAt)
	}
	return out
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every frame added from now on.
func (h *FrameHistory) Subscribe() (string, chan network.FrameInfo) {
	id := randomID()
	ch := make(chan network.FrameInfo, 16)
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *FrameHistory) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Close drops all subscribers, ending any open tails.
func (h *FrameHistory) Close() {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
