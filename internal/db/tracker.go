package db

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/kinect.receiver/internal/kinect/network"
	"github.com/banshee-data/kinect.receiver/internal/monitoring"
)

// FrameEventSource is the subset of *network.Receiver a SessionTracker
// listens to.
type FrameEventSource interface {
	OnClientConnected(fn func(remote net.Addr)) network.ListenerHandle
	OnClientDisconnected(fn func(reason error)) network.ListenerHandle
	OnFrameComplete(fn func()) network.ListenerHandle
	LastFrameInfo() network.FrameInfo
}

// SessionTracker turns receiver connection events into session rows. Frame
// counters are kept in memory and written when the session ends.
type SessionTracker struct {
	db  *DB
	now func() time.Time

	mu      sync.Mutex
	current uuid.UUID
	active  bool
	frames  int64
	bytes   int64
}

// NewSessionTracker creates a tracker writing to db.
func NewSessionTracker(db *DB) *SessionTracker {
	return &SessionTracker{db: db, now: time.Now}
}

// Attach registers the tracker's listeners on src.
func (t *SessionTracker) Attach(src FrameEventSource) {
	src.OnClientConnected(t.Connected)
	src.OnClientDisconnected(t.Disconnected)
	src.OnFrameComplete(func() { t.FrameCompleted(src.LastFrameInfo()) })
}

// Connected opens a session for remote.
func (t *SessionTracker) Connected(remote net.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		t.endLocked("superseded")
	}
	addr := ""
	if remote != nil {
		addr = remote.String()
	}
	id, err := t.db.StartSession(addr, t.now())
	if err != nil {
		monitoring.Logf("[Sessions] %v", err)
		return
	}
	t.current, t.active = id, true
	t.frames, t.bytes = 0, 0
	monitoring.Logf("[Sessions] Started session %s for %s", id, addr)
}

// FrameCompleted counts one frame against the open session.
func (t *SessionTracker) FrameCompleted(info network.FrameInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.frames++
	t.bytes += int64(info.Bytes)
}

// Disconnected closes the open session with reason.
func (t *SessionTracker) Disconnected(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	t.endLocked(msg)
}

func (t *SessionTracker) endLocked(reason string) {
	if err := t.db.EndSession(t.current, t.now(), t.frames, t.bytes, reason); err != nil {
		monitoring.Logf("[Sessions] %v", err)
	} else {
		monitoring.Logf("[Sessions] Ended session %s: %d frames (%s)", t.current, t.frames, reason)
	}
	t.active = false
}

// Current returns the open session, if any.
func (t *SessionTracker) Current() (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.active
}

// RecordWindow persists a statistics window against the open session. It is
// meant to be installed as network.FrameStats.OnWindow.
func (t *SessionTracker) RecordWindow(s network.FrameStatsSnapshot) {
	if s.Frames == 0 && s.Connects == 0 && s.Disconnects == 0 {
		return
	}
	row := FrameStatsRow{
		WindowStart:   s.WindowStart,
		WindowEnd:     s.WindowEnd,
		Frames:        s.Frames,
		Bytes:         s.Bytes,
		Fragments:     s.Fragments,
		LateFrames:    s.LateFrames,
		FPS:           s.FPS,
		MeanReceiveMs: s.MeanReceiveMs,
		P95ReceiveMs:  s.P95ReceiveMs,
	}
	if id, ok := t.Current(); ok {
		row.SessionID = &id
	}
	if err := t.db.RecordFrameStats(row); err != nil {
		monitoring.Logf("[Sessions] %v", err)
	}
}
