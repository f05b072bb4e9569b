package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is one client connection to the receiver.
type Session struct {
	SessionID        uuid.UUID  `json:"session_id"`
	RemoteAddr       string     `json:"remote_addr"`
	ConnectedAt      time.Time  `json:"connected_at"`
	DisconnectedAt   *time.Time `json:"disconnected_at,omitempty"`
	Frames           int64      `json:"frames"`
	Bytes            int64      `json:"bytes"`
	DisconnectReason string     `json:"disconnect_reason,omitempty"`
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool {
	return s.DisconnectedAt == nil
}

// FrameStatsRow is one persisted statistics window.
type FrameStatsRow struct {
	SessionID     *uuid.UUID `json:"session_id,omitempty"`
	WindowStart   time.Time  `json:"window_start"`
	WindowEnd     time.Time  `json:"window_end"`
	Frames        int64      `json:"frames"`
	Bytes         int64      `json:"bytes"`
	Fragments     int64      `json:"fragments"`
	LateFrames    int64      `json:"late_frames"`
	FPS           float64    `json:"fps"`
	MeanReceiveMs float64    `json:"mean_receive_ms"`
	P95ReceiveMs  float64    `json:"p95_receive_ms"`
}

// StartSession records a new client connection and returns its id.
func (db *DB) StartSession(remote string, connectedAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, remote_addr, connected_at) VALUES (?, ?, ?)`,
		id.String(), remote, connectedAt.UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession closes a session with its final counters.
func (db *DB) EndSession(id uuid.UUID, disconnectedAt time.Time, frames, bytes int64, reason string) error {
	res, err := db.Exec(
		`UPDATE sessions SET disconnected_at = ?, frames = ?, bytes = ?, disconnect_reason = ?
		WHERE session_id = ?`,
		disconnectedAt.UnixNano(), frames, bytes, reason, id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrSessionNotFound)
	}
	return nil
}

// RecordFrameStats stores one statistics window.
func (db *DB) RecordFrameStats(row FrameStatsRow) error {
	var sessionID sql.NullString
	if row.SessionID != nil {
		sessionID = sql.NullString{String: row.SessionID.String(), Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO frame_stats (
			session_id, window_start, window_end, frames, bytes, fragments,
			late_frames, fps, mean_receive_ms, p95_receive_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, row.WindowStart.UnixNano(), row.WindowEnd.UnixNano(),
		row.Frames, row.Bytes, row.Fragments, row.LateFrames,
		row.FPS, row.MeanReceiveMs, row.P95ReceiveMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record frame stats: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, remote_addr, connected_at, disconnected_at, frames, bytes, disconnect_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		s              Session
		id             string
		connectedAt    int64
		disconnectedAt sql.NullInt64
		reason         sql.NullString
	)
	if err := r.Scan(&id, &s.RemoteAddr, &connectedAt, &disconnectedAt, &s.Frames, &s.Bytes, &reason); err != nil {
		return Session{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Session{}, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	s.SessionID = parsed
	s.ConnectedAt = time.Unix(0, connectedAt).UTC()
	if disconnectedAt.Valid {
		t := time.Unix(0, disconnectedAt.Int64).UTC()
		s.DisconnectedAt = &t
	}
	s.DisconnectReason = reason.String
	return s, nil
}

// Session returns one session by id.
func (db *DB) Session(id uuid.UUID) (Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, err
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY connected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// FrameStats returns the statistics windows of a session in time order.
func (db *DB) FrameStats(sessionID uuid.UUID) ([]FrameStatsRow, error) {
	rows, err := db.Query(
		`SELECT window_start, window_end, frames, bytes, fragments, late_frames,
			fps, mean_receive_ms, p95_receive_ms
		FROM frame_stats WHERE session_id = ? ORDER BY window_start`,
		sessionID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameStatsRow
	for rows.Next() {
		var (
			r          FrameStatsRow
			start, end int64
		)
		if err := rows.Scan(&start, &end, &r.Frames, &r.Bytes, &r.Fragments, &r.LateFrames,
			&r.FPS, &r.MeanReceiveMs, &r.P95ReceiveMs); err != nil {
			return nil, err
		}
		id := sessionID
		r.SessionID = &id
		r.WindowStart = time.Unix(0, start).UTC()
		r.WindowEnd = time.Unix(0, end).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
