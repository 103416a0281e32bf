// Package recorder persists tracking snapshots to SQLite. Each recording is
// a session row keyed by UUID with one pose row per tool per frame, which
// keeps replays and exports a plain SQL query away.
package recorder

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/capitrack/internal/monitoring"
	"github.com/banshee-data/capitrack/internal/tracker"
)

// Store is an open recording database. It implements tracker.Sink; Begin
// starts a new session and End closes it out.
type Store struct {
	*sql.DB

	mu      sync.Mutex
	session string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			ended_at TIMESTAMP,
			tool_count INTEGER
		);
		CREATE TABLE IF NOT EXISTS poses (
			session_id TEXT,
			frame BIGINT,
			handle INTEGER,
			missing INTEGER,
			q0 DOUBLE, qx DOUBLE, qy DOUBLE, qz DOUBLE,
			tx DOUBLE, ty DOUBLE, tz DOUBLE,
			fit_error DOUBLE,
			port_status BIGINT,
			timestamp TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS strays (
			session_id TEXT,
			frame BIGINT,
			x DOUBLE, y DOUBLE, z DOUBLE,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE INDEX IF NOT EXISTS poses_session_frame ON poses(session_id, frame);
	`)
	if err != nil {
		return nil, err
	}

	return &Store{DB: db}, nil
}

// Begin starts a new recording session.
func (s *Store) Begin(tools []tracker.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != "" {
		return fmt.Errorf("recording session %s already open", s.session)
	}
	id := uuid.New().String()
	if _, err := s.Exec("INSERT INTO sessions (session_id, tool_count) VALUES (?, ?)", id, len(tools)); err != nil {
		return err
	}
	s.session = id
	monitoring.Log().Info().Str("session", id).Int("tools", len(tools)).Msg("recording started")
	return nil
}

// Record writes one snapshot. All rows for the frame go in one transaction
// so a partially written frame never survives a crash.
func (s *Store) Record(snap tracker.Snapshot) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == "" {
		return fmt.Errorf("no recording session open")
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, tool := range snap.Tools {
		missing := 0
		if tool.Pose.Missing {
			missing = 1
		}
		_, err := tx.Exec(`INSERT INTO poses
			(session_id, frame, handle, missing, q0, qx, qy, qz, tx, ty, tz, fit_error, port_status, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session, snap.Frame, tool.Handle, missing,
			tool.Pose.Q0, tool.Pose.Qx, tool.Pose.Qy, tool.Pose.Qz,
			tool.Pose.Tx, tool.Pose.Ty, tool.Pose.Tz,
			tool.Pose.Err, tool.Status, snap.Time)
		if err != nil {
			return err
		}
	}
	for _, m := range snap.Strays {
		if _, err := tx.Exec("INSERT INTO strays (session_id, frame, x, y, z) VALUES (?, ?, ?, ?, ?)",
			session, snap.Frame, m.X, m.Y, m.Z); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// End closes the open recording session.
func (s *Store) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == "" {
		return nil
	}
	_, err := s.Exec("UPDATE sessions SET ended_at = CURRENT_TIMESTAMP WHERE session_id = ?", s.session)
	monitoring.Log().Info().Str("session", s.session).Msg("recording stopped")
	s.session = ""
	return err
}

// PoseRow is one recorded tool pose.
type PoseRow struct {
	Frame          uint32
	Handle         int
	Missing        bool
	Q0, Qx, Qy, Qz float64
	Tx, Ty, Tz     float64
	FitError       float64
}

// Poses returns the recorded poses for a session in frame order.
func (s *Store) Poses(sessionID string) ([]PoseRow, error) {
	rows, err := s.Query(`SELECT frame, handle, missing, q0, qx, qy, qz, tx, ty, tz, fit_error
		FROM poses WHERE session_id = ? ORDER BY frame, handle`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoseRow
	for rows.Next() {
		var r PoseRow
		var missing int
		if err := rows.Scan(&r.Frame, &r.Handle, &missing,
			&r.Q0, &r.Qx, &r.Qy, &r.Qz, &r.Tx, &r.Ty, &r.Tz, &r.FitError); err != nil {
			return nil, err
		}
		r.Missing = missing != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Sessions returns all recorded session IDs, newest first.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.Query("SELECT session_id FROM sessions ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionID returns the currently open session ID, empty when idle.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}
