package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentwire/agentwire/internal/session"
)

type SessionRecord struct {
	ID           string          `json:"id"`
	Orchestrator string          `json:"orchestrator"`
	State        string          `json:"state"`
	Participants json.RawMessage `json:"participants"`
	EndReason    string          `json:"end_reason,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// RecordSession upserts the session's audit record. Satisfies the session
// manager's Recorder interface; called on create and on end.
func (s *Store) RecordSession(sess *session.Session) error {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, orchestrator, state, participants, end_reason, summary, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			participants = excluded.participants,
			end_reason = excluded.end_reason,
			summary = excluded.summary,
			ended_at = excluded.ended_at`,
		sess.ID, sess.Orchestrator.AgentID, string(sess.State), participants,
		sess.EndReason, sess.Summary, sess.CreatedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionRecord(id string) (*SessionRecord, error) {
	r := &SessionRecord{}
	var endReason, summary sql.NullString
	var endedAt sql.NullTime
	var participants string
	err := s.db.QueryRow(`
		SELECT id, orchestrator, state, participants, end_reason, summary, created_at, ended_at
		FROM sessions WHERE id = ?`, id).
		Scan(&r.ID, &r.Orchestrator, &r.State, &participants, &endReason, &summary, &r.CreatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	r.Participants = json.RawMessage(participants)
	r.EndReason = endReason.String
	r.Summary = summary.String
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	return r, nil
}

func (s *Store) ListSessionRecords(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, orchestrator, state, participants, end_reason, summary, created_at, ended_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var endReason, summary sql.NullString
		var endedAt sql.NullTime
		var participants string
		if err := rows.Scan(&r.ID, &r.Orchestrator, &r.State, &participants, &endReason, &summary, &r.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		r.Participants = json.RawMessage(participants)
		r.EndReason = endReason.String
		r.Summary = summary.String
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
