package store

import (
	"fmt"
	"time"

	"github.com/agentwire/agentwire/internal/bus"
)

type Snapshot struct {
	ID             int64     `json:"id"`
	TotalMessages  int64     `json:"total_messages"`
	ActiveSessions int       `json:"active_sessions"`
	AgentCount     int       `json:"agent_count"`
	AvgResponseMS  int64     `json:"avg_response_ms"`
	ErrorRate      float64   `json:"error_rate"`
	Throughput     float64   `json:"throughput"`
	TakenAt        time.Time `json:"taken_at"`
}

// RecordSnapshot persists one point-in-time metrics reading.
func (s *Store) RecordSnapshot(m bus.Metrics) error {
	_, err := s.db.Exec(`
		INSERT INTO metrics_snapshots (total_messages, active_sessions, agent_count, avg_response_ms, error_rate, throughput)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.TotalMessages, m.ActiveSessions, m.AgentCount,
		m.AvgResponseTime.Milliseconds(), m.ErrorRate, m.Throughput)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns the newest snapshots in chronological order.
func (s *Store) RecentSnapshots(limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, total_messages, active_sessions, agent_count, avg_response_ms, error_rate, throughput, taken_at
		FROM metrics_snapshots
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.TotalMessages, &sn.ActiveSessions, &sn.AgentCount, &sn.AvgResponseMS, &sn.ErrorRate, &sn.Throughput, &sn.TakenAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, sn)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, rows.Err()
}
