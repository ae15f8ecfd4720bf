package store

import (
	"fmt"
	"time"

	"github.com/agentwire/agentwire/internal/protocol"
)

type Delivery struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"message_type"`
	Priority  string    `json:"priority,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordDelivery appends one delivery attempt to the audit log. Satisfies
// the bus's History interface.
func (s *Store) RecordDelivery(msg *protocol.AgentMessage, recipient, status string) error {
	_, err := s.db.Exec(`
		INSERT INTO deliveries (message_id, sender, recipient, message_type, priority, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Sender.AgentID, recipient, string(msg.Type), string(msg.Priority), status)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecentDeliveries returns the newest entries in chronological order.
func (s *Store) RecentDeliveries(limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, message_id, sender, recipient, message_type, priority, status, created_at
		FROM deliveries
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Sender, &d.Recipient, &d.Type, &d.Priority, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}

	// Reverse to get chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, rows.Err()
}

// AgentDeliveries returns the delivery log for one recipient.
func (s *Store) AgentDeliveries(agentID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, message_id, sender, recipient, message_type, priority, status, created_at
		FROM deliveries
		WHERE recipient = ?
		ORDER BY id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("agent deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Sender, &d.Recipient, &d.Type, &d.Priority, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, rows.Err()
}
