package database

import (
	"database/sql"
	"fmt"

	"crypto-alert-bot/internal/types"
)

// DeadLetter is a fire event whose delivery was given up on, kept queryable
// for manual inspection.
type DeadLetter struct {
	ID        int64
	AlertID   string
	Owner     int64
	Exchange  string
	Symbol    string
	Direction string
	Target    string
	Price     string
	Epoch     int64
	Reason    string
	CreatedAt string
}

type DeadLetterStore struct {
	db *sql.DB
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{db: DB}
}

func (s *DeadLetterStore) Insert(ev types.FireEvent, reason string) error {
	query := `
	INSERT INTO dead_letters (alert_id, owner, exchange, symbol, direction, target, price, epoch, reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err := s.db.Exec(query, ev.AlertID, ev.Owner, ev.Exchange, ev.Symbol,
		string(ev.Direction), ev.Target.String(), ev.Price.String(), ev.Epoch, reason)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) List(limit int) ([]DeadLetter, error) {
	query := `
	SELECT id, alert_id, owner, exchange, symbol, direction, target, price, epoch, reason, created_at
	FROM dead_letters ORDER BY id DESC LIMIT ?;`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.AlertID, &d.Owner, &d.Exchange, &d.Symbol,
			&d.Direction, &d.Target, &d.Price, &d.Epoch, &d.Reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}
