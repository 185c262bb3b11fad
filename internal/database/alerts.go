package database

import (
	"database/sql"
	"errors"
	"fmt"

	"crypto-alert-bot/internal/types"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// ErrAlertNotFound is returned when an alert id does not exist (anymore).
var ErrAlertNotFound = errors.New("alert not found")

// AlertStore is the only mutator of persisted alert state. Owner-driven fields
// (target, muted) are last-writer-wins; state/epoch only ever advance through
// AdvanceState's epoch guard.
type AlertStore struct {
	db *sql.DB
}

func NewAlertStore() *AlertStore {
	return &AlertStore{db: DB}
}

const alertColumns = `id, owner, exchange, symbol, direction, target, mode, muted, state, epoch, created_at`

// Create persists a fresh alert. The caller assigns the id; ids are never
// reused.
func (s *AlertStore) Create(a types.Alert) error {
	query := `
	INSERT INTO alerts (id, owner, exchange, symbol, direction, target, mode, muted, state, epoch)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	_, err := s.db.Exec(query, a.ID, a.Owner, a.Exchange, a.Symbol,
		string(a.Direction), a.Target.String(), string(a.Mode), boolToInt(a.Muted), string(a.State), a.Epoch)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *AlertStore) Get(id string) (types.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?;`
	a, err := scanAlert(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Alert{}, ErrAlertNotFound
	} else if err != nil {
		return types.Alert{}, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return a, nil
}

// List fetches all alerts belonging to one owner.
func (s *AlertStore) List(owner int64) ([]types.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE owner = ? ORDER BY created_at;`
	rows, err := s.db.Query(query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts for owner %d: %w", owner, err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// ListAll fetches every alert; it seeds the scheduler's view on startup.
func (s *AlertStore) ListAll() ([]types.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts;`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()
	return collectAlerts(rows)
}

// UpdateTarget rewrites the target price of an alert.
func (s *AlertStore) UpdateTarget(id string, target decimal.Decimal) error {
	res, err := s.db.Exec(`UPDATE alerts SET target = ? WHERE id = ?;`, target.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update target for alert %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *AlertStore) SetMuted(id string, muted bool) error {
	res, err := s.db.Exec(`UPDATE alerts SET muted = ? WHERE id = ?;`, boolToInt(muted), id)
	if err != nil {
		return fmt.Errorf("failed to set muted for alert %s: %w", id, err)
	}
	return requireRow(res)
}

// AdvanceState moves an alert's state machine forward by exactly one step. The
// write only applies if the caller saw the current epoch; a stale snapshot (the
// alert was advanced, edited, or deleted since) leaves the row untouched and
// returns applied=false. Returns the new epoch when applied.
func (s *AlertStore) AdvanceState(id string, prevEpoch int64, next types.State) (int64, bool, error) {
	query := `UPDATE alerts SET state = ?, epoch = epoch + 1 WHERE id = ? AND epoch = ?;`
	res, err := s.db.Exec(query, string(next), id, prevEpoch)
	if err != nil {
		return 0, false, fmt.Errorf("failed to advance state for alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return prevEpoch + 1, true, nil
}

func (s *AlertStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (types.Alert, error) {
	var a types.Alert
	var direction, target, mode, state string
	var muted int
	if err := row.Scan(&a.ID, &a.Owner, &a.Exchange, &a.Symbol, &direction,
		&target, &mode, &muted, &state, &a.Epoch, &a.CreatedAt); err != nil {
		return types.Alert{}, err
	}

	t, err := decimal.NewFromString(target)
	if err != nil {
		return types.Alert{}, fmt.Errorf("failed to parse target %q: %w", target, err)
	}

	a.Direction = types.Direction(direction)
	a.Target = t
	a.Mode = types.Mode(mode)
	a.Muted = muted != 0
	a.State = types.State(state)
	return a, nil
}

func collectAlerts(rows *sql.Rows) ([]types.Alert, error) {
	var alerts []types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
