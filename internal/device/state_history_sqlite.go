package device

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// SQLiteStateHistory implements StateHistoryRepository using SQLite.
type SQLiteStateHistory struct {
	db      *sql.DB
	maxRows int // per-device row cap enforced on insert
}

// NewSQLiteStateHistory creates a SQLite-backed state history keeping at
// most maxRows rows per device. A non-positive cap disables pruning.
func NewSQLiteStateHistory(db *sql.DB, maxRows int) *SQLiteStateHistory {
	return &SQLiteStateHistory{db: db, maxRows: maxRows}
}

// Record appends one entry and prunes the device's oldest rows beyond
// the cap. Insert and prune run in one transaction so a crash cannot
// leave the device over its cap plus one.
func (h *SQLiteStateHistory) Record(ctx context.Context, entry HistoryEntry) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	insert := `
		INSERT INTO device_state_history
			(address, mode, desired_temp, measured_temp, battery_low, contact_open, rssi, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insert,
		entry.Addr.String(),
		nullMode(entry.Mode),
		nullFloat(entry.DesiredTemp),
		nullFloat(entry.MeasuredTemp),
		nullBool(entry.BatteryLow),
		nullBool(entry.ContactOpen),
		nullFloat(entry.RSSI),
		formatTimestamp(entry.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting history for %s: %w", entry.Addr, err)
	}

	if h.maxRows > 0 {
		// Row ids are monotonic, so "newest maxRows rows" is an id-ordered
		// window.
		prune := `
			DELETE FROM device_state_history
			WHERE address = ?
			  AND id NOT IN (
				SELECT id FROM device_state_history
				WHERE address = ?
				ORDER BY id DESC
				LIMIT ?
			  )`
		if _, err := tx.ExecContext(ctx, prune, entry.Addr.String(), entry.Addr.String(), h.maxRows); err != nil {
			return fmt.Errorf("pruning history for %s: %w", entry.Addr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history for %s: %w", entry.Addr, err)
	}
	return nil
}

// List returns entries for one device, newest first.
func (h *SQLiteStateHistory) List(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `
		SELECT id, address, mode, desired_temp, measured_temp, battery_low, contact_open, rssi, recorded_at
		FROM device_state_history
		WHERE address = ?`
	args := []any{q.Addr.String()}

	if !q.Since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, formatTimestamp(q.Since))
	}
	query += ` ORDER BY recorded_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", q.Addr, err)
	}
	defer rows.Close() //nolint:errcheck // Best-effort close on read path

	var entries []HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return entries, nil
}

// scanHistoryRow scans one history row in List column order.
func scanHistoryRow(row rowScanner) (HistoryEntry, error) {
	var (
		entry       HistoryEntry
		addrStr     string
		mode        sql.NullString
		desired     sql.NullFloat64
		measured    sql.NullFloat64
		batteryLow  sql.NullInt64
		contactOpen sql.NullInt64
		rssi        sql.NullFloat64
		recordedAt  string
	)

	err := row.Scan(&entry.ID, &addrStr, &mode, &desired, &measured, &batteryLow, &contactOpen, &rssi, &recordedAt)
	if err != nil {
		return HistoryEntry{}, err
	}

	addr, err := moritz.ParseAddr(addrStr)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("stored address %q: %w", addrStr, err)
	}
	entry.Addr = addr

	if mode.Valid {
		m, err := moritz.ParseMode(mode.String)
		if err != nil {
			return HistoryEntry{}, fmt.Errorf("stored mode %q: %w", mode.String, err)
		}
		entry.Mode = &m
	}
	if desired.Valid {
		v := desired.Float64
		entry.DesiredTemp = &v
	}
	if measured.Valid {
		v := measured.Float64
		entry.MeasuredTemp = &v
	}
	if batteryLow.Valid {
		v := batteryLow.Int64 != 0
		entry.BatteryLow = &v
	}
	if contactOpen.Valid {
		v := contactOpen.Int64 != 0
		entry.ContactOpen = &v
	}
	if rssi.Valid {
		v := rssi.Float64
		entry.RSSI = &v
	}
	if entry.RecordedAt, err = parseTimestamp(recordedAt); err != nil {
		return HistoryEntry{}, fmt.Errorf("stored recorded_at: %w", err)
	}

	return entry, nil
}
