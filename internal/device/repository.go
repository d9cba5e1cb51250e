package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/maxcul-core/internal/moritz"
)

// timeLayout is the timestamp format stored in the database. It matches
// the strftime defaults in the schema, so rows written by SQLite and
// rows written by Go compare and sort identically.
const timeLayout = "2006-01-02T15:04:05Z"

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByAddr retrieves a device by its radio address.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByAddr(ctx context.Context, addr moritz.Addr) (*Device, error)

	// List retrieves all devices ordered by address.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the address is already present.
	Create(ctx context.Context, device *Device) error

	// Update rewrites a device's identity and state columns.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// UpdateState rewrites only the state columns and last-seen.
	// This is the hot path; every decoded frame for a known device
	// lands here. Returns ErrDeviceNotFound if the device does not exist.
	UpdateState(ctx context.Context, device *Device) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// deviceColumns is the canonical column list shared by every SELECT, in
// scanDeviceRow order.
const deviceColumns = `address, name, device_type, serial, firmware, pair_state, room_id,
	mode, desired_temp, measured_temp, battery_low, rf_error, panel_locked,
	contact_open, button_pressed, rssi, last_seen, created_at, updated_at`

// GetByAddr retrieves a device by its radio address.
func (r *SQLiteRepository) GetByAddr(ctx context.Context, addr moritz.Addr) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE address = ?`

	device, err := scanDeviceRow(r.db.QueryRowContext(ctx, query, addr.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device %s: %w", addr, err)
	}
	return device, nil
}

// List retrieves all devices ordered by address.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY address`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Best-effort close on read path

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrNilDevice
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		device.Addr.String(),
		device.Name,
		int(device.Type),
		device.Serial,
		int(device.Firmware),
		string(device.PairState),
		int(device.RoomID),
		nullMode(device.State.Mode),
		nullFloat(device.State.DesiredTemp),
		nullFloat(device.State.MeasuredTemp),
		nullBool(device.State.BatteryLow),
		nullBool(device.State.RFError),
		nullBool(device.State.PanelLocked),
		nullBool(device.State.ContactOpen),
		nullBool(device.State.ButtonPressed),
		nullFloat(device.State.RSSI),
		nullTime(device.LastSeen),
		formatTimestamp(device.CreatedAt),
		formatTimestamp(device.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device %s: %w", device.Addr, err)
	}
	return nil
}

// Update rewrites a device's identity and state columns.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrNilDevice
	}

	query := `
		UPDATE devices SET
			name = ?, device_type = ?, serial = ?, firmware = ?, pair_state = ?,
			room_id = ?, mode = ?, desired_temp = ?, measured_temp = ?,
			battery_low = ?, rf_error = ?, panel_locked = ?, contact_open = ?,
			button_pressed = ?, rssi = ?, last_seen = ?, updated_at = ?
		WHERE address = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		int(device.Type),
		device.Serial,
		int(device.Firmware),
		string(device.PairState),
		int(device.RoomID),
		nullMode(device.State.Mode),
		nullFloat(device.State.DesiredTemp),
		nullFloat(device.State.MeasuredTemp),
		nullBool(device.State.BatteryLow),
		nullBool(device.State.RFError),
		nullBool(device.State.PanelLocked),
		nullBool(device.State.ContactOpen),
		nullBool(device.State.ButtonPressed),
		nullFloat(device.State.RSSI),
		nullTime(device.LastSeen),
		formatTimestamp(device.UpdatedAt),
		device.Addr.String(),
	)
	if err != nil {
		return fmt.Errorf("updating device %s: %w", device.Addr, err)
	}
	return requireRow(result, device.Addr)
}

// UpdateState rewrites only the state columns and last-seen.
func (r *SQLiteRepository) UpdateState(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrNilDevice
	}

	query := `
		UPDATE devices SET
			mode = ?, desired_temp = ?, measured_temp = ?, battery_low = ?,
			rf_error = ?, panel_locked = ?, contact_open = ?, button_pressed = ?,
			rssi = ?, last_seen = ?, updated_at = ?
		WHERE address = ?`

	result, err := r.db.ExecContext(ctx, query,
		nullMode(device.State.Mode),
		nullFloat(device.State.DesiredTemp),
		nullFloat(device.State.MeasuredTemp),
		nullBool(device.State.BatteryLow),
		nullBool(device.State.RFError),
		nullBool(device.State.PanelLocked),
		nullBool(device.State.ContactOpen),
		nullBool(device.State.ButtonPressed),
		nullFloat(device.State.RSSI),
		nullTime(device.LastSeen),
		formatTimestamp(device.UpdatedAt),
		device.Addr.String(),
	)
	if err != nil {
		return fmt.Errorf("updating state for %s: %w", device.Addr, err)
	}
	return requireRow(result, device.Addr)
}

// requireRow converts a zero-row UPDATE into ErrDeviceNotFound.
func requireRow(result sql.Result, addr moritz.Addr) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for %s: %w", addr, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning code.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans one row in deviceColumns order into a Device.
func scanDeviceRow(row rowScanner) (*Device, error) {
	var (
		addrStr       string
		name          string
		devType       int64
		serial        string
		firmware      int64
		pairState     string
		roomID        int64
		mode          sql.NullString
		desiredTemp   sql.NullFloat64
		measuredTemp  sql.NullFloat64
		batteryLow    sql.NullInt64
		rfError       sql.NullInt64
		panelLocked   sql.NullInt64
		contactOpen   sql.NullInt64
		buttonPressed sql.NullInt64
		rssi          sql.NullFloat64
		lastSeen      sql.NullString
		createdAt     string
		updatedAt     string
	)

	err := row.Scan(
		&addrStr, &name, &devType, &serial, &firmware, &pairState, &roomID,
		&mode, &desiredTemp, &measuredTemp, &batteryLow, &rfError, &panelLocked,
		&contactOpen, &buttonPressed, &rssi, &lastSeen, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	addr, err := moritz.ParseAddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("stored address %q: %w", addrStr, err)
	}

	device := &Device{
		Addr:      addr,
		Name:      name,
		Type:      moritz.DeviceType(devType),
		Serial:    serial,
		Firmware:  uint8(firmware),
		PairState: PairState(pairState),
		RoomID:    uint8(roomID),
	}

	if mode.Valid {
		m, err := moritz.ParseMode(mode.String)
		if err != nil {
			return nil, fmt.Errorf("stored mode %q: %w", mode.String, err)
		}
		device.State.Mode = &m
	}
	if desiredTemp.Valid {
		v := desiredTemp.Float64
		device.State.DesiredTemp = &v
	}
	if measuredTemp.Valid {
		v := measuredTemp.Float64
		device.State.MeasuredTemp = &v
	}
	if batteryLow.Valid {
		v := batteryLow.Int64 != 0
		device.State.BatteryLow = &v
	}
	if rfError.Valid {
		v := rfError.Int64 != 0
		device.State.RFError = &v
	}
	if panelLocked.Valid {
		v := panelLocked.Int64 != 0
		device.State.PanelLocked = &v
	}
	if contactOpen.Valid {
		v := contactOpen.Int64 != 0
		device.State.ContactOpen = &v
	}
	if buttonPressed.Valid {
		v := buttonPressed.Int64 != 0
		device.State.ButtonPressed = &v
	}
	if rssi.Valid {
		v := rssi.Float64
		device.State.RSSI = &v
	}
	if lastSeen.Valid {
		t, err := parseTimestamp(lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("stored last_seen: %w", err)
		}
		device.LastSeen = &t
	}
	if device.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("stored created_at: %w", err)
	}
	if device.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("stored updated_at: %w", err)
	}

	return device, nil
}

// formatTimestamp renders a timestamp in the stored layout.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTimestamp reads a stored timestamp, tolerating full RFC3339 for
// rows written by other tools.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// nullMode returns the stored form of an optional mode.
func nullMode(m *moritz.Mode) any {
	if m == nil {
		return nil
	}
	return m.String()
}

// nullFloat returns the stored form of an optional float.
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// nullBool returns the stored form of an optional bool (INTEGER 0/1).
func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// nullTime returns the stored form of an optional timestamp.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
