package device

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"classtrack/internal/store"
)

// ErrDuplicate is returned by Insert when the device id is taken.
var ErrDuplicate = errors.New("device id already exists")

// Repository persists devices.
type Repository interface {
	// FindByDeviceID returns nil, nil when the device does not exist.
	FindByDeviceID(ctx context.Context, deviceID string) (*Device, error)
	Insert(ctx context.Context, d Device) (Device, error)
	// EnsureExists atomically creates d unless a device with the same id
	// exists, and returns the stored row. created reports which happened.
	EnsureExists(ctx context.Context, d Device) (stored Device, created bool, err error)
	ApplyStatus(ctx context.Context, deviceID string, u StatusUpdate) (Device, error)
	Touch(ctx context.Context, deviceID string, at time.Time) error
	List(ctx context.Context, status string) ([]Device, error)
}

// PostgresRepository persists devices in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const deviceColumns = `id, device_id, name, type, location, firmware_version, status,
	battery, signal, signal_unit, uptime, last_seen, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (Device, error) {
	var d Device
	var unit *string
	err := row.Scan(&d.ID, &d.DeviceID, &d.Name, &d.Type, &d.Location, &d.FirmwareVersion, &d.Status,
		&d.Battery, &d.Signal, &unit, &d.Uptime, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Device{}, err
	}
	if unit != nil {
		u := SignalUnit(*unit)
		d.SignalUnit = &u
	}
	return d, nil
}

// FindByDeviceID returns a device by its external identifier.
func (r *PostgresRepository) FindByDeviceID(ctx context.Context, deviceID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find device")
	}
	return &d, nil
}

// Insert writes a new device and fails with ErrDuplicate on an id collision.
func (r *PostgresRepository) Insert(ctx context.Context, d Device) (Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, device_id, name, type, location, firmware_version, status, battery, signal, signal_unit, uptime, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+deviceColumns,
		d.ID, d.DeviceID, d.Name, string(d.Type), d.Location, d.FirmwareVersion, d.Status,
		d.Battery, d.Signal, unitArg(d.SignalUnit), d.Uptime, d.LastSeen)
	stored, err := scanDevice(row)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Device{}, ErrDuplicate
		}
		return Device{}, errors.Wrap(err, "insert device")
	}
	return stored, nil
}

// EnsureExists relies on the unique device_id constraint so concurrent
// callers for the same unknown id create exactly one row.
func (r *PostgresRepository) EnsureExists(ctx context.Context, d Device) (Device, bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, device_id, name, type, location, firmware_version, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (device_id) DO NOTHING
	`, d.ID, d.DeviceID, d.Name, string(d.Type), d.Location, d.FirmwareVersion, d.Status)
	if err != nil {
		return Device{}, false, errors.Wrap(err, "ensure device")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Device{}, false, errors.Wrap(err, "ensure device")
	}
	stored, err := r.FindByDeviceID(ctx, d.DeviceID)
	if err != nil {
		return Device{}, false, err
	}
	if stored == nil {
		return Device{}, false, errors.Errorf("device %s vanished after upsert", d.DeviceID)
	}
	return *stored, n == 1, nil
}

// ApplyStatus updates telemetry fields; concurrent writers resolve as
// last-writer-wins per column.
func (r *PostgresRepository) ApplyStatus(ctx context.Context, deviceID string, u StatusUpdate) (Device, error) {
	var unit *string
	if u.Signal != nil {
		unit = unitArg(&u.SignalUnit)
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE devices SET
			battery = COALESCE($2, battery),
			signal = COALESCE($3, signal),
			signal_unit = COALESCE($4, signal_unit),
			uptime = COALESCE($5, uptime),
			status = $6,
			last_seen = $7,
			updated_at = NOW()
		WHERE device_id = $1
		RETURNING `+deviceColumns,
		deviceID, u.Battery, u.Signal, unit, u.Uptime, u.Status, u.At)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, sql.ErrNoRows
		}
		return Device{}, errors.Wrap(err, "apply device status")
	}
	return d, nil
}

// Touch refreshes last_seen.
func (r *PostgresRepository) Touch(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen = $2 WHERE device_id = $1`, deviceID, at)
	return errors.Wrap(err, "touch device")
}

// List returns devices ordered by name, optionally filtered by status.
func (r *PostgresRepository) List(ctx context.Context, status string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	defer rows.Close()
	var res []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func unitArg(u *SignalUnit) *string {
	if u == nil || *u == "" {
		return nil
	}
	s := string(*u)
	return &s
}
