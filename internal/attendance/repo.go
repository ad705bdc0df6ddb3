package attendance

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"classtrack/internal/device"
	"classtrack/internal/student"
)

// ListFilter selects records for the dashboard. From/To bound the check-in
// time as [From, To).
type ListFilter struct {
	From      time.Time
	To        time.Time
	Class     string
	StudentPK string
	Limit     int
}

// Stats counts records by status.
type Stats struct {
	Total       int    `json:"total"`
	Present     int    `json:"present"`
	Absent      int    `json:"absent"`
	Late        int    `json:"late"`
	PresentRate string `json:"presentRate"`
}

// Repository persists attendance records.
type Repository interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	// LatestForStudent returns the newest record checked in at or after
	// since, or nil.
	LatestForStudent(ctx context.Context, studentPK string, since time.Time) (*Record, error)
	List(ctx context.Context, f ListFilter) ([]Record, error)
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
}

// PostgresRepository persists attendance data in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert writes a new record.
func (r *PostgresRepository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (id, student_pk, device_pk, check_in_time, status, fingerprint_match, reliability)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.DeviceID, rec.CheckInTime, string(rec.Status), rec.FingerprintMatch, rec.Reliability)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, errors.Wrap(err, "insert attendance")
	}
	return rec, nil
}

const recordColumns = `a.id, a.student_pk, a.device_pk, a.check_in_time, a.status, a.fingerprint_match, a.reliability, a.created_at`

// LatestForStudent returns a recent record within the provided window.
func (r *PostgresRepository) LatestForStudent(ctx context.Context, studentPK string, since time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance a
		WHERE a.student_pk = $1 AND a.check_in_time >= $2
		ORDER BY a.check_in_time DESC
		LIMIT 1
	`, studentPK, since)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.DeviceID, &rec.CheckInTime, &rec.Status, &rec.FingerprintMatch, &rec.Reliability, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "latest attendance")
	}
	return &rec, nil
}

// List returns records joined with their student and device, newest first.
func (r *PostgresRepository) List(ctx context.Context, f ListFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + `,
			s.id, s.student_id, s.name, s.class, s.created_at,
			d.id, d.device_id, d.name, d.type, d.location, d.status
		FROM attendance a
		JOIN students s ON s.id = a.student_pk
		JOIN devices d ON d.id = a.device_pk`
	var clauses []string
	var args []any
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, "a.check_in_time >= $"+strconv.Itoa(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, "a.check_in_time < $"+strconv.Itoa(len(args)))
	}
	if f.Class != "" {
		args = append(args, f.Class)
		clauses = append(clauses, "s.class = $"+strconv.Itoa(len(args)))
	}
	if f.StudentPK != "" {
		args = append(args, f.StudentPK)
		clauses = append(clauses, "a.student_pk = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY a.check_in_time DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list attendance")
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var st student.Student
		var dev device.Device
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.DeviceID, &rec.CheckInTime, &rec.Status, &rec.FingerprintMatch, &rec.Reliability, &rec.CreatedAt,
			&st.ID, &st.StudentID, &st.Name, &st.Class, &st.CreatedAt,
			&dev.ID, &dev.DeviceID, &dev.Name, &dev.Type, &dev.Location, &dev.Status); err != nil {
			return nil, errors.Wrap(err, "scan attendance")
		}
		rec.Student, rec.Device = &st, &dev
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Stats counts records per status in one pass.
func (r *PostgresRepository) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'PRESENT'),
		       COUNT(*) FILTER (WHERE status = 'ABSENT'),
		       COUNT(*) FILTER (WHERE status = 'LATE')
		FROM attendance`
	var args []any
	if !from.IsZero() && !to.IsZero() {
		query += ` WHERE check_in_time BETWEEN $1 AND $2`
		args = append(args, from, to)
	}
	var s Stats
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&s.Total, &s.Present, &s.Absent, &s.Late); err != nil {
		return Stats{}, errors.Wrap(err, "attendance stats")
	}
	return s, nil
}

// MemoryRepository keeps records in memory for dev/testing. Student and
// device snapshots passed to Insert are kept for List.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Insert(_ context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return rec, nil
}

func (m *MemoryRepository) LatestForStudent(_ context.Context, studentPK string, since time.Time) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Record
	for i := range m.records {
		rec := m.records[i]
		if rec.StudentID != studentPK || rec.CheckInTime.Before(since) {
			continue
		}
		if latest == nil || rec.CheckInTime.After(latest.CheckInTime) {
			latest = &rec
		}
	}
	if latest != nil {
		latest.Student, latest.Device = nil, nil
	}
	return latest, nil
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]Record, error) {
	m.mu.RLock()
	var res []Record
	for _, rec := range m.records {
		if !f.From.IsZero() && rec.CheckInTime.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !rec.CheckInTime.Before(f.To) {
			continue
		}
		if f.Class != "" && (rec.Student == nil || rec.Student.Class != f.Class) {
			continue
		}
		if f.StudentPK != "" && rec.StudentID != f.StudentPK {
			continue
		}
		res = append(res, rec)
	}
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool { return res[i].CheckInTime.After(res[j].CheckInTime) })
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (m *MemoryRepository) Stats(_ context.Context, from, to time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, rec := range m.records {
		if !from.IsZero() && !to.IsZero() && (rec.CheckInTime.Before(from) || rec.CheckInTime.After(to)) {
			continue
		}
		s.Total++
		switch rec.Status {
		case StatusPresent:
			s.Present++
		case StatusAbsent:
			s.Absent++
		case StatusLate:
			s.Late++
		}
	}
	return s, nil
}

// Len returns the number of stored records.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
