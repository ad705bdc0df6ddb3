package airquality

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
)

// Repository persists readings. Readings are immutable once written.
type Repository interface {
	Insert(ctx context.Context, r Reading) (Reading, error)
	List(ctx context.Context, f ListFilter) ([]Reading, error)
	// RoomStats returns, per room, the latest reading and averages since since.
	RoomStats(ctx context.Context, since time.Time) ([]RoomStat, error)
	Stats(ctx context.Context, from, to time.Time) (Stats, error)
}

const defaultListLimit = 100

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const readingColumns = `id, device_pk, room, pm25, co2, temperature, humidity, timestamp`

func (p *PostgresRepository) Insert(ctx context.Context, r Reading) (Reading, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO air_quality (`+readingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.DeviceID, r.Room, r.PM25, r.CO2, r.Temperature, r.Humidity, r.Timestamp)
	if err != nil {
		return Reading{}, errors.Wrap(err, "insert reading")
	}
	return r, nil
}

func (p *PostgresRepository) List(ctx context.Context, f ListFilter) ([]Reading, error) {
	var clauses []string
	var args []any
	if f.Room != "" {
		args = append(args, f.Room)
		clauses = append(clauses, "room = $"+strconv.Itoa(len(args)))
	}
	if !f.From.IsZero() && !f.To.IsZero() {
		args = append(args, f.From, f.To)
		clauses = append(clauses, "timestamp BETWEEN $"+strconv.Itoa(len(args)-1)+" AND $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + readingColumns + ` FROM air_quality`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += " ORDER BY timestamp DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list readings")
	}
	defer rows.Close()
	var res []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (p *PostgresRepository) RoomStats(ctx context.Context, since time.Time) ([]RoomStat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (room) `+readingColumns+`
		FROM air_quality
		ORDER BY room, timestamp DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "latest readings")
	}
	byRoom := map[string]*RoomStat{}
	var order []string
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		latest := r
		byRoom[r.Room] = &RoomStat{Room: r.Room, Latest: &latest}
		order = append(order, r.Room)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "latest readings")
	}

	avgRows, err := p.db.QueryContext(ctx, `
		SELECT room, AVG(pm25)::float8, AVG(co2)::float8, AVG(temperature)::float8, AVG(humidity)::float8, COUNT(*)
		FROM air_quality
		WHERE timestamp >= $1
		GROUP BY room
	`, since)
	if err != nil {
		return nil, errors.Wrap(err, "room averages")
	}
	defer avgRows.Close()
	for avgRows.Next() {
		var room string
		var a Averages
		if err := avgRows.Scan(&room, &a.PM25, &a.CO2, &a.Temperature, &a.Humidity, &a.Count); err != nil {
			return nil, errors.Wrap(err, "scan room averages")
		}
		if st, ok := byRoom[room]; ok {
			st.Avg = a
		}
	}
	if err := avgRows.Err(); err != nil {
		return nil, errors.Wrap(err, "room averages")
	}

	res := make([]RoomStat, 0, len(order))
	for _, room := range order {
		res = append(res, *byRoom[room])
	}
	return res, nil
}

func (p *PostgresRepository) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	query := `
		SELECT COALESCE(AVG(pm25), 0)::float8, COALESCE(AVG(co2), 0)::float8,
		       COALESCE(AVG(temperature), 0)::float8, COALESCE(AVG(humidity), 0)::float8, COUNT(*),
		       COALESCE(MAX(pm25), 0), COALESCE(MAX(co2), 0), COALESCE(MAX(temperature), 0),
		       COALESCE(MIN(pm25), 0), COALESCE(MIN(co2), 0), COALESCE(MIN(temperature), 0)
		FROM air_quality`
	var args []any
	if !from.IsZero() && !to.IsZero() {
		query += ` WHERE timestamp BETWEEN $1 AND $2`
		args = append(args, from, to)
	}
	var s Stats
	err := p.db.QueryRowContext(ctx, query, args...).Scan(
		&s.Average.PM25, &s.Average.CO2, &s.Average.Temperature, &s.Average.Humidity, &s.Average.Count,
		&s.MaxPM25, &s.MaxCO2, &s.MaxTemp, &s.MinPM25, &s.MinCO2, &s.MinTemp)
	if err != nil {
		return Stats{}, errors.Wrap(err, "air quality stats")
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReading(row scanner) (Reading, error) {
	var r Reading
	if err := row.Scan(&r.ID, &r.DeviceID, &r.Room, &r.PM25, &r.CO2, &r.Temperature, &r.Humidity, &r.Timestamp); err != nil {
		return Reading{}, errors.Wrap(err, "scan reading")
	}
	return r, nil
}

// MemoryRepository keeps readings in insertion order.
type MemoryRepository struct {
	mu       sync.RWMutex
	readings []Reading
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Insert(_ context.Context, r Reading) (Reading, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.mu.Lock()
	m.readings = append(m.readings, r)
	m.mu.Unlock()
	return r, nil
}

// newestFirst returns a copy of the readings sorted by timestamp, newest first.
func (m *MemoryRepository) newestFirst() []Reading {
	m.mu.RLock()
	res := append([]Reading(nil), m.readings...)
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.After(res[j].Timestamp) })
	return res
}

func (m *MemoryRepository) List(_ context.Context, f ListFilter) ([]Reading, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var res []Reading
	for _, r := range m.newestFirst() {
		if f.Room != "" && r.Room != f.Room {
			continue
		}
		if !f.From.IsZero() && !f.To.IsZero() && (r.Timestamp.Before(f.From) || r.Timestamp.After(f.To)) {
			continue
		}
		res = append(res, r)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *MemoryRepository) RoomStats(_ context.Context, since time.Time) ([]RoomStat, error) {
	byRoom := map[string]*RoomStat{}
	var order []string
	for _, r := range m.newestFirst() {
		st, ok := byRoom[r.Room]
		if !ok {
			latest := r
			st = &RoomStat{Room: r.Room, Latest: &latest}
			byRoom[r.Room] = st
			order = append(order, r.Room)
		}
		if !r.Timestamp.Before(since) {
			st.Avg.add(r)
		}
	}
	sort.Strings(order)
	res := make([]RoomStat, 0, len(order))
	for _, room := range order {
		st := byRoom[room]
		st.Avg.finish()
		res = append(res, *st)
	}
	return res, nil
}

func (m *MemoryRepository) Stats(_ context.Context, from, to time.Time) (Stats, error) {
	var s Stats
	for _, r := range m.newestFirst() {
		if !from.IsZero() && !to.IsZero() && (r.Timestamp.Before(from) || r.Timestamp.After(to)) {
			continue
		}
		if s.Average.Count == 0 {
			s.MaxPM25, s.MinPM25 = r.PM25, r.PM25
			s.MaxCO2, s.MinCO2 = r.CO2, r.CO2
			s.MaxTemp, s.MinTemp = r.Temperature, r.Temperature
		}
		s.MaxPM25, s.MinPM25 = max(s.MaxPM25, r.PM25), min(s.MinPM25, r.PM25)
		s.MaxCO2, s.MinCO2 = max(s.MaxCO2, r.CO2), min(s.MinCO2, r.CO2)
		s.MaxTemp, s.MinTemp = max(s.MaxTemp, r.Temperature), min(s.MinTemp, r.Temperature)
		s.Average.add(r)
	}
	s.Average.finish()
	return s, nil
}

// add accumulates sums; finish turns them into means.
func (a *Averages) add(r Reading) {
	a.PM25 += r.PM25
	a.CO2 += float64(r.CO2)
	a.Temperature += r.Temperature
	a.Humidity += r.Humidity
	a.Count++
}

func (a *Averages) finish() {
	if a.Count == 0 {
		return
	}
	n := float64(a.Count)
	a.PM25 /= n
	a.CO2 /= n
	a.Temperature /= n
	a.Humidity /= n
}
