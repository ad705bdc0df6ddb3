package alert

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Sink is the append-only alert store.
type Sink interface {
	// CreateMany writes all alerts as one batch. Alerts must carry an ID.
	CreateMany(ctx context.Context, alerts []Alert) error
	List(ctx context.Context, f Filter) ([]Alert, error)
}

const defaultListLimit = 100

// PostgresSink writes alerts to Postgres.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// CreateMany inserts every alert with a single multi-row statement.
func (s *PostgresSink) CreateMany(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	const cols = 9
	var sb strings.Builder
	sb.WriteString(`INSERT INTO alerts (id, type, severity, message, room, metric, value, threshold, created_at) VALUES `)
	args := make([]any, 0, len(alerts)*cols)
	for i, a := range alerts {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("$" + strconv.Itoa(i*cols+j+1))
		}
		sb.WriteString(")")
		args = append(args, a.ID, string(a.Type), string(a.Severity), a.Message,
			nullable(a.Room), nullable(a.Metric), nullable(a.Value), nullable(a.Threshold), a.CreatedAt)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Wrap(err, "insert alerts")
	}
	return nil
}

func (s *PostgresSink) List(ctx context.Context, f Filter) ([]Alert, error) {
	query := `SELECT id, type, severity, message, room, metric, value, threshold, resolved, created_at FROM alerts`
	var args []any
	if f.Resolved != nil {
		query += ` WHERE resolved = $1`
		args = append(args, *f.Resolved)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list alerts")
	}
	defer rows.Close()
	var res []Alert
	for rows.Next() {
		var a Alert
		var room, metric, value, threshold sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Message, &room, &metric, &value, &threshold, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan alert")
		}
		a.Room, a.Metric, a.Value, a.Threshold = room.String, metric.String, value.String, threshold.String
		res = append(res, a)
	}
	return res, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MemorySink keeps alerts in memory for dev/testing.
type MemorySink struct {
	mu     sync.Mutex
	alerts []Alert
	// batches records the size of every CreateMany call.
	batches []int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) CreateMany(_ context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alerts...)
	m.batches = append(m.batches, len(alerts))
	return nil
}

func (m *MemorySink) List(_ context.Context, f Filter) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Alert
	for _, a := range m.alerts {
		if f.Resolved == nil || a.Resolved == *f.Resolved {
			res = append(res, a)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// Batches returns the sizes of the batches written so far.
func (m *MemorySink) Batches() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batches...)
}
