package student

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"classtrack/internal/apperr"
	"classtrack/internal/store"
)

// Student is a pupil that can check in with a fingerprint scanner.
type Student struct {
	ID              string    `json:"id"`
	StudentID       string    `json:"studentId"`
	Name            string    `json:"name"`
	Class           string    `json:"class"`
	FingerprintData *string   `json:"fingerprintData,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ErrDuplicate is returned by Insert when the student id is taken.
var ErrDuplicate = errors.New("student id already exists")

// Repository persists students.
type Repository interface {
	// FindByStudentID returns nil, nil when the student does not exist.
	FindByStudentID(ctx context.Context, studentID string) (*Student, error)
	Insert(ctx context.Context, s Student) (Student, error)
	List(ctx context.Context, class string) ([]Student, error)
}

// PostgresRepository stores students in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindByStudentID(ctx context.Context, studentID string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, name, class, fingerprint_data, created_at
		FROM students WHERE student_id = $1
	`, studentID)
	var s Student
	if err := row.Scan(&s.ID, &s.StudentID, &s.Name, &s.Class, &s.FingerprintData, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find student")
	}
	return &s, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, s Student) (Student, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (id, student_id, name, class, fingerprint_data)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, s.ID, s.StudentID, s.Name, s.Class, s.FingerprintData)
	if err := row.Scan(&s.CreatedAt); err != nil {
		if store.IsUniqueViolation(err) {
			return Student{}, ErrDuplicate
		}
		return Student{}, errors.Wrap(err, "insert student")
	}
	return s, nil
}

func (r *PostgresRepository) List(ctx context.Context, class string) ([]Student, error) {
	query := `SELECT id, student_id, name, class, fingerprint_data, created_at FROM students`
	var args []any
	if class != "" {
		query += ` WHERE class = $1`
		args = append(args, class)
	}
	query += ` ORDER BY student_id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list students")
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.StudentID, &s.Name, &s.Class, &s.FingerprintData, &s.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan student")
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MemoryRepository keeps students in a map.
type MemoryRepository struct {
	mu       sync.RWMutex
	students map[string]Student
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{students: make(map[string]Student)}
}

func (m *MemoryRepository) FindByStudentID(_ context.Context, studentID string) (*Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[studentID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryRepository) Insert(_ context.Context, s Student) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[s.StudentID]; ok {
		return Student{}, ErrDuplicate
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now().UTC()
	m.students[s.StudentID] = s
	return s, nil
}

func (m *MemoryRepository) List(_ context.Context, class string) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Student
	for _, s := range m.students {
		if class == "" || s.Class == class {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StudentID < res[j].StudentID })
	return res, nil
}

// Service resolves and manages students.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Find resolves a student or fails with "Student not found".
func (s *Service) Find(ctx context.Context, studentID string) (Student, error) {
	st, err := s.repo.FindByStudentID(ctx, studentID)
	if err != nil {
		return Student{}, apperr.Persistence(err, "Failed to fetch student")
	}
	if st == nil {
		return Student{}, apperr.NotFound("Student not found")
	}
	return *st, nil
}

// Create adds a student.
func (s *Service) Create(ctx context.Context, in Student) (Student, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.Name = strings.TrimSpace(in.Name)
	in.Class = strings.TrimSpace(in.Class)
	var fields []apperr.FieldError
	if in.StudentID == "" {
		fields = append(fields, apperr.FieldError{Field: "studentId", Error: "is required"})
	}
	if in.Name == "" {
		fields = append(fields, apperr.FieldError{Field: "name", Error: "is required"})
	}
	if in.Class == "" {
		fields = append(fields, apperr.FieldError{Field: "class", Error: "is required"})
	}
	if len(fields) > 0 {
		return Student{}, apperr.Validation("Student ID, name and class are required", fields...)
	}

	created, err := s.repo.Insert(ctx, in)
	if errors.Is(err, ErrDuplicate) {
		return Student{}, apperr.Duplicate("Student ID already exists")
	}
	if err != nil {
		return Student{}, apperr.Persistence(err, "Failed to create student")
	}
	return created, nil
}

// List returns students, optionally restricted to one class.
func (s *Service) List(ctx context.Context, class string) ([]Student, error) {
	res, err := s.repo.List(ctx, class)
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to fetch students")
	}
	if res == nil {
		res = []Student{}
	}
	return res, nil
}
