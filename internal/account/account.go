// Package account manages dashboard users and their sessions.
package account

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"classtrack/internal/apperr"
	"classtrack/internal/auth"
	"classtrack/internal/store"
)

// Roles understood by the dashboard.
const (
	RoleAdmin   = "ADMIN"
	RoleTeacher = "TEACHER"
)

// User is a dashboard account. PasswordHash never leaves the server.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"fullName"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

var ErrDuplicate = errors.New("email already registered")

type Repository interface {
	// FindByEmail returns nil, nil when no user has the address.
	FindByEmail(ctx context.Context, email string) (*User, error)
	Insert(ctx context.Context, u User) (User, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, full_name, role, created_at
		FROM users WHERE email = $1
	`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find user")
	}
	return &u, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, u User) (User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash, full_name, role)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, u.ID, u.Email, u.PasswordHash, u.FullName, u.Role)
	if err := row.Scan(&u.CreatedAt); err != nil {
		if store.IsUniqueViolation(err) {
			return User{}, ErrDuplicate
		}
		return User{}, errors.Wrap(err, "insert user")
	}
	return u, nil
}

type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[string]User)}
}

func (m *MemoryRepository) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryRepository) Insert(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Email]; ok {
		return User{}, ErrDuplicate
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	m.users[u.Email] = u
	return u, nil
}

// TokenIssuer signs user session tokens.
type TokenIssuer interface {
	IssueUserToken(u auth.UserClaims) (string, time.Time, error)
}

// Session is returned by a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

type Service struct {
	repo   Repository
	tokens TokenIssuer
}

func NewService(repo Repository, tokens TokenIssuer) *Service {
	return &Service{repo: repo, tokens: tokens}
}

// Login checks credentials and issues a user token. Unknown e-mail and wrong
// password fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Session{}, apperr.Validation("Email and password are required")
	}
	u, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return Session{}, apperr.Persistence(err, "Login failed")
	}
	if u == nil || !auth.CheckPassword(u.PasswordHash, password) {
		return Session{}, apperr.Unauthorized("Invalid credentials")
	}
	token, exp, err := s.tokens.IssueUserToken(auth.UserClaims{ID: u.ID, Email: u.Email, Role: u.Role})
	if err != nil {
		return Session{}, errors.Wrap(err, "issue user token")
	}
	return Session{Token: token, ExpiresAt: exp, User: *u}, nil
}

// Create registers a user with a bcrypt-hashed password.
func (s *Service) Create(ctx context.Context, email, password, fullName, role string) (User, error) {
	email = normalizeEmail(email)
	if email == "" || len(password) < 6 {
		return User{}, apperr.Validation("Email and a password of at least 6 characters are required")
	}
	role = strings.ToUpper(role)
	if role == "" {
		role = RoleTeacher
	}
	if role != RoleAdmin && role != RoleTeacher {
		return User{}, apperr.Validation("Invalid role")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, errors.Wrap(err, "hash password")
	}
	u, err := s.repo.Insert(ctx, User{Email: email, PasswordHash: hash, FullName: fullName, Role: role})
	if errors.Is(err, ErrDuplicate) {
		return User{}, apperr.Duplicate("Email already registered")
	}
	if err != nil {
		return User{}, apperr.Persistence(err, "Failed to create user")
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
