package user

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate = errors.New("username already exists")
)

// Store is what the service needs from persistence.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := "INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id::text, created_at"

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, errors.Wrap(err, "userRepo.CreateUser.Insert")
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id::text, username, password, created_at FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "userRepo.GetUserByUsername.Scan")
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id::text, username FROM users WHERE username ILIKE $1 ORDER BY username LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, errors.Wrap(err, "userRepo.SearchUsers.Query")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, errors.Wrap(err, "userRepo.SearchUsers.Scan")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Exists lets the chat core validate identities without importing this package.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "userRepo.Exists.Scan")
	}
	return exists, nil
}

// MemoryRepository backs STORE=memory and the tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]*User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:       make(map[string]*User),
		byUsername: make(map[string]*User),
	}
}

func (m *MemoryRepository) CreateUser(_ context.Context, user *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUsername[user.Username]; ok {
		return nil, ErrDuplicate
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now().UTC()
	stored := *user
	m.byID[stored.ID] = &stored
	m.byUsername[stored.Username] = &stored
	return user, nil
}

func (m *MemoryRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryRepository) SearchUsers(_ context.Context, query string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var users []User
	q := strings.ToLower(query)
	for name, u := range m.byUsername {
		if strings.Contains(strings.ToLower(name), q) {
			users = append(users, User{ID: u.ID, Username: u.Username})
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	if len(users) > 10 {
		users = users[:10]
	}
	return users, nil
}

func (m *MemoryRepository) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok, nil
}
