package portal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("portal user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetByEmail looks a user up by email, ignoring case. Rows written outside
// this service may keep the case they were typed with.
func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, name, role
		FROM usuarios
		WHERE lower(email) = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&user.ID, &user.Email, &user.Name, &user.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query portal user by email: %w", err)
	}

	return user, nil
}

func (r *Repository) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email, name, role
		FROM usuarios
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query portal users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role); err != nil {
			return nil, fmt.Errorf("scan portal user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate portal users: %w", err)
	}

	return users, nil
}

// UpsertUser provisions a user by email. Used by the admin bootstrap only.
func (r *Repository) UpsertUser(ctx context.Context, email, name string, role Role) (User, error) {
	if !role.Valid() {
		return User{}, fmt.Errorf("invalid role %q", role)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	var user User
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO usuarios (id, email, name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (email)
		DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
		RETURNING id, email, name, role
	`, id.String(), strings.ToLower(strings.TrimSpace(email)), name, string(role), now).
		Scan(&user.ID, &user.Email, &user.Name, &user.Role)
	if err != nil {
		return User{}, fmt.Errorf("upsert portal user: %w", err)
	}

	return user, nil
}

func (r *Repository) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate audit id: %w", err)
	}

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id.String(), entry.UserID, entry.Action, entry.IPAddress, entry.UserAgent, details, createdAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}
