package userview

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups for users the view has not seen.
var ErrNotFound = errors.New("userview: user not found")

// EncryptedPassword is the hashed credential blob carried in signup and
// profile-edit events. The view never sees plaintext.
type EncryptedPassword struct {
	Key        string `json:"key"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
}

// User is one row of the read model.
type User struct {
	ID       string
	Email    string
	Name     string
	Password EncryptedPassword
}

// Queries reads the users table. The table is eventually consistent with
// the log; a user appended a moment ago may not be visible yet.
type Queries struct {
	db *sql.DB
}

// NewQueries returns queries over the database the projection writes to.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ByID fetches one user by id.
func (q *Queries) ByID(ctx context.Context, id string) (*User, error) {
	return q.one(ctx, `SELECT id, email, name, password FROM users WHERE id = ?`, id)
}

// ByEmail fetches one user by email.
func (q *Queries) ByEmail(ctx context.Context, email string) (*User, error) {
	return q.one(ctx, `SELECT id, email, name, password FROM users WHERE email = ?`, email)
}

// Count returns the number of projected users.
func (q *Queries) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("userview: count users: %w", err)
	}
	return n, nil
}

func (q *Queries) one(ctx context.Context, query string, arg any) (*User, error) {
	var (
		u        User
		email    sql.NullString
		name     sql.NullString
		password sql.NullString
	)
	err := q.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &email, &name, &password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userview: query user: %w", err)
	}
	u.Email = email.String
	u.Name = name.String
	if password.Valid {
		if err := json.Unmarshal([]byte(password.String), &u.Password); err != nil {
			return nil, fmt.Errorf("userview: decode password for %s: %w", u.ID, err)
		}
	}
	return &u, nil
}
