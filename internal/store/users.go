package store

import (
	"context"
	"fmt"
	"time"
)

type User struct {
	UserID           int64
	FirstName        string
	LastName         string
	Username         string
	RegistrationDate time.Time
	LastActivity     time.Time
	IsActive         bool
}

// UpsertUser registers the user or refreshes their names, bumping
// last_activity and re-activating them either way. Called on every inbound
// interaction.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, first_name, last_name, username, registration_date, last_activity, is_active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			username = excluded.username,
			last_activity = excluded.last_activity,
			is_active = 1
	`, u.UserID, u.FirstName, u.LastName, u.Username, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", u.UserID, err)
	}
	return nil
}

func (s *Store) TouchUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_activity = ? WHERE user_id = ?",
		time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("failed to touch user %d: %w", userID, err)
	}
	return nil
}

// DeactivateUser clears the active flag. Users are never deleted.
func (s *Store) DeactivateUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_active = 0 WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) ActiveUsers(ctx context.Context) ([]int64, error) {
	return s.userIDs(ctx, "SELECT user_id FROM users WHERE is_active = 1")
}

// StaleActiveUsers lists active users whose last activity predates before.
// Feeds the optional idle sweep.
func (s *Store) StaleActiveUsers(ctx context.Context, before time.Time) ([]int64, error) {
	return s.userIDs(ctx,
		"SELECT user_id FROM users WHERE is_active = 1 AND last_activity < ?", before)
}

func (s *Store) userIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
