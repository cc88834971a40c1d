package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusDraft         TaskStatus = "draft"
	StatusInProgress    TaskStatus = "in_progress"
	StatusPublished     TaskStatus = "published"
	StatusBadEnd        TaskStatus = "bad_end"
	StatusDeletedByUser TaskStatus = "deleted_by_user"
)

type Task struct {
	ID              int64
	FromChatID      int64
	FirstName       string
	LastName        string
	CreatedAt       time.Time
	Object          string
	TaskName        string
	TaskDescription string
	FileIDs         string
	Status          TaskStatus
	Claimed         string
	Desk            string
	AnswID          string
}

// Manifest is the structured attachment list serialized into tasks.file_ids.
type Manifest struct {
	TaskID    int64     `json:"tid"`
	FileCount int       `json:"file_count"`
	DocIDs    []int64   `json:"doc_ids"`
	PhotoIDs  []int64   `json:"photo_ids"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Manifest) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	return string(data), nil
}

func DecodeManifest(raw string) (Manifest, error) {
	var m Manifest
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return m, nil
}

// Manifest decodes the task's attachment manifest. An empty file_ids column
// yields the zero manifest.
func (t *Task) Manifest() (Manifest, error) {
	return DecodeManifest(t.FileIDs)
}

// StartDraft creates a fresh draft row for the chat. Any task still open for
// the same chat (draft or in_progress) is force-transitioned to bad_end
// first: at most one task per chat may be underway at a time.
func (s *Store) StartDraft(ctx context.Context, chatID int64, firstName, lastName string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin draft: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?
		WHERE from_chat_id = ? AND status IN (?, ?)
	`, StatusBadEnd, chatID, StatusDraft, StatusInProgress); err != nil {
		return nil, fmt.Errorf("failed to supersede open task: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, CounterTask).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to allocate task id: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, from_chat_id, first_name, last_name, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, chatID, firstName, lastName, now, StatusDraft); err != nil {
		return nil, fmt.Errorf("failed to insert draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit draft: %w", err)
	}
	return &Task{
		ID:         id,
		FromChatID: chatID,
		FirstName:  firstName,
		LastName:   lastName,
		CreatedAt:  now,
		Status:     StatusDraft,
	}, nil
}

// GetTask retrieves a task by id. Returns nil when the row does not exist.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	t := &Task{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_chat_id, first_name, last_name, created_at, object,
		       task_name, task_description, file_ids, status, claimed, desk, answ_id
		FROM tasks WHERE id = ?
	`, id).Scan(
		&t.ID, &t.FromChatID, &t.FirstName, &t.LastName, &t.CreatedAt, &t.Object,
		&t.TaskName, &t.TaskDescription, &t.FileIDs, &t.Status, &t.Claimed, &t.Desk, &t.AnswID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// OpenTask returns the chat's current draft or in_progress task, or nil.
func (s *Store) OpenTask(ctx context.Context, chatID int64) (*Task, error) {
	t := &Task{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_chat_id, first_name, last_name, created_at, object,
		       task_name, task_description, file_ids, status, claimed, desk, answ_id
		FROM tasks
		WHERE from_chat_id = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1
	`, chatID, StatusDraft, StatusInProgress).Scan(
		&t.ID, &t.FromChatID, &t.FirstName, &t.LastName, &t.CreatedAt, &t.Object,
		&t.TaskName, &t.TaskDescription, &t.FileIDs, &t.Status, &t.Claimed, &t.Desk, &t.AnswID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open task: %w", err)
	}
	return t, nil
}

// SetObject records the chosen object and promotes the draft to in_progress.
func (s *Store) SetObject(ctx context.Context, id int64, object string) error {
	return s.updateTask(ctx, id, "UPDATE tasks SET object = ?, status = ? WHERE id = ?", object, StatusInProgress, id)
}

func (s *Store) SetTaskName(ctx context.Context, id int64, name string) error {
	return s.updateTask(ctx, id, "UPDATE tasks SET task_name = ? WHERE id = ?", name, id)
}

func (s *Store) SetDescription(ctx context.Context, id int64, description string) error {
	return s.updateTask(ctx, id, "UPDATE tasks SET task_description = ? WHERE id = ?", description, id)
}

// SetManifest persists the attachment manifest onto the task row.
func (s *Store) SetManifest(ctx context.Context, id int64, m Manifest) error {
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	return s.updateTask(ctx, id, "UPDATE tasks SET file_ids = ? WHERE id = ?", raw, id)
}

func (s *Store) SetStatus(ctx context.Context, id int64, status TaskStatus) error {
	return s.updateTask(ctx, id, "UPDATE tasks SET status = ? WHERE id = ?", status, id)
}

var ErrTaskNotFound = errors.New("store: task not found")

func (s *Store) updateTask(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %d: %w", id, ErrTaskNotFound)
	}
	return nil
}
