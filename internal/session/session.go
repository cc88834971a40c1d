// Package session keeps the per-chat wizard state durable across restarts.
// One JSON snapshot per chat, written atomically; a restart therefore never
// silently strands a user mid-wizard.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/fsstore"
)

type State string

const (
	StateAwaitingAction State = "awaiting_action"
	StateObject         State = "object"
	StateTaskName       State = "taskname"
	StateDescription    State = "description"
	StateFileDecision   State = "file_decision"
	StateInsertFile     State = "insert_file"
	StateConfirmation   State = "confirmation"
	StateSend           State = "send"
)

// Session is the transient wizard context for one chat: the current state,
// the draft being filled, and the running attachment manifest.
type Session struct {
	ChatID    int64     `json:"chat_id"`
	State     State     `json:"state"`
	TaskID    int64     `json:"task_id,omitempty"`
	Object    string    `json:"object,omitempty"`
	FileCount int       `json:"file_count,omitempty"`
	DocIDs    []int64   `json:"doc_ids,omitempty"`
	PhotoIDs  []int64   `json:"photo_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reset clears everything but the chat id and returns the session to the
// top-level menu state.
func (s *Session) Reset() {
	*s = Session{ChatID: s.ChatID, State: StateAwaitingAction, UpdatedAt: time.Now().UTC()}
}

type Store struct {
	dir      string
	locksDir string
}

func NewStore(dir, locksDir string) *Store {
	return &Store{dir: dir, locksDir: locksDir}
}

func (st *Store) path(chatID int64) string {
	return filepath.Join(st.dir, fmt.Sprintf("%d.json", chatID))
}

// Load returns the chat's session, or a fresh one at the top-level menu when
// no snapshot exists.
func (st *Store) Load(ctx context.Context, chatID int64) (*Session, error) {
	var s Session
	ok, err := fsstore.ReadJSON(st.path(chatID), &s)
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", chatID, err)
	}
	if !ok || s.State == "" {
		return &Session{ChatID: chatID, State: StateAwaitingAction}, nil
	}
	s.ChatID = chatID
	return &s, nil
}

// Save snapshots the session atomically under a per-chat advisory lock, so a
// concurrently running process cannot interleave partial writes.
func (st *Store) Save(ctx context.Context, s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	lockPath, err := fsstore.BuildLockPath(st.locksDir, fmt.Sprintf("session.%d", s.ChatID))
	if err != nil {
		return err
	}
	return fsstore.WithLock(ctx, lockPath, func() error {
		return fsstore.WriteJSONAtomic(st.path(s.ChatID), s, fsstore.FileOptions{})
	})
}

// Clear resets the chat back to the top-level menu and persists that.
func (st *Store) Clear(ctx context.Context, chatID int64) error {
	s := &Session{ChatID: chatID, State: StateAwaitingAction}
	return st.Save(ctx, s)
}
