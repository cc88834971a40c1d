package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextIDSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.NextID(ctx, CounterDocument)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNextIDPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.NextID(ctx, CounterTask)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.NextID(ctx, CounterTask)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "00000001", FormatID(1))
	assert.Equal(t, "00012345", FormatID(12345))
	assert.Equal(t, "100000000", FormatID(100000000))
}

func TestStartDraftSupersedesOpenTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.StartDraft(ctx, 100, "Ivan", "Petrov")
	require.NoError(t, err)
	require.NoError(t, s.SetObject(ctx, first.ID, "Склад"))

	got, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	second, err := s.StartDraft(ctx, 100, "Ivan", "Petrov")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err = s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBadEnd, got.Status, "starting a second task must force the first to bad_end")

	open, err := s.OpenTask(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, second.ID, open.ID)
}

func TestStartDraftLeavesOtherChatsAlone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	other, err := s.StartDraft(ctx, 200, "Anna", "Sidorova")
	require.NoError(t, err)

	_, err = s.StartDraft(ctx, 100, "Ivan", "Petrov")
	require.NoError(t, err)

	got, err := s.GetTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)
}

func TestTaskFieldUpdatesAndManifest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.StartDraft(ctx, 100, "Ivan", "Petrov")
	require.NoError(t, err)

	require.NoError(t, s.SetObject(ctx, task.ID, "Склад"))
	require.NoError(t, s.SetTaskName(ctx, task.ID, "Протечка"))
	require.NoError(t, s.SetDescription(ctx, task.ID, "Течёт труба"))

	m := Manifest{
		TaskID:    task.ID,
		FileCount: 2,
		DocIDs:    []int64{7},
		PhotoIDs:  []int64{8},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s.SetManifest(ctx, task.ID, m))
	require.NoError(t, s.SetStatus(ctx, task.ID, StatusPublished))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Склад", got.Object)
	assert.Equal(t, "Протечка", got.TaskName)
	assert.Equal(t, "Течёт труба", got.TaskDescription)
	assert.Equal(t, StatusPublished, got.Status)

	decoded, err := got.Manifest()
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.FileCount)
	assert.Equal(t, []int64{7}, decoded.DocIDs)
	assert.Equal(t, []int64{8}, decoded.PhotoIDs)
}

func TestUpdateMissingTask(t *testing.T) {
	s := openTestStore(t)
	err := s.SetTaskName(context.Background(), 999, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFileRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFile(ctx, &FileRecord{
		DocID:        7,
		TGFileID:     "AgADfile",
		OriginalName: "invoice.pdf",
		SavedPath:    "/tmp/BBFiles/2026-08-28/1/00000007.pdf",
		UserID:       100,
		TaskID:       1,
		MediaType:    "document",
	}))
	require.NoError(t, s.SaveFile(ctx, &FileRecord{
		DocID:        8,
		TGFileID:     "AgADphoto",
		OriginalName: "photo_abc.jpg",
		SavedPath:    "/tmp/BBFiles/2026-08-28/1/00000008.jpg",
		UserID:       100,
		TaskID:       1,
		MediaType:    "photo",
	}))

	files, err := s.TaskFiles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, int64(7), files[0].DocID)
	assert.Equal(t, "photo", files[1].MediaType)
	assert.False(t, files[0].UploadDate.IsZero())
}

func TestUserRegistry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{UserID: 100, FirstName: "Ivan", LastName: "Petrov"}))
	require.NoError(t, s.UpsertUser(ctx, &User{UserID: 200, FirstName: "Anna"}))

	active, err := s.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{100, 200}, active)

	require.NoError(t, s.DeactivateUser(ctx, 200))
	active, err = s.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, active)

	// An upsert re-activates a previously blocked user.
	require.NoError(t, s.UpsertUser(ctx, &User{UserID: 200, FirstName: "Anna"}))
	active, err = s.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{100, 200}, active)
}

func TestStaleActiveUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{UserID: 100}))

	stale, err := s.StaleActiveUsers(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.StaleActiveUsers(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, stale)
}
