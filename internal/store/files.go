package store

import (
	"context"
	"fmt"
	"time"
)

// FileRecord is one ingested attachment. DocID is the allocator-assigned id
// the file was renamed to; TGFileID is the transport's own file handle, kept
// so delivery can inline the attachment without re-uploading.
type FileRecord struct {
	DocID        int64
	TGFileID     string
	OriginalName string
	SavedPath    string
	UserID       int64
	TaskID       int64
	UploadDate   time.Time
	MediaType    string
}

func (s *Store) SaveFile(ctx context.Context, f *FileRecord) error {
	if f.UploadDate.IsZero() {
		f.UploadDate = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (doc_id, tg_file_id, original_name, saved_path, user_id, task_id, upload_date, media_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.DocID, f.TGFileID, f.OriginalName, f.SavedPath, f.UserID, f.TaskID, f.UploadDate, f.MediaType)
	if err != nil {
		return fmt.Errorf("failed to save file record %d: %w", f.DocID, err)
	}
	return nil
}

// TaskFiles lists a task's attachments in upload order.
func (s *Store) TaskFiles(ctx context.Context, taskID int64) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, tg_file_id, original_name, saved_path, user_id, task_id, upload_date, media_type
		FROM files WHERE task_id = ? ORDER BY doc_id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task files: %w", err)
	}
	defer rows.Close()

	var out []*FileRecord
	for rows.Next() {
		f := &FileRecord{}
		if err := rows.Scan(
			&f.DocID, &f.TGFileID, &f.OriginalName, &f.SavedPath,
			&f.UserID, &f.TaskID, &f.UploadDate, &f.MediaType,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
