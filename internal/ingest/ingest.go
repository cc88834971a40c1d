// Package ingest downloads message attachments, renames them to their
// allocated document id under the date-partitioned file tree, and records
// the original→new name mapping in an append-only per-task log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/fsstore"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
)

var (
	// ErrTextWithMedia rejects messages that mix a caption with the
	// attachment; no document id is consumed.
	ErrTextWithMedia = errors.New("ingest: message mixes text and media")
	// ErrNoMedia rejects messages without a document or photo.
	ErrNoMedia = errors.New("ingest: message has no attachment")
	// ErrDownloadFailed marks a failed transfer; the wizard warns the user
	// and the task proceeds without the attachment.
	ErrDownloadFailed = errors.New("ingest: download failed")
)

// FileResolver resolves a transport file id to a download URL.
// *tgbotapi.BotAPI satisfies it.
type FileResolver interface {
	GetFileDirectURL(fileID string) (string, error)
}

type Ingestor struct {
	store  *store.Store
	files  FileResolver
	client *http.Client
	root   string
	logger *slog.Logger

	now func() time.Time
}

func New(st *store.Store, files FileResolver, client *http.Client, root string, logger *slog.Logger) *Ingestor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:  st,
		files:  files,
		client: client,
		root:   root,
		logger: logger,
		now:    time.Now,
	}
}

type Result struct {
	DocID        int64
	MediaType    string
	OriginalName string
	NewName      string
	SavedPath    string
	LogPath      string
	TGFileID     string
}

// Ingest validates and stores the single attachment of msg for the given
// task. Shape violations return before any id is allocated.
func (ing *Ingestor) Ingest(ctx context.Context, msg *tgbotapi.Message, taskID, userID int64) (*Result, error) {
	hasDocument := msg.Document != nil
	hasPhoto := len(msg.Photo) > 0
	if !hasDocument && !hasPhoto {
		return nil, ErrNoMedia
	}
	if strings.TrimSpace(msg.Text) != "" || strings.TrimSpace(msg.Caption) != "" {
		return nil, ErrTextWithMedia
	}

	var (
		tgFileID     string
		mediaType    string
		originalName string
		ext          string
	)
	if hasDocument {
		mediaType = "document"
		tgFileID = msg.Document.FileID
		originalName = msg.Document.FileName
		if originalName == "" {
			originalName = "document_" + msg.Document.FileUniqueID
		}
		ext = filepath.Ext(originalName)
	} else {
		// The transport offers several sizes; the last one is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		mediaType = "photo"
		tgFileID = photo.FileID
		originalName = fmt.Sprintf("photo_%s.jpg", photo.FileUniqueID)
		ext = ".jpg"
	}

	docID, err := ing.store.NextID(ctx, store.CounterDocument)
	if err != nil {
		return nil, err
	}

	newName := store.FormatID(docID) + ext
	dateDir := ing.now().Format("2006-01-02")
	saveDir := filepath.Join(ing.root, dateDir, store.FormatID(taskID))
	savedPath := filepath.Join(saveDir, newName)
	logPath := filepath.Join(ing.root, dateDir, "Logs", store.FormatID(taskID)+".txt")

	if err := ing.download(ctx, tgFileID, savedPath); err != nil {
		ing.logger.Warn("attachment_download_failed",
			"task_id", taskID, "doc_id", docID, "media_type", mediaType, "error", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	if err := fsstore.AppendLine(logPath, fmt.Sprintf("%s -> %s", originalName, newName), fsstore.FileOptions{}); err != nil {
		return nil, fmt.Errorf("write name-mapping log: %w", err)
	}

	if err := ing.store.SaveFile(ctx, &store.FileRecord{
		DocID:        docID,
		TGFileID:     tgFileID,
		OriginalName: originalName,
		SavedPath:    savedPath,
		UserID:       userID,
		TaskID:       taskID,
		UploadDate:   ing.now().UTC(),
		MediaType:    mediaType,
	}); err != nil {
		return nil, err
	}

	ing.logger.Info("attachment_saved",
		"task_id", taskID, "doc_id", docID, "media_type", mediaType, "path", savedPath)

	return &Result{
		DocID:        docID,
		MediaType:    mediaType,
		OriginalName: originalName,
		NewName:      newName,
		SavedPath:    savedPath,
		LogPath:      logPath,
		TGFileID:     tgFileID,
	}, nil
}

func (ing *Ingestor) download(ctx context.Context, tgFileID, destPath string) error {
	url, err := ing.files.GetFileDirectURL(tgFileID)
	if err != nil {
		return fmt.Errorf("resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := ing.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := fsstore.EnsureDir(filepath.Dir(destPath), 0); err != nil {
		return err
	}
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(destPath)
		return err
	}
	return out.Sync()
}

// LogLines reads back the per-task name-mapping log for the given day.
// The confirmation screen uses it to show the attachment list.
func LogLines(root string, day time.Time, taskID int64) ([]string, error) {
	logPath := filepath.Join(root, day.Format("2006-01-02"), "Logs", store.FormatID(taskID)+".txt")
	content, ok, err := fsstore.ReadText(logPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	lines := strings.Split(strings.TrimSpace(content), "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
