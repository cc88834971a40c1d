package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
)

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) GetFileDirectURL(fileID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url + "/" + fileID, nil
}

func newTestIngestor(t *testing.T, resolver FileResolver) (*Ingestor, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	ing := New(st, resolver, nil, root, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ing.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	return ing, st, root
}

func fileServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIngestDocument(t *testing.T) {
	srv := fileServer(t, "pdf-bytes")
	ing, st, root := newTestIngestor(t, &fakeResolver{url: srv.URL})

	msg := &tgbotapi.Message{
		Document: &tgbotapi.Document{FileID: "doc-1", FileUniqueID: "u1", FileName: "invoice.pdf"},
	}
	res, err := ing.Ingest(context.Background(), msg, 3, 100)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.DocID != 1 {
		t.Fatalf("Ingest() doc id = %d, want 1", res.DocID)
	}
	if res.NewName != "00000001.pdf" {
		t.Fatalf("Ingest() new name = %q", res.NewName)
	}
	wantPath := filepath.Join(root, "2026-08-28", "00000003", "00000001.pdf")
	if res.SavedPath != wantPath {
		t.Fatalf("Ingest() path = %q, want %q", res.SavedPath, wantPath)
	}
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("downloaded content = %q", data)
	}

	logData, err := os.ReadFile(filepath.Join(root, "2026-08-28", "Logs", "00000003.txt"))
	if err != nil {
		t.Fatalf("read log error = %v", err)
	}
	if got := strings.TrimSpace(string(logData)); got != "invoice.pdf -> 00000001.pdf" {
		t.Fatalf("log line = %q", got)
	}

	files, err := st.TaskFiles(context.Background(), 3)
	if err != nil {
		t.Fatalf("TaskFiles() error = %v", err)
	}
	if len(files) != 1 || files[0].MediaType != "document" || files[0].OriginalName != "invoice.pdf" {
		t.Fatalf("TaskFiles() = %+v", files)
	}
}

func TestIngestPhotoPicksLargestAndForcesJPG(t *testing.T) {
	srv := fileServer(t, "jpg-bytes")
	ing, _, _ := newTestIngestor(t, &fakeResolver{url: srv.URL})

	msg := &tgbotapi.Message{
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", FileUniqueID: "s", Width: 90},
			{FileID: "large", FileUniqueID: "l", Width: 1280},
		},
	}
	res, err := ing.Ingest(context.Background(), msg, 1, 100)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.TGFileID != "large" {
		t.Fatalf("Ingest() picked file id %q, want the largest size", res.TGFileID)
	}
	if res.NewName != "00000001.jpg" {
		t.Fatalf("Ingest() new name = %q, want .jpg", res.NewName)
	}
	if res.OriginalName != "photo_l.jpg" {
		t.Fatalf("Ingest() original name = %q", res.OriginalName)
	}
}

func TestIngestRejectsTextWithMediaWithoutConsumingID(t *testing.T) {
	ing, st, _ := newTestIngestor(t, &fakeResolver{url: "http://unused"})

	msg := &tgbotapi.Message{
		Caption:  "please see attached",
		Document: &tgbotapi.Document{FileID: "doc-1", FileUniqueID: "u1", FileName: "a.txt"},
	}
	_, err := ing.Ingest(context.Background(), msg, 1, 100)
	if !errors.Is(err, ErrTextWithMedia) {
		t.Fatalf("Ingest() error = %v, want ErrTextWithMedia", err)
	}

	// The rejection must not have consumed a document id.
	next, err := st.NextID(context.Background(), store.CounterDocument)
	if err != nil {
		t.Fatalf("NextID() error = %v", err)
	}
	if next != 1 {
		t.Fatalf("NextID() after rejection = %d, want 1", next)
	}
}

func TestIngestRejectsNoMedia(t *testing.T) {
	ing, _, _ := newTestIngestor(t, &fakeResolver{url: "http://unused"})

	_, err := ing.Ingest(context.Background(), &tgbotapi.Message{Text: "just text"}, 1, 100)
	if !errors.Is(err, ErrNoMedia) {
		t.Fatalf("Ingest() error = %v, want ErrNoMedia", err)
	}
}

func TestIngestDownloadFailureIsNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()
	ing, st, _ := newTestIngestor(t, &fakeResolver{url: srv.URL})

	msg := &tgbotapi.Message{
		Document: &tgbotapi.Document{FileID: "doc-1", FileUniqueID: "u1", FileName: "a.txt"},
	}
	_, err := ing.Ingest(context.Background(), msg, 1, 100)
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("Ingest() error = %v, want ErrDownloadFailed", err)
	}

	// Nothing recorded for the failed transfer.
	files, err := st.TaskFiles(context.Background(), 1)
	if err != nil {
		t.Fatalf("TaskFiles() error = %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("TaskFiles() = %+v, want none", files)
	}
}

func TestLogLines(t *testing.T) {
	srv := fileServer(t, "x")
	ing, _, root := newTestIngestor(t, &fakeResolver{url: srv.URL})

	for _, name := range []string{"a.pdf", "b.pdf"} {
		msg := &tgbotapi.Message{
			Document: &tgbotapi.Document{FileID: name, FileUniqueID: name, FileName: name},
		}
		if _, err := ing.Ingest(context.Background(), msg, 5, 100); err != nil {
			t.Fatalf("Ingest(%s) error = %v", name, err)
		}
	}

	lines, err := LogLines(root, time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), 5)
	if err != nil {
		t.Fatalf("LogLines() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("LogLines() = %v, want 2 entries", lines)
	}
	if !strings.HasPrefix(lines[0], "a.pdf -> ") {
		t.Fatalf("first log line = %q", lines[0])
	}
}
