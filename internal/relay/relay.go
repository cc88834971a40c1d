// Package relay publishes finished tasks into their project review chats.
// Delivery is at-least-once: a failed project send falls back to the
// designated test chat, and a task that reaches neither leaves a durable
// failure record on disk for manual replay.
package relay

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/config"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/fsstore"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/review"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
)

// Sender is the slice of the transport the relay needs. *tgbotapi.BotAPI
// satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Outcome describes where a delivery ended up.
type Outcome struct {
	// Destination is the chat id the task message landed in. Zero when the
	// delivery failed terminally.
	Destination int64
	// Fallback reports that the task reached the test chat instead of its
	// project chat.
	Fallback bool
	// RecordPath is the failure record written for a terminal failure,
	// empty otherwise.
	RecordPath string
	MessageID  int
}

type Relay struct {
	sender    Sender
	routing   *config.Routing
	failedDir string
	logger    *slog.Logger
	now       func() time.Time
}

func New(sender Sender, routing *config.Routing, failedDir string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sender:    sender,
		routing:   routing,
		failedDir: failedDir,
		logger:    logger,
		now:       time.Now,
	}
}

// Deliver publishes the task to its project chat, falling back to the test
// chat when the project chat is missing or rejects the send. A terminal
// failure writes exactly one failure record and returns an error alongside
// the outcome carrying the record path.
func (r *Relay) Deliver(ctx context.Context, task *store.Task, files []*store.FileRecord) (*Outcome, error) {
	deliveryID := uuid.NewString()
	project := r.routing.ProjectFor(task.Object)
	body := renderBody(task, project, files)

	log := r.logger.With(
		"delivery_id", deliveryID,
		"task_id", task.ID,
		"object", task.Object,
		"project", project,
	)

	var primaryErr error
	if chatID, ok := r.routing.ChatFor(project); ok {
		msg, err := r.send(chatID, body, task, files)
		if err == nil {
			log.Info("task_delivered", "chat_id", chatID)
			return &Outcome{Destination: chatID, MessageID: msg.MessageID}, nil
		}
		primaryErr = err
		log.Warn("project_delivery_failed", "chat_id", chatID, "error", err.Error())
	} else {
		primaryErr = fmt.Errorf("no chat configured for project %q", project)
		log.Warn("project_chat_unconfigured")
	}

	if chatID, ok := r.routing.FallbackChat(); ok {
		prefixed := fmt.Sprintf("⚠️ Не удалось отправить в чат проекта <b>%s</b>\n\n%s",
			html.EscapeString(project), body)
		msg, err := r.send(chatID, prefixed, task, files)
		if err == nil {
			log.Info("task_delivered_fallback", "chat_id", chatID)
			return &Outcome{Destination: chatID, Fallback: true, MessageID: msg.MessageID}, nil
		}
		primaryErr = fmt.Errorf("%v; fallback: %w", primaryErr, err)
		log.Error("fallback_delivery_failed", "chat_id", chatID, "error", err.Error())
	} else {
		primaryErr = fmt.Errorf("%v; fallback chat unconfigured", primaryErr)
	}

	recordPath, recordErr := r.writeFailureRecord(task, project, files, primaryErr)
	if recordErr != nil {
		log.Error("failure_record_write_failed", "error", recordErr.Error())
		return &Outcome{}, fmt.Errorf("deliver task %d: %w", task.ID, primaryErr)
	}
	log.Error("task_delivery_failed", "record", recordPath)
	return &Outcome{RecordPath: recordPath}, fmt.Errorf("deliver task %d: %w", task.ID, primaryErr)
}

// send picks the message shape: a lone attachment rides as media with the
// task text as its caption, anything else goes out as one HTML message.
func (r *Relay) send(chatID int64, body string, task *store.Task, files []*store.FileRecord) (tgbotapi.Message, error) {
	markup := review.AcceptDeleteMarkup(task.ID)

	if len(files) == 1 {
		f := files[0]
		if f.MediaType == "photo" {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(f.TGFileID))
			photo.Caption = body
			photo.ParseMode = tgbotapi.ModeHTML
			photo.ReplyMarkup = markup
			return r.sender.Send(photo)
		}
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileID(f.TGFileID))
		doc.Caption = body
		doc.ParseMode = tgbotapi.ModeHTML
		doc.ReplyMarkup = markup
		return r.sender.Send(doc)
	}

	msg := tgbotapi.NewMessage(chatID, body)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	return r.sender.Send(msg)
}

func renderBody(task *store.Task, project string, files []*store.FileRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🆔 <b>ID задачи:</b> T%s\n", store.FormatID(task.ID))
	fmt.Fprintf(&b, "👤 <b>От:</b> %s\n", authorLink(task))
	fmt.Fprintf(&b, "🏢 <b>Объект:</b> %s\n", html.EscapeString(task.Object))
	fmt.Fprintf(&b, "📋 <b>Проект:</b> %s\n", html.EscapeString(project))
	if task.TaskName != "" {
		fmt.Fprintf(&b, "📝 <b>Название:</b> %s\n", html.EscapeString(task.TaskName))
	}
	fmt.Fprintf(&b, "\n📄 <b>Описание:</b>\n%s\n", html.EscapeString(task.TaskDescription))
	if len(files) > 0 {
		fmt.Fprintf(&b, "\n📎 <b>Вложения:</b> %d\n", len(files))
		// With a single attachment the file itself is attached to the
		// message, so the name list is only useful for multiples.
		if len(files) > 1 {
			for _, f := range files {
				fmt.Fprintf(&b, "• %s\n", html.EscapeString(f.OriginalName))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func authorLink(task *store.Task) string {
	name := strings.TrimSpace(html.EscapeString(task.FirstName) + " " + html.EscapeString(task.LastName))
	if name == "" {
		name = "задачу поставил аноним"
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, task.FromChatID, name)
}

// writeFailureRecord persists a terminal delivery failure so an operator can
// replay it by hand. One record per failed delivery.
func (r *Relay) writeFailureRecord(task *store.Task, project string, files []*store.FileRecord, cause error) (string, error) {
	stamp := r.now().UTC().Format("20060102T150405")
	path := filepath.Join(r.failedDir, fmt.Sprintf("FAILED_%s_%s.txt", store.FormatID(task.ID), stamp))

	var b strings.Builder
	fmt.Fprintf(&b, "task_id: %s\n", store.FormatID(task.ID))
	fmt.Fprintf(&b, "object: %s\n", task.Object)
	fmt.Fprintf(&b, "project: %s\n", project)
	fmt.Fprintf(&b, "task_name: %s\n", task.TaskName)
	fmt.Fprintf(&b, "error: %v\n", cause)
	fmt.Fprintf(&b, "description:\n%s\n", task.TaskDescription)
	if len(files) > 0 {
		b.WriteString("attachments:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "  %s (%s)\n", f.OriginalName, f.SavedPath)
		}
	}

	if err := fsstore.WriteTextAtomic(path, b.String(), fsstore.FileOptions{}); err != nil {
		return "", fmt.Errorf("write failure record: %w", err)
	}
	return path, nil
}
