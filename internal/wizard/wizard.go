// Package wizard drives the conversational task-intake flow: a per-chat
// state machine that walks a requester from the top-level menu through
// object pick, naming, description, attachments and a final confirmation,
// then hands the task to the relay.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/config"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/ingest"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/relay"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/session"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
)

// Messenger is the slice of the transport the wizard needs. *tgbotapi.BotAPI
// satisfies it.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Publisher hands a finished task off for delivery. *relay.Relay satisfies
// it.
type Publisher interface {
	Deliver(ctx context.Context, task *store.Task, files []*store.FileRecord) (*relay.Outcome, error)
}

type Wizard struct {
	msgr      Messenger
	store     *store.Store
	sessions  *session.Store
	ingestor  *ingest.Ingestor
	routing   *config.Routing
	publisher Publisher
	filesRoot string
	logger    *slog.Logger
	now       func() time.Time
}

func New(msgr Messenger, st *store.Store, sessions *session.Store, ingestor *ingest.Ingestor,
	routing *config.Routing, publisher Publisher, filesRoot string, logger *slog.Logger) *Wizard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wizard{
		msgr:      msgr,
		store:     st,
		sessions:  sessions,
		ingestor:  ingestor,
		routing:   routing,
		publisher: publisher,
		filesRoot: filesRoot,
		logger:    logger,
		now:       time.Now,
	}
}

// ShowMenu renders the top-level action menu and parks the chat at it.
func (w *Wizard) ShowMenu(ctx context.Context, chatID int64) error {
	s, err := w.sessions.Load(ctx, chatID)
	if err != nil {
		return err
	}
	s.Reset()
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	return w.reply(chatID, "Выберите действие:", menuMarkup())
}

func menuMarkup() *tgbotapi.InlineKeyboardMarkup {
	m := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📝 Поставить задачу", CBNewTask),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📂 Получить файлы", CBFetchFiles),
			tgbotapi.NewInlineKeyboardButtonData("📤 Загрузить ответ", CBUploadReply),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔗 Получить ссылку", CBGetLink),
		),
	)
	return &m
}

func cancelRow() []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🚫 Отмена", CBCancel),
	)
}

// HandleMessage routes an incoming user message by the chat's current state.
// Inputs that do not fit the state get a short hint instead of advancing.
func (w *Wizard) HandleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID
	s, err := w.sessions.Load(ctx, chatID)
	if err != nil {
		return err
	}

	switch s.State {
	case session.StateAwaitingAction:
		return w.reply(chatID, "Я понимаю только кнопки меню. Выберите действие:", menuMarkup())

	case session.StateObject:
		return w.reply(chatID, "Выберите объект кнопкой ниже.", w.objectMarkup())

	case session.StateTaskName:
		return w.handleTaskName(ctx, s, msg)

	case session.StateDescription:
		return w.handleDescription(ctx, s, msg)

	case session.StateFileDecision:
		return w.reply(chatID, "Нужно ли прикрепить файлы? Ответьте кнопкой.", fileDecisionMarkup())

	case session.StateInsertFile:
		return w.handleAttachment(ctx, s, msg)

	case session.StateConfirmation:
		return w.sendConfirmation(ctx, s, "Проверьте задачу и нажмите «Отправить».")
	}

	w.logger.Warn("session_state_unknown", "chat_id", chatID, "state", string(s.State))
	return w.ShowMenu(ctx, chatID)
}

// HandleCallback routes a wizard button press by the chat's current state.
func (w *Wizard) HandleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) error {
	if query.Message == nil || !IsWizardCallback(query.Data) {
		return errNotWizardCallback
	}
	if _, err := w.msgr.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		w.logger.Warn("callback_answer_failed", "error", err.Error())
	}

	chatID := query.Message.Chat.ID
	if query.Data == CBCancel {
		return w.Cancel(ctx, chatID)
	}

	s, err := w.sessions.Load(ctx, chatID)
	if err != nil {
		return err
	}

	switch s.State {
	case session.StateAwaitingAction:
		return w.handleMenuPick(ctx, s, query)

	case session.StateObject:
		if idx, ok := parseObjectIndex(query.Data); ok {
			return w.handleObjectPick(ctx, s, idx)
		}

	case session.StateFileDecision:
		switch query.Data {
		case CBFilesYes:
			s.State = session.StateInsertFile
			if err := w.sessions.Save(ctx, s); err != nil {
				return err
			}
			return w.reply(s.ChatID, "Пришлите файл или фото одним сообщением, без подписи.", markupOf(cancelRow()))
		case CBFilesNo:
			return w.toConfirmation(ctx, s)
		}

	case session.StateInsertFile:
		switch query.Data {
		case CBFileMore:
			return w.reply(s.ChatID, "Пришлите следующий файл.", markupOf(cancelRow()))
		case CBFilesDone:
			return w.toConfirmation(ctx, s)
		}

	case session.StateConfirmation:
		if query.Data == CBPublish {
			return w.publish(ctx, s)
		}
	}

	w.logger.Info("callback_out_of_state", "chat_id", chatID, "state", string(s.State), "data", query.Data)
	return w.reply(chatID, "Эта кнопка уже не активна.", nil)
}

func (w *Wizard) handleMenuPick(ctx context.Context, s *session.Session, query *tgbotapi.CallbackQuery) error {
	switch query.Data {
	case CBNewTask:
		return w.NewTask(ctx, s.ChatID, query.From)

	case CBFetchFiles, CBUploadReply, CBGetLink:
		// Menu stubs: acknowledged, not yet implemented end to end.
		return w.reply(s.ChatID, "Эта функция пока в разработке.", menuMarkup())
	}
	return w.reply(s.ChatID, "Выберите действие:", menuMarkup())
}

// NewTask opens a fresh draft for the chat and asks for the object. Any
// draft the chat abandoned earlier is superseded by the store.
func (w *Wizard) NewTask(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	var firstName, lastName string
	if from != nil {
		firstName, lastName = from.FirstName, from.LastName
	}
	task, err := w.store.StartDraft(ctx, chatID, firstName, lastName)
	if err != nil {
		return fmt.Errorf("start draft: %w", err)
	}
	s := &session.Session{ChatID: chatID, State: session.StateObject, TaskID: task.ID}
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	w.logger.Info("task_draft_started", "chat_id", chatID, "task_id", task.ID)
	return w.reply(chatID, "Выберите объект:", w.objectMarkup())
}

// Expire resets a chat whose wizard went quiet. Returns true when there was
// an in-flight session to reset; chats already at the menu are left alone.
func (w *Wizard) Expire(ctx context.Context, chatID int64) (bool, error) {
	s, err := w.sessions.Load(ctx, chatID)
	if err != nil {
		return false, err
	}
	if s.State == session.StateAwaitingAction && s.TaskID == 0 {
		return false, nil
	}
	if s.TaskID != 0 {
		if err := w.store.SetStatus(ctx, s.TaskID, store.StatusDeletedByUser); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			return false, fmt.Errorf("expire task: %w", err)
		}
	}
	if err := w.sessions.Clear(ctx, chatID); err != nil {
		return false, err
	}
	w.logger.Info("session_expired", "chat_id", chatID, "task_id", s.TaskID)
	return true, w.reply(chatID, "⏰ Сессия сброшена из-за неактивности. Начните заново:", menuMarkup())
}

func (w *Wizard) objectMarkup() *tgbotapi.InlineKeyboardMarkup {
	buttons := w.routing.ObjectButtons()
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons)+1)
	for i, name := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(name, objectCallback(i)),
		))
	}
	rows = append(rows, cancelRow())
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

func (w *Wizard) handleObjectPick(ctx context.Context, s *session.Session, idx int) error {
	object, ok := w.routing.ObjectAt(idx)
	if !ok {
		return w.reply(s.ChatID, "Выберите объект кнопкой ниже.", w.objectMarkup())
	}
	if err := w.store.SetObject(ctx, s.TaskID, object); err != nil {
		return fmt.Errorf("set object: %w", err)
	}
	s.Object = object
	s.State = session.StateTaskName
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	return w.reply(s.ChatID, "Введите короткое название задачи:", markupOf(cancelRow()))
}

func (w *Wizard) handleTaskName(ctx context.Context, s *session.Session, msg *tgbotapi.Message) error {
	name := strings.TrimSpace(msg.Text)
	if name == "" {
		return w.reply(s.ChatID, "Название задачи должно быть текстом. Введите название:", markupOf(cancelRow()))
	}
	if err := w.store.SetTaskName(ctx, s.TaskID, name); err != nil {
		return fmt.Errorf("set task name: %w", err)
	}
	s.State = session.StateDescription
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	return w.reply(s.ChatID, "Опишите задачу одним сообщением:", markupOf(cancelRow()))
}

func (w *Wizard) handleDescription(ctx context.Context, s *session.Session, msg *tgbotapi.Message) error {
	description := strings.TrimSpace(msg.Text)
	if description == "" {
		return w.reply(s.ChatID, "Описание должно быть текстом. Опишите задачу:", markupOf(cancelRow()))
	}
	if err := w.store.SetDescription(ctx, s.TaskID, description); err != nil {
		return fmt.Errorf("set description: %w", err)
	}
	s.State = session.StateFileDecision
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	return w.reply(s.ChatID, "Нужно ли прикрепить файлы?", fileDecisionMarkup())
}

func fileDecisionMarkup() *tgbotapi.InlineKeyboardMarkup {
	m := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📎 Да", CBFilesYes),
			tgbotapi.NewInlineKeyboardButtonData("➡️ Нет", CBFilesNo),
		),
		cancelRow(),
	)
	return &m
}

func (w *Wizard) handleAttachment(ctx context.Context, s *session.Session, msg *tgbotapi.Message) error {
	res, err := w.ingestor.Ingest(ctx, msg, s.TaskID, userIDOf(msg))
	switch {
	case errors.Is(err, ingest.ErrTextWithMedia):
		return w.reply(s.ChatID, "Файл нужно прислать без подписи. Текст задачи уже записан.", markupOf(cancelRow()))
	case errors.Is(err, ingest.ErrNoMedia):
		return w.reply(s.ChatID, "Пришлите файл или фото, либо нажмите «Готово».", fileLoopMarkup())
	case errors.Is(err, ingest.ErrDownloadFailed):
		return w.reply(s.ChatID, "Не удалось скачать файл. Попробуйте прислать его ещё раз.", fileLoopMarkup())
	case err != nil:
		return fmt.Errorf("ingest attachment: %w", err)
	}

	s.FileCount++
	if res.MediaType == "photo" {
		s.PhotoIDs = append(s.PhotoIDs, res.DocID)
	} else {
		s.DocIDs = append(s.DocIDs, res.DocID)
	}
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	text := fmt.Sprintf("Файл сохранён как <b>%s</b>. Ещё файл?", html.EscapeString(res.NewName))
	return w.reply(s.ChatID, text, fileLoopMarkup())
}

func fileLoopMarkup() *tgbotapi.InlineKeyboardMarkup {
	m := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ Ещё файл", CBFileMore),
			tgbotapi.NewInlineKeyboardButtonData("✅ Готово", CBFilesDone),
		),
		cancelRow(),
	)
	return &m
}

func (w *Wizard) toConfirmation(ctx context.Context, s *session.Session) error {
	s.State = session.StateConfirmation
	if err := w.sessions.Save(ctx, s); err != nil {
		return err
	}
	return w.sendConfirmation(ctx, s, "Проверьте задачу перед отправкой:")
}

func (w *Wizard) sendConfirmation(ctx context.Context, s *session.Session, header string) error {
	task, err := w.store.GetTask(ctx, s.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		w.logger.Error("confirmation_task_missing", "chat_id", s.ChatID, "task_id", s.TaskID)
		return w.Cancel(ctx, s.ChatID)
	}

	var b strings.Builder
	b.WriteString(header + "\n\n")
	fmt.Fprintf(&b, "🆔 <b>ID:</b> T%s\n", store.FormatID(task.ID))
	fmt.Fprintf(&b, "🏢 <b>Объект:</b> %s\n", html.EscapeString(task.Object))
	fmt.Fprintf(&b, "📝 <b>Название:</b> %s\n", html.EscapeString(task.TaskName))
	fmt.Fprintf(&b, "📄 <b>Описание:</b> %s\n", html.EscapeString(task.TaskDescription))

	if s.FileCount > 0 {
		lines, err := ingest.LogLines(w.filesRoot, w.now(), s.TaskID)
		if err != nil {
			w.logger.Warn("attachment_log_read_failed", "task_id", s.TaskID, "error", err.Error())
		}
		fmt.Fprintf(&b, "\n📎 <b>Вложения:</b> %d\n", s.FileCount)
		for _, line := range lines {
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(line))
		}
	}

	m := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚀 Отправить", CBPublish),
		),
		cancelRow(),
	)
	return w.reply(s.ChatID, strings.TrimRight(b.String(), "\n"), &m)
}

func (w *Wizard) publish(ctx context.Context, s *session.Session) error {
	manifest := store.Manifest{
		TaskID:    s.TaskID,
		FileCount: s.FileCount,
		DocIDs:    s.DocIDs,
		PhotoIDs:  s.PhotoIDs,
		Timestamp: w.now().UTC(),
	}
	if err := w.store.SetManifest(ctx, s.TaskID, manifest); err != nil {
		return fmt.Errorf("set manifest: %w", err)
	}

	task, err := w.store.GetTask(ctx, s.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return w.Cancel(ctx, s.ChatID)
	}
	files, err := w.store.TaskFiles(ctx, s.TaskID)
	if err != nil {
		return fmt.Errorf("load task files: %w", err)
	}

	out, err := w.publisher.Deliver(ctx, task, files)
	if err != nil {
		// The relay has already written the failure record. The draft stays
		// in progress so an operator can replay it.
		w.logger.Error("task_publish_failed", "task_id", s.TaskID, "error", err.Error())
		if err := w.sessions.Clear(ctx, s.ChatID); err != nil {
			return err
		}
		return w.reply(s.ChatID,
			"⚠️ Не удалось отправить задачу. Она сохранена и будет обработана вручную.", menuMarkup())
	}

	if err := w.store.SetStatus(ctx, s.TaskID, store.StatusPublished); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if err := w.sessions.Clear(ctx, s.ChatID); err != nil {
		return err
	}
	w.logger.Info("task_published", "task_id", s.TaskID, "chat_id", out.Destination, "fallback", out.Fallback)
	return w.reply(s.ChatID,
		fmt.Sprintf("✅ Задача <b>T%s</b> отправлена.", store.FormatID(s.TaskID)), menuMarkup())
}

// Cancel aborts whatever the chat is doing: any open draft is tombstoned and
// the session returns to the menu. Safe to call from every state.
func (w *Wizard) Cancel(ctx context.Context, chatID int64) error {
	s, err := w.sessions.Load(ctx, chatID)
	if err != nil {
		return err
	}
	if s.TaskID != 0 {
		if err := w.store.SetStatus(ctx, s.TaskID, store.StatusDeletedByUser); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("cancel task: %w", err)
		}
		w.logger.Info("task_cancelled", "chat_id", chatID, "task_id", s.TaskID)
	}
	if err := w.sessions.Clear(ctx, chatID); err != nil {
		return err
	}
	return w.reply(chatID, "Действие отменено.", menuMarkup())
}

func (w *Wizard) reply(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := w.msgr.Send(msg); err != nil {
		return fmt.Errorf("send reply to %d: %w", chatID, err)
	}
	return nil
}

func markupOf(rows ...[]tgbotapi.InlineKeyboardButton) *tgbotapi.InlineKeyboardMarkup {
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

func userIDOf(msg *tgbotapi.Message) int64 {
	if msg.From != nil {
		return msg.From.ID
	}
	return msg.Chat.ID
}
