package review

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/config"
)

// API is the slice of the transport the handler needs. *tgbotapi.BotAPI
// satisfies it.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Handler struct {
	api     API
	routing *config.Routing
	logger  *slog.Logger
}

func NewHandler(api API, routing *config.Routing, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{api: api, routing: routing, logger: logger}
}

// AcceptDeleteMarkup is the initial button row attached to a freshly
// delivered task message.
func AcceptDeleteMarkup(taskID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Принять", Callback{Action: ActionAccept, TaskID: taskID}.Encode()),
			tgbotapi.NewInlineKeyboardButtonData("❌ Удалить", Callback{Action: ActionDelete, TaskID: taskID}.Encode()),
		),
	)
}

func completeMarkup(taskID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✔️ Выполнено", Callback{Action: ActionComplete, TaskID: taskID}.Encode()),
		),
	)
}

func approveMarkup(taskID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔒 Подтвердить", Callback{Action: ActionApprove, TaskID: taskID}.Encode()),
		),
	)
}

// HandleCallback advances the message's action chain by one stage and
// re-renders it. Unknown callback data is reported via ErrUnknownCallback so
// the runtime can route elsewhere.
func (h *Handler) HandleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) error {
	decoded, err := Decode(query.Data)
	if err != nil {
		return err
	}

	// Always acknowledge the press, even if the transition below fails.
	if _, err := h.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		h.logger.Warn("callback_answer_failed", "error", err.Error())
	}

	msg := query.Message
	if msg == nil {
		h.logger.Error("callback_message_unavailable", "action", string(decoded.Action), "task_id", decoded.TaskID)
		return nil
	}

	userLink := mentionHTML(query.From)

	switch decoded.Action {
	case ActionAccept:
		markup := completeMarkup(decoded.TaskID)
		return h.edit(msg, appendLine(messageText(msg), "✅ <b>Принял:</b> "+userLink), &markup)

	case ActionDelete:
		if _, err := h.api.Request(tgbotapi.NewDeleteMessage(msg.Chat.ID, msg.MessageID)); err != nil {
			return fmt.Errorf("delete task message: %w", err)
		}
		h.logger.Info("task_message_deleted", "task_id", decoded.TaskID, "by", query.From.ID)
		return nil

	case ActionComplete:
		text := appendLine(messageText(msg), "✔️ <b>Выполнил:</b> "+userLink)
		// The approve affordance is rendered only for allow-listed staff.
		if h.routing.IsApprover(query.From.ID) {
			markup := approveMarkup(decoded.TaskID)
			return h.edit(msg, text, &markup)
		}
		return h.edit(msg, text, nil)

	case ActionApprove:
		if !h.routing.IsApprover(query.From.ID) {
			h.logger.Warn("approve_denied", "task_id", decoded.TaskID, "by", query.From.ID)
			return nil
		}
		return h.edit(msg, appendLine(messageText(msg), "🔒 <b>Подтвердил:</b> "+userLink), nil)
	}
	return nil
}

func (h *Handler) edit(msg *tgbotapi.Message, newText string, markup *tgbotapi.InlineKeyboardMarkup) error {
	// Media deliveries carry their text as a caption and need the caption
	// edit call instead.
	if msg.Text == "" && msg.Caption != "" {
		edit := tgbotapi.NewEditMessageCaption(msg.Chat.ID, msg.MessageID, newText)
		edit.ParseMode = tgbotapi.ModeHTML
		edit.ReplyMarkup = markup
		if _, err := h.api.Send(edit); err != nil {
			return fmt.Errorf("edit task caption: %w", err)
		}
		return nil
	}

	edit := tgbotapi.NewEditMessageText(msg.Chat.ID, msg.MessageID, newText)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.ReplyMarkup = markup
	if _, err := h.api.Send(edit); err != nil {
		return fmt.Errorf("edit task message: %w", err)
	}
	return nil
}

func messageText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func appendLine(text, line string) string {
	return strings.TrimRight(text, "\n") + "\n\n" + line
}

func mentionHTML(user *tgbotapi.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(html.EscapeString(user.FirstName) + " " + html.EscapeString(user.LastName))
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, user.ID, name)
}
