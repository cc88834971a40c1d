// Package bot is the runtime: it pulls updates from the transport, keeps
// the user registry current, and routes every update to the wizard or the
// review handler on a per-chat worker.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/fsstore"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/retryutil"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/review"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/wizard"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/worker"
)

// API is the slice of the transport the runtime needs. *tgbotapi.BotAPI
// satisfies it.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Config struct {
	// MaxConcurrent bounds how many chats are being processed at once.
	MaxConcurrent int
	// QueueDepth is the per-chat update buffer.
	QueueDepth int
	// IdleTimeout expires wizard sessions with no activity for this long.
	// Zero disables the sweep.
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are checked for.
	SweepInterval time.Duration
	// AnnounceRestart notifies every active user when the process comes up.
	AnnounceRestart bool
	// InstructionPath is the text file served by /instr.
	InstructionPath string
}

type Bot struct {
	api    API
	store  *store.Store
	wiz    *wizard.Wizard
	review *review.Handler
	cfg    Config
	logger *slog.Logger
}

func New(api API, st *store.Store, wiz *wizard.Wizard, rev *review.Handler, cfg Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Bot{api: api, store: st, wiz: wiz, review: rev, cfg: cfg, logger: logger}
}

// Run blocks pumping updates until the context is cancelled or the update
// channel closes.
func (b *Bot) Run(ctx context.Context) error {
	pool := worker.NewPool(ctx, b.cfg.MaxConcurrent, b.cfg.QueueDepth, b.handleUpdate)

	if b.cfg.AnnounceRestart {
		b.announceRestart(ctx)
	}
	if b.cfg.IdleTimeout > 0 {
		go b.sweepLoop(ctx)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.Info("bot_started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			chat := update.FromChat()
			if chat == nil {
				continue
			}
			if err := pool.Enqueue(ctx, chat.ID, update); err != nil {
				return fmt.Errorf("enqueue update: %w", err)
			}
		}
	}
}

// handleUpdate is the per-chat worker body. A panic in one update must not
// take the process down with it.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	b.trackUser(ctx, update)

	var err error
	switch {
	case update.CallbackQuery != nil:
		err = b.routeCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		err = b.handleCommand(ctx, update.Message)
	case update.Message != nil:
		err = b.wiz.HandleMessage(ctx, update.Message)
	}
	if err != nil {
		b.logger.Error("update_failed", "chat_id", update.FromChat().ID, "error", err.Error())
	}
}

func (b *Bot) trackUser(ctx context.Context, update tgbotapi.Update) {
	from := update.SentFrom()
	if from == nil || from.IsBot {
		return
	}
	err := b.store.UpsertUser(ctx, &store.User{
		UserID:    from.ID,
		FirstName: from.FirstName,
		LastName:  from.LastName,
		Username:  from.UserName,
	})
	if err != nil {
		b.logger.Warn("user_upsert_failed", "user_id", from.ID, "error", err.Error())
	}
}

func (b *Bot) routeCallback(ctx context.Context, query *tgbotapi.CallbackQuery) error {
	switch {
	case review.IsReviewCallback(query.Data):
		return b.review.HandleCallback(ctx, query)
	case wizard.IsWizardCallback(query.Data):
		return b.wiz.HandleCallback(ctx, query)
	}
	b.logger.Warn("callback_unroutable", "data", query.Data)
	return nil
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		if err := b.send(chatID, "👋 Здравствуйте! Я помогу поставить задачу бухгалтерии."); err != nil {
			return err
		}
		return b.wiz.ShowMenu(ctx, chatID)

	case "help":
		return b.send(chatID, helpText)

	case "instr":
		return b.sendInstruction(chatID)

	case "new_task":
		return b.wiz.NewTask(ctx, chatID, msg.From)

	case "cancel":
		return b.wiz.Cancel(ctx, chatID)
	}
	return b.send(chatID, "Неизвестная команда. Наберите /help.")
}

const helpText = `Команды:
/start — главное меню
/new_task — поставить задачу
/cancel — отменить текущее действие
/instr — инструкция`

func (b *Bot) sendInstruction(chatID int64) error {
	text, ok, err := fsstore.ReadText(b.cfg.InstructionPath)
	if err != nil {
		return fmt.Errorf("read instruction: %w", err)
	}
	if !ok || text == "" {
		return b.send(chatID, "Инструкция пока не добавлена.")
	}
	return b.send(chatID, text)
}

// announceRestart tells every active user the bot is back. Chats that have
// blocked the bot are deactivated; transient failures get one deferred
// retry and are otherwise dropped.
func (b *Bot) announceRestart(ctx context.Context) {
	ids, err := b.store.ActiveUsers(ctx)
	if err != nil {
		b.logger.Error("active_users_load_failed", "error", err.Error())
		return
	}
	const notice = "🤖 Бот был перезапущен и снова на связи. Наберите /start."
	for _, id := range ids {
		id := id
		if err := b.send(id, notice); err != nil {
			if isForbidden(err) {
				if derr := b.store.DeactivateUser(ctx, id); derr != nil {
					b.logger.Warn("user_deactivate_failed", "user_id", id, "error", derr.Error())
				}
				continue
			}
			retryutil.AsyncRetry(b.logger, "restart_notice", 0, 0, func(ctx context.Context) error {
				return b.send(id, notice)
			})
		}
	}
	b.logger.Info("restart_announced", "users", len(ids))
}

func (b *Bot) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepIdle(ctx)
		}
	}
}

// sweepIdle expires wizard sessions whose owners went quiet for longer than
// the idle timeout.
func (b *Bot) sweepIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-b.cfg.IdleTimeout)
	ids, err := b.store.StaleActiveUsers(ctx, cutoff)
	if err != nil {
		b.logger.Error("stale_users_load_failed", "error", err.Error())
		return
	}
	expired := 0
	for _, id := range ids {
		reset, err := b.wiz.Expire(ctx, id)
		if err != nil {
			if isForbidden(err) {
				if derr := b.store.DeactivateUser(ctx, id); derr != nil {
					b.logger.Warn("user_deactivate_failed", "user_id", id, "error", derr.Error())
				}
				continue
			}
			b.logger.Warn("session_expire_failed", "chat_id", id, "error", err.Error())
			continue
		}
		if reset {
			expired++
		}
	}
	if expired > 0 {
		b.logger.Info("idle_sessions_swept", "expired", expired, "checked", len(ids))
	}
}

func (b *Bot) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send to %d: %w", chatID, err)
	}
	return nil
}

func isForbidden(err error) bool {
	var tgErr *tgbotapi.Error
	return errors.As(err, &tgErr) && tgErr.Code == 403
}
