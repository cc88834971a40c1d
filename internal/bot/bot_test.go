package bot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/config"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/ingest"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/relay"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/review"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/session"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/wizard"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	fail    map[int64]error
	updates chan tgbotapi.Update
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		if err, bad := f.fail[msg.ChatID]; bad {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, c := range f.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg.Text)
		}
	}
	return out
}

func (f *fakeAPI) sawText(substr string) bool {
	for _, text := range f.texts() {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type nopPublisher struct{}

func (nopPublisher) Deliver(ctx context.Context, task *store.Task, files []*store.FileRecord) (*relay.Outcome, error) {
	return &relay.Outcome{Destination: -2001}, nil
}

type nopResolver struct{}

func (nopResolver) GetFileDirectURL(fileID string) (string, error) {
	return "http://127.0.0.1:1/" + fileID, nil
}

func newTestBot(t *testing.T, api *fakeAPI, cfg Config) (*Bot, *store.Store) {
	t.Helper()
	base := t.TempDir()

	st, err := store.Open(filepath.Join(base, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	routingPath := filepath.Join(base, "routing.yaml")
	routingYAML := "objects: [\"Склад\"]\nchats:\n  \"Склад\": -2001\n  \"Test\": -2999\napprovers: [42]\n"
	require.NoError(t, os.WriteFile(routingPath, []byte(routingYAML), 0o600))
	routing, err := config.Load(routingPath)
	require.NoError(t, err)

	sessions := session.NewStore(filepath.Join(base, "sessions"), filepath.Join(base, "locks"))
	ingestor := ingest.New(st, nopResolver{}, nil, filepath.Join(base, "BBFiles"), nil)
	wiz := wizard.New(api, st, sessions, ingestor, routing, nopPublisher{}, filepath.Join(base, "BBFiles"), nil)
	rev := review.NewHandler(api, routing, nil)

	if cfg.InstructionPath == "" {
		cfg.InstructionPath = filepath.Join(base, "instruction.txt")
	}
	return New(api, st, wiz, rev, cfg, nil), st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

const userChat = int64(700)

func commandUpdate(cmd string) tgbotapi.Update {
	text := "/" + cmd
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: userChat},
		From:      &tgbotapi.User{ID: userChat, FirstName: "Ivan"},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func callbackUpdate(data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cbq",
		Data: data,
		From: &tgbotapi.User{ID: userChat, FirstName: "Ivan"},
		Message: &tgbotapi.Message{
			MessageID: 1,
			Chat:      &tgbotapi.Chat{ID: userChat},
			Text:      "task body",
		},
	}}
}

func TestRunRoutesCommandsAndCallbacks(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	b, st := newTestBot(t, api, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()

	api.updates <- commandUpdate("start")
	waitFor(t, func() bool { return api.sawText("Выберите действие") })

	// Wizard callback at the menu starts a draft.
	api.updates <- callbackUpdate(wizard.CBNewTask)
	waitFor(t, func() bool { return api.sawText("Выберите объект") })

	// The user is registered as a side effect.
	waitFor(t, func() bool {
		ids, err := st.ActiveUsers(context.Background())
		require.NoError(t, err)
		return len(ids) == 1 && ids[0] == userChat
	})

	cancel()
	<-done
}

func TestReviewCallbacksReachReviewHandler(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	b, _ := newTestBot(t, api, Config{})

	cb := callbackUpdate(review.Callback{Action: review.ActionAccept, TaskID: 3}.Encode())
	b.handleUpdate(context.Background(), cb)

	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		for _, c := range api.sent {
			if _, ok := c.(tgbotapi.EditMessageTextConfig); ok {
				return true
			}
		}
		return false
	})
}

func TestHelpAndInstr(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	instrPath := filepath.Join(t.TempDir(), "instruction.txt")
	b, _ := newTestBot(t, api, Config{InstructionPath: instrPath})
	ctx := context.Background()

	b.handleUpdate(ctx, commandUpdate("help"))
	require.True(t, api.sawText("/new_task"))

	// No instruction file yet.
	b.handleUpdate(ctx, commandUpdate("instr"))
	require.True(t, api.sawText("Инструкция пока не добавлена"))

	require.NoError(t, os.WriteFile(instrPath, []byte("Как ставить задачи: ..."), 0o600))
	b.handleUpdate(ctx, commandUpdate("instr"))
	require.True(t, api.sawText("Как ставить задачи"))

	b.handleUpdate(ctx, commandUpdate("bogus"))
	require.True(t, api.sawText("Неизвестная команда"))
}

func TestPanicInHandlerIsContained(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	_, st := newTestBot(t, api, Config{})

	// A nil wizard makes any routed message panic inside the handler body.
	broken := New(api, st, nil, nil, Config{}, nil)
	update := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: userChat},
		From:      &tgbotapi.User{ID: userChat},
		Text:      "привет",
	}}

	require.NotPanics(t, func() {
		broken.handleUpdate(context.Background(), update)
	})
}

func TestRestartAnnouncement(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	b, st := newTestBot(t, api, Config{})
	ctx := context.Background()

	require.NoError(t, st.UpsertUser(ctx, &store.User{UserID: 700, FirstName: "Ivan"}))
	require.NoError(t, st.UpsertUser(ctx, &store.User{UserID: 701, FirstName: "Olga"}))

	// 701 has blocked the bot.
	api.fail = map[int64]error{701: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}

	b.announceRestart(ctx)

	require.True(t, api.sawText("перезапущен"))

	ids, err := st.ActiveUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{700}, ids)
}

func TestIdleSweepExpiresInFlightSessions(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	b, st := newTestBot(t, api, Config{})
	ctx := context.Background()

	// Walk the user into the middle of the wizard.
	b.handleUpdate(ctx, commandUpdate("start"))
	b.handleUpdate(ctx, callbackUpdate(wizard.CBNewTask))
	waitFor(t, func() bool { return api.sawText("Выберите объект") })

	open, err := st.OpenTask(ctx, userChat)
	require.NoError(t, err)
	require.NotNil(t, open)

	// Zero idle timeout makes everyone stale immediately.
	b.sweepIdle(ctx)
	require.True(t, api.sawText("Сессия сброшена"))

	open, err = st.OpenTask(ctx, userChat)
	require.NoError(t, err)
	require.Nil(t, open, "idle draft must be tombstoned")

	// A user parked at the menu is left alone.
	before := api.sentCount()
	b.sweepIdle(ctx)
	require.Equal(t, before, api.sentCount())
}
