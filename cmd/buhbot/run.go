package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/bot"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/config"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/ingest"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/logutil"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/relay"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/review"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/session"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/statepaths"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/store"
	"github.com/Schr0dinger-s-Cat/BuhBot1/internal/wizard"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd)
		},
	}

	cmd.Flags().String("bot-token", "", "Telegram bot token (or BUHBOT_BOT_TOKEN).")
	_ = viper.BindPFlag("bot.token", cmd.Flags().Lookup("bot-token"))

	return cmd
}

func runBot(cmd *cobra.Command) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}

	token := strings.TrimSpace(viper.GetString("bot.token"))
	if token == "" {
		return fmt.Errorf("missing bot.token (set via --bot-token or %s_BOT_TOKEN)", envPrefix)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("connect bot api: %w", err)
	}
	logger.Info("bot_authorized", "username", api.Self.UserName)

	routing, err := config.Load(statepaths.RoutingPath())
	if err != nil {
		return err
	}
	logger.Info("routing_loaded",
		"objects", len(routing.Objects),
		"projects", strings.Join(routing.KnownProjects(), ","),
		"approvers", len(routing.Approvers))

	st, err := store.Open(statepaths.DBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	sessions := session.NewStore(statepaths.SessionsDir(), statepaths.LocksDir())
	ingestor := ingest.New(st, api, nil, statepaths.FilesRoot(), logger)
	rel := relay.New(api, routing, statepaths.FailedTasksDir(), logger)
	rev := review.NewHandler(api, routing, logger)
	wiz := wizard.New(api, st, sessions, ingestor, routing, rel, statepaths.FilesRoot(), logger)

	b := bot.New(api, st, wiz, rev, bot.Config{
		MaxConcurrent:   viper.GetInt("bot.max_concurrent"),
		QueueDepth:      viper.GetInt("bot.queue_depth"),
		IdleTimeout:     viper.GetDuration("session.idle_timeout"),
		SweepInterval:   viper.GetDuration("session.sweep_interval"),
		AnnounceRestart: viper.GetBool("bot.announce_restart"),
		InstructionPath: statepaths.InstructionPath(),
	}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = b.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("bot_stopped")
		return nil
	}
	return err
}
