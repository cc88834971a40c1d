package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "BUHBOT"

func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buhbot",
		Short: "Task-intake Telegram bot for the accounting team",
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	_ = viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))

	cmd.PersistentFlags().String("log-level", "", "Logging level: debug|info|warn|error.")
	cmd.PersistentFlags().String("log-format", "text", "Logging format: text|json.")
	cmd.PersistentFlags().Bool("log-add-source", false, "Include source file:line in logs.")
	cmd.PersistentFlags().Bool("trace", false, "Print extra debug info to stderr.")

	_ = viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("logging.add_source", cmd.PersistentFlags().Lookup("log-add-source"))
	_ = viper.BindPFlag("trace", cmd.PersistentFlags().Lookup("trace"))

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initConfig() {
	// .env is optional, for local runs; real deployments use the
	// environment or a config file.
	_ = godotenv.Load()

	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
	viper.SetDefault("state.dir", "state")
	viper.SetDefault("files.root", "BBFiles")
	viper.SetDefault("db.path", "TasksDataBase.db")
	viper.SetDefault("routing.file", "routing.yaml")
	viper.SetDefault("instruction.file", "instruction.txt")
	viper.SetDefault("bot.max_concurrent", 3)
	viper.SetDefault("bot.queue_depth", 16)
	viper.SetDefault("bot.announce_restart", true)
	viper.SetDefault("session.idle_timeout", "8h")
	viper.SetDefault("session.sweep_interval", "1h")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cfgFile := strings.TrimSpace(viper.GetString("config"))
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
	}
}
