package cmd

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/olamilekan000/readerq/readerq"
	"github.com/olamilekan000/readerq/readerq/config"
	"github.com/olamilekan000/readerq/readerq/driver"
)

type globalFlags struct {
	envFile    string
	driver     string
	sqlitePath string
	redisURL   string
	logLevel   string
}

var flags globalFlags

func Run() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.DefaultContextLogger = &log.Logger

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}

func newRootCmd() *cobra.Command {
	flags = globalFlags{}

	var command = &cobra.Command{
		Use:           "readerq",
		Short:         "Background job queue for the reader",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	pf := command.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "Optional env file loaded before the environment")
	pf.StringVar(&flags.driver, "driver", "", "Job table driver (sqlite or redis)")
	pf.StringVar(&flags.sqlitePath, "sqlite-path", "", "SQLite database file")
	pf.StringVar(&flags.redisURL, "redis-url", "", "Redis connection URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	command.AddCommand(serveCmd())
	command.AddCommand(enqueueCmd())
	command.AddCommand(statusCmd())
	command.AddCommand(statsCmd())
	command.AddCommand(purgeCmd())
	command.AddCommand(clearCmd())

	return command
}

// loadConfig reads the env file and environment, then applies flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("driver") {
		cfg.Driver = driver.Driver(flags.driver)
	}
	if f.Changed("sqlite-path") {
		cfg.SQLitePath = flags.sqlitePath
	}
	if f.Changed("redis-url") {
		cfg.RedisURL = flags.redisURL
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}

	cfg.SetDefaults()
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)

	return cfg, nil
}

func openClient(cmd *cobra.Command) (*readerq.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return readerq.NewClient(cmd.Context(), cfg)
}
