package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/parleyhq/parley/server"
	"github.com/parleyhq/parley/server/profile"
	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Multi-tenant LLM chat completion server",
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		prof, err := profile.GetProfile()
		if err != nil {
			return fmt.Errorf("failed to resolve profile: %w", err)
		}
		if prof.IsDev() {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}

		driver, err := db.NewDriver(prof)
		if err != nil {
			return fmt.Errorf("failed to create db driver: %w", err)
		}
		st := store.New(driver)
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		srv, err := server.NewServer(ctx, prof, st)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		defer srv.Shutdown()

		return srv.Start(ctx)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `server mode, "dev" or "prod"`)
	flags.String("addr", "", "bind address")
	flags.Int("port", 8081, "bind port")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", `database driver, "sqlite", "mysql" or "postgres"`)
	flags.String("dsn", "", "database connection string")
	flags.String("secret", "", "access token signing secret")
	flags.Int32("user-daily-limit", 200, "default daily message quota per user, negative for unlimited")
	flags.Int32("anonymous-daily-limit", 20, "daily message quota shared by anonymous callers, negative for unlimited")
	flags.String("global-prompt", "", "instance-wide pinned system prompt")
	flags.Float64("default-temperature", 0.7, "temperature for models without an override")
	flags.Int32("default-max-tokens", 2048, "completion cap for models without their own")
	flags.Bool("save-reasoning", false, "persist model reasoning alongside replies")
	flags.Bool("compression-enabled", true, "summarize old history when it outgrows the context window")
	flags.Float64("compression-threshold-ratio", 0.8, "context fraction that triggers compression")
	flags.Int("compression-tail-messages", 10, "trailing messages never compressed")
	flags.String("summary-model", "", "model used for digests and titles")
	flags.Duration("provider-timeout", 0, "per-call provider timeout")
	flags.Duration("rate-limit-backoff", 0, "pause before retrying a 429")
	flags.Duration("server-error-backoff", 0, "pause before retrying a 5xx")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("parley")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}
