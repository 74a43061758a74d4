package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hyprflux/internal/config"
)

var version = "dev"

var (
	cfg          *config.Config
	flagLogLevel string
	flagAPIKey   string
	flagOwner    string
)

var rootCmd = &cobra.Command{
	Use:   "hyprflux",
	Short: "Generate images and videos with the HyprLab API",
	Long: `hyprflux drives the HyprLab image and video models from the command line
and serves the same generators as a Telegram bot.

Examples:
  hyprflux models video
  hyprflux generate image --model dall-e-3 --set size=1792x1024 "a lighthouse at dusk"
  hyprflux generate video --model kling-v2.6 --file start_image=cat.png "the cat jumps"
  hyprflux history list
  hyprflux serve`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// a missing .env is fine
		_ = godotenv.Load()
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if flagLogLevel != "" {
			loaded.Log.Level = flagLogLevel
		}
		if flagAPIKey != "" {
			loaded.API.APIKey = flagAPIKey
		}
		setupLogger(loaded.Log.Level)
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "HyprLab API key; overrides HYPRLAB_API_KEY")
	rootCmd.PersistentFlags().StringVar(&flagOwner, "owner", "local", "history and settings owner")

	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogger writes to stderr so command output on stdout stays clean.
func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
