package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/autofollow/internal/control"
	"github.com/vietddude/autofollow/internal/core/config"
)

var (
	cfgPath    string
	isDebug    bool
	driverName string
)

var rootCmd = &cobra.Command{
	Use:   "autofollow",
	Short: "Copy-trade follow-up automation",
	Long: `autofollow logs a list of accounts into the trading site and follows a
copy-trading order on each of them, a bounded number of sessions at a time.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", "", "session driver override: chromedp or fake")
}

// setup loads .env and the configuration, then installs the logger.
func setup() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if driverName != "" {
		cfg.Browser.Driver = driverName
		if err := cfg.Validate(); err != nil {
			stylelog.InitDefault()
			slog.Error("Invalid --driver", "error", err)
			os.Exit(1)
		}
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func newApp(ctx context.Context, cfg *config.AppConfig) *control.App {
	app, err := control.NewApp(ctx, cfg, control.Options{})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	return app
}

// signalContext is cancelled on the first SIGINT/SIGTERM. Cancelling the
// context lets in-flight runs wind down and still report.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Warn("Received signal, cancelling...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
