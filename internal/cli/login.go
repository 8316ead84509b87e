package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/autofollow/internal/orchestrator"
)

var (
	loginAccounts    []string
	loginConcurrency int
	loginJSON        bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log every account in and refresh the session cache",
	Run:   runLogin,
}

func init() {
	loginCmd.Flags().StringSliceVar(&loginAccounts, "accounts", nil, "only log in these account names")
	loginCmd.Flags().IntVarP(&loginConcurrency, "concurrency", "c", 0, "parallel sessions, 1-10 (default from config)")
	loginCmd.Flags().BoolVar(&loginJSON, "json", false, "print the batch report as JSON")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) {
	cfg := setup()
	if !cfg.SessionCache.Enabled {
		slog.Warn("Session cache is disabled, logins will not be kept")
	}

	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()

	accounts, err := app.Accounts(loginAccounts...)
	if err != nil {
		slog.Error("Failed to load accounts", "error", err)
		os.Exit(1)
	}

	report, err := app.Run(ctx, accounts, orchestrator.Options{
		ConcurrencyLimit: loginConcurrency,
		LoginOnly:        true,
	})
	if report == nil {
		slog.Error("Login run failed", "error", err)
		os.Exit(1)
	}
	printReport(os.Stdout, report, loginJSON)
	if err != nil || report.Counts.Failed > 0 {
		os.Exit(1)
	}
}
