package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/orchestrator"
)

type runFlags struct {
	orderID          string
	accounts         []string
	concurrency      int
	batchSize        int
	skipVerification bool
	dryRun           bool
	yes              bool
	jsonOut          bool
}

var copyTradeFlags runFlags

var copyTradeCmd = &cobra.Command{
	Use:   "copy-trade",
	Short: "Follow a copy-trading order on every account",
	Example: `  autofollow copy-trade --order 8F3K2 -c 3
  autofollow copy-trade --order 8F3K2 --accounts alice,bob --dry-run`,
	Run: runCopyTrade,
}

func init() {
	f := copyTradeCmd.Flags()
	f.StringVarP(&copyTradeFlags.orderID, "order", "o", "", "order id to follow (accounts may override it)")
	f.StringSliceVar(&copyTradeFlags.accounts, "accounts", nil, "only run these account names")
	f.IntVarP(&copyTradeFlags.concurrency, "concurrency", "c", 0, "parallel sessions, 1-10 (default from config)")
	f.IntVar(&copyTradeFlags.batchSize, "batch-size", 0, "accounts per engine cycle (default from config)")
	f.BoolVar(&copyTradeFlags.skipVerification, "skip-verification", false, "do not check the order history")
	f.BoolVar(&copyTradeFlags.dryRun, "dry-run", false, "go through every step except the follow click")
	f.BoolVarP(&copyTradeFlags.yes, "yes", "y", false, "do not ask for confirmation")
	f.BoolVar(&copyTradeFlags.jsonOut, "json", false, "print the batch report as JSON")
	rootCmd.AddCommand(copyTradeCmd)
}

func runCopyTrade(cmd *cobra.Command, args []string) {
	f := copyTradeFlags
	cfg := setup()

	ctx, cancel := signalContext()
	defer cancel()

	app := newApp(ctx, cfg)
	defer app.Close()

	accounts, err := app.Accounts(f.accounts...)
	if err != nil {
		slog.Error("Failed to load accounts", "error", err)
		os.Exit(1)
	}

	if !f.dryRun && !f.yes {
		prompt := fmt.Sprintf("Follow order %s on %d account(s)? This places live trades.", orderLabel(f.orderID), len(accounts))
		if !confirm(os.Stdin, os.Stderr, prompt) {
			slog.Info("Aborted by user")
			return
		}
	}

	report, err := app.Run(ctx, accounts, orchestrator.Options{
		ConcurrencyLimit: f.concurrency,
		BatchSize:        f.batchSize,
		SkipVerification: f.skipVerification,
		DryRun:           f.dryRun,
		OrderID:          f.orderID,
	})
	if report == nil {
		slog.Error("Run failed", "error", err)
		os.Exit(1)
	}

	printReport(os.Stdout, report, f.jsonOut)
	if err != nil {
		slog.Error("Run aborted", "error", err)
		os.Exit(1)
	}
	if report.Counts.Failed > 0 || report.Counts.Cancelled > 0 {
		os.Exit(2)
	}
}

func printReport(w io.Writer, report *domain.BatchReport, asJSON bool) {
	if !asJSON {
		renderSummary(w, report)
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		slog.Error("Failed to encode report", "error", err)
	}
}

func orderLabel(orderID string) string {
	if orderID == "" {
		return "(per-account)"
	}
	return orderID
}

// confirm asks a yes/no question; anything but y/yes is a no.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
