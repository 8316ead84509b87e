package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/health"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs [batch-id]",
	Short: "List recent batches or show one batch report",
	Args:  cobra.MaximumNArgs(1),
	Run:   runRuns,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of batches to list")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) {
	cfg := setup()
	if cfg.Database.URL == "" {
		slog.Warn("database.url is not set, only reports from this process are visible")
	}

	ctx := cmd.Context()
	app := newApp(ctx, cfg)
	defer app.Close()

	if len(args) == 1 {
		report, _, err := app.Report(ctx, args[0])
		if errors.Is(err, health.ErrRunNotFound) {
			slog.Error("Batch not found", "id", args[0])
			os.Exit(1)
		}
		if err != nil {
			slog.Error("Failed to load batch", "error", err)
			os.Exit(1)
		}
		printReport(os.Stdout, report, true)
		return
	}

	reports, err := app.Recent(ctx, runsLimit)
	if err != nil {
		slog.Error("Failed to list batches", "error", err)
		os.Exit(1)
	}
	writeRunsTable(os.Stdout, reports)
}

func writeRunsTable(out io.Writer, reports []*domain.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTARTED\tORDER\tDRY RUN\tOK\tFAILED\tCANCELLED\tDURATION")
	for _, r := range reports {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), orderLabel(r.OrderID), r.DryRun,
			r.Counts.Succeeded, r.Counts.Failed, r.Counts.Cancelled,
			(time.Duration(r.DurationMS) * time.Millisecond).String())
	}
	_ = w.Flush()
}
