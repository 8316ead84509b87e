package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/core/faults"
	"github.com/vietddude/autofollow/internal/driver/fake"
	"github.com/vietddude/autofollow/internal/health"
	"github.com/vietddude/autofollow/internal/orchestrator"
)

const testAccounts = `
accounts:
  - name: alice
    username: alice@site.test
    password: pw-a
  - name: bob
    username: bob@site.test
    password: pw-b
    order_id: ORD-BOB
`

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	accounts := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(accounts, []byte(testAccounts), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Browser.Driver = "fake"
	cfg.AccountsFile = accounts
	cfg.SessionCache.Dir = filepath.Join(dir, "states")
	cfg.Diagnostics.Dir = filepath.Join(dir, "diagnostics")
	cfg.Server.Port = 0
	cfg.Selectors = config.SelectorConfig{
		LoginUsername:  "#user",
		LoginPassword:  "#pass",
		LoginSubmit:    "#submit",
		PostLogin:      "#nav",
		TradingMarker:  "#trade-marker",
		CopyTrading:    "#copy",
		OrderInput:     "#order",
		FollowButton:   "#follow",
		Acknowledgment: "#toast",
		Overlay:        "#modal",
		OverlayDismiss: "#modal-ok",
		HistoryItem:    "#history-{order_id}",
	}

	ms := time.Millisecond
	cfg.Timeouts = config.TimeoutConfig{
		Default:        20 * ms,
		Login:          500 * ms,
		Redirect:       20 * ms,
		Navigate:       50 * ms,
		CopySurface:    50 * ms,
		OrderEntry:     50 * ms,
		FollowUp:       200 * ms,
		Acknowledgment: 20 * ms,
		Overlay:        5 * ms,
		Verify:         20 * ms,
		Teardown:       50 * ms,
	}
	cfg.Retry.BaseDelay = ms
	cfg.Retry.MaxDelay = 2 * ms
	return cfg
}

func newTestApp(t *testing.T, cfg *config.AppConfig, drv *fake.Driver) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, Options{Driver: drv})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func TestApp_RunPersistsReport(t *testing.T) {
	cfg := testConfig(t)
	drv := fake.New(fake.NewSite(cfg.Site, cfg.Selectors))
	app := newTestApp(t, cfg, drv)
	ctx := context.Background()

	accounts, err := app.Accounts()
	if err != nil {
		t.Fatalf("Accounts failed: %v", err)
	}

	report, err := app.Run(ctx, accounts, orchestrator.Options{OrderID: "ORD-1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Counts.Succeeded != 2 {
		t.Fatalf("expected 2 successes, got %+v", report.Counts)
	}
	if got := drv.Follows("alice@site.test"); len(got) != 1 || got[0] != "ORD-1" {
		t.Errorf("alice follows = %v", got)
	}
	if got := drv.Follows("bob@site.test"); len(got) != 1 || got[0] != "ORD-BOB" {
		t.Errorf("bob should use the account order, got %v", got)
	}

	stored, running, err := app.Report(ctx, report.ID)
	if err != nil || running {
		t.Fatalf("Report: running=%v err=%v", running, err)
	}
	if stored.ID != report.ID || len(stored.Runs) != 2 {
		t.Errorf("unexpected stored report %+v", stored)
	}

	recent, err := app.Recent(ctx, 10)
	if err != nil || len(recent) != 1 {
		t.Errorf("Recent = %d reports, err %v", len(recent), err)
	}
}

func TestApp_RunRequiresOrder(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg, fake.New(fake.NewSite(cfg.Site, cfg.Selectors)))

	accounts, err := app.Accounts("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.Run(context.Background(), accounts, orchestrator.Options{}); !errors.Is(err, ErrMissingOrder) {
		t.Errorf("expected ErrMissingOrder, got %v", err)
	}
	// Login-only runs need no order.
	if _, err := app.Run(context.Background(), accounts, orchestrator.Options{LoginOnly: true}); err != nil {
		t.Errorf("login-only run failed: %v", err)
	}
}

func TestApp_Accounts(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg, fake.New(fake.NewSite(cfg.Site, cfg.Selectors)))

	tests := []struct {
		names   []string
		want    int
		wantErr bool
	}{
		{nil, 2, false},
		{[]string{"bob"}, 1, false},
		{[]string{"bob", "alice"}, 2, false},
		{[]string{"carol"}, 0, true},
	}
	for _, tt := range tests {
		got, err := app.Accounts(tt.names...)
		if (err != nil) != tt.wantErr {
			t.Errorf("Accounts(%v) err = %v", tt.names, err)
			continue
		}
		if len(got) != tt.want {
			t.Errorf("Accounts(%v) = %d accounts, want %d", tt.names, len(got), tt.want)
		}
	}
}

func TestApp_Submit(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg, fake.New(fake.NewSite(cfg.Site, cfg.Selectors)))
	ctx := context.Background()

	id, err := app.Submit(ctx, health.RunRequest{OrderID: "ORD-9", DryRun: true, Accounts: []string{"alice"}})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var report *domain.BatchReport
	for {
		r, running, err := app.Report(ctx, id)
		if err != nil {
			t.Fatalf("Report failed: %v", err)
		}
		if !running {
			report = r
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if report.ID != id || !report.DryRun || report.Counts.Succeeded != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if app.Active() != 0 {
		t.Errorf("active = %d after completion", app.Active())
	}
}

func TestApp_SubmitInvalid(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg, fake.New(fake.NewSite(cfg.Site, cfg.Selectors)))

	tests := []health.RunRequest{
		{OrderID: "ORD-1", Accounts: []string{"nobody"}},
		{Accounts: []string{"alice"}}, // no order id
	}
	for _, req := range tests {
		if _, err := app.Submit(context.Background(), req); !errors.Is(err, health.ErrInvalidRun) {
			t.Errorf("Submit(%+v) = %v, want ErrInvalidRun", req, err)
		}
	}
	if _, _, err := app.Report(context.Background(), "missing"); !errors.Is(err, health.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestClassifierFor(t *testing.T) {
	site := config.SiteConfig{RejectionMarkers: []string{"quota reached"}}
	c := classifierFor(site)

	got := c.Classify(faults.Reject("Daily quota reached"))
	if got.Kind != faults.Permanent || got.Category != faults.CategoryRejection {
		t.Errorf("site marker: got %v/%s", got.Kind, got.Category)
	}
	if got := classifierFor(config.SiteConfig{}).Classify(faults.Reject("Daily quota reached")); got.Kind != faults.Unknown {
		t.Errorf("without markers the message is unknown, got %v", got.Kind)
	}
}

func TestApp_StartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Reports = time.Hour
	app, err := NewApp(context.Background(), cfg, Options{Driver: fake.New(fake.NewSite(cfg.Site, cfg.Selectors))})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestApp_SubmitAfterStop(t *testing.T) {
	cfg := testConfig(t)
	app := newTestApp(t, cfg, fake.New(fake.NewSite(cfg.Site, cfg.Selectors)))

	app.Close()
	_, err := app.Submit(context.Background(), health.RunRequest{OrderID: "ORD-1", Accounts: []string{"alice"}})
	if !errors.Is(err, health.ErrShuttingDown) {
		t.Fatalf("Submit after stop = %v, want ErrShuttingDown", err)
	}
	if app.Active() != 0 {
		t.Errorf("active = %d, want 0", app.Active())
	}
}

func TestApp_RunPacing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pacing = config.PacingConfig{MinRun: 80 * time.Millisecond, PerExecution: true}
	app := newTestApp(t, cfg, fake.New(fake.NewSite(cfg.Site, cfg.Selectors)))

	accounts, err := app.Accounts("alice")
	if err != nil {
		t.Fatalf("Accounts failed: %v", err)
	}
	start := time.Now()
	if _, err := app.Run(context.Background(), accounts, orchestrator.Options{OrderID: "ORD-1", DryRun: true}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.Pacing.MinRun {
		t.Errorf("run returned after %v, want at least %v", elapsed, cfg.Pacing.MinRun)
	}
}
