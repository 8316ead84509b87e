package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/autofollow/internal/core/config"
	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/core/faults"
	"github.com/vietddude/autofollow/internal/core/retry"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/driver/fake"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
	"github.com/vietddude/autofollow/internal/workflow"
)

var (
	site = config.SiteConfig{
		BaseURL:        "https://site.test",
		LoginPath:      "/login",
		TradingPath:    "/trade",
		HistoryPath:    "/history",
		SuccessMarkers: []string{"successfully followed"},
	}
	selectors = config.SelectorConfig{
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
)

func newOrchestrator(t *testing.T, cache sessioncache.Store) (*Orchestrator, *fake.Driver) {
	t.Helper()
	ms := time.Millisecond
	drv := fake.New(fake.NewSite(site, selectors))
	wf := workflow.NewEngine(workflow.Config{
		Site:      site,
		Selectors: selectors,
		Timeouts: config.TimeoutConfig{
			Default: 20 * ms, Login: 500 * ms, Redirect: 20 * ms, Navigate: 200 * ms,
			CopySurface: 200 * ms, OrderEntry: 200 * ms, FollowUp: 200 * ms,
			Acknowledgment: 20 * ms, Overlay: ms, Verify: 20 * ms, Teardown: 50 * ms,
		},
		Retry:        retry.Policy{MaxAttempts: 2, BaseDelay: ms, MaxDelay: 2 * ms, Classifier: faults.Default()},
		PollInterval: ms,
	}, cache, nil)

	o := New(Config{
		LaunchPolicy: retry.Policy{MaxAttempts: 2, BaseDelay: ms},
		Teardown:     50 * ms,
	}, drv, wf, cache)
	return o, drv
}

func accounts(n int) []domain.Account {
	out := make([]domain.Account, n)
	for i := range out {
		name := fmt.Sprintf("acc-%02d", i+1)
		out[i] = domain.Account{Name: name, Username: name, Password: "pw"}
	}
	return out
}

func runNames(r *domain.BatchReport) []string {
	names := make([]string, len(r.Runs))
	for i, run := range r.Runs {
		names[i] = run.Account
	}
	return names
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{10, 3, []int{3, 3, 3, 1}},
		{6, 3, []int{3, 3}},
		{2, 5, []int{2}},
		{4, 0, []int{4}},
		{0, 3, nil},
	}
	for _, tt := range tests {
		got := Partition(accounts(tt.n), tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("Partition(%d, %d) = %d batches, want %d", tt.n, tt.size, len(got), len(tt.want))
			continue
		}
		for i, b := range got {
			if len(b) != tt.want[i] {
				t.Errorf("Partition(%d, %d) batch %d has %d, want %d", tt.n, tt.size, i, len(b), tt.want[i])
			}
		}
	}
}

func TestRunBatch_EngineCycles(t *testing.T) {
	o, drv := newOrchestrator(t, nil)

	rep, err := o.RunBatch(context.Background(), accounts(10), Options{
		ConcurrencyLimit: 1, BatchSize: 3, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	st := drv.Stats()
	if st.Launches != 4 || st.EngineCloses != 4 || rep.EngineCycles != 4 {
		t.Errorf("launches=%d closes=%d cycles=%d, want 4", st.Launches, st.EngineCloses, rep.EngineCycles)
	}
	if rep.Counts.Requested != 10 || rep.Counts.Succeeded != 10 {
		t.Errorf("counts = %+v", rep.Counts)
	}
	if st.MaxOpen != 1 || st.Open != 0 {
		t.Errorf("max open = %d, open = %d", st.MaxOpen, st.Open)
	}
}

func TestRunBatch_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			o, drv := newOrchestrator(t, nil)
			accs := accounts(7)
			for _, a := range accs {
				drv.Script(a.Username, fake.Behavior{Delay: time.Millisecond})
			}

			rep, err := o.RunBatch(context.Background(), accs, Options{
				ConcurrencyLimit: limit, BatchSize: 5, OrderID: "ORD-1", SkipVerification: true,
			})
			if err != nil {
				t.Fatalf("RunBatch: %v", err)
			}
			if got := drv.Stats().MaxOpen; got > limit {
				t.Errorf("max open sessions = %d, limit %d", got, limit)
			}
			if rep.Counts.Succeeded != 7 {
				t.Errorf("counts = %+v", rep.Counts)
			}
		})
	}
}

func TestRunBatch_InputOrder(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	accs := accounts(3)
	drv.Script(accs[0].Username, fake.Behavior{Delay: 5 * time.Millisecond})

	rep, err := o.RunBatch(context.Background(), accs, Options{
		ConcurrencyLimit: 3, BatchSize: 3, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	names := runNames(rep)
	for i, a := range accs {
		if names[i] != a.Name {
			t.Fatalf("runs = %v, want input order", names)
		}
	}
}

func TestRunBatch_AccountFailureIsIsolated(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	accs := accounts(4)
	drv.Script(accs[1].Username, fake.Behavior{WrongPassword: true})
	drv.Script(accs[2].Username, fake.Behavior{OpenErr: errors.New("net::ERR_CONNECTION_RESET")})

	rep, err := o.RunBatch(context.Background(), accs, Options{
		ConcurrencyLimit: 2, BatchSize: 4, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("per-account failures must not fail the batch: %v", err)
	}
	if rep.Counts.Succeeded != 2 || rep.Counts.Failed != 2 {
		t.Errorf("counts = %+v", rep.Counts)
	}
	if rep.Runs[1].FailedStep != domain.StepLogin {
		t.Errorf("wrong password failed at %s", rep.Runs[1].FailedStep)
	}
	if rep.Runs[2].FailedStep != domain.StepOpenSession || rep.Runs[2].Error.Category != faults.CategoryNetwork {
		t.Errorf("open failure = %s %+v", rep.Runs[2].FailedStep, rep.Runs[2].Error)
	}
}

func TestRunBatch_PanicIsIsolated(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	accs := accounts(3)
	drv.Script(accs[0].Username, fake.Behavior{PanicOn: "#copy"})

	rep, err := o.RunBatch(context.Background(), accs, Options{
		ConcurrencyLimit: 2, BatchSize: 3, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Runs[0].Status != domain.RunFailure || rep.Runs[0].Error.Category != "panic" {
		t.Errorf("panicking run = %+v", rep.Runs[0])
	}
	if rep.Counts.Succeeded != 2 {
		t.Errorf("counts = %+v", rep.Counts)
	}
	if st := drv.Stats(); st.Open != 0 {
		t.Errorf("sessions left open after panic: %d", st.Open)
	}
}

func TestRunBatch_Cancellation(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	accs := accounts(6)
	for _, a := range accs {
		drv.Script(a.Username, fake.Behavior{Delay: 3 * time.Millisecond})
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	rep, err := o.RunBatch(ctx, accs, Options{
		ConcurrencyLimit: 1, BatchSize: 3, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("cancellation is not catastrophic: %v", err)
	}

	c := rep.Counts
	if len(rep.Runs) != 6 || c.Succeeded+c.Failed+c.Cancelled != c.Requested {
		t.Fatalf("runs=%d counts=%+v", len(rep.Runs), c)
	}
	if c.Cancelled == 0 {
		t.Errorf("expected cancelled accounts, counts=%+v", c)
	}
	if rep.Runs[5].Status != domain.RunCancelled {
		t.Errorf("last account should never have started, got %s", rep.Runs[5].Status)
	}
	if st := drv.Stats(); st.Open != 0 || st.Launches != st.EngineCloses {
		t.Errorf("leaked resources: %+v", st)
	}
}

func TestRunBatch_EngineLaunchFailure(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	drv.FailLaunches(100)

	rep, err := o.RunBatch(context.Background(), accounts(4), Options{
		ConcurrencyLimit: 2, BatchSize: 2, OrderID: "ORD-1",
	})
	if !errors.Is(err, ErrEngineLaunch) {
		t.Fatalf("expected ErrEngineLaunch, got %v", err)
	}
	if rep == nil || rep.Aborted == "" {
		t.Fatalf("expected an aborted report, got %+v", rep)
	}
	if rep.Counts.Cancelled != 4 || len(rep.Runs) != 4 {
		t.Errorf("counts = %+v", rep.Counts)
	}
	if got := drv.Stats().Launches; got != 2 {
		t.Errorf("launches = %d, want 2 (one batch, two attempts)", got)
	}
}

func TestRunBatch_EngineLaunchRetried(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	drv.FailLaunches(1)

	rep, err := o.RunBatch(context.Background(), accounts(2), Options{
		ConcurrencyLimit: 2, BatchSize: 2, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Counts.Succeeded != 2 || rep.EngineCycles != 1 {
		t.Errorf("counts = %+v cycles = %d", rep.Counts, rep.EngineCycles)
	}
}

func TestRunBatch_NoSessions(t *testing.T) {
	tests := []struct {
		name          string
		accounts      int
		batchSize     int
		failing       []int
		openErr       error
		wantErr       bool
		wantFailed    int
		wantSucceeded int
	}{
		{
			name: "whole batch loses the browser", accounts: 3, batchSize: 3,
			failing: []int{0, 1, 2}, openErr: errors.New("browser disconnected"),
			wantErr: true, wantFailed: 3,
		},
		{
			name: "single account batch is not catastrophic", accounts: 3, batchSize: 1,
			failing: []int{0}, openErr: errors.New("net::ERR_CONNECTION_RESET"),
			wantFailed: 1, wantSucceeded: 2,
		},
		{
			name: "last short batch is not catastrophic", accounts: 4, batchSize: 3,
			failing: []int{3}, openErr: errors.New("browser disconnected"),
			wantFailed: 1, wantSucceeded: 3,
		},
		{
			name: "network failures are account specific", accounts: 2, batchSize: 2,
			failing: []int{0, 1}, openErr: errors.New("net::ERR_CONNECTION_RESET"),
			wantFailed: 2,
		},
		{
			name: "closed engine", accounts: 2, batchSize: 1,
			failing: []int{0}, openErr: fmt.Errorf("open target: %w", driver.ErrSessionClosed),
			wantErr: true, wantFailed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, drv := newOrchestrator(t, nil)
			accs := accounts(tt.accounts)
			for _, i := range tt.failing {
				drv.Script(accs[i].Username, fake.Behavior{OpenErr: tt.openErr})
			}

			rep, err := o.RunBatch(context.Background(), accs, Options{
				ConcurrencyLimit: 3, BatchSize: tt.batchSize, OrderID: "ORD-1", SkipVerification: true,
			})
			if got := errors.Is(err, ErrNoSessions); got != tt.wantErr {
				t.Fatalf("RunBatch error = %v, want ErrNoSessions %v", err, tt.wantErr)
			}
			if rep.Counts.Failed != tt.wantFailed || rep.Counts.Succeeded != tt.wantSucceeded {
				t.Errorf("counts = %+v", rep.Counts)
			}
			if len(rep.Runs) != tt.accounts {
				t.Errorf("runs = %d, want %d", len(rep.Runs), tt.accounts)
			}
		})
	}
}

func TestRunBatch_OpenSessionRetried(t *testing.T) {
	o, drv := newOrchestrator(t, nil)
	accs := accounts(2)
	drv.Script(accs[0].Username, fake.Behavior{
		OpenErr:      errors.New("net::ERR_CONNECTION_RESET"),
		OpenFailures: 1,
	})

	rep, err := o.RunBatch(context.Background(), accs, Options{
		ConcurrencyLimit: 2, BatchSize: 2, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if rep.Counts.Succeeded != 2 {
		t.Errorf("transient open failure should be retried, counts = %+v", rep.Counts)
	}
	if st := drv.Stats(); st.Open != 0 {
		t.Errorf("sessions left open: %d", st.Open)
	}
}

func TestRunBatch_PerAccountOrderAndCache(t *testing.T) {
	cache := sessioncache.NewMemory()
	o, drv := newOrchestrator(t, cache)
	accs := accounts(2)
	accs[1].OrderID = "ORD-OVERRIDE"

	if _, err := o.RunBatch(context.Background(), accs, Options{ConcurrencyLimit: 2, BatchSize: 2, LoginOnly: true}); err != nil {
		t.Fatalf("login run: %v", err)
	}
	rep, err := o.RunBatch(context.Background(), accs, Options{
		ConcurrencyLimit: 2, BatchSize: 2, OrderID: "ORD-1", SkipVerification: true,
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	for _, run := range rep.Runs {
		if !run.SessionRestored {
			t.Errorf("%s did not reuse its cached session", run.Account)
		}
	}
	if f := drv.Follows(accs[1].Username); len(f) != 1 || f[0] != "ORD-OVERRIDE" {
		t.Errorf("override follows = %v", f)
	}
	if n := drv.LoginSubmits(accs[0].Username); n != 1 {
		t.Errorf("login submits = %d, want 1", n)
	}
}

func TestOnceSession(t *testing.T) {
	var closes int
	s := &onceSession{Session: closeCounter{n: &closes}}
	_ = s.Close(context.Background())
	_ = s.Close(context.Background())
	if closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

type closeCounter struct {
	driver.Session
	n *int
}

func (c closeCounter) Close(context.Context) error {
	*c.n++
	return nil
}
