package domain

import "time"

// StepName identifies one unit of the workflow state machine.
type StepName string

const (
	StepLogin                    StepName = "Login"
	StepNavigateToTradingSurface StepName = "NavigateToTradingSurface"
	StepNavigateToCopySurface    StepName = "NavigateToCopySurface"
	StepEnterOrderNumber         StepName = "EnterOrderNumber"
	StepExecuteFollowUp          StepName = "ExecuteFollowUp"
	StepVerifyInHistory          StepName = "VerifyInHistory"

	// StepOpenSession is reported as the failing step when no session could
	// be created for the account. It never appears as a StepResult.
	StepOpenSession StepName = "OpenSession"
)

// State is a position in the linear workflow state machine.
type State string

const (
	StateInit             State = "Init"
	StateLoggedIn         State = "LoggedIn"
	StateOnTradingSurface State = "OnTradingSurface"
	StateOnCopySurface    State = "OnCopySurface"
	StateOrderEntered     State = "OrderEntered"
	StateFollowUpExecuted State = "FollowUpExecuted"
	StateVerified         State = "Verified"
	StateDone             State = "Done"
	StateAborted          State = "Aborted"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailure        RunStatus = "failure"
	RunCancelled      RunStatus = "cancelled"
)

// Verification is the outcome of the optional history check.
type Verification string

const (
	VerificationSkipped  Verification = "skipped"
	VerificationFound    Verification = "found"
	VerificationNotFound Verification = "not_found"
)

// StepError is the classified failure attached to a step or an attempt.
type StepError struct {
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Attempt records a single execution of a step.
type Attempt struct {
	Number     int           `json:"number"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	Delay      time.Duration `json:"-"`
	DelayMS    int64         `json:"delay_ms"`
	Error      *StepError    `json:"error,omitempty"`
}

// StepResult is produced by executing one Step.
type StepResult struct {
	Name       StepName      `json:"name"`
	Status     StepStatus    `json:"status"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
	Detail     string        `json:"detail,omitempty"`
	Error      *StepError    `json:"error,omitempty"`
	History    []Attempt     `json:"history,omitempty"`
}

// DiagnosticsRef points at artifacts captured when a run was aborted.
type DiagnosticsRef struct {
	Screenshot string `json:"screenshot,omitempty"`
	DOM        string `json:"dom,omitempty"`
	Location   string `json:"location,omitempty"`
}

// RunReport is the outcome of one workflow execution for one account.
type RunReport struct {
	Account         string          `json:"account"`
	OrderID         string          `json:"order_id,omitempty"`
	Status          RunStatus       `json:"status"`
	FinalState      State           `json:"final_state"`
	FailedStep      StepName        `json:"failed_step,omitempty"`
	Error           *StepError      `json:"error,omitempty"`
	Steps           []StepResult    `json:"steps"`
	Verification    Verification    `json:"verification"`
	SessionRestored bool            `json:"session_restored"`
	DryRun          bool            `json:"dry_run"`
	Diagnostics     *DiagnosticsRef `json:"diagnostics,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"-"`
	DurationMS      int64           `json:"duration_ms"`
}

// Step returns the recorded result for name, if any.
func (r *RunReport) Step(name StepName) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Finish stamps the duration fields.
func (r *RunReport) Finish(now time.Time) {
	r.Duration = now.Sub(r.StartedAt)
	r.DurationMS = r.Duration.Milliseconds()
}

// Counts aggregates outcomes for one batch invocation.
type Counts struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// BatchReport aggregates the RunReports of one orchestrator invocation.
// Runs are kept in account input order.
type BatchReport struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"order_id,omitempty"`
	DryRun       bool          `json:"dry_run"`
	Counts       Counts        `json:"counts"`
	Runs         []*RunReport  `json:"runs"`
	EngineCycles int           `json:"engine_cycles"`
	Aborted      string        `json:"aborted,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
}

// Tally recomputes Counts from Runs. Success and PartialSuccess both count
// as succeeded.
func (b *BatchReport) Tally() {
	c := Counts{Requested: b.Counts.Requested}
	for _, r := range b.Runs {
		switch r.Status {
		case RunSuccess, RunPartialSuccess:
			c.Succeeded++
		case RunCancelled:
			c.Cancelled++
		default:
			c.Failed++
		}
	}
	b.Counts = c
}

// Finish stamps the duration fields.
func (b *BatchReport) Finish(now time.Time) {
	b.Duration = now.Sub(b.StartedAt)
	b.DurationMS = b.Duration.Milliseconds()
}
