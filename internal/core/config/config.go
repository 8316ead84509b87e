package config

import (
	"time"

	"github.com/vietddude/autofollow/internal/infra/diagnostics"
	redisclient "github.com/vietddude/autofollow/internal/infra/redis"
	"github.com/vietddude/autofollow/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Site         SiteConfig         `yaml:"site"`
	Selectors    SelectorConfig     `yaml:"selectors"`
	Timeouts     TimeoutConfig      `yaml:"timeouts"`
	Retry        RetryConfig        `yaml:"retry"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Browser      BrowserConfig      `yaml:"browser"`
	SessionCache SessionCacheConfig `yaml:"session_cache"`
	Diagnostics  DiagnosticsConfig  `yaml:"diagnostics"`
	Server       ServerConfig       `yaml:"server"`
	Redis        redisclient.Config `yaml:"redis"`
	Database     postgres.Config    `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Retention    RetentionConfig    `yaml:"retention"`
	Pacing       PacingConfig       `yaml:"pacing"`

	AccountsFile        string `yaml:"accounts_file"`
	FollowClickAttempts int    `yaml:"follow_click_attempts"`
}

// SiteConfig holds the addresses of the remote surfaces.
type SiteConfig struct {
	BaseURL     string `yaml:"base_url"`
	LoginPath   string `yaml:"login_path"`   // also the marker for "still on the login surface"
	TradingPath string `yaml:"trading_path"` // direct address of the trading surface
	HistoryPath string `yaml:"history_path"`

	// SuccessMarkers must appear in the acknowledgment for a follow-up to count.
	SuccessMarkers []string `yaml:"success_markers"`
	// RejectionMarkers are site messages that make a follow-up permanently
	// fail, on top of the built-in ones.
	RejectionMarkers []string `yaml:"rejection_markers"`
}

// SelectorConfig holds element selectors. HistoryItem may contain
// "{order_id}" which is replaced before the wait.
type SelectorConfig struct {
	LoginUsername  string `yaml:"login_username"`
	LoginPassword  string `yaml:"login_password"`
	LoginSubmit    string `yaml:"login_submit"`
	PostLogin      string `yaml:"post_login"`
	TradingMarker  string `yaml:"trading_marker"`
	CopyTrading    string `yaml:"copy_trading"`
	OrderInput     string `yaml:"order_input"`
	FollowButton   string `yaml:"follow_button"`
	Acknowledgment string `yaml:"acknowledgment"`
	Overlay        string `yaml:"overlay"`
	OverlayDismiss string `yaml:"overlay_dismiss"`
	HistoryItem    string `yaml:"history_item"`
}

// TimeoutConfig holds per-step budgets. Each step attempt runs under its own
// timeout since step costs differ.
type TimeoutConfig struct {
	Default        time.Duration `yaml:"default"`
	Login          time.Duration `yaml:"login"`
	Redirect       time.Duration `yaml:"redirect"`
	Navigate       time.Duration `yaml:"navigate"`
	CopySurface    time.Duration `yaml:"copy_surface"`
	OrderEntry     time.Duration `yaml:"order_entry"`
	FollowUp       time.Duration `yaml:"follow_up"`
	Acknowledgment time.Duration `yaml:"acknowledgment"`
	Overlay        time.Duration `yaml:"overlay"`
	Verify         time.Duration `yaml:"verify"`
	Teardown       time.Duration `yaml:"teardown"`
}

// RetryConfig defines step retry behavior.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	LaunchAttempts int           `yaml:"launch_attempts"`
}

// OrchestratorConfig bounds concurrency and memory.
type OrchestratorConfig struct {
	Concurrency int `yaml:"concurrency"`
	BatchSize   int `yaml:"batch_size"`
}

// BrowserConfig selects and tunes the session driver.
type BrowserConfig struct {
	Driver         string   `yaml:"driver"` // chromedp, fake
	Headless       bool     `yaml:"headless"`
	LowResource    bool     `yaml:"low_resource"`
	Args           []string `yaml:"args"`
	BlockResources bool     `yaml:"block_resources"`
	BlockedTypes   []string `yaml:"blocked_types"`
	BlockedHosts   []string `yaml:"blocked_hosts"`
	UserAgent      string   `yaml:"user_agent"`
}

// SessionCacheConfig controls the per-account cached session state.
type SessionCacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Backend string        `yaml:"backend"` // file, redis
	Dir     string        `yaml:"dir"`
	TTL     time.Duration `yaml:"ttl"`
}

// DiagnosticsConfig controls where failure snapshots go.
type DiagnosticsConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Backend string                  `yaml:"backend"` // dir, minio
	Dir     string                  `yaml:"dir"`
	MinIO   diagnostics.MinIOConfig `yaml:"minio"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RetentionConfig controls the background pruner of the serve command.
type RetentionConfig struct {
	Reports  time.Duration `yaml:"reports"`  // 0 keeps reports forever
	Interval time.Duration `yaml:"interval"` // derived from Reports when 0
}

// PacingConfig stretches runs to a minimum wall time. MinRun 0 disables it.
type PacingConfig struct {
	MinRun       time.Duration `yaml:"min_run"`
	PerExecution bool          `yaml:"per_execution"` // whole command or submitted run
	PerAccount   bool          `yaml:"per_account"`   // each account workflow
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// LoginURL is the absolute address of the login surface.
func (s SiteConfig) LoginURL() string { return joinURL(s.BaseURL, s.LoginPath) }

// TradingURL is the absolute address of the trading surface.
func (s SiteConfig) TradingURL() string { return joinURL(s.BaseURL, s.TradingPath) }

// HistoryURL is the absolute address of the order history.
func (s SiteConfig) HistoryURL() string { return joinURL(s.BaseURL, s.HistoryPath) }
