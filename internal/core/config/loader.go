package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// MaxConcurrency caps in-flight sessions regardless of configuration.
const MaxConcurrency = 10

// Load reads configuration from a YAML file. A missing file yields the
// defaults so the binary runs with environment-only setup.
func Load(path string) (*AppConfig, error) {
	cfg := builtin()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg.applyDefaults()
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *AppConfig {
	cfg := builtin()
	cfg.applyDefaults()
	return cfg
}

// builtin holds the site defaults only. Derived values such as the
// per-step timeouts are filled by applyDefaults once the file is merged in.
func builtin() *AppConfig {
	return &AppConfig{
		Site: SiteConfig{
			BaseURL:          "https://ttuex.club",
			LoginPath:        "/login-page?redirect=/pc-home",
			TradingPath:      "/trade/btc",
			HistoryPath:      "/copy-trading/history",
			SuccessMarkers:   []string{"successfully followed", "successful followed", "suivi réussi"},
			RejectionMarkers: []string{"ordre introuvable", "order not found", "limite atteinte"},
		},
		Selectors: SelectorConfig{
			LoginUsername:  `input[placeholder="Veuillez saisir votre compte"]`,
			LoginPassword:  `input[placeholder="S'il vous plaît entrer le mot de passe"]`,
			LoginSubmit:    `button[type="submit"]`,
			PostLogin:      `//span[contains(., "Copy trading")]`,
			TradingMarker:  `//span[contains(., "Liste de commandes")]`,
			CopyTrading:    `//span[contains(., "Copy trading")]`,
			OrderInput:     `.tradelistruning-8 input`,
			FollowButton:   `//button[contains(., "Suivi des commandes")]`,
			Acknowledgment: `div.adm-toast-main`,
			Overlay:        `div.fixed.inset-0`,
			OverlayDismiss: `//button[contains(., "déterminer") or contains(., "OK") or contains(., "Confirmer")]`,
			HistoryItem:    `//div[contains(@class, "history-item") and contains(., "{order_id}")]`,
		},
		Browser: BrowserConfig{
			Driver:         "chromedp",
			Headless:       true,
			LowResource:    true,
			BlockResources: true,
			BlockedTypes:   []string{"image", "font", "media"},
			BlockedHosts: []string{
				"googletagmanager.com", "google-analytics.com", "analytics.google.com",
				"doubleclick.net", "connect.facebook.net", "mixpanel.com", "segment.io",
				"hotjar.com", "fullstory.com", "static.cloudflareinsights.com",
			},
		},
		SessionCache: SessionCacheConfig{Enabled: true, Backend: "file"},
		Diagnostics:  DiagnosticsConfig{Enabled: true, Backend: "dir"},
		AccountsFile: "accounts.yaml",
	}
}

// LowResourceArgs are Chromium flags for low RAM/CPU hosts.
var LowResourceArgs = []string{
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-renderer-backgrounding",
	"--no-default-browser-check",
	"--no-first-run",
	"--no-zygote",
	"--disable-extensions",
	"--mute-audio",
	"--blink-settings=imagesEnabled=false",
}

func (c *AppConfig) applyDefaults() {
	t := &c.Timeouts
	if t.Default == 0 {
		t.Default = 20 * time.Second
	}
	setDefault(&t.Login, 3*t.Default)
	setDefault(&t.Redirect, t.Default)
	setDefault(&t.Navigate, t.Default)
	setDefault(&t.CopySurface, t.Default)
	setDefault(&t.OrderEntry, t.Default)
	setDefault(&t.FollowUp, 35*time.Second+t.Default)
	setDefault(&t.Acknowledgment, t.Default)
	setDefault(&t.Overlay, 2*time.Second)
	setDefault(&t.Verify, t.Default)
	setDefault(&t.Teardown, 10*time.Second)

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	setDefault(&c.Retry.BaseDelay, 1*time.Second)
	setDefault(&c.Retry.MaxDelay, 30*time.Second)
	if c.Retry.LaunchAttempts == 0 {
		c.Retry.LaunchAttempts = 2
	}

	c.Orchestrator.Concurrency = ClampConcurrency(c.Orchestrator.Concurrency)
	if c.Orchestrator.BatchSize <= 0 {
		c.Orchestrator.BatchSize = 5
	}

	if c.Browser.Driver == "" {
		c.Browser.Driver = "chromedp"
	}
	if c.SessionCache.Backend == "" {
		c.SessionCache.Backend = "file"
	}
	if c.SessionCache.Dir == "" {
		c.SessionCache.Dir = "storage_states"
	}
	if c.Diagnostics.Backend == "" {
		c.Diagnostics.Backend = "dir"
	}
	if c.Diagnostics.Dir == "" {
		c.Diagnostics.Dir = "diagnostics"
	}
	if c.Diagnostics.MinIO.Bucket == "" {
		c.Diagnostics.MinIO.Bucket = "autofollow-diagnostics"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.FollowClickAttempts <= 0 {
		c.FollowClickAttempts = 1
	}
	if c.AccountsFile == "" {
		c.AccountsFile = "accounts.yaml"
	}
}

// ClampConcurrency bounds a requested session count to 1..MaxConcurrency.
func ClampConcurrency(n int) int {
	return max(1, min(n, MaxConcurrency))
}

// Validate reports configuration that cannot work.
func (c *AppConfig) Validate() error {
	var problems []string
	if !strings.HasPrefix(c.Site.BaseURL, "http://") && !strings.HasPrefix(c.Site.BaseURL, "https://") {
		problems = append(problems, fmt.Sprintf("site.base_url must be an http(s) URL, got %q", c.Site.BaseURL))
	}
	if c.Site.LoginPath == "" {
		problems = append(problems, "site.login_path is required")
	}
	if len(c.Site.SuccessMarkers) == 0 {
		problems = append(problems, "site.success_markers must not be empty")
	}
	switch c.Browser.Driver {
	case "chromedp", "fake":
	default:
		problems = append(problems, fmt.Sprintf("browser.driver %q is not supported", c.Browser.Driver))
	}
	switch c.SessionCache.Backend {
	case "file", "redis":
	default:
		problems = append(problems, fmt.Sprintf("session_cache.backend %q is not supported", c.SessionCache.Backend))
	}
	if c.SessionCache.Enabled && c.SessionCache.Backend == "redis" && c.Redis.URL == "" {
		problems = append(problems, "session_cache.backend redis requires redis.url")
	}
	switch c.Diagnostics.Backend {
	case "dir", "minio":
	default:
		problems = append(problems, fmt.Sprintf("diagnostics.backend %q is not supported", c.Diagnostics.Backend))
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Backend == "minio" && c.Diagnostics.MinIO.Endpoint == "" {
		problems = append(problems, "diagnostics.backend minio requires diagnostics.minio.endpoint")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LaunchArgs returns the engine flags implied by the browser section.
func (b BrowserConfig) LaunchArgs() []string {
	args := append([]string(nil), b.Args...)
	if b.LowResource {
		args = append(args, LowResourceArgs...)
	}
	return args
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
