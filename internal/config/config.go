// Package config loads the harness's runtime tunables (spec.md §6.4) from
// environment variables, layered over the values Defaults() returns.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every recognised tunable. Callers start from Defaults() and
// apply ApplyEnv on top; a zero value is not replaced automatically.
type Config struct {
	TmuxPrefix      string
	PollInterval    time.Duration
	CaptureLines    int
	MaxEventHistory int

	InitialTaskDelay       time.Duration
	InitialTaskDelayClaude time.Duration
	InitialTaskReadyTimeout time.Duration
	TmuxPasteEnterDelay     time.Duration
	CodexFollowupPasteSettle time.Duration

	SafetyNetEnabled         bool
	SafetyNetInterval        time.Duration
	SafetyNetStuckAfter      time.Duration
	SafetyNetStuckWarnInterval time.Duration

	LogDir            string
	APIToken          string
	SubscriptionsPath string

	Addr string

	DefaultCallbackURL   string
	DefaultCallbackToken string
}

// Defaults returns the baseline configuration before env/flag overrides.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		TmuxPrefix:      "harness",
		PollInterval:    500 * time.Millisecond,
		CaptureLines:    2000,
		MaxEventHistory: 10000,

		// InitialTaskDelay/InitialTaskDelayClaude/InitialTaskReadyTimeout are
		// left at zero: sendInitialTaskAsync and dismissClaudeTrustPrompt
		// fall back to the provider's own StartupDelay/ReadyTimeout (or a
		// hardcoded default) when unset, so these only take effect once an
		// operator sets the corresponding env var.
		TmuxPasteEnterDelay:      300 * time.Millisecond,
		CodexFollowupPasteSettle: 2000 * time.Millisecond,

		SafetyNetEnabled:           true,
		SafetyNetInterval:          30 * time.Second,
		SafetyNetStuckAfter:        180 * time.Second,
		SafetyNetStuckWarnInterval: 300 * time.Second,

		LogDir:            home + "/.agentharness/logs",
		Addr:              ":8777",
		SubscriptionsPath: home + "/.agentharness/subscriptions.toml",
	}
}

// ApplyEnv overlays recognised environment variables onto cfg, returning the
// merged result. Unset or malformed variables leave the existing value.
func ApplyEnv(cfg Config, getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("HARNESS_TMUX_PREFIX"); v != "" {
		cfg.TmuxPrefix = v
	}
	if v := durationFromEnv(getenv, "HARNESS_POLL_INTERVAL_MS"); v > 0 {
		cfg.PollInterval = v
	}
	if v := intFromEnv(getenv, "HARNESS_CAPTURE_LINES"); v > 0 {
		cfg.CaptureLines = v
	}
	if v := intFromEnv(getenv, "HARNESS_MAX_EVENT_HISTORY"); v > 0 {
		cfg.MaxEventHistory = v
	}
	if v := durationFromEnv(getenv, "HARNESS_INITIAL_TASK_DELAY_MS"); v > 0 {
		cfg.InitialTaskDelay = v
	}
	if v := durationFromEnv(getenv, "HARNESS_INITIAL_TASK_DELAY_CLAUDE_MS"); v > 0 {
		cfg.InitialTaskDelayClaude = v
	}
	if v := durationFromEnv(getenv, "HARNESS_INITIAL_TASK_READY_TIMEOUT_MS"); v > 0 {
		cfg.InitialTaskReadyTimeout = v
	}
	if v := durationFromEnv(getenv, "HARNESS_TMUX_PASTE_ENTER_DELAY_MS"); v > 0 {
		cfg.TmuxPasteEnterDelay = v
	}
	if v := durationFromEnv(getenv, "HARNESS_CODEX_FOLLOWUP_PASTE_SETTLE_MS"); v > 0 {
		cfg.CodexFollowupPasteSettle = v
	}
	if v := getenv("HARNESS_SAFETY_NET_ENABLED"); v != "" {
		cfg.SafetyNetEnabled = v != "false" && v != "0"
	}
	if v := durationFromEnv(getenv, "HARNESS_SAFETY_NET_INTERVAL_MS"); v > 0 {
		cfg.SafetyNetInterval = v
	}
	if v := durationFromEnv(getenv, "HARNESS_SAFETY_NET_STUCK_AFTER_MS"); v > 0 {
		cfg.SafetyNetStuckAfter = v
	}
	if v := durationFromEnv(getenv, "HARNESS_SAFETY_NET_STUCK_WARN_INTERVAL_MS"); v > 0 {
		cfg.SafetyNetStuckWarnInterval = v
	}
	if v := getenv("HARNESS_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := getenv("HARNESS_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := getenv("HARNESS_SUBSCRIPTIONS_PATH"); v != "" {
		cfg.SubscriptionsPath = v
	}
	if v := getenv("HARNESS_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("HARNESS_DEFAULT_CALLBACK_URL"); v != "" {
		cfg.DefaultCallbackURL = v
	}
	if v := getenv("HARNESS_DEFAULT_CALLBACK_TOKEN"); v != "" {
		cfg.DefaultCallbackToken = v
	}
	return cfg
}

func durationFromEnv(getenv func(string) string, key string) time.Duration {
	v := getenv(key)
	if v == "" {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func intFromEnv(getenv func(string) string, key string) int {
	v := getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
