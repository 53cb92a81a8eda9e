package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultConfigPath is where Load looks when no --config flag or
// QQCLAW_CONFIG env var is present.
func DefaultConfigPath() string {
	return ExpandHome("~/.qqclaw/config.json")
}

// Default returns a Config with every defaulted field filled in.
func Default() *Config {
	return &Config{
		Workspace: "~/.qqclaw/workspace",
		DataDir:   "~/.qqclaw/data",
		Channels: ChannelsConfig{
			QQ: AccountConfig{
				MessagePostFormat:              "array",
				HistoryLimit:                   50,
				AggregateWindowMs:              900,
				ReplyRunTimeoutMs:              600_000,
				InterruptPolicy:                "adaptive",
				AdaptiveTimeoutDegradeWindowMs: 120_000,
				FileTaskLockMs:                 60_000,
				SendQueueMaxRetries:            3,
				SendQueueBaseDelayMs:           1000,
				SendQueueJitterMs:              400,
				SendRetryMinDelayMs:            500,
				SendRetryMaxDelayMs:            8000,
				SendRetryJitterRatio:           0.15,
				SendWaitForReconnectMs:         5000,
				OutboundTextDedupWindowMs:      12_000,
				OutboundRepeatGuardWindowMs:    45_000,
				OutboundFallbackCooldownMs:     30_000,
				MaxMessageLength:               4000,
				InboundMediaResolvePrefer:      "napcat-first",
				InboundMediaHTTPTimeoutMs:      8000,
				InboundMediaHTTPRetries:        2,
				InboundMediaMaxPerMessage:      8,
				InboundImageMaxPixels:          4096,
				StreamTransportPrefer:          "stream-first",
				MediaProxyHost:                 "127.0.0.1",
				MediaProxyPort:                 18791,
				MediaProxyPath:                 "/r",
				MediaProxyTtlSec:               300,
				TaskMaxRuntimeMs:               120_000,
				TaskMaxRetries:                 1,
				TaskMaxConcurrency:             1,
				ProactiveDmMinSilenceMs:        3_600_000,
				ProactiveDmMinIntervalMs:       21_600_000,
			},
		},
		Automation: AutomationConfig{
			ReconcileIntervalMs: 120_000,
		},
		Logging: LoggingConfig{
			RetentionDays: 14,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "qqclaw",
		},
	}
}

// Load reads config from a JSON5 file, overlays env vars, and normalizes
// ranges. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.Normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Normalize()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	qq := &c.Channels.QQ
	envStr("QQCLAW_WS_URL", &qq.WSURL)
	envStr("QQCLAW_ACCESS_TOKEN", &qq.AccessToken)
	envStr("QQCLAW_OWNER_ID", &qq.OwnerUserID)
	envStr("QQCLAW_MEDIA_PROXY_TOKEN", &qq.MediaProxyToken)

	// A socket URL from env means the account is meant to run.
	if qq.WSURL != "" && os.Getenv("QQCLAW_WS_URL") != "" {
		qq.Enabled = true
	}

	envStr("QQCLAW_WORKSPACE", &c.Workspace)
	envStr("QQCLAW_DATA_DIR", &c.DataDir)
	envStr("QQCLAW_AGENT_COMMAND", &c.Agent.Command)
	envStr("QQCLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("QQCLAW_LOG_LEVEL", &c.Logging.Level)

	envStr("QQCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("QQCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("QQCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	envStr("QQCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("QQCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("QQCLAW_TSNET_DIR", &c.Tailscale.StateDir)

	if v := os.Getenv("QQCLAW_MEDIA_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			qq.MediaProxyPort = port
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize applies spec ranges to loaded values. Zero means "use default";
// defaults are re-filled here so a partially written file still yields a
// complete config.
func (c *Config) Normalize() {
	qq := &c.Channels.QQ
	def := Default().Channels.QQ

	fill := func(dst *int, d int) {
		if *dst <= 0 {
			*dst = d
		}
	}
	fill(&qq.AggregateWindowMs, def.AggregateWindowMs)
	fill(&qq.ReplyRunTimeoutMs, def.ReplyRunTimeoutMs)
	fill(&qq.AdaptiveTimeoutDegradeWindowMs, def.AdaptiveTimeoutDegradeWindowMs)
	fill(&qq.FileTaskLockMs, def.FileTaskLockMs)
	fill(&qq.SendQueueBaseDelayMs, def.SendQueueBaseDelayMs)
	fill(&qq.SendRetryMinDelayMs, def.SendRetryMinDelayMs)
	fill(&qq.SendRetryMaxDelayMs, def.SendRetryMaxDelayMs)
	fill(&qq.SendWaitForReconnectMs, def.SendWaitForReconnectMs)
	fill(&qq.OutboundTextDedupWindowMs, def.OutboundTextDedupWindowMs)
	fill(&qq.OutboundRepeatGuardWindowMs, def.OutboundRepeatGuardWindowMs)
	fill(&qq.OutboundFallbackCooldownMs, def.OutboundFallbackCooldownMs)
	fill(&qq.MaxMessageLength, def.MaxMessageLength)
	fill(&qq.InboundMediaHTTPTimeoutMs, def.InboundMediaHTTPTimeoutMs)
	fill(&qq.InboundMediaMaxPerMessage, def.InboundMediaMaxPerMessage)
	fill(&qq.InboundImageMaxPixels, def.InboundImageMaxPixels)
	fill(&qq.MediaProxyPort, def.MediaProxyPort)
	fill(&qq.MediaProxyTtlSec, def.MediaProxyTtlSec)
	fill(&qq.HistoryLimit, def.HistoryLimit)
	fill(&qq.ProactiveDmMinSilenceMs, def.ProactiveDmMinSilenceMs)
	fill(&qq.ProactiveDmMinIntervalMs, def.ProactiveDmMinIntervalMs)

	if qq.SendQueueMaxRetries <= 0 {
		qq.SendQueueMaxRetries = def.SendQueueMaxRetries
	}
	if qq.SendQueueJitterMs < 0 {
		qq.SendQueueJitterMs = def.SendQueueJitterMs
	}
	if qq.SendRetryJitterRatio <= 0 || qq.SendRetryJitterRatio > 1 {
		qq.SendRetryJitterRatio = def.SendRetryJitterRatio
	}
	// rate_limit_ms, when set higher than the base delay, widens the pacing.
	if qq.RateLimitMs > qq.SendQueueBaseDelayMs {
		qq.SendQueueBaseDelayMs = qq.RateLimitMs
	}

	switch qq.InterruptPolicy {
	case "preempt", "queue-latest", "adaptive":
	default:
		qq.InterruptPolicy = "adaptive"
	}
	switch qq.InboundMediaResolvePrefer {
	case "napcat-first", "direct-first":
	default:
		qq.InboundMediaResolvePrefer = "napcat-first"
	}
	switch qq.StreamTransportPrefer {
	case "stream-first", "http-first":
	default:
		qq.StreamTransportPrefer = "stream-first"
	}
	if qq.MessagePostFormat == "" {
		qq.MessagePostFormat = "array"
	}
	if qq.MediaProxyHost == "" {
		qq.MediaProxyHost = def.MediaProxyHost
	}
	if qq.MediaProxyPath == "" {
		qq.MediaProxyPath = def.MediaProxyPath
	}
	if qq.InboundMediaHTTPRetries < 0 {
		qq.InboundMediaHTTPRetries = 0
	}

	// Task guardrails carry hard spec ranges.
	if qq.TaskMaxRuntimeMs == 0 {
		qq.TaskMaxRuntimeMs = def.TaskMaxRuntimeMs
	}
	qq.TaskMaxRuntimeMs = clampInt(qq.TaskMaxRuntimeMs, 5000, 600_000)
	qq.TaskMaxRetries = clampInt(qq.TaskMaxRetries, 0, 5)
	if qq.TaskMaxConcurrency == 0 {
		qq.TaskMaxConcurrency = def.TaskMaxConcurrency
	}
	qq.TaskMaxConcurrency = clampInt(qq.TaskMaxConcurrency, 1, 8)

	if c.Workspace == "" {
		c.Workspace = "~/.qqclaw/workspace"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.qqclaw/data"
	}
	if c.Automation.ReconcileIntervalMs < 15_000 {
		if c.Automation.ReconcileIntervalMs <= 0 {
			c.Automation.ReconcileIntervalMs = 120_000
		} else {
			c.Automation.ReconcileIntervalMs = 15_000
		}
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 14
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "http"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "qqclaw"
	}
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace)
}

// DataDirPath returns the expanded data directory.
func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.DataDir)
}

// Save writes the config to disk, secrets stripped.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked for display.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}
	maskNonEmpty(&cp.Channels.QQ.AccessToken)
	maskNonEmpty(&cp.Channels.QQ.MediaProxyToken)
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == filepath.Separator) {
		return home + path[1:]
	}
	if path == "~" {
		return home
	}
	return path
}

// AutomationTargetsPath returns the effective automation targets file
// (explicit path, or the default under the data dir).
func (c *Config) AutomationTargetsPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Automation.TargetsPath != "" {
		return ExpandHome(c.Automation.TargetsPath)
	}
	return filepath.Join(ExpandHome(c.DataDir), "automation.json")
}

// ValidateAccount reports problems an operator must fix before the gateway
// can run. Used by doctor and at startup.
func (c *Config) ValidateAccount() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	qq := c.Channels.QQ

	var problems []string
	if qq.WSURL == "" {
		problems = append(problems, "channels.qq.ws_url is required")
	} else if !strings.HasPrefix(qq.WSURL, "ws://") && !strings.HasPrefix(qq.WSURL, "wss://") {
		problems = append(problems, "channels.qq.ws_url must start with ws:// or wss://")
	}
	if qq.AccessToken == "" {
		problems = append(problems, "channels.qq.access_token is required")
	}
	if qq.MessagePostFormat != "array" {
		problems = append(problems, fmt.Sprintf("channels.qq.message_post_format is %q; structured media needs \"array\"", qq.MessagePostFormat))
	}
	if qq.MediaProxyEnabled && qq.MediaProxyToken == "" {
		problems = append(problems, "media proxy enabled but QQCLAW_MEDIA_PROXY_TOKEN is not set")
	}
	return problems
}
