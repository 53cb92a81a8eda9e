package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON. QQ numbers are
// often written unquoted in hand-edited configs.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", v))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the qqclaw gateway.
type Config struct {
	Workspace  string           `json:"workspace"`          // per-route state root (qq_sessions lives here)
	DataDir    string           `json:"data_dir,omitempty"` // process-level state (session db, automation file)
	Channels   ChannelsConfig   `json:"channels"`
	Agent      AgentConfig      `json:"agent"`
	Automation AutomationConfig `json:"automation,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	Tailscale  TailscaleConfig  `json:"tailscale,omitempty"`
	mu         sync.RWMutex
}

// ChannelsConfig holds per-channel accounts. QQ is the only channel here.
type ChannelsConfig struct {
	QQ AccountConfig `json:"qq"`
}

// AccountConfig is one OneBot v11 account. Field groups follow the
// inbound → dispatch → outbound order of the pipeline.
type AccountConfig struct {
	Enabled     bool   `json:"enabled"`
	WSURL       string `json:"ws_url"`       // OneBot v11 forward WebSocket endpoint
	AccessToken string `json:"access_token"` // bearer token for the socket handshake

	OwnerUserID   string              `json:"owner_user_id,omitempty"` // owner's private route binds agent "main"
	Admins        FlexibleStringSlice `json:"admins,omitempty"`        // may address the bot in groups without a mention
	BlockedUsers  FlexibleStringSlice `json:"blocked_users,omitempty"`
	AllowedGroups FlexibleStringSlice `json:"allowed_groups,omitempty"` // empty = all groups allowed
	EnableGuilds  bool                `json:"enable_guilds,omitempty"`

	MessagePostFormat   string              `json:"message_post_format,omitempty"`  // must be "array"; "string" loses media fields
	EnableDeduplication *bool               `json:"enable_deduplication,omitempty"` // replayed-event dedup (default true)
	HistoryLimit        int                 `json:"history_limit,omitempty"`        // recent group lines kept for prompt context (default 50)
	RequireMention      *bool               `json:"require_mention,omitempty"`      // require @bot in groups (default true)
	KeywordTriggers     FlexibleStringSlice `json:"keyword_triggers,omitempty"`     // group trigger words, checked when not mentioned

	AggregateWindowMs      int `json:"aggregate_window_ms,omitempty"`       // default 900
	DMAggregateWindowMs    int `json:"dm_aggregate_window_ms,omitempty"`    // overrides aggregate_window_ms for private chats
	GroupAggregateWindowMs int `json:"group_aggregate_window_ms,omitempty"` // overrides aggregate_window_ms for groups

	ReplyRunTimeoutMs              int    `json:"reply_run_timeout_ms,omitempty"`               // default 600000
	ReplyAbortOnTimeout            *bool  `json:"reply_abort_on_timeout,omitempty"`             // abort the agent run on timeout (default true)
	RoutePreemptOldRun             *bool  `json:"route_preempt_old_run,omitempty"`              // default true
	InterruptPolicy                string `json:"interrupt_policy,omitempty"`                   // "preempt", "queue-latest", "adaptive" (default)
	InterruptWindowMs              int    `json:"interrupt_window_ms,omitempty"`                // coalesce sleep after preempt (default: aggregate window)
	InterruptCoalesceEnabled       *bool  `json:"interrupt_coalesce_enabled,omitempty"`         // default true
	AdaptiveTimeoutDegradeWindowMs int    `json:"adaptive_timeout_degrade_window_ms,omitempty"` // default 120000
	MediaInterruptPolicy           string `json:"media_interrupt_policy,omitempty"`             // policy override while a media inbound is in flight
	FileTaskLockMs                 int    `json:"file_task_lock_ms,omitempty"`                  // default 60000

	SendQueueMaxRetries    int     `json:"send_queue_max_retries,omitempty"`     // default 3
	SendQueueBaseDelayMs   int     `json:"send_queue_base_delay_ms,omitempty"`   // pacing between sends (default 1000)
	SendQueueJitterMs      int     `json:"send_queue_jitter_ms,omitempty"`       // default 400
	SendRetryMinDelayMs    int     `json:"send_retry_min_delay_ms,omitempty"`    // default 500
	SendRetryMaxDelayMs    int     `json:"send_retry_max_delay_ms,omitempty"`    // default 8000
	SendRetryJitterRatio   float64 `json:"send_retry_jitter_ratio,omitempty"`    // default 0.15
	SendWaitForReconnectMs int     `json:"send_wait_for_reconnect_ms,omitempty"` // default 5000
	RateLimitMs            int     `json:"rate_limit_ms,omitempty"`              // overrides send_queue_base_delay_ms when larger

	OutboundTextDedupWindowMs   int   `json:"outbound_text_dedup_window_ms,omitempty"`   // default 12000
	OutboundRepeatGuardWindowMs int   `json:"outbound_repeat_guard_window_ms,omitempty"` // media dedup window (default 45000)
	OutboundAbortPatternStrict  bool  `json:"outbound_abort_pattern_strict,omitempty"`
	OutboundFallbackOnDrop      *bool `json:"outbound_fallback_on_drop,omitempty"`     // default true
	OutboundFallbackCooldownMs  int   `json:"outbound_fallback_cooldown_ms,omitempty"` // default 30000
	EnableErrorNotify           bool  `json:"enable_error_notify,omitempty"`
	MaxMessageLength            int   `json:"max_message_length,omitempty"` // default 4000

	InboundMediaResolvePrefer  string `json:"inbound_media_resolve_prefer,omitempty"`   // "napcat-first" (default), "direct-first"
	InboundMediaHTTPTimeoutMs  int    `json:"inbound_media_http_timeout_ms,omitempty"`  // default 8000
	InboundMediaHTTPRetries    int    `json:"inbound_media_http_retries,omitempty"`     // default 2
	InboundMediaUseStream      *bool  `json:"inbound_media_use_stream,omitempty"`       // default true
	InboundMediaFallbackGetMsg *bool  `json:"inbound_media_fallback_get_msg,omitempty"` // default true
	InboundMediaMaxPerMessage  int    `json:"inbound_media_max_per_message,omitempty"`  // default 8
	InboundImageMaxPixels      int    `json:"inbound_image_max_pixels,omitempty"`       // re-encode larger images (default 4096)

	StreamTransportEnabled *bool  `json:"stream_transport_enabled,omitempty"` // default true
	StreamTransportPrefer  string `json:"stream_transport_prefer,omitempty"`  // "stream-first" (default), "http-first"

	MediaProxyEnabled bool   `json:"media_proxy_enabled,omitempty"`
	MediaProxyHost    string `json:"media_proxy_host,omitempty"`    // default 127.0.0.1
	MediaProxyPort    int    `json:"media_proxy_port,omitempty"`    // default 18791
	MediaProxyPath    string `json:"media_proxy_path,omitempty"`    // default "/r"
	MediaProxyToken   string `json:"-"`                             // from env QQCLAW_MEDIA_PROXY_TOKEN only
	MediaProxyTtlSec  int    `json:"media_proxy_ttl_sec,omitempty"` // default 300

	MediaPathAllowlist FlexibleStringSlice `json:"media_path_allowlist,omitempty"`
	VoiceBasePath      string              `json:"voice_base_path,omitempty"`

	TaskMaxRuntimeMs       int   `json:"task_max_runtime_ms,omitempty"`      // default 120000, clamped 5s–10min
	TaskMaxRetries         int   `json:"task_max_retries,omitempty"`         // default 1, clamped 0–5
	TaskMaxConcurrency     int   `json:"task_max_concurrency,omitempty"`     // default 1, clamped 1–8
	TaskIdempotencyEnabled *bool `json:"task_idempotency_enabled,omitempty"` // default true

	ProactiveDmEnabled       bool   `json:"proactive_dm_enabled,omitempty"`
	ProactiveDmRoute         string `json:"proactive_dm_route,omitempty"`
	ProactiveDmMinSilenceMs  int    `json:"proactive_dm_min_silence_ms,omitempty"`  // default 3600000 (1h)
	ProactiveDmMinIntervalMs int    `json:"proactive_dm_min_interval_ms,omitempty"` // default 21600000 (6h)
	ProactiveDmLogVerbose    bool   `json:"proactive_dm_log_verbose,omitempty"`
}

// AgentConfig configures the external agent-turn command the gateway execs
// for each dispatch.
type AgentConfig struct {
	Command string   `json:"command"` // e.g. "openclaw"
	Args    []string `json:"args,omitempty"`
}

// AutomationConfig is the scheduler envelope. Targets carry the cron/every/at
// jobs; the schema matches the automation manager's on-disk file.
type AutomationConfig struct {
	Enabled             bool               `json:"enabled"`
	ConfigVersion       int                `json:"config_version,omitempty"`
	TargetsPath         string             `json:"targets_path,omitempty"`          // external targets file; inline targets below otherwise
	ReconcileOnStartup  *bool              `json:"reconcile_on_startup,omitempty"`  // default true
	ReconcileIntervalMs int                `json:"reconcile_interval_ms,omitempty"` // default 120000, floor 15000
	PruneOrphans        bool               `json:"prune_orphans,omitempty"`
	StrictAgentOnly     *bool              `json:"strict_agent_only,omitempty"` // default true
	Targets             []AutomationTarget `json:"targets,omitempty"`
}

// AutomationTarget is one scheduled agent-turn definition.
type AutomationTarget struct {
	ID            string        `json:"id"`
	Enabled       *bool         `json:"enabled,omitempty"` // default true
	Route         string        `json:"route"`
	ExecutionMode string        `json:"execution_mode,omitempty"` // "agent-only" (default), "legacy-deliver"
	Job           AutomationJob `json:"job"`
}

// AutomationJob describes what to run and when.
type AutomationJob struct {
	Type           string             `json:"type"` // "cron-agent-turn"
	Schedule       AutomationSchedule `json:"schedule"`
	Message        string             `json:"message"`
	Thinking       string             `json:"thinking,omitempty"`
	Model          string             `json:"model,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
	Smart          *SmartThrottle     `json:"smart,omitempty"`
}

// AutomationSchedule is a tagged union over Kind.
type AutomationSchedule struct {
	Kind    string `json:"kind"`               // "cron", "every", "at"
	Expr    string `json:"expr,omitempty"`     // cron: 5-field expression
	TZ      string `json:"tz,omitempty"`       // cron: IANA zone, default local
	EveryMs int64  `json:"every_ms,omitempty"` // every: interval, floor 60000
	At      string `json:"at,omitempty"`       // at: RFC 3339 timestamp
}

// SmartThrottle guards an otherwise-due target against firing into an
// active or never-used conversation.
type SmartThrottle struct {
	Enabled                   *bool `json:"enabled,omitempty"`                     // default true when the block is present
	MinSilenceMinutes         int   `json:"min_silence_minutes,omitempty"`         // default 30
	ActiveConversationMinutes int   `json:"active_conversation_minutes,omitempty"` // default 25
	RandomIntervalMinMinutes  int   `json:"random_interval_min_minutes,omitempty"`
	RandomIntervalMaxMinutes  int   `json:"random_interval_max_minutes,omitempty"`
	MaxChars                  int   `json:"max_chars,omitempty"` // reply length guidance, clamped 8–200
}

// DatabaseConfig selects the session-store backend.
// PostgresDSN is never read from the config file; it comes from
// QQCLAW_POSTGRES_DSN only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// LoggingConfig covers operator logging and per-route diagnostics retention.
type LoggingConfig struct {
	Level         string `json:"level,omitempty"`          // trace|debug|info|warn|error
	RetentionDays int    `json:"retention_days,omitempty"` // per-route ndjson files kept (default 14)
}

// TelemetryConfig configures optional OTLP trace export.
// Requires building with -tags otel.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // host:port of the OTLP collector
	Protocol    string `json:"protocol,omitempty"`     // "http" (default) or "grpc"
	ServiceName string `json:"service_name,omitempty"` // default "qqclaw"
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the media relay.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`  // tailnet machine name (e.g. "qqclaw-relay")
	StateDir  string `json:"state_dir,omitempty"` // persistent tsnet state dir
	AuthKey   string `json:"-"`                   // from env QQCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"` // remove node on exit
}

// BoolOr returns *p, or def when p is nil. Pointer-bool config fields use it
// to keep "unset" distinct from "false".
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
