// Package automation schedules agent turns from a targets file: cron,
// fixed-interval and one-shot jobs reconciled on a timer, with a smart
// throttle that yields to live conversation.
package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

// Schedule kinds.
const (
	ScheduleCron  = "cron"
	ScheduleEvery = "every"
	ScheduleAt    = "at"
)

// Execution modes.
const (
	ExecutionAgentOnly     = "agent-only"
	ExecutionLegacyDeliver = "legacy-deliver"
)

// JobCronAgentTurn is the only job type; the field exists so the file
// format can grow.
const JobCronAgentTurn = "cron-agent-turn"

// Smart-throttle skip reasons, checked in this order.
const (
	SkipNoInboundYet       = "no_inbound_yet"
	SkipActiveConversation = "active_conversation"
	SkipSilenceNotReached  = "silence_not_reached"
	SkipIntervalNotReached = "interval_not_reached"
)

// lastRunResult values.
const (
	RunProduced   = "produced"
	RunSkipped    = "skipped"
	RunFailed     = "failed"
	RunSuperseded = "superseded"
)

const (
	defaultReconcileInterval = 2 * time.Minute
	minReconcileInterval     = 15 * time.Second

	minEveryMs = 60_000

	defaultMinSilenceMinutes  = 30
	defaultActiveConvMinutes  = 25
	minGuidanceChars          = 8
	maxGuidanceChars          = 200
)

// Envelope is the targets file shape (JSON5 on disk).
type Envelope struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	ConfigVersion       int      `json:"configVersion,omitempty"`
	ReconcileOnStartup  *bool    `json:"reconcileOnStartup,omitempty"`
	ReconcileIntervalMs int      `json:"reconcileIntervalMs,omitempty"`
	PruneOrphans        bool     `json:"pruneOrphans,omitempty"`
	StrictAgentOnly     bool     `json:"strictAgentOnly,omitempty"`
	Targets             []Target `json:"targets,omitempty"`
}

func (e Envelope) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

func (e Envelope) reconcileOnStartup() bool {
	return e.ReconcileOnStartup == nil || *e.ReconcileOnStartup
}

func (e Envelope) interval() time.Duration {
	if e.ReconcileIntervalMs <= 0 {
		return defaultReconcileInterval
	}
	d := time.Duration(e.ReconcileIntervalMs) * time.Millisecond
	if d < minReconcileInterval {
		return minReconcileInterval
	}
	return d
}

// Target is one scheduled job bound to a route.
type Target struct {
	ID            string `json:"id"`
	Enabled       *bool  `json:"enabled,omitempty"`
	Route         string `json:"route"`
	ExecutionMode string `json:"executionMode,omitempty"`
	Job           Job    `json:"job"`
}

func (t Target) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type Job struct {
	Type           string   `json:"type,omitempty"`
	Schedule       Schedule `json:"schedule"`
	Message        string   `json:"message"`
	Thinking       string   `json:"thinking,omitempty"`
	Model          string   `json:"model,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	Smart          *Smart   `json:"smart,omitempty"`
}

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	At      string `json:"at,omitempty"`
}

type Smart struct {
	Enabled                   *bool `json:"enabled,omitempty"`
	MinSilenceMinutes         int   `json:"minSilenceMinutes,omitempty"`
	ActiveConversationMinutes int   `json:"activeConversationMinutes,omitempty"`
	RandomIntervalMinMinutes  int   `json:"randomIntervalMinMinutes,omitempty"`
	RandomIntervalMaxMinutes  int   `json:"randomIntervalMaxMinutes,omitempty"`
	MaxChars                  int   `json:"maxChars,omitempty"`
}

func (s *Smart) enabled() bool {
	return s != nil && (s.Enabled == nil || *s.Enabled)
}

func (s *Smart) minSilence() time.Duration {
	m := defaultMinSilenceMinutes
	if s != nil && s.MinSilenceMinutes > 0 {
		m = s.MinSilenceMinutes
	}
	return time.Duration(m) * time.Minute
}

func (s *Smart) activeConversation() time.Duration {
	m := defaultActiveConvMinutes
	if s != nil && s.ActiveConversationMinutes > 0 {
		m = s.ActiveConversationMinutes
	}
	return time.Duration(m) * time.Minute
}

// Normalize fills defaults and clamps bounds in place. It is idempotent.
func (t *Target) Normalize() {
	t.Route = routing.NormalizeTarget(t.Route)
	if t.ExecutionMode == "" {
		t.ExecutionMode = ExecutionAgentOnly
	}
	if t.Job.Type == "" {
		t.Job.Type = JobCronAgentTurn
	}
	t.Job.Message = strings.TrimSpace(t.Job.Message)
	if t.Job.Schedule.Kind == ScheduleEvery && t.Job.Schedule.EveryMs > 0 && t.Job.Schedule.EveryMs < minEveryMs {
		t.Job.Schedule.EveryMs = minEveryMs
	}
	if s := t.Job.Smart; s != nil {
		if s.MaxChars > 0 {
			if s.MaxChars < minGuidanceChars {
				s.MaxChars = minGuidanceChars
			}
			if s.MaxChars > maxGuidanceChars {
				s.MaxChars = maxGuidanceChars
			}
		}
		if s.RandomIntervalMaxMinutes < s.RandomIntervalMinMinutes {
			s.RandomIntervalMaxMinutes = s.RandomIntervalMinMinutes
		}
	}
}

// Validate reports why a target cannot be scheduled. Targets failing
// validation are dropped at load with a warning.
func (t Target) Validate(g *gronx.Gronx, strictAgentOnly bool) error {
	if t.ID == "" {
		return fmt.Errorf("automation: target without id")
	}
	if !routing.IsValidRoute(t.Route) {
		return fmt.Errorf("automation: target %s: invalid route %q", t.ID, t.Route)
	}
	if strictAgentOnly && t.ExecutionMode != ExecutionAgentOnly {
		return fmt.Errorf("automation: target %s: executionMode %q blocked by strictAgentOnly", t.ID, t.ExecutionMode)
	}
	if t.Job.Type != JobCronAgentTurn {
		return fmt.Errorf("automation: target %s: unknown job type %q", t.ID, t.Job.Type)
	}
	if t.Job.Message == "" {
		return fmt.Errorf("automation: target %s: empty message", t.ID)
	}
	switch t.Job.Schedule.Kind {
	case ScheduleCron:
		if len(strings.Fields(t.Job.Schedule.Expr)) != 5 {
			return fmt.Errorf("automation: target %s: cron expression needs 5 fields", t.ID)
		}
		if !g.IsValid(t.Job.Schedule.Expr) {
			return fmt.Errorf("automation: target %s: invalid cron expression %q", t.ID, t.Job.Schedule.Expr)
		}
		if tz := t.Job.Schedule.TZ; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("automation: target %s: unknown timezone %q", t.ID, tz)
			}
		}
	case ScheduleEvery:
		if t.Job.Schedule.EveryMs <= 0 {
			return fmt.Errorf("automation: target %s: everyMs missing", t.ID)
		}
	case ScheduleAt:
		if _, err := parseAt(t.Job.Schedule.At); err != nil {
			return fmt.Errorf("automation: target %s: %w", t.ID, err)
		}
	default:
		return fmt.Errorf("automation: target %s: unknown schedule kind %q", t.ID, t.Job.Schedule.Kind)
	}
	return nil
}

// atLayouts are tried in order for the "at" schedule; layouts without a
// zone resolve in local time.
var atLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("automation: empty at time")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), nil
	}
	for _, layout := range atLayouts {
		if strings.Contains(layout, "Z") {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
			continue
		}
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("automation: unparseable at time %q", s)
}

// TargetState is the durable per-target scheduling state, snapshotted to
// the route's meta/automation-latest.json.
type TargetState struct {
	TargetID          string `json:"targetId"`
	Route             string `json:"route"`
	LastTriggeredAtMs int64  `json:"lastTriggeredAtMs,omitempty"`
	LastSentAtMs      int64  `json:"lastSentAtMs,omitempty"`
	NextEligibleAtMs  int64  `json:"nextEligibleAtMs,omitempty"`
	LastRunResult     string `json:"lastRunResult,omitempty"`
	LastSkipReason    string `json:"lastSkipReason,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastCronBucket    string `json:"lastCronBucket,omitempty"`
	AtDone            bool   `json:"atDone,omitempty"`
}

// runRecord is one appended automation-state.ndjson line.
type runRecord struct {
	TS        string `json:"ts"`
	TargetID  string `json:"targetId"`
	Route     string `json:"route"`
	Triggered bool   `json:"triggered"`
	Produced  bool   `json:"produced"`
	Skipped   bool   `json:"skipped"`
	Note      string `json:"note,omitempty"`
}
