// Package routestate persists the per-route records that survive restarts:
// route metadata (agent.json), usage counters (usage.json) and conversation
// state (state.json), all under <workspace>/qq_sessions/<route-dir>/.
package routestate

import "time"

// Mood is the coarse conversational temperature tracked per route.
type Mood string

const (
	MoodNeutral Mood = "neutral"
	MoodCold    Mood = "cold"
	MoodAnnoyed Mood = "annoyed"
	MoodTired   Mood = "tired"
)

// Orchestration modes for a route's resident agent.
const (
	ModeDispatcher = "dispatcher"
)

// Outbound image quota: rolling window size and per-window cap.
const (
	ImageWindow    = 2 * time.Hour
	ImageWindowMax = 5
)

// DispatcherRules pins how the dispatch engine treats this route.
type DispatcherRules struct {
	HeavyTaskDelegation  bool `json:"heavyTaskDelegation"`
	AckThenAsyncResult   bool `json:"ackThenAsyncResult"`
	IdempotencyRequired  bool `json:"idempotencyRequired"`
	StrictRouteIsolation bool `json:"strictRouteIsolation"`
}

// Capabilities gates what the route's agent may send. Nil limits mean
// unlimited.
type Capabilities struct {
	SendText     bool     `json:"sendText"`
	SendMedia    bool     `json:"sendMedia"`
	SendVoice    bool     `json:"sendVoice"`
	Skills       []string `json:"skills"`
	MaxSendText  *int     `json:"maxSendText,omitempty"`
	MaxSendMedia *int     `json:"maxSendMedia,omitempty"`
	MaxSendVoice *int     `json:"maxSendVoice,omitempty"`
}

// Metadata is the per-route record in agent.json. Created on first inbound,
// mutated by admin commands and outbound bumps, never destroyed.
type Metadata struct {
	AgentID           string          `json:"agentId"`
	Route             string          `json:"route"`
	AccountID         string          `json:"accountId"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
	BoundToMain       bool            `json:"boundToMain,omitempty"`
	OrchestrationMode string          `json:"orchestrationMode"`
	DispatcherRules   DispatcherRules `json:"dispatcherRules"`
	Capabilities      Capabilities    `json:"capabilities"`
}

// Usage holds the monotonic per-route counters in usage.json.
type Usage struct {
	DispatchCount  int    `json:"dispatchCount"`
	SendTextCount  int    `json:"sendTextCount"`
	SendMediaCount int    `json:"sendMediaCount"`
	SendVoiceCount int    `json:"sendVoiceCount"`
	UpdatedAt      string `json:"updatedAt"`
}

// Counter kinds accepted by Store.BumpUsage.
const (
	CountDispatch = "dispatch"
	CountText     = "text"
	CountMedia    = "media"
	CountVoice    = "voice"
)

// Conversation is the mutable mood/affinity record in state.json.
type Conversation struct {
	Affinity           int   `json:"affinity"` // -100..100
	Mood               Mood  `json:"mood"`
	BanterCount        int   `json:"banterCount"`
	ImageWindowStartMs int64 `json:"imageWindowStartMs"`
	ImageCountInWindow int   `json:"imageCountInWindow"`
	LastUpdatedAt      int64 `json:"lastUpdatedAt"`
}

// ClampAffinity bounds an affinity score to the valid range.
func ClampAffinity(v int) int {
	if v < -100 {
		return -100
	}
	if v > 100 {
		return 100
	}
	return v
}
