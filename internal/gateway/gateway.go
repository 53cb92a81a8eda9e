// Package gateway composes one QQ account runtime: the protocol socket,
// inbound gating, the media pipeline, the dispatch engine, the outbound
// sender, and the background loops that ride alongside (automation,
// proactive nudge, media relay, config watch).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/agent"
	"github.com/nextlevelbuilder/qqclaw/internal/automation"
	"github.com/nextlevelbuilder/qqclaw/internal/config"
	"github.com/nextlevelbuilder/qqclaw/internal/delivery"
	"github.com/nextlevelbuilder/qqclaw/internal/diag"
	"github.com/nextlevelbuilder/qqclaw/internal/dispatch"
	"github.com/nextlevelbuilder/qqclaw/internal/media"
	"github.com/nextlevelbuilder/qqclaw/internal/nudge"
	"github.com/nextlevelbuilder/qqclaw/internal/onebot"
	"github.com/nextlevelbuilder/qqclaw/internal/outbound"
	"github.com/nextlevelbuilder/qqclaw/internal/policy"
	"github.com/nextlevelbuilder/qqclaw/internal/relay"
	"github.com/nextlevelbuilder/qqclaw/internal/routestate"
	"github.com/nextlevelbuilder/qqclaw/internal/store"
	"github.com/nextlevelbuilder/qqclaw/internal/tasks"
)

// Socket is the protocol surface the gateway drives. *onebot.Client
// implements it; tests substitute a fake.
type Socket interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan onebot.Event
	SelfID() string
	IsConnected() bool
	WaitUntilConnected(ctx context.Context, timeout time.Duration) error

	CallMap(ctx context.Context, action string, params map[string]any) (map[string]any, error)
	GetMsg(ctx context.Context, messageID string) (*onebot.Event, error)
	GetForwardMsg(ctx context.Context, forwardID string) ([]onebot.Event, error)
	GetGroupMemberInfo(ctx context.Context, groupID, userID string, noCache bool) (*onebot.GroupMember, error)
	SendRouteMsg(ctx context.Context, route string, segs []onebot.Segment) (string, error)
	SetInputStatus(ctx context.Context, userID string, eventType int) error
	UploadStream(ctx context.Context, name string, payload []byte) (string, error)
	DownloadStream(ctx context.Context, ref string) ([]byte, string, error)
	CleanStreamTemp(ctx context.Context, path string) error
}

// Options carry the collaborators the gateway cannot build itself.
type Options struct {
	Config   *config.Config
	Socket   Socket
	Runner   agent.Runner
	Sessions store.SessionStore
	Diag     *diag.Logger

	// Observer, when set, replaces the default debug-log callback that
	// fires once per finished dispatch. Telemetry builds hang spans off
	// it.
	Observer func(route, dispatchID, outcome string, start, end time.Time)

	// ConfigPath, when set, is watched for on-disk changes alongside
	// the automation targets file.
	ConfigPath string
}

// Gateway owns the per-account pipeline from socket event to protocol
// send. Construction wires every stage; Run starts the loops and blocks
// until ctx ends.
type Gateway struct {
	cfg      *config.Config
	qq       config.AccountConfig
	sock     Socket
	runner   agent.Runner
	sessions store.SessionStore
	log      *diag.Logger

	state    *routestate.Store
	gate     *policy.Checker
	paths    *outbound.PathPolicy
	agg      *dispatch.Aggregator
	rt       *dispatch.Runtime
	engine   *dispatch.Engine
	taskRun  *tasks.Runner
	queue    *delivery.Queue
	sender   *outbound.Sender
	relay    *relay.Server
	resolver *media.Resolver
	mat      *media.Materializer
	sched    *automation.Manager
	notifier *nudge.Notifier

	activity *activityTracker
	members  *memberCache
	seen     *seenSet
	history  *groupHistory

	configPath  string
	targetsPath string

	ensureMu sync.Mutex
	ensured  map[string]time.Time

	wg  sync.WaitGroup
	now func() time.Time
}

// ensureSessionInterval rate-limits the session-store touch per agent:
// one attempt per interval regardless of inbound volume.
const ensureSessionInterval = time.Minute

// New wires a gateway from config. The socket is not started and no
// goroutine runs until Run.
func New(opts Options) (*Gateway, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("gateway: config required")
	case opts.Socket == nil:
		return nil, fmt.Errorf("gateway: socket required")
	case opts.Runner == nil:
		return nil, fmt.Errorf("gateway: agent runner required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("gateway: session store required")
	}

	cfg := opts.Config
	qq := cfg.Channels.QQ
	workspace := cfg.WorkspacePath()

	g := &Gateway{
		cfg:         cfg,
		qq:          qq,
		sock:        opts.Socket,
		runner:      opts.Runner,
		sessions:    opts.Sessions,
		log:         opts.Diag,
		configPath:  opts.ConfigPath,
		targetsPath: cfg.AutomationTargetsPath(),
		ensured:     make(map[string]time.Time),
		now:         time.Now,
	}

	g.state = routestate.NewStore(workspace, "qq", qq.OwnerUserID)
	g.gate = policy.NewChecker(g.state, qq.OwnerUserID)

	roots := []string{workspace}
	for _, p := range qq.MediaPathAllowlist {
		roots = append(roots, config.ExpandHome(p))
	}
	if qq.VoiceBasePath != "" {
		roots = append(roots, config.ExpandHome(qq.VoiceBasePath))
	}
	g.paths = outbound.NewPathPolicy(roots...)

	g.agg = dispatch.NewAggregator(g.aggregateWindow)
	g.rt = dispatch.NewRuntime()
	g.taskRun = tasks.NewRunner(tasks.Guardrails{
		MaxRuntime:     msDur(qq.TaskMaxRuntimeMs),
		MaxRetries:     qq.TaskMaxRetries,
		MaxConcurrency: qq.TaskMaxConcurrency,
		Idempotency:    qq.TaskIdempotencyEnabled,
	}, g.state.MetaDir)

	g.queue = delivery.NewQueue(delivery.Options{
		BaseDelay:        msDur(qq.SendQueueBaseDelayMs),
		Jitter:           msDur(qq.SendQueueJitterMs),
		MaxRetries:       qq.SendQueueMaxRetries,
		RetryMinDelay:    msDur(qq.SendRetryMinDelayMs),
		RetryMaxDelay:    msDur(qq.SendRetryMaxDelayMs),
		RetryJitterRatio: qq.SendRetryJitterRatio,
		WaitForReconnect: msDur(qq.SendWaitForReconnectMs),
		RepeatGuard:      msDur(qq.OutboundRepeatGuardWindowMs),
	}, g.sock.WaitUntilConnected, opts.Diag)

	var signer outbound.RelaySigner
	if qq.MediaProxyEnabled {
		rl, err := relay.New(relay.Options{
			Host:     qq.MediaProxyHost,
			Port:     qq.MediaProxyPort,
			BasePath: qq.MediaProxyPath,
			Secret:   qq.MediaProxyToken,
			TTL:      time.Duration(qq.MediaProxyTtlSec) * time.Second,
			Paths:    g.paths,
		})
		if err != nil {
			return nil, err
		}
		g.relay = rl
		signer = rl
	}

	g.sender = outbound.NewSender(outbound.SenderOptions{
		Queue:            g.queue,
		Transport:        g.sock,
		Relay:            signer,
		State:            g.state,
		Policy:           g.gate,
		Paths:            g.paths,
		Diag:             opts.Diag,
		MaxMessageLength: qq.MaxMessageLength,
		AbortStrict:      qq.OutboundAbortPatternStrict,
		TextDedupWindow:  msDur(qq.OutboundTextDedupWindowMs),
		StreamEnabled:    config.BoolOr(qq.StreamTransportEnabled, true),
		StreamPrefer:     qq.StreamTransportPrefer,
	})

	observe := opts.Observer
	if observe == nil {
		observe = observeDispatch
	}

	bridge := &senderBridge{gw: g}
	g.engine = dispatch.NewEngine(dispatch.EngineOptions{
		Config: dispatch.Config{
			InterruptPolicy:      qq.InterruptPolicy,
			MediaInterruptPolicy: qq.MediaInterruptPolicy,
			PreemptOldRun:        config.BoolOr(qq.RoutePreemptOldRun, true),
			CoalesceEnabled:      config.BoolOr(qq.InterruptCoalesceEnabled, true),
			InterruptWindow:      g.interruptWindow,
			DegradeWindow:        msDur(qq.AdaptiveTimeoutDegradeWindowMs),
			FileTaskLock:         msDur(qq.FileTaskLockMs),
			ReplyRunTimeout:      msDur(qq.ReplyRunTimeoutMs),
			AbortOnTimeout:       config.BoolOr(qq.ReplyAbortOnTimeout, true),
			FallbackOnDrop:       config.BoolOr(qq.OutboundFallbackOnDrop, true),
			FallbackCooldown:     msDur(qq.OutboundFallbackCooldownMs),
			ErrorNotify:          qq.EnableErrorNotify,
		},
		Aggregator: g.agg,
		Runtime:    g.rt,
		Runner:     opts.Runner,
		Tasks:      g.taskRun,
		Sender:     bridge,
		Policy:     g.gate,
		Diag:       opts.Diag,
		Hooks: dispatch.Hooks{
			EnsureAgent:  g.ensureAgent,
			SessionKey:   g.sessionKey,
			BuildPrompt:  g.buildPrompt,
			BumpDispatch: g.bumpDispatch,
			Observe:      observe,
		},
	})

	g.resolver = media.NewResolver(g.sock, media.ResolverOptions{
		Prefer:         qq.InboundMediaResolvePrefer,
		UseStream:      config.BoolOr(qq.InboundMediaUseStream, true),
		FallbackGetMsg: config.BoolOr(qq.InboundMediaFallbackGetMsg, true),
		MaxPerMessage:  qq.InboundMediaMaxPerMessage,
	}, opts.Diag)
	g.mat = media.NewMaterializer(media.MaterializerOptions{
		HTTPTimeout: msDur(qq.InboundMediaHTTPTimeoutMs),
		HTTPRetries: qq.InboundMediaHTTPRetries,
		Stream:      g.sock.DownloadStream,
	})

	g.activity = newActivityTracker()
	g.members = newMemberCache(g.sock)
	g.seen = newSeenSet(maxProcessedIDs)
	g.history = newGroupHistory()

	g.sched = automation.NewManager(automation.Options{
		TargetsPath:  g.targetsPath,
		SessionsRoot: filepath.Join(workspace, "qq_sessions"),
		Fallback:     inlineTargets(cfg.Automation),
		Store:        g.state,
		Activity:     g.activity,
		Dispatcher:   g.engine,
		Diag:         opts.Diag,
	})

	g.notifier = nudge.New(nudge.Options{
		Enabled:     qq.ProactiveDmEnabled,
		Route:       qq.ProactiveDmRoute,
		MinSilence:  msDur(qq.ProactiveDmMinSilenceMs),
		MinInterval: msDur(qq.ProactiveDmMinIntervalMs),
		Verbose:     qq.ProactiveDmLogVerbose,
		Store:       g.state,
		Policy:      g.gate,
		Deliver:     bridge,
		Diag:        opts.Diag,
	})

	return g, nil
}

// SetClock replaces the time source for tests. Propagates to the stages
// the gateway clocks itself; collaborators carry their own SetClock.
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
	g.members.now = now
	g.activity.now = now
}

// Engine exposes the dispatch engine (automation tooling, tests).
func (g *Gateway) Engine() *dispatch.Engine { return g.engine }

// State exposes the per-route state store.
func (g *Gateway) State() *routestate.Store { return g.state }

// Relay exposes the media relay server, nil when the proxy is disabled.
// cmd wiring mounts its handler on alternate listeners.
func (g *Gateway) Relay() *relay.Server { return g.relay }

// Run starts the socket, the send queue, the relay, and the background
// loops, then consumes socket events until ctx is cancelled. Each
// inbound message is handled on its own goroutine; the aggregation
// window and the dispatch engine serialize per-route work.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.sock.Start(ctx); err != nil {
		return fmt.Errorf("gateway: socket: %w", err)
	}
	g.queue.Start(ctx)
	if g.relay != nil {
		if err := g.relay.Start(ctx); err != nil {
			return err
		}
	}

	if err := g.sched.Load(); err != nil {
		slog.Warn("gateway: automation targets not loaded", "error", err)
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.sched.Run(ctx)
	}()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.notifier.Run(ctx)
	}()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.watchFiles(ctx)
	}()

	slog.Info("gateway: running",
		"workspace", g.cfg.WorkspacePath(),
		"relay", g.relay != nil,
		"interrupt_policy", g.qq.InterruptPolicy)

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return ctx.Err()
		case ev, ok := <-g.sock.Events():
			if !ok {
				g.shutdown()
				return nil
			}
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.handleInbound(ctx, &ev)
			}()
		}
	}
}

// shutdown stops intake first, then drains outbound work.
func (g *Gateway) shutdown() {
	g.sock.Stop()
	g.queue.Stop()
	g.wg.Wait()
	slog.Info("gateway: stopped")
}

// aggregateWindow picks the fragment-join window for a route. DM and
// group overrides fall back to the account-wide window.
func (g *Gateway) aggregateWindow(route string) time.Duration {
	ms := g.qq.AggregateWindowMs
	if strings.HasPrefix(route, "user:") {
		if g.qq.DMAggregateWindowMs > 0 {
			ms = g.qq.DMAggregateWindowMs
		}
	} else if g.qq.GroupAggregateWindowMs > 0 {
		ms = g.qq.GroupAggregateWindowMs
	}
	if ms <= 0 {
		ms = 900
	}
	return time.Duration(ms) * time.Millisecond
}

// interruptWindow is the post-preempt coalesce sleep; it defaults to
// the route's aggregation window.
func (g *Gateway) interruptWindow(route string) time.Duration {
	if g.qq.InterruptWindowMs > 0 {
		return time.Duration(g.qq.InterruptWindowMs) * time.Millisecond
	}
	return g.aggregateWindow(route)
}

func observeDispatch(route, dispatchID, outcome string, start, end time.Time) {
	slog.Debug("gateway: dispatch finished",
		"route", route,
		"dispatch_id", dispatchID,
		"outcome", outcome,
		"duration_ms", end.Sub(start).Milliseconds())
}

// inlineTargets converts config-embedded automation targets to the
// envelope shape the manager loads. Returns nil when the config block
// carries no targets, letting a missing file mean "disabled".
func inlineTargets(ac config.AutomationConfig) *automation.Envelope {
	if len(ac.Targets) == 0 {
		return nil
	}
	enabled := ac.Enabled
	env := &automation.Envelope{
		Enabled:             &enabled,
		ConfigVersion:       ac.ConfigVersion,
		ReconcileOnStartup:  ac.ReconcileOnStartup,
		ReconcileIntervalMs: ac.ReconcileIntervalMs,
		PruneOrphans:        ac.PruneOrphans,
		StrictAgentOnly:     config.BoolOr(ac.StrictAgentOnly, true),
	}
	for _, t := range ac.Targets {
		env.Targets = append(env.Targets, automation.Target{
			ID:            t.ID,
			Enabled:       t.Enabled,
			Route:         t.Route,
			ExecutionMode: t.ExecutionMode,
			Job: automation.Job{
				Type: t.Job.Type,
				Schedule: automation.Schedule{
					Kind:    t.Job.Schedule.Kind,
					Expr:    t.Job.Schedule.Expr,
					TZ:      t.Job.Schedule.TZ,
					EveryMs: t.Job.Schedule.EveryMs,
					At:      t.Job.Schedule.At,
				},
				Message:        t.Job.Message,
				Thinking:       t.Job.Thinking,
				Model:          t.Job.Model,
				TimeoutSeconds: t.Job.TimeoutSeconds,
				Smart:          inlineSmart(t.Job.Smart),
			},
		})
	}
	return env
}

func inlineSmart(s *config.SmartThrottle) *automation.Smart {
	if s == nil {
		return nil
	}
	return &automation.Smart{
		Enabled:                   s.Enabled,
		MinSilenceMinutes:         s.MinSilenceMinutes,
		ActiveConversationMinutes: s.ActiveConversationMinutes,
		RandomIntervalMinMinutes:  s.RandomIntervalMinMinutes,
		RandomIntervalMaxMinutes:  s.RandomIntervalMaxMinutes,
		MaxChars:                  s.MaxChars,
	}
}

func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
