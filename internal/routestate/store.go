package routestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qqclaw/internal/routing"
)

// Store owns the on-disk per-route state of one account's workspace. All
// mutation goes through a per-route lock so concurrent bumps do not lose
// updates.
type Store struct {
	workspace   string
	accountID   string
	ownerUserID string
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at the workspace directory.
func NewStore(workspace, accountID, ownerUserID string) *Store {
	return &Store{
		workspace:   workspace,
		accountID:   accountID,
		ownerUserID: ownerUserID,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source (tests).
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) lockFor(route string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[route]
	if !ok {
		l = &sync.Mutex{}
		s.locks[route] = l
	}
	return l
}

// RouteDir resolves the on-disk directory for a route. Writes always target
// the canonical "__" spelling; a legacy direct spelling is honored when it
// already exists and the canonical one does not.
func (s *Store) RouteDir(route string) string {
	base := filepath.Join(s.workspace, "qq_sessions")
	canonical := filepath.Join(base, routing.RouteDir(route))
	if _, err := os.Stat(canonical); err == nil {
		return canonical
	}
	for _, legacy := range routing.LegacyRouteDirs(route) {
		p := filepath.Join(base, legacy)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return canonical
}

// MetaDir returns the route's meta directory, creating it if needed.
func (s *Store) MetaDir(route string) (string, error) {
	dir := filepath.Join(s.RouteDir(route), "meta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("routestate: meta dir: %w", err)
	}
	return dir, nil
}

// InFilesDir returns the materialized-inbound directory, creating it if
// needed.
func (s *Store) InFilesDir(route string) (string, error) {
	dir := filepath.Join(s.RouteDir(route), "in", "files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("routestate: in dir: %w", err)
	}
	return dir, nil
}

// OutFilesDir returns the outbound-snapshot directory, creating it if
// needed.
func (s *Store) OutFilesDir(route string) (string, error) {
	dir := filepath.Join(s.RouteDir(route), "out", "files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("routestate: out dir: %w", err)
	}
	return dir, nil
}

// EnsureRoute creates the route's directory tree and default metadata on
// first contact, and returns the current metadata afterwards. Owner private
// routes bind to the main agent with full capability.
func (s *Store) EnsureRoute(route string) (*Metadata, error) {
	if !routing.IsValidRoute(route) {
		return nil, fmt.Errorf("routestate: invalid route %q", route)
	}
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()

	dir := s.RouteDir(route)
	for _, sub := range []string{
		filepath.Join(dir, "in", "files"),
		filepath.Join(dir, "out", "files"),
		filepath.Join(dir, "logs"),
		filepath.Join(dir, "meta"),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("routestate: ensure %s: %w", route, err)
		}
	}

	meta, err := s.loadMetadataLocked(route)
	if err == nil && meta != nil {
		return meta, nil
	}
	if err != nil {
		return nil, err
	}

	meta = s.defaultMetadata(route)
	if err := s.writeJSON(filepath.Join(dir, "agent.json"), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) defaultMetadata(route string) *Metadata {
	now := s.now().UTC().Format(time.RFC3339)
	agentID := routing.ResidentAgentID(route, s.ownerUserID)
	return &Metadata{
		AgentID:           agentID,
		Route:             route,
		AccountID:         s.accountID,
		CreatedAt:         now,
		UpdatedAt:         now,
		BoundToMain:       agentID == "main",
		OrchestrationMode: ModeDispatcher,
		DispatcherRules: DispatcherRules{
			HeavyTaskDelegation:  true,
			AckThenAsyncResult:   true,
			IdempotencyRequired:  true,
			StrictRouteIsolation: true,
		},
		Capabilities: Capabilities{
			SendText:  true,
			SendMedia: true,
			SendVoice: true,
			Skills:    []string{},
		},
	}
}

// Metadata loads the route's agent.json. Missing file yields (nil, nil).
func (s *Store) Metadata(route string) (*Metadata, error) {
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()
	return s.loadMetadataLocked(route)
}

func (s *Store) loadMetadataLocked(route string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.RouteDir(route), "agent.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routestate: read metadata %s: %w", route, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("routestate: decode metadata %s: %w", route, err)
	}
	// Owner binding is authoritative over whatever is on disk.
	if routing.ResidentAgentID(route, s.ownerUserID) == "main" {
		meta.BoundToMain = true
		meta.AgentID = "main"
		meta.Capabilities.SendText = true
		meta.Capabilities.SendMedia = true
		meta.Capabilities.SendVoice = true
	}
	return &meta, nil
}

// UpdateMetadata applies fn to the route's metadata under the route lock and
// persists the result. The route is ensured first.
func (s *Store) UpdateMetadata(route string, fn func(*Metadata)) (*Metadata, error) {
	if _, err := s.EnsureRoute(route); err != nil {
		return nil, err
	}
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.loadMetadataLocked(route)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = s.defaultMetadata(route)
	}
	fn(meta)
	meta.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.writeJSON(filepath.Join(s.RouteDir(route), "agent.json"), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Usage loads the route's counters. Missing file yields a zero value.
func (s *Store) Usage(route string) (Usage, error) {
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()
	return s.loadUsageLocked(route)
}

func (s *Store) loadUsageLocked(route string) (Usage, error) {
	var u Usage
	data, err := os.ReadFile(filepath.Join(s.RouteDir(route), "usage.json"))
	if os.IsNotExist(err) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("routestate: read usage %s: %w", route, err)
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("routestate: decode usage %s: %w", route, err)
	}
	return u, nil
}

// BumpUsage increments one counter and persists atomically.
func (s *Store) BumpUsage(route, kind string) (Usage, error) {
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.loadUsageLocked(route)
	if err != nil {
		return u, err
	}
	switch kind {
	case CountDispatch:
		u.DispatchCount++
	case CountText:
		u.SendTextCount++
	case CountMedia:
		u.SendMediaCount++
	case CountVoice:
		u.SendVoiceCount++
	default:
		return u, fmt.Errorf("routestate: unknown usage kind %q", kind)
	}
	u.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	if err := s.writeJSON(filepath.Join(s.RouteDir(route), "usage.json"), &u); err != nil {
		return u, err
	}
	return u, nil
}

// Conversation loads the route's conversation state. Missing file yields the
// neutral default.
func (s *Store) Conversation(route string) (Conversation, error) {
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()
	return s.loadConversationLocked(route)
}

func (s *Store) loadConversationLocked(route string) (Conversation, error) {
	c := Conversation{Mood: MoodNeutral}
	data, err := os.ReadFile(filepath.Join(s.RouteDir(route), "state.json"))
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("routestate: read state %s: %w", route, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("routestate: decode state %s: %w", route, err)
	}
	if c.Mood == "" {
		c.Mood = MoodNeutral
	}
	c.Affinity = ClampAffinity(c.Affinity)
	return c, nil
}

// UpdateConversation applies fn under the route lock and persists. Affinity
// is clamped after fn runs.
func (s *Store) UpdateConversation(route string, fn func(*Conversation)) (Conversation, error) {
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.loadConversationLocked(route)
	if err != nil {
		return c, err
	}
	fn(&c)
	c.Affinity = ClampAffinity(c.Affinity)
	if c.Mood == "" {
		c.Mood = MoodNeutral
	}
	c.LastUpdatedAt = s.now().UnixMilli()
	if err := s.writeJSON(filepath.Join(s.RouteDir(route), "state.json"), &c); err != nil {
		return c, err
	}
	return c, nil
}

// TryConsumeImageQuota admits one outbound image against the rolling
// two-hour window and persists the new count. Returns false when the window
// is exhausted.
func (s *Store) TryConsumeImageQuota(route string) (bool, error) {
	lock := s.lockFor(route)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.loadConversationLocked(route)
	if err != nil {
		return false, err
	}
	nowMs := s.now().UnixMilli()
	if c.ImageWindowStartMs == 0 || nowMs-c.ImageWindowStartMs >= ImageWindow.Milliseconds() {
		c.ImageWindowStartMs = nowMs
		c.ImageCountInWindow = 0
	}
	if c.ImageCountInWindow >= ImageWindowMax {
		return false, nil
	}
	c.ImageCountInWindow++
	c.LastUpdatedAt = nowMs
	if err := s.writeJSON(filepath.Join(s.RouteDir(route), "state.json"), &c); err != nil {
		return false, err
	}
	return true, nil
}

// writeJSON writes v as indented JSON with write-then-rename semantics so a
// crash never leaves a half-written state file.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("routestate: marshal %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("routestate: write %s: %w", filepath.Base(path), err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("routestate: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("routestate: write %s: %w", filepath.Base(path), err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("routestate: write %s: %w", filepath.Base(path), err)
	}
	cleanup = false
	return nil
}
