package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/qqclaw/internal/qqerr"
	"github.com/nextlevelbuilder/qqclaw/internal/timekit"
)

const (
	// ActionTimeout bounds one echo-matched request/response round trip.
	ActionTimeout = 5 * time.Second

	// SoftHeartbeat is the quiet interval after which a lightweight probe
	// is sent; HardHeartbeat forces a reconnect.
	SoftHeartbeat = 90 * time.Second
	HardHeartbeat = 150 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 60 * time.Second
	watchdogTick  = 15 * time.Second

	dialTimeout     = 10 * time.Second
	eventBufferSize = 128
	maxFrameSize    = 1 << 24 // base64 media frames get large
)

// Options configures a client.
type Options struct {
	URL              string
	AccessToken      string
	WaitForReconnect time.Duration // grace window for sends while disconnected
}

// Response is the action response envelope.
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

// OK reports whether the action succeeded.
func (r *Response) OK() bool { return r.Status == "ok" }

func (r *Response) actionError(action string) error {
	msg := r.Msg
	if msg == "" {
		msg = r.Wording
	}
	return fmt.Errorf("onebot: %s failed: %s (retcode %d)", action, msg, r.RetCode)
}

type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// Client maintains the persistent socket, reconnecting with capped
// exponential backoff, and multiplexes echo-matched actions over it.
type Client struct {
	opts Options

	mu           sync.RWMutex
	conn         *wsConn
	connected    bool
	connectedCh  chan struct{}
	selfID       string
	lastServerAt time.Time
	attempt      int

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	events  chan Event
	probing atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client; Start opens the socket.
func NewClient(opts Options) *Client {
	if opts.WaitForReconnect <= 0 {
		opts.WaitForReconnect = 5 * time.Second
	}
	return &Client{
		opts:        opts,
		connectedCh: make(chan struct{}),
		pending:     make(map[string]chan *Response),
		events:      make(chan Event, eventBufferSize),
	}
}

// Events exposes inbound protocol events. The channel is buffered; under
// sustained overload the oldest event is dropped.
func (c *Client) Events() <-chan Event { return c.events }

// IsConnected reports current socket liveness.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SelfID returns the authenticated account id, "" before identification.
func (c *Client) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Start launches the connect/read and heartbeat loops. The first dial
// happens asynchronously; use WaitUntilConnected to block on it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("onebot: client already started")
	}
	lctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go c.run(lctx)
	go c.watchdog(lctx)
	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
}

// WaitUntilConnected blocks until the socket is live or the timeout lapses.
func (c *Client) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	c.mu.RLock()
	if c.connected {
		c.mu.RUnlock()
		return nil
	}
	ch := c.connectedCh
	c.mu.RUnlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return qqerr.New(qqerr.CodeTransportUnavailable, "onebot.wait_connected")
	}
}

// SendAction performs one echo-matched action call. Sends attempted while
// disconnected wait up to the reconnect grace window, then fail with
// transport_unavailable. The round trip is bounded by ActionTimeout.
func (c *Client) SendAction(ctx context.Context, action string, params any) (*Response, error) {
	if err := c.WaitUntilConnected(ctx, c.opts.WaitForReconnect); err != nil {
		return nil, err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, qqerr.New(qqerr.CodeTransportUnavailable, "onebot."+action)
	}

	if params == nil {
		params = struct{}{}
	}
	echo := uuid.NewString()
	body, err := json.Marshal(actionRequest{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("onebot: marshal %s: %w", action, err)
	}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, echo)
		c.pendingMu.Unlock()
	}()

	return timekit.WithTimeout(ctx, ActionTimeout, action, nil, func(tctx context.Context) (*Response, error) {
		if err := conn.write(tctx, body); err != nil {
			return nil, qqerr.Wrap(qqerr.CodeTransportUnavailable, "onebot."+action, err)
		}
		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, qqerr.New(qqerr.CodeTransportUnavailable, "onebot."+action)
			}
			if !resp.OK() {
				return resp, resp.actionError(action)
			}
			return resp, nil
		case <-tctx.Done():
			return nil, tctx.Err()
		}
	})
}

// CallMap performs an action and decodes the response data as a generic
// object. Used for probing endpoints whose response shape varies by
// implementation.
func (c *Client) CallMap(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
	resp, err := c.SendAction(ctx, action, params)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out); err != nil {
			return nil, fmt.Errorf("onebot: decode %s data: %w", action, err)
		}
	}
	return out, nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := dialWS(ctx, c.opts.URL, c.opts.AccessToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := c.nextBackoff()
			slog.Warn("onebot: connect failed", "url", c.opts.URL, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		c.setConnected(conn)
		slog.Info("onebot: connected", "url", c.opts.URL)
		go c.identify(ctx)

		c.readLoop(ctx, conn)
		c.setDisconnected()
		if ctx.Err() != nil {
			return
		}
		delay := c.nextBackoff()
		slog.Warn("onebot: disconnected", "retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *wsConn) {
	for {
		// The per-read deadline doubles as the hard heartbeat: any quiet
		// stretch past it is a silent disconnect.
		readCtx, cancel := context.WithTimeout(ctx, HardHeartbeat)
		data, err := conn.read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("onebot: hard heartbeat timeout, forcing reconnect")
				conn.close(websocket.StatusGoingAway, "heartbeat timeout")
			}
			return
		}
		c.handleFrame(ctx, data)
	}
}

// watchdog sends a lightweight probe after a soft-heartbeat quiet interval.
// The probe's response refreshes liveness; a dead peer instead runs into the
// hard deadline in readLoop.
func (c *Client) watchdog(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.RLock()
		connected := c.connected
		quiet := time.Since(c.lastServerAt)
		c.mu.RUnlock()
		if !connected || quiet < SoftHeartbeat {
			continue
		}
		if !c.probing.CompareAndSwap(false, true) {
			continue
		}
		go func() {
			defer c.probing.Store(false)
			slog.Debug("onebot: soft heartbeat probe", "quiet", quiet)
			if _, err := c.SendAction(ctx, ActionGetLoginInfo, nil); err != nil && ctx.Err() == nil {
				slog.Warn("onebot: heartbeat probe failed", "error", err)
			}
		}()
	}
}

func (c *Client) identify(ctx context.Context) {
	ictx, cancel := context.WithTimeout(ctx, 2*ActionTimeout)
	defer cancel()
	info, err := c.GetLoginInfo(ictx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("onebot: identify failed", "error", err)
		}
		return
	}
	c.learnSelfID(info.UserID)
	slog.Info("onebot: identified", "self_id", info.UserID, "nickname", info.Nickname)
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	c.mu.Lock()
	c.lastServerAt = time.Now()
	c.mu.Unlock()

	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		// Non-JSON frames are dropped without noise.
		return
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err == nil && resp.Echo != "" && resp.Status != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.Echo]
		if ok {
			delete(c.pending, resp.Echo)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.PostType == "" {
		return
	}
	c.learnSelfID(ev.SelfID)
	if c.isSelfEcho(&ev) {
		return
	}
	emit(ctx, c.events, ev)
}

// isSelfEcho filters events the account produced itself, which some
// implementations mirror back.
func (c *Client) isSelfEcho(ev *Event) bool {
	if ev.PostType == PostMessageSent {
		return true
	}
	if !ev.IsMessage() {
		return false
	}
	self := c.SelfID()
	return self != "" && ev.UserID.String() == self
}

func (c *Client) learnSelfID(id ID) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.selfID = id.String()
	c.mu.Unlock()
}

func (c *Client) setConnected(conn *wsConn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempt = 0
	c.lastServerAt = time.Now()
	close(c.connectedCh)
	c.mu.Unlock()
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.connectedCh = make(chan struct{})
	c.mu.Unlock()

	// Fail outstanding waiters instead of letting them ride out the
	// action timeout against a dead socket.
	c.pendingMu.Lock()
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()
}

func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	shift := c.attempt
	if shift > 6 {
		shift = 6
	}
	delay := reconnectBase << shift
	if delay > reconnectMax {
		delay = reconnectMax
	}
	c.attempt++
	return delay
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dialWS(ctx context.Context, rawURL, token string) (*wsConn, error) {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, rawURL, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("onebot: dial %s: %w", rawURL, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) write(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) close(code websocket.StatusCode, reason string) {
	w.conn.Close(code, reason)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// emit sends to a buffered channel; drops oldest if full.
func emit[T any](ctx context.Context, ch chan T, val T) {
	select {
	case <-ctx.Done():
		return
	case ch <- val:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- val:
		default:
		}
	}
}
