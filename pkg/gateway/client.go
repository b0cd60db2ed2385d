package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/logging"
	"github.com/harunnryd/parley/pkg/metrics"
	"github.com/harunnryd/parley/pkg/priority"
	"github.com/harunnryd/parley/pkg/redact"
)

var (
	errChallengeTimeout = errors.New("no connect.challenge received")
	errSuperseded       = errors.New("gateway config superseded")
)

type Options struct {
	ReconnectDelay time.Duration
	RequestTimeout time.Duration
	// TickInterval is used when the hello payload carries no policy.
	TickInterval time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	Observer     metrics.Observer
}

// Client keeps one logical session to the gateway. It is the only writer
// of connection state and the only owner of pending requests.
type Client struct {
	opts       Options
	log        *slog.Logger
	obs        metrics.Observer
	instanceID string
	notify     *priority.Serial

	mu        sync.Mutex
	cfg       Config
	cfgGen    uint64
	state     State
	conn      *session
	pending   map[string]*pendingRequest
	nextID    uint64
	reconnect *time.Timer
	closed    bool
	stateSubs subscribers[State]
	replySubs subscribers[Reply]
}

// session is one websocket connection attempt.
type session struct {
	ws     *websocket.Conn
	cfg    Config
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	challenge *time.Timer

	// challenged is only touched by the read loop.
	challenged bool
	// failed is guarded by Client.mu.
	failed bool
}

type pendingRequest struct {
	method  string
	started time.Time
	done    chan result
}

type result struct {
	frame Frame
	err   error
}

func NewClient(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Client{
		opts:       opts,
		log:        logging.NewComponentLogger(opts.Logger, "gateway"),
		obs:        metrics.OrNoop(opts.Observer),
		instanceID: uuid.NewString(),
		notify:     priority.NewSerial(),
		pending:    make(map[string]*pendingRequest),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeState registers fn for state changes. Callbacks run in order on
// a dedicated goroutine.
func (c *Client) SubscribeState(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.stateSubs.add(fn)
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.stateSubs.remove(id)
			c.mu.Unlock()
		})
	}
}

// SubscribeReplies registers fn for assistant replies.
func (c *Client) SubscribeReplies(fn func(Reply)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.replySubs.add(fn)
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.replySubs.remove(id)
			c.mu.Unlock()
		})
	}
}

// Connect tears down any current session, adopts cfg and dials. The
// handshake completes asynchronously; watch SubscribeState or call
// AwaitConnected.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonGatewayProtocol)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cfgGen++
	gen := c.cfgGen
	c.cfg = cfg
	c.stopReconnectLocked()
	old := c.conn
	c.conn = nil
	lost := c.takeAllPendingLocked()
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	failPending(lost, ErrConnectionLost)
	return c.dial(ctx, gen, cfg)
}

// AwaitConnected blocks until the session reaches Connected or ctx ends.
func (c *Client) AwaitConnected(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	unsubscribe := c.SubscribeState(func(s State) {
		if s == Connected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if c.State() == Connected {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChat posts text to the configured chat session. The reply, if any,
// arrives later through SubscribeReplies.
func (c *Client) SendChat(ctx context.Context, text string) error {
	c.mu.Lock()
	s := c.conn
	st := c.state
	c.mu.Unlock()
	if s == nil || st != Connected {
		return errorsx.Wrap(ErrNotConnected, errorsx.ReasonGatewaySend)
	}
	_, err := c.request(ctx, s, MethodChatSend, ChatSendParams{
		SessionKey:     s.cfg.SessionKey,
		Message:        text,
		IdempotencyKey: uuid.NewString(),
	})
	return errorsx.Wrap(err, errorsx.ReasonGatewaySend)
}

// Request issues an arbitrary method on the connected session.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	s := c.conn
	st := c.state
	c.mu.Unlock()
	if s == nil || st != Connected {
		return nil, ErrNotConnected
	}
	return c.request(ctx, s, method, params)
}

// Close ends the session for good. Pending requests fail with ErrClosed
// and no reconnect is scheduled.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopReconnectLocked()
	s := c.conn
	c.conn = nil
	lost := c.takeAllPendingLocked()
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if s != nil {
		s.shutdown()
	}
	failPending(lost, ErrClosed)
	c.notify.Close()
	c.log.Info("gateway_closed")
}

func (c *Client) dial(ctx context.Context, gen uint64, cfg Config) error {
	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return errSuperseded
	}
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	target := redact.URL(cfg.URL)
	ws, _, err := c.opts.Dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		err = errorsx.Wrapf(err, errorsx.ReasonGatewayHandshake, "dial %s", target)
		c.log.Warn("gateway_dial_failed", "url", target, "error", err, "reason_code", errorsx.Reason(err))
		c.mu.Lock()
		if c.currentLocked(gen) {
			c.setStateLocked(Error)
			c.scheduleReconnectLocked(gen)
		}
		c.mu.Unlock()
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{ws: ws, cfg: cfg, gen: gen, ctx: sctx, cancel: cancel}
	s.challenge = time.AfterFunc(c.opts.RequestTimeout, func() {
		c.failHandshake(s, errChallengeTimeout)
	})

	c.mu.Lock()
	if !c.currentLocked(gen) || c.conn != nil {
		c.mu.Unlock()
		s.shutdown()
		return errSuperseded
	}
	c.conn = s
	c.mu.Unlock()

	c.log.Info("gateway_dialed", "url", target)
	go c.readLoop(s)
	return nil
}

func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			c.handleClose(s, err)
			return
		}
		c.handleFrame(s, data)
	}
}

func (c *Client) handleFrame(s *session, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Debug("gateway_frame_dropped", "error", err, "bytes", len(data))
		return
	}
	switch f.Type {
	case FrameResponse:
		c.resolve(f)
	case FrameEvent:
		c.handleEvent(s, f)
	default:
		c.log.Debug("gateway_frame_ignored", "type", f.Type)
	}
}

func (c *Client) handleEvent(s *session, f Frame) {
	switch f.Event {
	case EventChallenge:
		if s.challenged {
			c.log.Debug("gateway_challenge_repeated")
			return
		}
		var ch ChallengePayload
		if err := json.Unmarshal(f.Payload, &ch); err != nil {
			c.log.Debug("gateway_challenge_malformed", "error", err)
			return
		}
		s.challenged = true
		s.challenge.Stop()
		go c.handshake(s, ch.Nonce)
	case EventChatStream:
	default:
		reply, ok := replyFromEvent(f.Event, f.Payload)
		if !ok {
			return
		}
		c.log.Debug("gateway_reply", "message_id", reply.MessageID, "text", redact.Text(reply.Text))
		c.mu.Lock()
		fns := c.replySubs.snapshot()
		c.notify.Go(func() {
			for _, fn := range fns {
				fn(reply)
			}
		})
		c.mu.Unlock()
	}
}

func (c *Client) handshake(s *session, nonce string) {
	cfg := s.cfg
	params := ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			ID:          cfg.ClientID,
			DisplayName: cfg.DisplayName,
			Version:     cfg.Version,
			Platform:    cfg.Platform,
			Mode:        "voice",
			InstanceID:  c.instanceID,
		},
		Role:   cfg.Role,
		Scopes: cfg.Scopes,
		Nonce:  nonce,
	}
	if cfg.Token != "" {
		params.Auth = &AuthParams{Token: cfg.Token}
	}

	payload, err := c.request(s.ctx, s, MethodConnect, params)
	if err != nil {
		c.failHandshake(s, err)
		return
	}
	var hello HelloPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err != nil {
			c.failHandshake(s, errorsx.Wrap(err, errorsx.ReasonGatewayProtocol))
			return
		}
	}
	interval := c.opts.TickInterval
	if hello.Policy.TickIntervalMs > 0 {
		interval = time.Duration(hello.Policy.TickIntervalMs) * time.Millisecond
	}

	c.mu.Lock()
	if c.conn != s || s.failed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Connected)
	c.mu.Unlock()
	c.log.Info("gateway_connected", "protocol", hello.Protocol, "tick_interval_ms", interval.Milliseconds())

	go c.keepalive(s, interval)

	if _, err := c.request(s.ctx, s, MethodChatSubscribe, ChatSubscribeParams{SessionKey: cfg.SessionKey}); err != nil {
		c.failHandshake(s, err)
		return
	}
	c.log.Info("gateway_subscribed", "session_key", cfg.SessionKey)
}

// failHandshake marks s as failed, reports Error and closes the socket.
// The read loop then runs the usual close path, which keeps Error.
func (c *Client) failHandshake(s *session, err error) {
	c.mu.Lock()
	if c.conn != s || s.failed {
		c.mu.Unlock()
		return
	}
	s.failed = true
	c.setStateLocked(Error)
	c.mu.Unlock()

	err = errorsx.Wrap(err, errorsx.ReasonGatewayHandshake)
	c.log.Warn("gateway_handshake_failed", "error", err, "reason_code", errorsx.Reason(err))
	s.shutdown()
}

func (c *Client) handleClose(s *session, cause error) {
	c.mu.Lock()
	if c.conn != s {
		c.mu.Unlock()
		s.shutdown()
		return
	}
	c.conn = nil
	if !s.failed {
		c.setStateLocked(Disconnected)
	}
	lost := c.takeAllPendingLocked()
	if c.currentLocked(s.gen) {
		c.scheduleReconnectLocked(s.gen)
	}
	c.mu.Unlock()

	s.shutdown()
	c.log.Warn("gateway_disconnected", "error", cause, "pending_failed", len(lost))
	failPending(lost, ErrConnectionLost)
}

func (c *Client) keepalive(s *session, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.request(s.ctx, s, MethodTick, struct{}{}); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				c.log.Warn("gateway_tick_failed", "error", err, "reason_code", errorsx.Reason(err))
			}
		}
	}
}

// request sends one frame on s and waits for its response, the request
// timeout or ctx, whichever comes first.
func (c *Client) request(ctx context.Context, s *session, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonGatewayProtocol)
	}

	c.mu.Lock()
	if s == nil || c.conn != s {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	p := &pendingRequest{method: method, started: time.Now(), done: make(chan result, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	var res result
	if err := s.write(Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}); err != nil {
		if c.takePending(id) != nil {
			res = result{err: errorsx.Wrap(err, errorsx.ReasonGatewaySend)}
			c.recordRequest(p, res)
			return nil, res.err
		}
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case res = <-p.done:
	case <-timer.C:
		if c.takePending(id) != nil {
			res = result{err: ErrRequestTimeout}
		} else {
			res = <-p.done
		}
	case <-ctx.Done():
		if c.takePending(id) != nil {
			res = result{err: ctx.Err()}
		} else {
			res = <-p.done
		}
	}
	c.recordRequest(p, res)

	switch {
	case errors.Is(res.err, ErrRequestTimeout):
		return nil, errorsx.Wrap(res.err, errorsx.ReasonGatewayTimeout)
	case errors.Is(res.err, ErrConnectionLost), errors.Is(res.err, ErrClosed):
		return nil, errorsx.Wrap(res.err, errorsx.ReasonGatewayConnectionLost)
	case res.err != nil:
		return nil, res.err
	}
	if !res.frame.OK {
		reqErr := &RequestError{Method: method}
		if res.frame.Error != nil {
			reqErr.Code = res.frame.Error.Code
			reqErr.Message = res.frame.Error.Message
		}
		return nil, errorsx.Wrap(reqErr, errorsx.ReasonGatewayProtocol)
	}
	return res.frame.Payload, nil
}

func (c *Client) resolve(f Frame) {
	p := c.takePending(f.ID)
	if p == nil {
		c.log.Debug("gateway_response_unmatched", "id", f.ID)
		return
	}
	p.done <- result{frame: f}
}

func (c *Client) takePending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) takeAllPendingLocked() []*pendingRequest {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		out = append(out, p)
		delete(c.pending, id)
	}
	return out
}

func failPending(list []*pendingRequest, err error) {
	for _, p := range list {
		p.done <- result{err: err}
	}
}

func (c *Client) currentLocked(gen uint64) bool {
	return !c.closed && c.cfgGen == gen
}

func (c *Client) setStateLocked(st State) {
	if c.state == st {
		return
	}
	c.state = st
	fns := c.stateSubs.snapshot()
	obs := c.obs
	c.notify.Go(func() {
		obs.RecordEvent(metrics.NewEvent("gateway_state", float64(st), map[string]string{"state": st.String()}))
		for _, fn := range fns {
			fn(st)
		}
	})
}

func (c *Client) scheduleReconnectLocked(gen uint64) {
	c.stopReconnectLocked()
	delay := c.opts.ReconnectDelay
	c.reconnect = time.AfterFunc(delay, func() { c.reconnectNow(gen) })
	c.log.Info("gateway_reconnect_scheduled", "delay_ms", delay.Milliseconds())
	c.obs.RecordEvent(metrics.NewEvent("gateway_reconnect_scheduled", float64(delay.Milliseconds()), nil))
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) reconnectNow(gen uint64) {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	cfg := c.cfg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.dial(ctx, gen, cfg); err != nil && !errors.Is(err, errSuperseded) {
		c.log.Debug("gateway_reconnect_failed", "error", err)
	}
}

func (c *Client) recordRequest(p *pendingRequest, res result) {
	ok := res.err == nil && res.frame.OK
	c.obs.RecordEvent(metrics.NewEvent("gateway_request",
		float64(time.Since(p.started).Milliseconds()),
		map[string]string{"method": p.method, "ok": strconv.FormatBool(ok)},
	))
}

func (s *session) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.challenge != nil {
			s.challenge.Stop()
		}
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.ws.Close()
	})
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// subscribers is guarded by the owner's mutex.
type subscribers[T any] struct {
	next int
	list []subscription[T]
}

func (s *subscribers[T]) add(fn func(T)) int {
	s.next++
	s.list = append(s.list, subscription[T]{id: s.next, fn: fn})
	return s.next
}

func (s *subscribers[T]) remove(id int) {
	for i, sub := range s.list {
		if sub.id == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

func (s *subscribers[T]) snapshot() []func(T) {
	out := make([]func(T), 0, len(s.list))
	for _, sub := range s.list {
		out = append(out, sub.fn)
	}
	return out
}
