// Package connection owns one streaming websocket per account: its desired
// subscription set, keepalive and the reconnect/resubscribe loop.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"execflow/internal/bus"
	"execflow/internal/metrics"
	"execflow/internal/model"
	"execflow/internal/ratelimit"
	"execflow/logger"
)

const (
	DefaultBatchSize      = 50
	DefaultReconnectDelay = time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultPongTimeout    = 10 * time.Second

	writeTimeout = 5 * time.Second
)

type Config struct {
	Account        model.AccountType
	URL            string
	BatchSize      int
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// LocalIP binds outgoing connections to one source address, so accounts
	// can spread venue connection limits over several IPs.
	LocalIP       string
	Subscriptions []model.Subscription
	// URLSource, when set, derives the URL dialed on each attempt from URL.
	URLSource URLSource
}

// URLSource builds a per-connect stream URL, e.g. one that embeds a
// freshly issued listen key.
type URLSource interface {
	StreamURL(ctx context.Context, base string) (string, error)
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
}

type Manager struct {
	cfg     Config
	codec   Codec
	limiter *ratelimit.Limiter
	bus     *bus.Bus
	metrics *metrics.Collector
	log     *logger.Entry
	dialer  *websocket.Dialer
	scope   string

	state atomic.Int32

	// subMu serializes changes to the desired set with the control traffic
	// they cause, including the resubscribe replay on connect.
	subMu   sync.Mutex
	desired []model.Subscription
	index   map[model.Subscription]struct{}

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID       atomic.Int64
	lastRead     atomic.Int64
	awaitingPong atomic.Bool
	pingSent     atomic.Int64
	reconnects   atomic.Int64
}

func NewManager(cfg Config, codec Codec, limiter *ratelimit.Limiter, b *bus.Bus, log *logger.Log, m *metrics.Collector) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = logger.GetLogger()
	}
	if limiter == nil {
		limiter = ratelimit.New(0, 0)
	}
	mgr := &Manager{
		cfg:     cfg,
		codec:   codec,
		limiter: limiter,
		bus:     b,
		metrics: m,
		log:     log.WithComponent("connection").WithField("account", cfg.Account.String()),
		dialer:  newDialer(cfg.LocalIP),
		scope:   cfg.Account.String(),
		index:   make(map[model.Subscription]struct{}),
	}
	mgr.addDesired(cfg.Subscriptions)
	return mgr
}

func newDialer(localIP string) *websocket.Dialer {
	if localIP == "" {
		return websocket.DefaultDialer
	}
	ip := net.ParseIP(localIP)
	if ip == nil {
		return websocket.DefaultDialer
	}
	d := *websocket.DefaultDialer
	nd := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
	d.NetDialContext = nd.DialContext
	return &d
}

func (m *Manager) Account() model.AccountType { return m.cfg.Account }

func (m *Manager) State() State { return State(m.state.Load()) }

// Reconnects counts completed connects after the first.
func (m *Manager) Reconnects() int64 { return m.reconnects.Load() }

// Subscriptions returns the desired set in first-requested order.
func (m *Manager) Subscriptions() []model.Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return append([]model.Subscription(nil), m.desired...)
}

// Subscribe adds subs to the desired set. While connected the new entries
// are sent at once; otherwise they go out with the next resubscribe. The
// desired set keeps subs even when sending fails.
func (m *Manager) Subscribe(ctx context.Context, subs ...model.Subscription) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	added := m.addDesired(subs)
	if len(added) == 0 || m.State() != StateConnected {
		return nil
	}
	conn := m.currentConn()
	if conn == nil {
		return nil
	}
	return m.sendControl(ctx, conn, added, m.codec.SubscribeMessage)
}

// Unsubscribe removes subs from the desired set and, while connected, tells
// the venue.
func (m *Manager) Unsubscribe(ctx context.Context, subs ...model.Subscription) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	removed := m.removeDesired(subs)
	if len(removed) == 0 || m.State() != StateConnected {
		return nil
	}
	conn := m.currentConn()
	if conn == nil {
		return nil
	}
	return m.sendControl(ctx, conn, removed, m.codec.UnsubscribeMessage)
}

func (m *Manager) addDesired(subs []model.Subscription) []model.Subscription {
	var added []model.Subscription
	for _, s := range subs {
		if _, ok := m.index[s]; ok {
			continue
		}
		m.index[s] = struct{}{}
		m.desired = append(m.desired, s)
		added = append(added, s)
	}
	return added
}

func (m *Manager) removeDesired(subs []model.Subscription) []model.Subscription {
	var removed []model.Subscription
	for _, s := range subs {
		if _, ok := m.index[s]; !ok {
			continue
		}
		delete(m.index, s)
		removed = append(removed, s)
	}
	if len(removed) == 0 {
		return nil
	}
	kept := m.desired[:0]
	for _, s := range m.desired {
		if _, ok := m.index[s]; ok {
			kept = append(kept, s)
		}
	}
	m.desired = kept
	return removed
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	url := m.cfg.URL
	if m.cfg.URLSource != nil {
		var err error
		if url, err = m.cfg.URLSource.StreamURL(ctx, m.cfg.URL); err != nil {
			return nil, fmt.Errorf("stream url: %w", err)
		}
	}
	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	return conn, err
}

// Run keeps the connection up until ctx is done. Transport failures are
// logged and retried after the reconnect delay; they never end Run.
func (m *Manager) Run(ctx context.Context) error {
	connected := false
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return nil
		}

		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			m.setState(StateDisconnected)
			if ctx.Err() == nil {
				m.log.WithError(err).WithField("url", m.cfg.URL).Warn("failed to connect")
			}
			if waitForReconnect(ctx, m.cfg.ReconnectDelay) {
				return nil
			}
			continue
		}

		if connected {
			m.reconnects.Add(1)
			m.metrics.Inc(metrics.Reconnects, m.scope)
		}
		connected = true

		m.session(ctx, conn)

		if waitForReconnect(ctx, m.cfg.ReconnectDelay) {
			return nil
		}
	}
}

// session drives one socket from resubscribe until it fails or ctx ends.
func (m *Manager) session(ctx context.Context, conn *websocket.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.setConn(conn)
	m.lastRead.Store(time.Now().UnixNano())
	m.awaitingPong.Store(false)
	m.pingSent.Store(0)
	conn.SetPongHandler(func(string) error {
		m.markAlive(conn)
		m.observePong()
		return nil
	})

	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	defer func() {
		m.setState(StateDisconnected)
		m.setConn(nil)
		conn.Close()
	}()

	if err := m.authenticate(conn); err != nil {
		m.log.WithError(err).Warn("failed to authenticate")
		return
	}
	if err := m.resubscribe(sessCtx, conn); err != nil {
		if ctx.Err() == nil {
			m.log.WithError(err).Warn("failed to resubscribe")
		}
		return
	}
	m.log.Info("connected")

	go m.keepalive(sessCtx, conn)

	if err := m.readMessages(conn); err != nil && ctx.Err() == nil {
		if m.awaitingPong.Load() && isTimeout(err) {
			m.metrics.Inc(metrics.PongTimeouts, m.scope)
			m.log.Warn("no reply to keepalive ping, reconnecting")
			return
		}
		m.log.WithError(err).Warn("read loop ended, reconnecting")
	}
}

func (m *Manager) authenticate(conn *websocket.Conn) error {
	auth, ok := m.codec.(Authenticator)
	if !ok {
		return nil
	}
	msg, err := auth.AuthMessage()
	if err != nil || msg == nil {
		return err
	}
	return m.write(conn, websocket.TextMessage, msg)
}

// resubscribe replays the whole desired set, then marks the connection
// ready. Holding subMu keeps concurrent Subscribe calls from racing the replay.
func (m *Manager) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if len(m.desired) > 0 {
		subs := append([]model.Subscription(nil), m.desired...)
		if err := m.sendControl(ctx, conn, subs, m.codec.SubscribeMessage); err != nil {
			return err
		}
	}
	m.setState(StateConnected)
	return nil
}

type buildFunc func(subs []model.Subscription, id int64) ([]byte, error)

// sendControl sends subs in batches, each admitted by the rate limiter.
func (m *Manager) sendControl(ctx context.Context, conn *websocket.Conn, subs []model.Subscription, build buildFunc) error {
	for start := 0; start < len(subs); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(subs) {
			end = len(subs)
		}
		msg, err := build(subs[start:end], m.nextID.Add(1))
		if err != nil {
			return fmt.Errorf("build control message: %w", err)
		}
		if msg == nil {
			continue
		}
		if err := m.limiter.Acquire(ctx); err != nil {
			return err
		}
		if err := m.write(conn, websocket.TextMessage, msg); err != nil {
			return err
		}
		m.metrics.Inc(metrics.SubscribeMessages, m.scope)
		m.log.WithField("count", end-start).Debug("sent control message")
	}
	return nil
}

func (m *Manager) readMessages(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.markAlive(conn)
		m.metrics.Inc(metrics.FramesReceived, m.scope)
		m.handleFrame(conn, data)
	}
}

func (m *Manager) handleFrame(conn *websocket.Conn, data []byte) {
	frame, err := m.codec.Decode(data)
	if err != nil {
		m.metrics.Inc(metrics.FramesDropped, m.scope)
		m.log.WithError(err).WithField("size", len(data)).Warn("dropping malformed frame")
		return
	}
	if frame.Pong {
		m.observePong()
	}
	if frame.Reply != nil {
		// Server pings bypass the limiter; an unanswered ping closes the socket.
		if err := m.write(conn, websocket.TextMessage, frame.Reply); err != nil {
			m.log.WithError(err).Warn("failed to answer server ping")
		}
	}
	if frame.Ack != nil && !frame.Ack.Success {
		m.log.WithFields(logger.Fields{
			"request": frame.Ack.ID,
			"reason":  frame.Ack.Message,
		}).Warn("venue rejected control message")
	}
	for _, ev := range frame.Events {
		if m.bus != nil {
			m.bus.Publish(bus.StreamTopic(m.cfg.Account, ev.Channel()), ev)
		}
	}
}

// keepalive pings after PingInterval without inbound traffic and arms a read
// deadline of PongTimeout, so a silent peer surfaces as a read error.
func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn) {
	check := m.cfg.PingInterval / 4
	if check <= 0 {
		check = time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.awaitingPong.Load() {
				continue
			}
			idle := time.Since(time.Unix(0, m.lastRead.Load()))
			if idle < m.cfg.PingInterval {
				continue
			}
			m.awaitingPong.Store(true)
			m.pingSent.Store(time.Now().UnixNano())
			conn.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
			if err := m.ping(conn); err != nil {
				m.log.WithError(err).Warn("failed to send keepalive ping")
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) ping(conn *websocket.Conn) error {
	if msg := m.codec.PingMessage(); msg != nil {
		return m.write(conn, websocket.TextMessage, msg)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// observePong records the round trip of the outstanding keepalive ping.
func (m *Manager) observePong() {
	if sent := m.pingSent.Swap(0); sent != 0 {
		m.metrics.Observe(metrics.PongLatency, m.scope, time.Since(time.Unix(0, sent)))
	}
}

func (m *Manager) markAlive(conn *websocket.Conn) {
	m.lastRead.Store(time.Now().UnixNano())
	if m.awaitingPong.CompareAndSwap(true, false) {
		conn.SetReadDeadline(time.Time{})
	}
}

func (m *Manager) write(conn *websocket.Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		m.log.WithField("state", s.String()).Debug("state changed")
	}
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Manager) currentConn() *websocket.Conn {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.conn
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
