package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Tundrag/audio-streaming-app1-sub000/internal/broker"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/logging"
	"github.com/Tundrag/audio-streaming-app1-sub000/internal/metrics"
)

const (
	fetchTimeout     = 1 * time.Second
	resubscribeDelay = 1 * time.Second
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	cmdBufferSize    = 256
)

// ErrManagerClosed is returned by Connect after Close has stopped the
// manager.
var ErrManagerClosed = errors.New("broadcast: manager stopped")

// Broker is the slice of the resilient client the manager needs.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) bool
	Subscribe(ctx context.Context, topic string) (broker.Subscription, error)
}

// Filter decides whether a received envelope is delivered locally. A nil
// filter delivers everything.
type Filter func(Envelope) bool

// Hooks observe identity lifecycle transitions on this replica. They run
// on their own goroutines; blocking in a hook never stalls delivery.
type Hooks struct {
	OnConnect    func(identity string, first bool)
	OnDisconnect func(identity string, last bool)
}

// --- Commands ---

type managerCmd interface{ isManagerCmd() }

type baseManagerCmd struct{}

func (baseManagerCmd) isManagerCmd() {}

type connectCmd struct {
	baseManagerCmd
	conn     *websocket.Conn
	identity string
	errCh    chan error
}

type disconnectCmd struct {
	baseManagerCmd
	conn *websocket.Conn
}

type deliverCmd struct {
	baseManagerCmd
	env Envelope
}

type clientCountCmd struct {
	baseManagerCmd
	identity string
	replyCh  chan int
}

type identitiesCmd struct {
	baseManagerCmd
	replyCh chan []string
}

type stopCmd struct {
	baseManagerCmd
}

// Manager fans envelopes published on one channel's broker topic out to
// every locally registered socket.
type Manager struct {
	channel string
	topic   string
	broker  Broker
	clock   clockwork.Clock
	hooks   Hooks
	log     *slog.Logger

	cmdCh chan managerCmd
	done  chan struct{}

	filterMu sync.RWMutex
	filter   Filter

	// guards exactly-once lazy listener startup under concurrent
	// first connects, and blocks startup after Close
	listenMu     sync.Mutex
	listenCancel context.CancelFunc
	listenerDone chan struct{}
	closed       bool

	// owned by the run goroutine
	registry map[string]map[*websocket.Conn]*clientWriter
	owners   map[*websocket.Conn]string
}

// NewManager creates a manager for one logical channel. The broker
// subscription is not opened here; it starts lazily on the first connect.
func NewManager(channel string, b Broker, clock clockwork.Clock, hooks Hooks) *Manager {
	m := &Manager{
		channel:  channel,
		topic:    "events:" + channel,
		broker:   b,
		clock:    clock,
		hooks:    hooks,
		log:      logging.WithChannel(channel),
		cmdCh:    make(chan managerCmd, cmdBufferSize),
		done:     make(chan struct{}),
		registry: make(map[string]map[*websocket.Conn]*clientWriter),
		owners:   make(map[*websocket.Conn]string),
	}
	go m.run()
	return m
}

// Channel returns the logical channel name this manager owns.
func (m *Manager) Channel() string {
	return m.channel
}

// SetFilter installs a predicate applied to every received envelope
// before local delivery.
func (m *Manager) SetFilter(f Filter) {
	m.filterMu.Lock()
	m.filter = f
	m.filterMu.Unlock()
}

func (m *Manager) currentFilter() Filter {
	m.filterMu.RLock()
	defer m.filterMu.RUnlock()
	return m.filter
}

// Connect registers conn under identity in this channel's registry. The
// socket must already be upgraded and the identity already authenticated
// by the caller; Connect never performs the protocol-level accept. The
// very first connect starts the broker listener, exactly once.
func (m *Manager) Connect(conn *websocket.Conn, identity string) error {
	m.ensureListener()

	errCh := make(chan error, 1)
	if !m.enqueue(connectCmd{conn: conn, identity: identity, errCh: errCh}) {
		return ErrManagerClosed
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("connect command timed out after %v", commandTimeout)
	}
}

// Disconnect removes conn from its identity bucket, deleting the bucket
// the instant it empties. Idempotent: a second call, or a call for a
// socket that was never registered, is a no-op.
func (m *Manager) Disconnect(conn *websocket.Conn) {
	m.enqueue(disconnectCmd{conn: conn})
}

// Broadcast publishes env on this channel's broker topic, optionally
// restricted to targets. Every replica, this one included, receives its
// own subscription copy and delivers it locally. When the publish cannot
// reach the broker the envelope is delivered directly to local sockets so
// same-replica delivery keeps working through a total broker outage.
func (m *Manager) Broadcast(ctx context.Context, env Envelope, targets ...string) {
	wire := env
	if len(targets) > 0 {
		wire = env.withTargets(targets)
	}

	data, err := wire.encode()
	if err != nil {
		m.log.Error("Failed to encode envelope", "error", err)
		return
	}

	if m.broker.Publish(ctx, m.topic, data) {
		metrics.MessagesPublished.WithLabelValues(m.channel, "broker").Inc()
		return
	}

	m.log.Warn("Broker publish unavailable, delivering locally only", "type", env.Kind())
	metrics.MessagesPublished.WithLabelValues(m.channel, "local").Inc()
	m.enqueue(deliverCmd{env: wire})
}

// SendToUser is Broadcast with a one-element target set.
func (m *Manager) SendToUser(ctx context.Context, identity string, env Envelope) {
	m.Broadcast(ctx, env, identity)
}

// ClientCount returns the number of sockets registered under identity.
// Returns -1 if the command times out.
func (m *Manager) ClientCount(identity string) int {
	replyCh := make(chan int, 1)
	if !m.enqueue(clientCountCmd{identity: identity, replyCh: replyCh}) {
		return 0
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		m.log.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Identities returns the identities currently holding at least one socket.
func (m *Manager) Identities() []string {
	replyCh := make(chan []string, 1)
	if !m.enqueue(identitiesCmd{replyCh: replyCh}) {
		return nil
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case ids := <-replyCh:
		return ids
	case <-timer.Chan():
		m.log.Warn("Identities timed out", "timeout", commandTimeout)
		return nil
	}
}

// Close stops the listener, unsubscribes and closes every socket. Each
// step is independently best-effort.
func (m *Manager) Close() {
	m.listenMu.Lock()
	cancel := m.listenCancel
	listenerDone := m.listenerDone
	m.closed = true
	m.listenMu.Unlock()

	if cancel != nil {
		cancel()
		timer := m.clock.NewTimer(stopTimeout)
		select {
		case <-listenerDone:
		case <-timer.Chan():
			m.log.Warn("Listener stop timeout exceeded", "timeout", stopTimeout)
		}
		timer.Stop()
	}

	if !m.enqueue(stopCmd{}) {
		return
	}
	timer := m.clock.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-m.done:
		m.log.Info("Channel manager stopped")
	case <-timer.Chan():
		m.log.Warn("Channel manager stop timeout exceeded", "timeout", stopTimeout)
	}
}

// enqueue hands cmd to the actor goroutine. It returns false once the
// actor has exited, so late callers never block on a command buffer
// nothing drains anymore.
func (m *Manager) enqueue(cmd managerCmd) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.cmdCh <- cmd:
		return true
	case <-m.done:
		return false
	}
}

// ensureListener starts the broker listener exactly once, tolerating
// concurrent first connects.
func (m *Manager) ensureListener() {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	if m.closed || m.listenCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.listenCancel = cancel
	m.listenerDone = make(chan struct{})
	go m.listen(ctx)
}

// --- Actor loop ---

func (m *Manager) run() {
	for cmd := range m.cmdCh {
		switch c := cmd.(type) {
		case connectCmd:
			m.handleConnect(c)
		case disconnectCmd:
			m.handleDisconnect(c.conn)
		case deliverCmd:
			m.handleDeliver(c.env)
		case clientCountCmd:
			c.replyCh <- len(m.registry[c.identity])
		case identitiesCmd:
			ids := make([]string, 0, len(m.registry))
			for id := range m.registry {
				ids = append(ids, id)
			}
			c.replyCh <- ids
		case stopCmd:
			m.handleStop()
			close(m.done)
			return
		}
	}
}

func (m *Manager) handleConnect(c connectCmd) {
	clients, exists := m.registry[c.identity]
	first := !exists
	if first {
		clients = make(map[*websocket.Conn]*clientWriter)
		m.registry[c.identity] = clients
		metrics.ActiveIdentities.WithLabelValues(m.channel).Set(float64(len(m.registry)))
	}

	conn := c.conn
	clients[conn] = newClientWriter(conn, m.clock, func() { m.Disconnect(conn) })
	m.owners[conn] = c.identity

	metrics.ConnectedClients.WithLabelValues(m.channel).Inc()
	m.log.Debug("Client registered", "identity", c.identity, "sockets", len(clients))

	if m.hooks.OnConnect != nil {
		go m.hooks.OnConnect(c.identity, first)
	}

	c.errCh <- nil
}

func (m *Manager) handleDisconnect(conn *websocket.Conn) {
	identity, registered := m.owners[conn]
	if !registered {
		return
	}

	clients := m.registry[identity]
	cw := clients[conn]
	delete(clients, conn)
	delete(m.owners, conn)
	cw.stop()

	metrics.ConnectedClients.WithLabelValues(m.channel).Dec()

	last := len(clients) == 0
	if last {
		delete(m.registry, identity)
		metrics.ActiveIdentities.WithLabelValues(m.channel).Set(float64(len(m.registry)))
		m.log.Debug("Last socket disconnected", "identity", identity)
	} else {
		m.log.Debug("Socket disconnected", "identity", identity, "remaining", len(clients))
	}

	if m.hooks.OnDisconnect != nil {
		go m.hooks.OnDisconnect(identity, last)
	}
}

// handleDeliver strips the target field and sends the client-facing
// payload to the resolved local sockets. A socket whose send buffer is
// saturated is disconnected on the spot; a socket whose write fails is
// disconnected by its writer's dead callback.
func (m *Manager) handleDeliver(env Envelope) {
	targets, targeted := env.targets()

	data, err := env.stripTargets().encode()
	if err != nil {
		m.log.Error("Failed to encode client payload", "error", err)
		return
	}

	var dead []*websocket.Conn
	send := func(conn *websocket.Conn, cw *clientWriter) {
		select {
		case cw.sendCh <- data:
			metrics.MessagesDelivered.WithLabelValues(m.channel).Inc()
		default:
			dead = append(dead, conn)
		}
	}

	if targeted {
		seen := make(map[string]struct{}, len(targets))
		for _, identity := range targets {
			if _, dup := seen[identity]; dup {
				continue
			}
			seen[identity] = struct{}{}
			for conn, cw := range m.registry[identity] {
				send(conn, cw)
			}
		}
	} else {
		for _, clients := range m.registry {
			for conn, cw := range clients {
				send(conn, cw)
			}
		}
	}

	for _, conn := range dead {
		m.log.Warn("Disconnecting unresponsive client", "identity", m.owners[conn])
		metrics.SocketsEvicted.WithLabelValues(m.channel).Inc()
		m.handleDisconnect(conn)
	}
}

func (m *Manager) handleStop() {
	total := 0
	for identity, clients := range m.registry {
		total += len(clients)
		for _, cw := range clients {
			cw.stopGraceful("Server shutting down")
		}
		delete(m.registry, identity)
	}
	clear(m.owners)

	metrics.ConnectedClients.WithLabelValues(m.channel).Set(0)
	metrics.ActiveIdentities.WithLabelValues(m.channel).Set(0)
	m.log.Info("Channel manager shut down", "disconnected_clients", total)
}

// --- Listener ---

// listen owns the channel's topic subscription. A fetch timeout is a
// cooperative yield, not an error; fetch and parse errors are logged,
// backed off and followed by a full resubscribe rather than terminating
// the manager.
func (m *Manager) listen(ctx context.Context) {
	defer close(m.listenerDone)

	var sub broker.Subscription
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if sub == nil {
			s, err := m.broker.Subscribe(ctx, m.topic)
			if err != nil {
				m.log.Warn("Channel subscription unavailable, retrying", "error", err)
				metrics.ListenerErrors.WithLabelValues(m.channel, "subscribe").Inc()
				m.clock.Sleep(resubscribeDelay)
				continue
			}
			sub = s
			m.log.Info("Channel listener subscribed", "topic", m.topic)
		}

		payload, ok, err := sub.Fetch(ctx, fetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("Subscription fetch failed, resubscribing", "error", err)
			metrics.ListenerErrors.WithLabelValues(m.channel, "fetch").Inc()
			_ = sub.Close()
			sub = nil
			m.clock.Sleep(resubscribeDelay)
			continue
		}
		if !ok {
			continue
		}

		env, err := decodeEnvelope(payload)
		if err != nil {
			m.log.Warn("Dropping malformed envelope", "error", err)
			metrics.ListenerErrors.WithLabelValues(m.channel, "parse").Inc()
			continue
		}

		if f := m.currentFilter(); f != nil && !f(env) {
			continue
		}

		select {
		case m.cmdCh <- deliverCmd{env: env}:
		case <-ctx.Done():
			return
		}
	}
}
