package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/observe"
	"github.com/wadesk/syncd/internal/session"
)

var (
	// ErrNotConnected is returned by Emit when no connection is established.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrMissingIdentity is returned by Connect for an empty identity.
	ErrMissingIdentity = errors.New("realtime: identity required")

	errMissingTransport = errors.New("realtime: transport is required")
)

// Handler receives inbound frames for one event name.
type Handler func(Envelope)

// HandlerID addresses a registered handler for removal.
type HandlerID uint64

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Transport Transport
	Policy    ReconnectPolicy
	Logger    *zap.Logger
	Metrics   *Metrics
	Clock     func() time.Time
	// Wait blocks for a backoff delay; tests substitute an immediate wait.
	Wait func(ctx context.Context, delay time.Duration) error
}

// Manager owns the single push connection of a session: it dials, reconnects
// with bounded backoff, rejoins desired rooms on every connect and fans
// inbound frames out to registered handlers.
type Manager struct {
	transport Transport
	policy    ReconnectPolicy
	logger    *zap.Logger
	metrics   *Metrics
	clock     func() time.Time
	wait      func(ctx context.Context, delay time.Duration) error
	tracker   *RoomTracker
	observers *observe.Registry[StateChange]

	mu         sync.Mutex
	state      State
	identity   session.Identity
	attempt    int
	gaveUp     bool
	lastErr    error
	conn       Conn
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	pending    []StateChange
	notifying  bool

	handlersMu    sync.RWMutex
	handlers      map[string]map[HandlerID]Handler
	nextHandlerID HandlerID
}

// NewManager validates cfg and returns a disconnected Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	wait := cfg.Wait
	if wait == nil {
		wait = waitWithContext
	}
	manager := &Manager{
		transport: cfg.Transport,
		policy:    cfg.Policy.normalized(),
		logger:    logger,
		metrics:   cfg.Metrics,
		clock:     clock,
		wait:      wait,
		tracker:   NewRoomTracker(logger),
		observers: observe.NewRegistry[StateChange](),
		state:     StateDisconnected,
		handlers:  make(map[string]map[HandlerID]Handler),
	}
	manager.metrics.setState(StateDisconnected)
	return manager, nil
}

// Connect starts the connection for identity. It is a no-op when a connection
// for the same identity is already established or in progress; a different
// identity tears the current connection down first. Transport failures are
// never returned, they surface as state changes.
func (m *Manager) Connect(identity session.Identity) error {
	if identity.IsZero() {
		return ErrMissingIdentity
	}

	m.mu.Lock()
	if m.state != StateDisconnected && m.identity.Equal(identity) {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateDisconnected {
		m.logger.Info("push identity changed, replacing connection",
			zap.String("tenant_id", identity.TenantID()))
		m.teardownLocked()
		m.transitionLocked(StateDisconnected, StateChange{})
	}

	m.identity = identity
	m.attempt = 0
	m.gaveUp = false
	m.lastErr = nil
	m.generation++
	generation := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.transitionLocked(StateConnecting, StateChange{})
	m.mu.Unlock()
	m.flushStateChanges()

	go m.run(ctx, generation, identity, done)
	return nil
}

// Reconnect restarts the connection with the last identity, typically after
// the reconnect budget was exhausted. It is a no-op unless disconnected.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	identity := m.identity
	state := m.state
	m.mu.Unlock()
	if state != StateDisconnected {
		return nil
	}
	return m.Connect(identity)
}

// Disconnect tears down the connection and clears the reconnect counter.
// It is safe to call repeatedly and from handlers.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.cancel == nil {
		m.attempt = 0
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.gaveUp = false
	m.transitionLocked(StateDisconnected, StateChange{})
	m.mu.Unlock()
	m.flushStateChanges()
}

// Close disconnects and waits for the connection goroutine to exit.
// It must not be called from a handler.
func (m *Manager) Close() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	m.Disconnect()
	if done != nil {
		<-done
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the connection state together with room memberships.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snapshot := Snapshot{
		State:    m.state,
		Attempt:  m.attempt,
		TenantID: m.identity.TenantID(),
		GaveUp:   m.gaveUp,
	}
	if m.lastErr != nil {
		snapshot.LastErr = m.lastErr.Error()
	}
	m.mu.Unlock()
	snapshot.Rooms = m.tracker.Memberships()
	return snapshot
}

// OnStateChange registers callback for every transition and returns its
// unsubscribe function. Callbacks receive transitions in order.
func (m *Manager) OnStateChange(callback func(StateChange)) func() {
	return m.observers.Add(callback)
}

// SubscribeRoom marks room desired and joins it immediately when connected.
func (m *Manager) SubscribeRoom(room Room) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if m.tracker.Want(room) {
		m.logger.Debug("room wanted", zap.String("room", room.ID()))
	}
	return nil
}

// UnsubscribeRoom prunes room and leaves it immediately when connected.
func (m *Manager) UnsubscribeRoom(room Room) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if m.tracker.Unwant(room) {
		m.logger.Debug("room unwanted", zap.String("room", room.ID()))
	}
	return nil
}

// Rooms returns the tracked room memberships.
func (m *Manager) Rooms() []RoomMembership {
	return m.tracker.Memberships()
}

// On registers handler for event and returns the id used to remove it.
func (m *Manager) On(event string, handler Handler) HandlerID {
	if handler == nil {
		return 0
	}
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.nextHandlerID++
	id := m.nextHandlerID
	if _, ok := m.handlers[event]; !ok {
		m.handlers[event] = make(map[HandlerID]Handler)
	}
	m.handlers[event][id] = handler
	return id
}

// Off removes the handler registered under id for event.
func (m *Manager) Off(event string, id HandlerID) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	handlers := m.handlers[event]
	if handlers == nil {
		return
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(m.handlers, event)
	}
}

// Emit sends an arbitrary frame on the live connection.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return m.send(conn, envelope)
}

func (m *Manager) run(ctx context.Context, generation uint64, identity session.Identity, done chan struct{}) {
	defer close(done)
	exponential := m.policy.newBackOff()

	for {
		conn, err := m.transport.Dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("push dial failed", zap.String("tenant_id", identity.TenantID()), zap.Error(err))
			if !m.scheduleRetry(ctx, generation, exponential.NextBackOff(), err) {
				return
			}
			continue
		}

		if !m.markConnected(generation, identity, conn) {
			_ = conn.Close()
			return
		}
		exponential.Reset()

		err = m.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("push connection dropped", zap.String("tenant_id", identity.TenantID()), zap.Error(err))
		if !m.scheduleRetry(ctx, generation, exponential.NextBackOff(), err) {
			return
		}
	}
}

func (m *Manager) markConnected(generation uint64, identity session.Identity, conn Conn) bool {
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.attempt = 0
	m.lastErr = nil

	sender := func(event, resourceID string) error {
		envelope, err := NewEnvelope(event, resourceID)
		if err != nil {
			return err
		}
		return m.send(conn, envelope)
	}
	if err := sender(EventOrgJoin, identity.TenantID()); err != nil {
		m.logger.Warn("org join not sent", zap.String("tenant_id", identity.TenantID()), zap.Error(err))
	}
	rejoined := m.tracker.Attach(sender)
	m.transitionLocked(StateConnected, StateChange{})
	m.mu.Unlock()
	m.flushStateChanges()

	m.logger.Info("push connected",
		zap.String("tenant_id", identity.TenantID()),
		zap.Int("rooms_rejoined", len(rejoined)))
	return true
}

// scheduleRetry moves to Reconnecting, waits out delay and moves back to
// Connecting. It returns false when the loop must stop: the generation went
// stale, the context was cancelled or the attempt budget ran out.
func (m *Manager) scheduleRetry(ctx context.Context, generation uint64, delay time.Duration, cause error) bool {
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return false
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.tracker.Detach()
	m.attempt++
	m.lastErr = cause

	if m.attempt > m.policy.MaxAttempts {
		attempts := m.attempt - 1
		m.generation++
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.attempt = 0
		m.gaveUp = true
		m.transitionLocked(StateDisconnected, StateChange{Attempt: attempts, GaveUp: true, Err: cause})
		m.mu.Unlock()
		m.metrics.gaveUp()
		m.flushStateChanges()
		m.logger.Error("push reconnect budget exhausted",
			zap.Int("attempts", attempts),
			zap.Error(cause))
		return false
	}

	attempt := m.attempt
	m.transitionLocked(StateReconnecting, StateChange{Attempt: attempt, Delay: delay, Err: cause})
	m.mu.Unlock()
	m.metrics.reconnectScheduled()
	m.flushStateChanges()

	if err := m.wait(ctx, delay); err != nil {
		return false
	}

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(StateConnecting, StateChange{Attempt: attempt})
	m.mu.Unlock()
	m.flushStateChanges()
	return true
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		envelope, err := conn.Receive()
		if err != nil {
			return err
		}
		m.metrics.received(envelope.Event)
		m.dispatch(envelope)
	}
}

func (m *Manager) dispatch(envelope Envelope) {
	m.handlersMu.RLock()
	registered := m.handlers[envelope.Event]
	ids := make([]HandlerID, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	m.handlersMu.RUnlock()

	for _, handler := range handlers {
		m.invoke(handler, envelope)
	}
}

func (m *Manager) invoke(handler Handler, envelope Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("push handler panicked",
				zap.String("event", envelope.Event),
				zap.String("panic", fmt.Sprint(recovered)))
		}
	}()
	handler(envelope)
}

func (m *Manager) send(conn Conn, envelope Envelope) error {
	if err := conn.Send(envelope); err != nil {
		return err
	}
	m.metrics.sent(envelope.Event)
	return nil
}

// teardownLocked invalidates the running loop. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Debug("push close failed", zap.Error(err))
		}
		m.conn = nil
	}
	m.tracker.Detach()
	m.attempt = 0
}

// transitionLocked records a transition for delivery by flushStateChanges.
// Callers hold m.mu.
func (m *Manager) transitionLocked(next State, detail StateChange) {
	if m.state == next && !detail.GaveUp {
		return
	}
	detail.Previous = m.state
	detail.Current = next
	detail.At = m.clock().UTC()
	m.state = next
	m.metrics.setState(next)
	m.pending = append(m.pending, detail)
	m.logger.Debug("push state changed",
		zap.Stringer("from", detail.Previous),
		zap.Stringer("to", detail.Current),
		zap.Int("attempt", detail.Attempt))
}

// flushStateChanges delivers queued transitions outside m.mu. Only one
// goroutine delivers at a time, so observers see transitions in order even
// when they call back into the Manager.
func (m *Manager) flushStateChanges() {
	for {
		m.mu.Lock()
		if m.notifying || len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		m.notifying = true
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()

		for _, change := range batch {
			m.observers.Notify(change)
		}

		m.mu.Lock()
		m.notifying = false
		m.mu.Unlock()
	}
}
