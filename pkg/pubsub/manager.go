// Package pubsub implements the OPC-UA PubSub object model: Connections,
// WriterGroups/DataSetWriters on the publish side, ReaderGroups/
// DataSetReaders on the subscribe side, and the PubSubManager that owns
// their lifecycle, per §3-§5.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open62541-go/pubsub-core/pkg/concurrency"
	"github.com/open62541-go/pubsub-core/pkg/datastructures/heap"
	"github.com/open62541-go/pubsub-core/pkg/events"
	"github.com/open62541-go/pubsub-core/pkg/events/adapters/memory"
	"github.com/open62541-go/pubsub-core/pkg/logger"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/keystorage"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/sks/client"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

// ManagerConfig configures the root PubSubManager via pkg/config.Load,
// following the teacher's cleanenv+validator convention.
type ManagerConfig struct {
	DefaultMaxPastKeys   uint32        `env:"PUBSUB_MAX_PAST_KEYS" env-default:"1" validate:"gte=0"`
	DefaultMaxFutureKeys uint32        `env:"PUBSUB_MAX_FUTURE_KEYS" env-default:"1" validate:"gte=0"`
	DefaultKeyLifetime   time.Duration `env:"PUBSUB_KEY_LIFETIME" env-default:"1h" validate:"required"`
	EventLoopIdleTimeout time.Duration `env:"PUBSUB_EVENT_LOOP_IDLE_TIMEOUT" env-default:"1s" validate:"required"`
	MutexDebugMode       bool          `env:"PUBSUB_MUTEX_DEBUG" env-default:"false"`
}

// scheduledEvent is one armed deadline on the manager's event loop, scored
// by absolute UnixNano deadline in the heap.
type scheduledEvent struct {
	fn func()
}

// accessPolicy names the roles entitled to read (pull) or write (push) one
// SecurityGroup's keys, per §4.E's authorization gate.
type accessPolicy struct {
	ReadRoles  []string
	WriteRoles []string
}

type contextKey int

const channelSecurityContextKey contextKey = iota

// ChannelSecurityInfo describes the inbound channel a SKS method call
// arrived on: its security mode and the caller's authenticated roles. The
// transport/session layer that terminates the SecureChannel is responsible
// for attaching this to ctx before invoking the SKS server methods.
type ChannelSecurityInfo struct {
	Mode  SecurityMode
	Roles []string
}

// ContextWithChannelSecurity attaches ChannelSecurityInfo for a Manager's
// Authorizer implementation to read back.
func ContextWithChannelSecurity(ctx context.Context, info ChannelSecurityInfo) context.Context {
	return context.WithValue(ctx, channelSecurityContextKey, info)
}

func channelSecurityFromContext(ctx context.Context) (ChannelSecurityInfo, bool) {
	info, ok := ctx.Value(channelSecurityContextKey).(ChannelSecurityInfo)
	return info, ok
}

// Manager is the root PubSubManager (§3): it owns every Connection, every
// SecurityGroup's KeyStorage, the id-reservation tree, and the single
// deadline-ordered event queue that drives key rollovers and SKS re-pulls,
// following the "single next-event priority queue" design note instead of
// one OS timer per group.
type Manager struct {
	mu *concurrency.SmartMutex

	cfg   ManagerConfig
	state ManagerState
	bus   events.Bus

	connections map[string]*Connection
	keyStores   map[string]*keystorage.KeyStorage
	accessPols  map[string]accessPolicy
	reserveIds  *ReserveIdTree
	sessions    map[string]bool

	eventHeap *heap.MinHeap[*scheduledEvent]
	callbacks *concurrency.WorkerPool
	wake      chan struct{}
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a Manager in ManagerStopped, ready for Start.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		mu:          concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "pubsub-manager", DebugMode: cfg.MutexDebugMode}),
		cfg:         cfg,
		state:       ManagerStopped,
		bus:         memory.New(),
		connections: make(map[string]*Connection),
		keyStores:   make(map[string]*keystorage.KeyStorage),
		accessPols:  make(map[string]accessPolicy),
		sessions:    make(map[string]bool),
		eventHeap:   heap.NewMinHeap[*scheduledEvent](),
		wake:        make(chan struct{}, 1),
	}
	m.reserveIds = NewReserveIdTree(m, m.sessionAlive)
	return m
}

// Bus exposes the manager's internal lifecycle event bus, e.g. for a
// logging subscriber observing connection/group state transitions.
func (m *Manager) Bus() events.Bus {
	return m.bus
}

func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start transitions ManagerStopped -> ManagerStarted and launches the event
// loop goroutine. Connections and groups are enabled separately by calling
// Connection.Enable once Start has returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == ManagerStarted {
		m.mu.Unlock()
		return nil
	}
	m.state = ManagerStarted
	loopCtx, cancel := context.WithCancel(ctx)
	m.runCtx = loopCtx
	m.cancel = cancel
	m.callbacks = concurrency.NewWorkerPool(1, 256)
	m.mu.Unlock()

	m.callbacks.Start(loopCtx)

	m.wg.Add(1)
	concurrency.SafeGo(loopCtx, func() { m.runEventLoop(loopCtx) })

	m.publish(ctx, "pubsub.manager.started", nil)
	return nil
}

// Stop pauses every connection (ManagerStopping) then tears down the event
// loop and disables every connection, per §4.D's Stop sequencing.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == ManagerStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = ManagerStopping
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	cancel := m.cancel
	pool := m.callbacks
	m.mu.Unlock()

	for _, c := range conns {
		c.Pause()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if pool != nil {
		pool.Stop()
	}
	for _, c := range conns {
		c.Disable()
	}

	m.mu.Lock()
	m.state = ManagerStopped
	m.mu.Unlock()

	m.publish(ctx, "pubsub.manager.stopped", nil)
	return nil
}

func (m *Manager) publish(ctx context.Context, eventType string, payload any) {
	if err := m.bus.Publish(ctx, "pubsub", events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "pubsub-manager",
		Timestamp: time.Now(),
		Payload:   payload,
	}); err != nil {
		logger.L().Warn("pubsub manager: event publish failed", "event_type", eventType, "error", err)
	}
}

// AddConnection creates and registers a Connection owned by this manager.
func (m *Manager) AddConnection(name string, publisherID codec.PublisherID, profile transport.Profile, addr transport.Config) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[name]; exists {
		return nil, pserrors.ErrInvalidArgument(fmt.Sprintf("pubsub manager: connection %q already exists", name), nil)
	}
	conn := NewConnection(name, publisherID, profile, addr, m)
	m.connections[name] = conn
	return conn, nil
}

// RemoveConnection disables and unregisters a connection by name.
func (m *Manager) RemoveConnection(name string) {
	m.mu.Lock()
	conn, ok := m.connections[name]
	delete(m.connections, name)
	m.mu.Unlock()
	if ok {
		conn.Disable()
	}
}

// AddSecurityGroup creates a KeyStorage for securityGroupID, wiring this
// Manager in as both its Scheduler and fan-out ActivationTarget, per §4.C.
func (m *Manager) AddSecurityGroup(securityGroupID string, policy security.Policy, readRoles, writeRoles []string) (*keystorage.KeyStorage, error) {
	ks, err := keystorage.Init(securityGroupID, policy, m.cfg.DefaultMaxPastKeys, m.cfg.DefaultMaxFutureKeys, m, m)
	if err != nil {
		return nil, err
	}
	ks.KeyLifetime = m.cfg.DefaultKeyLifetime

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keyStores[securityGroupID]; exists {
		return nil, pserrors.ErrNodeIdExists(fmt.Sprintf("pubsub manager: security group %q already exists", securityGroupID))
	}
	m.keyStores[securityGroupID] = ks
	m.accessPols[securityGroupID] = accessPolicy{ReadRoles: readRoles, WriteRoles: writeRoles}
	return ks, nil
}

// ConfigureSKSPull wires securityGroupID's KeyStorage to pull fresh keys from
// a remote SKS at endpointURL through dialer once its rollover reaches the
// tail of the list, per §4.C/§4.E. dialer supplies the authenticated
// Sign&Encrypt session and method-call transport; this manager has no
// opinion on how that session is established.
func (m *Manager) ConfigureSKSPull(securityGroupID, endpointURL string, dialer client.Dialer) error {
	m.mu.Lock()
	ks, ok := m.keyStores[securityGroupID]
	m.mu.Unlock()
	if !ok {
		return pserrors.ErrNotFound("pubsub manager: unknown security group " + securityGroupID)
	}
	ks.ConfigurePull(endpointURL, client.New(dialer))
	return nil
}

// keyLifetimeFor returns securityGroupID's configured KeyLifetime, or the
// manager's DefaultKeyLifetime when the group is unknown or unsecured, for
// use as the retry back-off cap named in §4.D ("capped at keyLifetimeMs").
func (m *Manager) keyLifetimeFor(securityGroupID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks, ok := m.keyStores[securityGroupID]; ok && ks.KeyLifetime > 0 {
		return ks.KeyLifetime
	}
	return m.cfg.DefaultKeyLifetime
}

// Lookup implements sks/server.GroupRegistry.
func (m *Manager) Lookup(securityGroupID string) (*keystorage.KeyStorage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.keyStores[securityGroupID]
	return ks, ok
}

// CheckChannelSecurity implements sks/server.Authorizer: SKS methods require
// at least Sign&Encrypt, per §4.E.
func (m *Manager) CheckChannelSecurity(ctx context.Context) error {
	info, ok := channelSecurityFromContext(ctx)
	if !ok || info.Mode != SecurityModeSignAndEncrypt {
		return pserrors.ErrSecurityModeInsufficient("sks: channel does not meet Sign&Encrypt minimum")
	}
	return nil
}

// CheckAccess implements sks/server.Authorizer against the per-SecurityGroup
// read/write role lists registered in AddSecurityGroup.
func (m *Manager) CheckAccess(ctx context.Context, securityGroupID string, write bool) error {
	info, ok := channelSecurityFromContext(ctx)
	if !ok {
		return pserrors.ErrUserAccessDenied("sks: no authenticated caller on channel")
	}
	m.mu.Lock()
	pol, exists := m.accessPols[securityGroupID]
	m.mu.Unlock()
	if !exists {
		return pserrors.ErrNotFound("sks: unknown security group " + securityGroupID)
	}
	required := pol.ReadRoles
	if write {
		required = pol.WriteRoles
	}
	for _, have := range info.Roles {
		for _, want := range required {
			if have == want {
				return nil
			}
		}
	}
	return pserrors.ErrUserAccessDenied("sks: caller lacks a role entitled to security group " + securityGroupID)
}

// ActivateKeys implements keystorage.ActivationTarget by fanning out to
// every WriterGroup and ReaderGroup across every connection whose
// SecurityGroupID matches, since a KeyStorage only holds one target.
func (m *Manager) ActivateKeys(securityGroupID string, tokenID uint32, km security.KeyMaterial) error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		c.mu.Lock()
		writerGroups := make([]*WriterGroup, 0, len(c.writerGroups))
		for _, wg := range c.writerGroups {
			writerGroups = append(writerGroups, wg)
		}
		readerGroups := make([]*ReaderGroup, 0, len(c.readerGroups))
		for _, rg := range c.readerGroups {
			readerGroups = append(readerGroups, rg)
		}
		c.mu.Unlock()

		for _, wg := range writerGroups {
			if err := wg.ActivateKeys(securityGroupID, tokenID, km); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, rg := range readerGroups {
			if err := rg.ActivateKeys(securityGroupID, tokenID, km); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Schedule implements keystorage.Scheduler by pushing a deadline onto the
// manager's MinHeap and waking the event loop if the new deadline is
// earlier than whatever it was waiting on.
func (m *Manager) Schedule(after time.Duration, fn func()) {
	deadline := time.Now().Add(after)
	m.eventHeap.PushItem(&scheduledEvent{fn: fn}, float64(deadline.UnixNano()))
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// runEventLoop pops the earliest-deadline event, sleeps until it's due (or
// until a new, earlier event wakes it early), and runs it. Work queued via
// deferCallback runs separately on the manager's single-worker pool.
func (m *Manager) runEventLoop(ctx context.Context) {
	defer m.wg.Done()
	idle := m.cfg.EventLoopIdleTimeout
	if idle <= 0 {
		idle = time.Second
	}

	for {
		_, score, ok := m.eventHeap.Peek()
		var wait time.Duration
		if !ok {
			wait = idle
		} else {
			wait = time.Until(time.Unix(0, int64(score)))
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}

		now := time.Now().UnixNano()
		for {
			item, score, ok := m.eventHeap.Peek()
			if !ok || int64(score) > now {
				break
			}
			m.eventHeap.PopItem()
			fn := item.fn
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.L().Error("pubsub manager: scheduled event panicked", "panic", r)
					}
				}()
				fn()
			}()
		}
	}
}

// deferCallback submits fn to the manager's single-worker pool instead of
// running it on an arbitrary caller's goroutine (e.g. a transport callback
// delivering a received buffer out of band). maxWorkers=1 keeps deferred
// work serialized the same way the event loop itself is single-threaded.
// The caller returns once fn is queued; it blocks only while the pool's
// queue is full.
func (m *Manager) deferCallback(fn func()) {
	m.mu.Lock()
	pool := m.callbacks
	m.mu.Unlock()
	if pool == nil {
		return
	}
	pool.Submit(func(context.Context) { fn() })
}

// armWriterGroup starts a goroutine that ticks wg at its PublishingInterval
// until the manager's event loop context is cancelled or the group is in
// neither Operational nor Error (it keeps ticking in Error so tick can
// attempt recovery).
func (m *Manager) armWriterGroup(wg *WriterGroup) {
	m.mu.Lock()
	ctx := m.loopContext()
	interval := wg.PublishingInterval
	m.mu.Unlock()
	if ctx == nil || interval <= 0 {
		return
	}

	m.wg.Add(1)
	concurrency.SafeGo(ctx, func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch wg.State() {
				case StateOperational, StateError:
					wg.tick(ctx)
				default:
					return
				}
			}
		}
	})
}

// armReaderGroup starts a goroutine that repeatedly calls rg.receiveOnce
// until the manager's event loop context is cancelled or the group reaches a
// terminal non-Operational, non-Error state. It keeps looping through
// StateError so receiveOnce's own back-off/recover logic (§4.D) gets a
// chance to run on the next iteration instead of the goroutine exiting for
// good the first time a receive fails.
func (m *Manager) armReaderGroup(rg *ReaderGroup) {
	m.mu.Lock()
	ctx := m.loopContext()
	m.mu.Unlock()
	if ctx == nil {
		return
	}

	m.wg.Add(1)
	concurrency.SafeGo(ctx, func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			switch rg.State() {
			case StateOperational, StateError:
			default:
				return
			}
			rg.receiveOnce(ctx, 500*time.Millisecond)
		}
	})
}

// loopContext must be called with m.mu held; it returns nil unless the
// manager is Started.
func (m *Manager) loopContext() context.Context {
	if m.state != ManagerStarted {
		return nil
	}
	return m.runCtx
}

// sessionAlive implements ReserveIdTree.SessionAlive against manager-tracked
// client sessions (set via MarkSessionAlive/MarkSessionClosed).
func (m *Manager) sessionAlive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// MarkSessionAlive records that sessionID currently has a live caller,
// keeping its ReserveIds entries from being garbage-collected.
func (m *Manager) MarkSessionAlive(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = true
}

// MarkSessionClosed lets the next ReserveIds call garbage-collect
// sessionID's reservations.
func (m *Manager) MarkSessionClosed(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// IDInUse implements InUseChecker by checking every connection's live
// WriterGroups/DataSetWriters.
func (m *Manager) IDInUse(id uint16, kind ReservationKind, profile transport.Profile) bool {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		if c.IDInUse(id, kind, profile) {
			return true
		}
	}
	return false
}

// ReserveIds exposes the manager's ReserveIdTree to callers creating new
// WriterGroups/DataSetWriters under a client session, per §4.D.
func (m *Manager) ReserveIds(sessionID string, nWriterGroup, nDataSetWriter int, profile transport.Profile) ([]uint16, []uint16, error) {
	return m.reserveIds.ReserveIds(sessionID, nWriterGroup, nDataSetWriter, profile)
}
