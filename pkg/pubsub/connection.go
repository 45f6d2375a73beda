package pubsub

import (
	"context"
	"sync"

	"github.com/open62541-go/pubsub-core/pkg/logger"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

// Connection owns one transport Channel and the WriterGroups/ReaderGroups
// that publish or subscribe through it (§3). Invariant: while Operational,
// exactly one non-null send channel exists; groups inherit it unless they
// open their own.
type Connection struct {
	mu sync.Mutex

	Name              string
	PublisherID       codec.PublisherID
	TransportProfile  transport.Profile
	Address           transport.Config

	state        State
	send         transport.Channel
	recv         []transport.Channel
	writerGroups map[uint16]*WriterGroup
	readerGroups map[uint16]*ReaderGroup

	manager *Manager
}

// NewConnection creates a Connection in state Disabled.
func NewConnection(name string, publisherID codec.PublisherID, profile transport.Profile, addr transport.Config, manager *Manager) *Connection {
	return &Connection{
		Name:             name,
		PublisherID:      publisherID,
		TransportProfile: profile,
		Address:          addr,
		state:            StateDisabled,
		writerGroups:     make(map[uint16]*WriterGroup),
		readerGroups:     make(map[uint16]*ReaderGroup),
		manager:          manager,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// sendChannel returns the connection's current send channel under lock, so
// WriterGroup/ReaderGroup ticks always observe the latest channel a reopen
// installed instead of one captured at enable time.
func (c *Connection) sendChannel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send
}

// reopen re-opens the transport channel after an Error, per §4.D's
// Error-state retry, and installs it as the connection's new send channel.
// The old channel, if any, is closed after the swap so in-flight readers
// holding a reference to it see it closed rather than silently abandoned.
func (c *Connection) reopen(ctx context.Context) error {
	ch, err := transport.Open(c.Address)
	if err != nil {
		return pserrors.ErrCommunicationError("connection: failed to reopen transport channel", err)
	}

	c.mu.Lock()
	old := c.send
	c.send = ch
	c.state = StateOperational
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// AddWriterGroup registers wg under this connection, inheriting the
// connection's send channel unless the group later opens its own.
func (c *Connection) AddWriterGroup(wg *WriterGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writerGroups[wg.ID] = wg
}

// AddReaderGroup registers rg under this connection.
func (c *Connection) AddReaderGroup(rg *ReaderGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readerGroups[rg.ID] = rg
}

// Enable drives Disabled -> PreOperational -> Operational per §4.D: open
// the transport channel, then bring every bound group up.
func (c *Connection) Enable(ctx context.Context, resolvePolicy func(securityGroupID string) (security.Policy, error)) error {
	c.mu.Lock()
	if c.manager != nil && c.manager.State() != ManagerStarted {
		c.mu.Unlock()
		return pserrors.ErrInvalidArgument("cannot enable a connection while the manager is not Started", nil)
	}
	c.state = StatePreOperational
	c.mu.Unlock()

	ch, err := transport.Open(c.Address)
	if err != nil {
		c.setState(StateError)
		return pserrors.ErrCommunicationError("connection: failed to open transport channel", err)
	}

	c.mu.Lock()
	c.send = ch
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
		policy, perr := resolvePolicyFor(wg.SecurityGroupID, resolvePolicy)
		if perr != nil {
			logger.L().Error("connection: enabling writer group failed", "writer_group_id", wg.ID, "error", perr)
			continue
		}
		if err := wg.enable(ctx, policy); err != nil {
			logger.L().Error("connection: enabling writer group failed", "writer_group_id", wg.ID, "error", err)
		} else if c.manager != nil {
			c.manager.armWriterGroup(wg)
		}
	}
	for _, rg := range readerGroups {
		policy, perr := resolvePolicyFor(rg.SecurityGroupID, resolvePolicy)
		if perr != nil {
			logger.L().Error("connection: enabling reader group failed", "reader_group_id", rg.ID, "error", perr)
			continue
		}
		if err := rg.enable(policy); err != nil {
			logger.L().Error("connection: enabling reader group failed", "reader_group_id", rg.ID, "error", err)
		} else if c.manager != nil {
			c.manager.armReaderGroup(rg)
		}
	}

	c.setState(StateOperational)
	return nil
}

func resolvePolicyFor(securityGroupID string, resolve func(string) (security.Policy, error)) (security.Policy, error) {
	if securityGroupID == "" || resolve == nil {
		return nil, nil
	}
	return resolve(securityGroupID)
}

// Disable tears down timers and the channel, in the reverse order groups
// were brought up, per §5's shutdown ordering.
func (c *Connection) Disable() {
	c.mu.Lock()
	for _, rg := range c.readerGroups {
		rg.Disable()
	}
	for _, wg := range c.writerGroups {
		wg.setState(StateDisabled)
	}
	ch := c.send
	c.send = nil
	c.state = StateDisabled
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.L().Warn("connection: channel close failed", "connection", c.Name, "error", err)
		}
	}
}

// Pause moves an Operational connection to Paused when the manager stops,
// per §4.D, without releasing the channel.
func (c *Connection) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOperational {
		c.state = StatePaused
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// IDInUse implements ReserveIdTree.InUseChecker against this connection's
// live WriterGroups/DataSetWriters.
func (c *Connection) IDInUse(id uint16, kind ReservationKind, profile transport.Profile) bool {
	if profile != c.TransportProfile {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case ReservationWriterGroup:
		_, ok := c.writerGroups[id]
		return ok
	case ReservationDataSetWriter:
		for _, wg := range c.writerGroups {
			for _, w := range wg.Writers {
				if w.ID == id {
					return true
				}
			}
		}
	}
	return false
}
