package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/codec/uadp"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/security"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

func testConfig() ManagerConfig {
	return ManagerConfig{
		DefaultMaxPastKeys:   1,
		DefaultMaxFutureKeys: 1,
		DefaultKeyLifetime:   time.Hour,
		EventLoopIdleTimeout: 50 * time.Millisecond,
	}
}

func TestManager_StartStop_Lifecycle(t *testing.T) {
	m := NewManager(testConfig())
	assert.Equal(t, ManagerStopped, m.State())

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, ManagerStarted, m.State())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, ManagerStopped, m.State())
}

func TestManager_Start_IsIdempotent(t *testing.T) {
	m := NewManager(testConfig())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, ManagerStarted, m.State())
	require.NoError(t, m.Stop(context.Background()))
}

func TestManager_AddConnection_RejectsDuplicateName(t *testing.T) {
	m := NewManager(testConfig())
	_, err := m.AddConnection("conn-1", codec.PublisherID{Kind: codec.PublisherIDByte, Byte: 1}, transport.ProfileUDPUADP, transport.Config{})
	require.NoError(t, err)

	_, err = m.AddConnection("conn-1", codec.PublisherID{Kind: codec.PublisherIDByte, Byte: 2}, transport.ProfileUDPUADP, transport.Config{})
	assert.Error(t, err)
}

func TestManager_AddSecurityGroup_RejectsDuplicateID(t *testing.T) {
	m := NewManager(testConfig())
	policy, err := security.PolicyFor(security.PolicyAes128CTR)
	require.NoError(t, err)

	_, err = m.AddSecurityGroup("group-1", policy, nil, nil)
	require.NoError(t, err)

	_, err = m.AddSecurityGroup("group-1", policy, nil, nil)
	assert.Error(t, err)
}

func TestManager_CheckChannelSecurity_RequiresSignAndEncrypt(t *testing.T) {
	m := NewManager(testConfig())

	assert.Error(t, m.CheckChannelSecurity(context.Background()))

	ctx := ContextWithChannelSecurity(context.Background(), ChannelSecurityInfo{Mode: SecurityModeSign})
	assert.Error(t, m.CheckChannelSecurity(ctx))

	ctx = ContextWithChannelSecurity(context.Background(), ChannelSecurityInfo{Mode: SecurityModeSignAndEncrypt})
	assert.NoError(t, m.CheckChannelSecurity(ctx))
}

func TestManager_CheckAccess_GatesByRole(t *testing.T) {
	m := NewManager(testConfig())
	policy, err := security.PolicyFor(security.PolicyAes128CTR)
	require.NoError(t, err)
	_, err = m.AddSecurityGroup("group-1", policy, []string{"reader"}, []string{"writer"})
	require.NoError(t, err)

	noRole := ContextWithChannelSecurity(context.Background(), ChannelSecurityInfo{Mode: SecurityModeSignAndEncrypt, Roles: []string{"guest"}})
	assert.Error(t, m.CheckAccess(noRole, "group-1", false))

	readCtx := ContextWithChannelSecurity(context.Background(), ChannelSecurityInfo{Mode: SecurityModeSignAndEncrypt, Roles: []string{"reader"}})
	assert.NoError(t, m.CheckAccess(readCtx, "group-1", false))
	assert.Error(t, m.CheckAccess(readCtx, "group-1", true))

	writeCtx := ContextWithChannelSecurity(context.Background(), ChannelSecurityInfo{Mode: SecurityModeSignAndEncrypt, Roles: []string{"writer"}})
	assert.NoError(t, m.CheckAccess(writeCtx, "group-1", true))
}

func TestManager_CheckAccess_UnknownGroupFails(t *testing.T) {
	m := NewManager(testConfig())
	ctx := ContextWithChannelSecurity(context.Background(), ChannelSecurityInfo{Mode: SecurityModeSignAndEncrypt, Roles: []string{"reader"}})
	assert.Error(t, m.CheckAccess(ctx, "missing-group", false))
}

func TestManager_ReserveIds_AvoidsCollisionWithLiveWriterGroup(t *testing.T) {
	m := NewManager(testConfig())
	conn, err := m.AddConnection("conn-1", codec.PublisherID{Kind: codec.PublisherIDByte, Byte: 1}, transport.ProfileUDPUADP, transport.Config{})
	require.NoError(t, err)

	wgIDs, _, err := m.ReserveIds("session-1", 1, 0, transport.ProfileUDPUADP)
	require.NoError(t, err)
	NewWriterGroup(wgIDs[0], time.Second, codec.EncodingUADP, conn)

	m.MarkSessionAlive("session-1")
	more, _, err := m.ReserveIds("session-2", 1, 0, transport.ProfileUDPUADP)
	require.NoError(t, err)
	assert.NotEqual(t, wgIDs[0], more[0])
}

// loopbackChannel is an in-memory transport.Channel: Send pushes onto a
// buffered queue that Receive pops from, letting a WriterGroup and
// ReaderGroup on the same Connection exercise a full publish/decode/write
// cycle without a real socket.
type loopbackChannel struct {
	mu     sync.Mutex
	buf    chan []byte
	closed bool
}

func newLoopbackChannel() *loopbackChannel {
	return &loopbackChannel{buf: make(chan []byte, 16)}
}

func (c *loopbackChannel) State() transport.State { return transport.StatePubSub }

func (c *loopbackChannel) Register(ctx context.Context, settings transport.RegisterSettings, cb transport.ReceiveCallback) error {
	return nil
}

func (c *loopbackChannel) Unregister(ctx context.Context, settings transport.RegisterSettings) error {
	return nil
}

func (c *loopbackChannel) Send(ctx context.Context, settings transport.RegisterSettings, buf []byte) error {
	cp := append([]byte{}, buf...)
	c.buf <- cp
	return nil
}

func (c *loopbackChannel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case b, ok := <-c.buf:
		if !ok {
			return nil, transport.ErrClosed
		}
		return b, nil
	case <-time.After(timeout):
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, transport.ErrClosed
	}
}

func (c *loopbackChannel) Yield(ctx context.Context) error { return nil }

func (c *loopbackChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.buf)
	}
	return nil
}

const loopbackProfile transport.Profile = "test://pubsub-loopback"

func init() {
	transport.RegisterOpener(loopbackProfile, func(cfg transport.Config) (transport.Channel, error) {
		return newLoopbackChannel(), nil
	})
}

type staticSource struct {
	mu    sync.Mutex
	value int32
}

func (s *staticSource) Read(nodeID string, attributeID uint32) (codec.FieldValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return codec.FieldValue{Value: s.value}, nil
}

func (s *staticSource) set(v int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
}

type capturingSink struct {
	mu   sync.Mutex
	last codec.FieldValue
	got  bool
}

func (s *capturingSink) Write(nodeID string, attributeID uint32, value codec.FieldValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = value
	s.got = true
	return nil
}

func (s *capturingSink) snapshot() (codec.FieldValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.got
}

func TestManager_PubSubLoopback_DeliversValueThroughWriterAndReaderGroup(t *testing.T) {
	m := NewManager(testConfig())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	conn, err := m.AddConnection("loopback", codec.PublisherID{Kind: codec.PublisherIDUInt16, UInt16: 1},
		loopbackProfile, transport.Config{Profile: loopbackProfile})
	require.NoError(t, err)

	source := &staticSource{value: 41}
	pds := NewPublishedDataSet("ds", []DataSetField{{Name: "v", SourceNodeID: "ns=1;s=v"}}, source)

	wg := NewWriterGroup(1, 10*time.Millisecond, codec.EncodingUADP, conn)
	wg.SetEncoder(uadp.New())
	writer := NewDataSetWriter(1, 1, pds)
	wg.Writers = append(wg.Writers, writer)

	sink := &capturingSink{}
	rg := NewReaderGroup(1, codec.EncodingUADP, conn)
	rg.SetDecoder(uadp.New())
	rg.Readers = append(rg.Readers, &DataSetReader{
		ID:               1,
		ExpectedWriterID: 1,
		TargetVariables:  []TargetVariable{{TargetNodeID: "ns=1;s=out"}},
		Sink:             sink,
	})

	require.NoError(t, conn.Enable(context.Background(), nil))
	assert.Equal(t, StateOperational, conn.State())
	assert.Equal(t, StateOperational, wg.State())
	assert.Equal(t, StateOperational, rg.State())

	deadline := time.After(2 * time.Second)
	for {
		if v, ok := sink.snapshot(); ok {
			assert.Equal(t, int32(41), v.Value)
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for loopback delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
