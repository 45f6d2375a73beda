// Package transport defines the Channel abstraction PubSub connections use
// to move bytes over UDP multicast, raw Ethernet, or MQTT, following the
// same adapter-pattern layout as the ambient messaging stack: core
// interfaces here, concrete wiring in per-driver adapters sub-packages.
package transport

import (
	"context"
	"time"
)

// State mirrors a Channel's readiness to send and/or receive.
type State string

const (
	StatePublisherOnly State = "publisher-only"
	StateReady          State = "ready"
	StatePubSub          State = "pub-sub"
	StateSubscriberOnly State = "subscriber-only"
	StateError           State = "error"
)

// Profile identifies a transport by its OPC-UA profile URI.
type Profile string

const (
	ProfileUDPUADP  Profile = "http://opcfoundation.org/UA-Profile/Transport/pubsub-udp-uadp"
	ProfileEthUADP  Profile = "http://opcfoundation.org/UA-Profile/Transport/pubsub-eth-uadp"
	ProfileMQTTUADP Profile = "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-uadp"
	ProfileMQTTJSON Profile = "http://opcfoundation.org/UA-Profile/Transport/pubsub-mqtt-json"
)

// Config carries the address and transport-specific options used to open a
// Channel. Options is intentionally a loose string map: each adapter reads
// the keys it recognises and logs (never fails on) the rest, per §4.A's
// "unrecognised options warn but do not fail" rule.
type Config struct {
	Profile Profile
	Address string
	Options map[string]string
}

// RegisterSettings carries the per-group transport-settings extension object
// passed to Register, e.g. the MQTT topic/QoS for a WriterGroup.
type RegisterSettings struct {
	// Topic is the MQTT queueName (BrokerWriterGroupTransport.queueName).
	Topic string
	// QoS is the broker-profile QoS in {0,1,2} (BestEffort, AtLeastOnce, AtMostOnce).
	QoS int
}

// ReceiveCallback is invoked by broker-style channels when a new buffer
// arrives out of band with an explicit Receive call (e.g. MQTT's client
// library delivers asynchronously instead of via a socket read loop).
type ReceiveCallback func(ctx context.Context, buf []byte)

// ErrTimeout and ErrClosed are the two non-error outcomes of Receive —
// recv timeouts and a cleanly closed remote are both normal control flow,
// not transport errors to report through the error-kind taxonomy.
var (
	ErrTimeout = errTimeout{}
	ErrClosed  = errClosed{}
)

type errTimeout struct{}

func (errTimeout) Error() string { return "transport: receive timed out" }

type errClosed struct{}

func (errClosed) Error() string { return "transport: channel closed" }

// Channel is the minimal send/recv surface every transport profile
// implements. Register is required before Receive for datagram/broker
// transports that deliver via callback instead of letting the caller
// read a bound socket directly.
type Channel interface {
	// State reports the channel's current readiness.
	State() State

	// Register arms the channel to receive, invoking cb for each inbound
	// buffer on profiles that push data (e.g. MQTT). UDP/Ethernet ignore
	// cb and expect the caller to call Receive directly against the bound
	// socket.
	Register(ctx context.Context, settings RegisterSettings, cb ReceiveCallback) error

	// Unregister reverses Register for the given settings.
	Unregister(ctx context.Context, settings RegisterSettings) error

	// Send transmits buf, tagged with the per-call settings (e.g. MQTT
	// topic override). A non-fatal send failure transitions the channel to
	// StateError and returns a CodeCommunicationError AppError; the caller
	// (the WriterGroup state machine) is responsible for the retry policy.
	Send(ctx context.Context, settings RegisterSettings, buf []byte) error

	// Receive blocks up to timeout for one buffer. It returns ErrTimeout on
	// an ordinary timeout and ErrClosed when the remote/local side closed,
	// neither of which is a state-changing error.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Yield lets broker-backed channels (MQTT) pump their client loop. It is
	// a no-op for raw-socket channels.
	Yield(ctx context.Context) error

	// Close releases the channel's underlying resources.
	Close() error
}

// Opener creates a Channel for a given Config. Each adapter package
// registers its Opener under its Profile via RegisterOpener, so the manager
// selects a driver purely by profile URI string, the way the teacher's
// messaging adapters are selected by driver name.
type Opener func(cfg Config) (Channel, error)

var openers = map[Profile]Opener{}

// RegisterOpener wires a Profile to the adapter that knows how to open it.
// Adapter packages call this from an init() func, so importing the adapter
// for its side effect is what makes a profile available — mirroring the
// teacher's driver-registration pattern for pluggable backends.
func RegisterOpener(profile Profile, open Opener) {
	openers[profile] = open
}

// Open dispatches to the registered Opener for cfg.Profile and wraps the
// result in the Resilient decorator, so every profile's Send path gets the
// same circuit-breaker+retry coverage without each adapter wiring it itself.
func Open(cfg Config) (Channel, error) {
	open, ok := openers[cfg.Profile]
	if !ok {
		return nil, ErrUnknownProfile(cfg.Profile)
	}
	ch, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return NewResilient(ch, DefaultResilientConfig()), nil
}
