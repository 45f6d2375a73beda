// Package mqtt implements the pubsub-mqtt-uadp and pubsub-mqtt-json
// transport profiles over github.com/eclipse/paho.mqtt.golang — a
// dependency the teacher repo declares in go.mod but never wires into any
// adapter; this module is where it earns its keep.
package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"

	"github.com/open62541-go/pubsub-core/pkg/logger"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

func init() {
	transport.RegisterOpener(transport.ProfileMQTTUADP, Open)
	transport.RegisterOpener(transport.ProfileMQTTJSON, Open)
}

const (
	defaultClientID      = "open62541_pub"
	defaultSendBufferSize = 2000
	defaultRecvBufferSize = 2000
)

// Config options recognised under Config.Options.
const (
	OptClientID       = "mqttClientId"
	OptSendBufferSize = "sendBufferSize"
	OptRecvBufferSize = "recvBufferSize"
)

// QoS maps the broker-profile enum to the MQTT wire values per §4.A.
type QoS byte

const (
	QoSBestEffort  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSAtMostOnce  QoS = 2
)

// Channel is an MQTT-backed transport::Channel. Inbound buffers arrive via
// the paho client's async callback and are funnelled into a buffered
// channel the event loop drains with Receive, reconciling the broker's push
// model with the rest of this package's pull-based Channel interface.
type Channel struct {
	mu      sync.Mutex
	client  mqttlib.Client
	state   transport.State
	inbound chan []byte
	topic   string
}

// Open connects to the broker at cfg.Address (opc.mqtt://<broker>:<port>/).
// A client id collision at connect time falls back to a randomly suffixed
// id, matching plugins/ua_network_pubsub_mqtt.c's behavior when the
// configured client id is already taken by another session.
func Open(cfg transport.Config) (transport.Channel, error) {
	broker, err := brokerURL(cfg.Address)
	if err != nil {
		return nil, err
	}

	clientID := cfg.Options[OptClientID]
	if clientID == "" {
		clientID = defaultClientID
	}

	opts := mqttlib.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetAutoReconnect(true)

	ch := &Channel{inbound: make(chan []byte, 256), state: transport.StateReady}

	client := mqttlib.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		if isClientIDCollision(token.Error()) {
			fallback := clientID + "_" + randomSuffix()
			logger.L().Warn("mqtt transport: client id collision, retrying with fallback id",
				"requested", clientID, "fallback", fallback)
			opts.SetClientID(fallback)
			client = mqttlib.NewClient(opts)
			if token := client.Connect(); token.Wait() && token.Error() != nil {
				return nil, pserrors.ErrCommunicationError("mqtt connect failed", token.Error())
			}
		} else {
			return nil, pserrors.ErrCommunicationError("mqtt connect failed", token.Error())
		}
	}

	for k := range cfg.Options {
		switch k {
		case OptClientID, OptSendBufferSize, OptRecvBufferSize:
		default:
			logger.L().Warn("mqtt transport: unrecognised option", "option", k)
		}
	}

	sendBuf := bufferSizeOption(cfg.Options, OptSendBufferSize, defaultSendBufferSize)
	recvBuf := bufferSizeOption(cfg.Options, OptRecvBufferSize, defaultRecvBufferSize)
	logger.L().Debug("mqtt transport opened", "broker", broker, "client_id", clientID, "send_buffer", sendBuf, "recv_buffer", recvBuf)

	ch.client = client
	return ch, nil
}

func isClientIDCollision(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "identifier rejected")
}

func randomSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func brokerURL(addr string) (string, error) {
	rest, ok := strings.CutPrefix(addr, "opc.mqtt://")
	if !ok {
		return "", pserrors.ErrInvalidArgument("not an mqtt address: "+addr, nil)
	}
	rest = strings.TrimSuffix(rest, "/")
	return "tcp://" + rest, nil
}

func (c *Channel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register subscribes to settings.Topic, mapping the BrokerWriterGroupTransport
// QoS enum (0=BestEffort,1=AtLeastOnce,2=AtMostOnce) onto the paho QoS byte.
func (c *Channel) Register(ctx context.Context, settings transport.RegisterSettings, cb transport.ReceiveCallback) error {
	if settings.Topic == "" {
		return pserrors.ErrInvalidArgument("mqtt register requires a BrokerWriterGroupTransport topic", nil)
	}
	c.mu.Lock()
	c.topic = settings.Topic
	c.state = transport.StatePubSub
	c.mu.Unlock()

	handler := func(_ mqttlib.Client, msg mqttlib.Message) {
		buf := append([]byte(nil), msg.Payload()...)
		if cb != nil {
			cb(ctx, buf)
		}
		select {
		case c.inbound <- buf:
		default:
			logger.L().Warn("mqtt transport: inbound buffer full, dropping message", "topic", settings.Topic)
		}
	}

	token := c.client.Subscribe(settings.Topic, byte(settings.QoS), handler)
	token.Wait()
	if token.Error() != nil {
		return pserrors.ErrCommunicationError("mqtt subscribe failed", token.Error())
	}
	return nil
}

func (c *Channel) Unregister(ctx context.Context, settings transport.RegisterSettings) error {
	token := c.client.Unsubscribe(settings.Topic)
	token.Wait()
	return token.Error()
}

func (c *Channel) Send(ctx context.Context, settings transport.RegisterSettings, buf []byte) error {
	topic := settings.Topic
	if topic == "" {
		topic = c.topic
	}
	if topic == "" {
		return pserrors.ErrInvalidArgument("mqtt send requires a topic", nil)
	}
	token := c.client.Publish(topic, byte(settings.QoS), false, buf)
	token.Wait()
	if token.Error() != nil {
		c.mu.Lock()
		c.state = transport.StateError
		c.mu.Unlock()
		return pserrors.ErrCommunicationError("mqtt publish failed", token.Error())
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case buf := <-c.inbound:
		return buf, nil
	case <-time.After(timeout):
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, transport.ErrClosed
	}
}

// Yield is a no-op: paho runs its own goroutines to pump its client loop,
// so there is nothing to drive here. It is kept for interface symmetry
// with the broker-loop transports the spec calls out in §4.A.
func (c *Channel) Yield(ctx context.Context) error { return nil }

func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = transport.StateError
	c.mu.Unlock()
	c.client.Disconnect(250)
	return nil
}

// bufferSizeOption parses a string option as a uint32 byte count, defaulting
// when absent or malformed per §4.A's tolerant-options policy.
func bufferSizeOption(opts map[string]string, key string, def uint32) uint32 {
	v, ok := opts[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}
