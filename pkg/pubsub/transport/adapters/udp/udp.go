// Package udp implements the pubsub-udp-uadp transport profile: IPv4/IPv6
// multicast datagrams, following §4.A and §6's address form
// opc.udp://<host-or-multicast>:<port>/[<path>].
package udp

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/open62541-go/pubsub-core/pkg/logger"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

const defaultPort = 4840

func init() {
	transport.RegisterOpener(transport.ProfileUDPUADP, Open)
}

// Config options recognised under Config.Options; anything else is logged
// and ignored per §4.A's "unrecognised options warn but do not fail" rule.
const (
	OptTTL       = "ttl"
	OptLoopback  = "loopback"
	OptReuse     = "reuse"
	OptInterface = "interface"
)

// Channel is a UDP multicast transport::Channel.
type Channel struct {
	mu    sync.Mutex
	conn  *net.UDPConn
	pc4   *ipv4.PacketConn
	pc6   *ipv6.PacketConn
	addr  *net.UDPAddr
	state transport.State
}

// Open parses cfg.Address as opc.udp://<host>:<port>/[path] and joins the
// multicast group on cfg.Options["interface"] (or on the system-assigned
// multicast interface if that option is unset or names no known interface).
func Open(cfg transport.Config) (transport.Channel, error) {
	host, port, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsMulticast() {
		return nil, pserrors.ErrInvalidArgument("udp group address must be multicast: "+host, nil)
	}

	iface := resolveInterface(cfg.Options[OptInterface])

	udpAddr := &net.UDPAddr{IP: ip, Port: port}
	conn, err := net.ListenMulticastUDP("udp", iface, udpAddr)
	if err != nil {
		return nil, pserrors.ErrCommunicationError("failed to join multicast group", err)
	}

	ch := &Channel{conn: conn, addr: udpAddr, state: transport.StateReady}

	applyOptions(ch, conn, ip, cfg.Options)

	for k := range cfg.Options {
		switch k {
		case OptTTL, OptLoopback, OptReuse, OptInterface:
		default:
			logger.L().Warn("udp transport: unrecognised option", "option", k)
		}
	}

	return ch, nil
}

func applyOptions(ch *Channel, conn *net.UDPConn, ip net.IP, opts map[string]string) {
	ttl := 1
	if v, ok := opts[OptTTL]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			ttl = n
		}
	}
	loopback := false
	if v, ok := opts[OptLoopback]; ok {
		loopback = v == "true" || v == "1"
	}

	if ip.To4() != nil {
		ch.pc4 = ipv4.NewPacketConn(conn)
		_ = ch.pc4.SetMulticastTTL(ttl)
		_ = ch.pc4.SetMulticastLoopback(loopback)
	} else {
		ch.pc6 = ipv6.NewPacketConn(conn)
		_ = ch.pc6.SetMulticastHopLimit(ttl)
		_ = ch.pc6.SetMulticastLoopback(loopback)
	}
}

func resolveInterface(name string) *net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		logger.L().Warn("udp transport: unrecognised interface option, using default", "interface", name)
		return nil
	}
	return iface
}

func parseAddress(addr string) (host string, port int, err error) {
	rest, ok := strings.CutPrefix(addr, "opc.udp://")
	if !ok {
		return "", 0, pserrors.ErrInvalidArgument("not a udp address: "+addr, nil)
	}
	rest = strings.TrimSuffix(rest, "/")
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	h, p, err := net.SplitHostPort(rest)
	if err != nil {
		return rest, defaultPort, nil
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, pserrors.ErrInvalidArgument("invalid udp port: "+p, err)
	}
	return h, portNum, nil
}

func (c *Channel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Register(ctx context.Context, settings transport.RegisterSettings, cb transport.ReceiveCallback) error {
	// UDP delivers via the bound socket; callers use Receive directly.
	c.mu.Lock()
	if c.state == transport.StateReady {
		c.state = transport.StatePubSub
	}
	c.mu.Unlock()
	return nil
}

func (c *Channel) Unregister(ctx context.Context, settings transport.RegisterSettings) error {
	return nil
}

func (c *Channel) Send(ctx context.Context, settings transport.RegisterSettings, buf []byte) error {
	if _, err := c.conn.WriteToUDP(buf, c.addr); err != nil {
		c.mu.Lock()
		c.state = transport.StateError
		c.mu.Unlock()
		return pserrors.ErrCommunicationError("udp send failed", err)
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 65536)
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, transport.ErrTimeout
		}
		return nil, transport.ErrClosed
	}
	return buf[:n], nil
}

func (c *Channel) Yield(ctx context.Context) error { return nil }

func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = transport.StateError
	c.mu.Unlock()
	return c.conn.Close()
}
