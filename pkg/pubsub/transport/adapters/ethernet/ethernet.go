// Package ethernet implements the pubsub-eth-uadp transport profile: raw
// AF_PACKET frames carrying EtherType 0xB62C, with an optional 802.1Q tag,
// per §4.A and §6. No ecosystem library frames OPC-UA's specific raw-
// Ethernet payload, so this adapter talks to the kernel socket directly via
// golang.org/x/sys/unix (see DESIGN.md for the stdlib-adjacent justification).
package ethernet

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/open62541-go/pubsub-core/pkg/logger"
	pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"
	"github.com/open62541-go/pubsub-core/pkg/pubsub/transport"
)

// EtherTypePubSub is the OPC-UA PubSub raw-Ethernet EtherType.
const EtherTypePubSub = 0xB62C

// EtherType8021Q tags a frame as carrying a VLAN header before the real
// EtherType.
const EtherType8021Q = 0x8100

func init() {
	transport.RegisterOpener(transport.ProfileEthUADP, Open)
}

// Address is a parsed opc.eth://<MAC>[:<vid>[.<pcp>]] address.
type Address struct {
	MAC      [6]byte
	VLANID   uint16
	Priority uint8
}

// ParseAddress parses the MAC/VLAN/priority form described in §6.
func ParseAddress(addr string) (Address, error) {
	rest, ok := strings.CutPrefix(addr, "opc.eth://")
	if !ok {
		return Address{}, pserrors.ErrInvalidArgument("not an ethernet address: "+addr, nil)
	}

	macPart := rest
	var vlanPart string
	if idx := strings.Index(rest, ":"); idx >= 0 {
		macPart = rest[:idx]
		vlanPart = rest[idx+1:]
	}

	macPart = strings.NewReplacer("-", " ").Replace(macPart)
	octets := strings.Fields(macPart)
	if len(octets) != 6 {
		return Address{}, pserrors.ErrInvalidArgument("malformed ethernet MAC: "+macPart, nil)
	}
	var a Address
	for i, o := range octets {
		b, err := strconv.ParseUint(o, 16, 8)
		if err != nil {
			return Address{}, pserrors.ErrInvalidArgument("malformed MAC octet: "+o, err)
		}
		a.MAC[i] = byte(b)
	}

	if vlanPart != "" {
		vidStr, pcpStr, hasPCP := strings.Cut(vlanPart, ".")
		vid, err := strconv.ParseUint(vidStr, 10, 16)
		if err != nil {
			return Address{}, pserrors.ErrInvalidArgument("malformed VLAN id: "+vidStr, err)
		}
		a.VLANID = uint16(vid)
		if hasPCP {
			pcp, err := strconv.ParseUint(pcpStr, 10, 8)
			if err != nil {
				return Address{}, pserrors.ErrInvalidArgument("malformed VLAN priority: "+pcpStr, err)
			}
			a.Priority = uint8(pcp)
		}
	}
	return a, nil
}

// FrameHeader prepends the destination MAC, the local source MAC, and the
// EtherType(+VLAN) section ahead of an already-encoded UADP payload.
func FrameHeader(dst, src [6]byte, vlanID uint16, priority uint8) []byte {
	if vlanID == 0 {
		hdr := make([]byte, 14)
		copy(hdr[0:6], dst[:])
		copy(hdr[6:12], src[:])
		binary.BigEndian.PutUint16(hdr[12:14], EtherTypePubSub)
		return hdr
	}

	hdr := make([]byte, 18)
	copy(hdr[0:6], dst[:])
	copy(hdr[6:12], src[:])
	binary.BigEndian.PutUint16(hdr[12:14], EtherType8021Q)
	tci := (uint16(priority&0x7) << 13) | (vlanID & 0x0FFF)
	binary.BigEndian.PutUint16(hdr[14:16], tci)
	binary.BigEndian.PutUint16(hdr[16:18], EtherTypePubSub)
	return hdr
}

// Channel is a raw AF_PACKET transport::Channel bound to one network
// interface, sending/receiving full Ethernet frames.
type Channel struct {
	mu      sync.Mutex
	fd      int
	ifindex int
	srcMAC  [6]byte
	dst     Address
	state   transport.State
}

// Open binds an AF_PACKET socket on cfg.Options["interface"] and parses the
// destination MAC/VLAN from cfg.Address.
func Open(cfg transport.Config) (transport.Channel, error) {
	dst, err := ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	ifaceName := cfg.Options["interface"]
	if ifaceName == "" {
		return nil, pserrors.ErrInvalidArgument("ethernet transport requires an interface option", nil)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(EtherTypePubSub))
	if err != nil {
		return nil, pserrors.ErrCommunicationError("failed to open AF_PACKET socket", err)
	}

	ifi, err := interfaceByName(ifaceName)
	if err != nil {
		_ = unix.Close(fd)
		return nil, pserrors.ErrInvalidArgument("unrecognised ethernet interface: "+ifaceName, err)
	}

	sa := &unix.SockaddrLinklayer{Protocol: htons(EtherTypePubSub), Ifindex: ifi.index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, pserrors.ErrCommunicationError("failed to bind AF_PACKET socket", err)
	}

	for k := range cfg.Options {
		if k != "interface" {
			logger.L().Warn("ethernet transport: unrecognised option", "option", k)
		}
	}

	return &Channel{fd: fd, ifindex: ifi.index, srcMAC: ifi.mac, dst: dst, state: transport.StateReady}, nil
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

type ifaceInfo struct {
	index int
	mac   [6]byte
}

func interfaceByName(name string) (ifaceInfo, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ifaceInfo{}, err
	}
	var mac [6]byte
	copy(mac[:], ifi.HardwareAddr)
	return ifaceInfo{index: ifi.Index, mac: mac}, nil
}

func (c *Channel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Register(ctx context.Context, settings transport.RegisterSettings, cb transport.ReceiveCallback) error {
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

func (c *Channel) Send(ctx context.Context, settings transport.RegisterSettings, payload []byte) error {
	frame := append(FrameHeader(c.dst.MAC, c.srcMAC, c.dst.VLANID, c.dst.Priority), payload...)
	sa := &unix.SockaddrLinklayer{Ifindex: c.ifindex, Halen: 6}
	copy(sa.Addr[:6], c.dst.MAC[:])
	if err := unix.Sendto(c.fd, frame, 0, sa); err != nil {
		c.mu.Lock()
		c.state = transport.StateError
		c.mu.Unlock()
		return pserrors.ErrCommunicationError("ethernet send failed", err)
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, pserrors.ErrCommunicationError("failed to set ethernet receive timeout", err)
	}

	buf := make([]byte, 65536)
	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, transport.ErrTimeout
		}
		return nil, transport.ErrClosed
	}
	if n < 14 {
		return nil, pserrors.ErrDecodingError(fmt.Sprintf("ethernet frame too short: %d bytes", n), nil)
	}

	payloadStart := 14
	if binary.BigEndian.Uint16(buf[12:14]) == EtherType8021Q {
		payloadStart = 18
	}
	return buf[payloadStart:n], nil
}

func (c *Channel) Yield(ctx context.Context) error { return nil }

func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = transport.StateError
	c.mu.Unlock()
	return unix.Close(c.fd)
}
