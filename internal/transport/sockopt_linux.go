//go:build linux

// Package transport is the host collaborator explicitly carved out of
// the core in spec.md §1: socket creation, multicast group membership,
// TTL/loop/buffer sizing, and the IP Router Alert (RFC 2113) sending
// path. The core never imports this package directly; it only
// consumes the pgm.Socket interface, which *Conn below satisfies.
//
// Grounded on the pack's own raw-syscall style for socket options
// (runZeroInc-sockstats/pkg/kernel, pkg/tcpinfo's unix.Getsockopt*/
// unix.Setsockopt* calls) generalized from TCP_INFO introspection to
// PGM's IP_ADD_MEMBERSHIP / IP_MULTICAST_* / raw-IPPROTO_113 needs.
package transport

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/MindFy/openpgm/internal/pgmerr"
)

// ipproto113 is PGM's IANA-assigned protocol number (spec.md §6).
const ipproto113 = 113

// Options configures the sockets a Conn owns. Exactly one of UDPPorts
// (unicast upstream + multicast downstream) or raw mode (both zero)
// is selected at bind time, matching spec.md §6's "MUST both be
// configured or both absent".
type Options struct {
	Group      net.IP
	Iface      *net.Interface
	UnicastPort, MulticastPort uint16 // UDP encapsulation; both zero selects raw IP

	Hops           int // IP_MULTICAST_TTL / IPV6_MULTICAST_HOPS, 1-255
	MulticastLoop  bool
	SndBuf, RcvBuf int
	RouterAlert    bool // send on a second socket carrying IP_OPTIONS router alert (RFC 2113)
}

func (o Options) validate() error {
	if (o.UnicastPort == 0) != (o.MulticastPort == 0) {
		return pgmerr.New(pgmerr.CONFIG, "unicast and multicast ports must both be set or both absent")
	}
	if o.Hops < 1 || o.Hops > 255 {
		return pgmerr.New(pgmerr.CONFIG, "hops %d out of range [1,255]", o.Hops)
	}
	if o.Group == nil {
		return pgmerr.New(pgmerr.CONFIG, "multicast group required")
	}
	return nil
}

// Conn is the Linux socket pair (ordinary send/receive plus, when
// RouterAlert is set, a second router-alert send socket) behind one
// Transport. It implements pgm.Socket: WriteTo/ReadFrom/
// SetReadDeadline operate on whole PGM packets, with the two sends
// serialized by independent locks per spec.md §5's "one lock for the
// ordinary send socket, one for the router-alert socket".
type Conn struct {
	opts Options

	dataFD int
	raFD   int // -1 if RouterAlert not requested

	sendAddr unix.Sockaddr

	sendMu   chanMutex
	raSendMu chanMutex
}

// chanMutex is a trivial non-reentrant mutex built on a buffered
// channel rather than sync.Mutex, matching spec.md §5's description
// of the send lock as a distinct primitive from the rate regulator's
// atomic token account (the regulator check is made by the caller,
// pgm.Transport.admitAndSend, before WriteTo takes this lock; the
// bucket's own mutex keeps its check-and-consume atomic).
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// NewConn opens the socket(s) described by opts. ipv6 selects the v6
// family for both group membership and the raw/UDP socket type.
func NewConn(opts Options, ipv6 bool) (*Conn, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	if ipv6 {
		domain = unix.AF_INET6
	}

	sockType := unix.SOCK_RAW
	proto := ipproto113
	if opts.UnicastPort != 0 {
		sockType = unix.SOCK_DGRAM
		proto = unix.IPPROTO_UDP
	}

	fd, err := unix.Socket(domain, sockType, proto)
	if err != nil {
		return nil, pgmerr.New(pgmerr.NetDown, "socket: %v", err)
	}

	c := &Conn{opts: opts, dataFD: fd, raFD: -1, sendMu: newChanMutex(), raSendMu: newChanMutex()}
	if err := c.configure(fd, ipv6); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sendAddr, err := destinationSockaddr(opts, ipv6)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	c.sendAddr = sendAddr

	if opts.RouterAlert {
		raFD, err := unix.Socket(domain, sockType, proto)
		if err != nil {
			unix.Close(fd)
			return nil, pgmerr.New(pgmerr.NetDown, "router-alert socket: %v", err)
		}
		if err := c.configure(raFD, ipv6); err != nil {
			unix.Close(fd)
			unix.Close(raFD)
			return nil, err
		}
		if err := setRouterAlert(raFD, ipv6); err != nil {
			unix.Close(fd)
			unix.Close(raFD)
			return nil, err
		}
		c.raFD = raFD
	}

	return c, nil
}

// destinationSockaddr builds the multicast group address sends target:
// the UDP encapsulation's downstream port when configured, or raw IP
// with no port otherwise.
func destinationSockaddr(opts Options, ipv6 bool) (unix.Sockaddr, error) {
	port := int(opts.MulticastPort)
	if ipv6 {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], opts.Group.To16())
		if opts.Iface != nil {
			sa.ZoneId = uint32(opts.Iface.Index)
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: port}
	v4 := opts.Group.To4()
	if v4 == nil {
		return nil, pgmerr.New(pgmerr.CONFIG, "group address is not valid IPv4")
	}
	copy(sa.Addr[:], v4)
	return sa, nil
}

func (c *Conn) configure(fd int, ipv6 bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return pgmerr.New(pgmerr.NetDown, "SO_REUSEADDR: %v", err)
	}
	if c.opts.SndBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, c.opts.SndBuf); err != nil {
			return pgmerr.New(pgmerr.NetDown, "SO_SNDBUF: %v", err)
		}
	}
	if c.opts.RcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, c.opts.RcvBuf); err != nil {
			return pgmerr.New(pgmerr.NetDown, "SO_RCVBUF: %v", err)
		}
	}

	loop := 0
	if c.opts.MulticastLoop {
		loop = 1
	}

	if ipv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, c.opts.Hops); err != nil {
			return pgmerr.New(pgmerr.NetDown, "IPV6_MULTICAST_HOPS: %v", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, loop); err != nil {
			return pgmerr.New(pgmerr.NetDown, "IPV6_MULTICAST_LOOP: %v", err)
		}
		mreq := &unix.IPv6Mreq{}
		copy(mreq.Multiaddr[:], c.opts.Group.To16())
		if c.opts.Iface != nil {
			mreq.Interface = uint32(c.opts.Iface.Index)
		}
		if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_ADD_MEMBERSHIP, mreq); err != nil {
			return pgmerr.New(pgmerr.NetDown, "IPV6_ADD_MEMBERSHIP: %v", err)
		}
		return nil
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, c.opts.Hops); err != nil {
		return pgmerr.New(pgmerr.NetDown, "IP_MULTICAST_TTL: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop); err != nil {
		return pgmerr.New(pgmerr.NetDown, "IP_MULTICAST_LOOP: %v", err)
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], c.opts.Group.To4())
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return pgmerr.New(pgmerr.NetDown, "IP_ADD_MEMBERSHIP: %v", err)
	}
	return nil
}

// LeaveGroup drops membership. Per SPEC_FULL.md's resolution of the
// teacher's ambiguous `recv_gsr_len == 0` precondition, this is
// permitted whenever the matching group is present; there is no
// additional precondition here.
func (c *Conn) LeaveGroup(ipv6 bool) error {
	if ipv6 {
		mreq := &unix.IPv6Mreq{}
		copy(mreq.Multiaddr[:], c.opts.Group.To16())
		if c.opts.Iface != nil {
			mreq.Interface = uint32(c.opts.Iface.Index)
		}
		return unix.SetsockoptIPv6Mreq(c.dataFD, unix.IPPROTO_IPV6, unix.IPV6_DROP_MEMBERSHIP, mreq)
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], c.opts.Group.To4())
	return unix.SetsockoptIPMreq(c.dataFD, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
}

// setRouterAlert installs the RFC 2113 IP Router Alert option on a
// raw/UDP send socket's outgoing IP_OPTIONS.
func setRouterAlert(fd int, ipv6 bool) error {
	if ipv6 {
		// IPv6 carries router alert as a hop-by-hop extension header,
		// not IP_OPTIONS; nothing further to configure here beyond
		// what the kernel does for IPV6_HOPOPTS, which this transport
		// does not need to set explicitly for RFC 3208 conformance.
		return nil
	}
	// type=0x94 (copy|0|RTRALT), length=4, value=0x0000: the canonical
	// 4-byte IPv4 router alert option (RFC 2113 §2.1).
	opt := []byte{0x94, 0x04, 0x00, 0x00}
	return unix.SetsockoptString(fd, unix.IPPROTO_IP, unix.IP_OPTIONS, string(opt))
}

// WriteTo sends b on the ordinary data socket, serialized by the data
// send lock per spec.md §5.
func (c *Conn) WriteTo(b []byte) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := unix.Sendto(c.dataFD, b, 0, c.sendAddr); err != nil {
		return 0, pgmerr.New(pgmerr.NetDown, "sendto: %v", err)
	}
	return len(b), nil
}

// WriteRouterAlert sends b on the router-alert socket, if configured.
func (c *Conn) WriteRouterAlert(b []byte) (int, error) {
	if c.raFD < 0 {
		return 0, pgmerr.New(pgmerr.CONFIG, "router-alert socket not configured")
	}
	c.raSendMu.Lock()
	defer c.raSendMu.Unlock()
	if err := unix.Sendto(c.raFD, b, 0, c.sendAddr); err != nil {
		return 0, pgmerr.New(pgmerr.NetDown, "sendto (router-alert): %v", err)
	}
	return len(b), nil
}

// ReadFrom blocks until a datagram arrives or the read deadline
// (set via SetReadDeadline) elapses, returning net.Error.Timeout()
// true in the latter case so Transport.Run can treat it as "fire due
// timers and loop".
func (c *Conn) ReadFrom(b []byte) (int, error) {
	n, _, err := unix.Recvfrom(c.dataFD, b, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			// unix.Errno is an alias for syscall.Errno, which already
			// implements net.Error; return it unwrapped so the timeout
			// survives errors.As at the call site.
			return 0, err
		}
		return 0, pgmerr.New(pgmerr.NetDown, "recvfrom: %v", err)
	}
	return n, nil
}

// SetReadDeadline arms SO_RCVTIMEO on the data socket so ReadFrom
// returns promptly at the core's requested next timer deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		d = time.Microsecond // a zero SO_RCVTIMEO would block forever
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(c.dataFD, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// Close releases both sockets.
func (c *Conn) Close() error {
	err := unix.Close(c.dataFD)
	if c.raFD >= 0 {
		if raErr := unix.Close(c.raFD); raErr != nil && err == nil {
			err = raErr
		}
	}
	return err
}
