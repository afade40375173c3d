package pgmconfig

import (
	"net"
	"time"
)

// UDPSocket adapts a *net.UDPConn to pgm.Socket for the UDP
// encapsulation path (spec.md §6's "UDP encapsulation uses two
// ports"). It is the portable default the cmd/ binaries use; the
// Linux raw-socket / router-alert path lives in internal/transport
// for hosts that need RFC 3208's native IP protocol 113 framing.
type UDPSocket struct {
	conn *net.UDPConn
	dest *net.UDPAddr
}

// NewUDPSocket binds a UDP socket listening on listenPort and sending
// to (group, sendPort).
func NewUDPSocket(listenPort int, group string, sendPort int) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: listenPort})
	if err != nil {
		return nil, err
	}
	dest := &net.UDPAddr{IP: net.ParseIP(group), Port: sendPort}
	return &UDPSocket{conn: conn, dest: dest}, nil
}

func (s *UDPSocket) WriteTo(b []byte) (int, error) {
	return s.conn.WriteToUDP(b, s.dest)
}

func (s *UDPSocket) ReadFrom(b []byte) (int, error) {
	n, _, err := s.conn.ReadFromUDP(b)
	return n, err
}

func (s *UDPSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// Close releases the underlying socket.
func (s *UDPSocket) Close() error { return s.conn.Close() }
