package pgm

import (
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/MindFy/openpgm/internal/metrics"
	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
	"github.com/MindFy/openpgm/internal/txw"
)

// minTPDU enforces spec.md's "tpdu_max (IPv4 >= 68, IPv6 >= 1280)"
// bind-time bound (S5: bind with tpdu_max=64 fails CONFIG).
const (
	minTPDUIPv4 = 68
	minTPDUIPv6 = 1280
)

// Socket is the host collaborator a Transport sends and receives
// datagrams through. Group membership, TTL, and router-alert options
// are the caller's responsibility (see internal/transport for the
// Linux sockopt implementation); Transport only reads and writes
// whole PGM packets.
type Socket interface {
	WriteTo(b []byte) (int, error)
	ReadFrom(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Config parameterizes one Transport: its own identity on the wire,
// the shape of its transmit window and the template applied to every
// peer's receive window, and the timers that drive SPM heartbeats and
// peer expiry.
type Config struct {
	GSI        [6]byte
	SourcePort uint16
	DestPort   uint16
	NLA        net.IP
	GroupNLA   net.IP

	TPDU int
	IPv6 bool // selects the 1280-byte TPDU floor instead of IPv4's 68

	TXW  txw.Config
	RXW  rxw.Config // used as a template; Sqns/FEC/Nak* copied per peer
	FECK int        // must match RXW.FEC.K when RXW.FEC != nil; only checked by validate

	RateBytesPerSec int64
	IPHdrOverhead   int
	// Nonblocking selects DONTWAIT semantics for every admission check:
	// Send returns WOULDBLOCK instead of sleeping when the rate
	// regulator lacks sufficient tokens. Immutable post-bind, like
	// every other option here.
	Nonblocking bool

	// SpmAmbientIvl is the steady-state interval at which an SPM is
	// sent regardless of traffic. SpmHeartbeatSchedule is the
	// geometric back-off schedule of extra SPMs fired after each
	// ODATA burst, so receivers that missed the burst learn about it
	// faster than waiting for the next ambient SPM; if left nil, a
	// default schedule is derived from SpmAmbientIvl.
	SpmAmbientIvl        time.Duration
	SpmHeartbeatSchedule []time.Duration
	PeerExpiry           time.Duration

	Logger  *log.Logger
	Metrics *metrics.Metrics

	// OnData is called with every fully reassembled TSDU/APDU released
	// from any peer's receive window.
	OnData func(tsi skb.TSI, data []byte)
	// OnReset is called when a gap becomes unrecoverable.
	OnReset func(tsi skb.TSI, firstSqn, lastSqn sqn.Sqn)
}

func (c Config) validate() error {
	if c.SourcePort == 0 || c.DestPort == 0 {
		return pgmerr.New(pgmerr.CONFIG, "source and destination ports must be non-zero")
	}
	minTPDU := minTPDUIPv4
	if c.IPv6 {
		minTPDU = minTPDUIPv6
	}
	if c.TPDU < minTPDU {
		return pgmerr.New(pgmerr.CONFIG, "tpdu %d below minimum %d for this address family", c.TPDU, minTPDU)
	}
	if c.RateBytesPerSec <= 0 {
		return pgmerr.New(pgmerr.CONFIG, "rate_bytes_per_sec must be positive")
	}
	if c.SpmAmbientIvl <= 0 {
		return pgmerr.New(pgmerr.CONFIG, "spm_ambient_ivl must be positive")
	}
	if c.PeerExpiry <= 0 {
		return pgmerr.New(pgmerr.CONFIG, "peer_expiry must be positive")
	}
	if c.RXW.FEC != nil && c.RXW.FEC.K != c.FECK {
		return pgmerr.New(pgmerr.CONFIG, "fec_k %d does not match rxw fec config k %d", c.FECK, c.RXW.FEC.K)
	}
	return nil
}
