// Package peer implements the TSI-keyed peer table: the sole owner of
// per-source receive-window state, created on first reception from an
// unknown TSI and destroyed when peer-expiry elapses with no activity.
// Iteration is deterministic by insertion order, for test
// reproducibility, as the spec requires.
package peer

import (
	"time"

	"github.com/rs/xid"

	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
)

// NLA is a source or group network-layer address (IPv4 or IPv6),
// carried opaquely by the peer table; the core never interprets it.
type NLA = []byte

// Peer is one remote source's receiver-side state.
type Peer struct {
	TSI      skb.TSI
	RXW      *rxw.Window
	SourceNLA NLA
	GroupNLA  NLA

	// LogID is a process-local sortable identifier used only to
	// correlate log lines for this peer when multiple transports
	// share one process; it is never the wire-defined TSI and carries
	// no protocol meaning.
	LogID xid.ID

	ObservedSPMSqn sqn.Sqn
	lastSeen       time.Time
	expiry         time.Time
}

// LastSeen reports the monotonic time of the peer's most recent
// receipt of any kind (SPM, ODATA, RDATA, NCF).
func (p *Peer) LastSeen() time.Time { return p.lastSeen }

// Expiry reports the deadline at which the peer is torn down absent
// further activity.
func (p *Peer) Expiry() time.Time { return p.expiry }

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Table is the TSI-keyed peer table.
type Table struct {
	peerExpiry time.Duration
	clock      Clock

	byTSI map[skb.TSI]*Peer
	order []skb.TSI // insertion order, for deterministic iteration
}

// New constructs an empty Table. peerExpiry is the inactivity window
// (default 5x spm_ambient_interval per the spec) after which a peer
// with no activity is eligible for Expire.
func New(peerExpiry time.Duration) *Table {
	return NewWithClock(peerExpiry, realClock{})
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(peerExpiry time.Duration, clock Clock) *Table {
	return &Table{
		peerExpiry: peerExpiry,
		clock:      clock,
		byTSI:      make(map[skb.TSI]*Peer),
	}
}

// Get returns the peer for tsi, if present.
func (t *Table) Get(tsi skb.TSI) (*Peer, bool) {
	p, ok := t.byTSI[tsi]
	return p, ok
}

// GetOrCreate returns the existing peer for tsi, or creates one with
// the given receive window (built by the caller, since its initial
// sqn and FEC configuration depend on the first packet observed) and
// inserts it at the end of iteration order.
func (t *Table) GetOrCreate(tsi skb.TSI, newWindow func() *rxw.Window) (p *Peer, created bool) {
	if existing, ok := t.byTSI[tsi]; ok {
		return existing, false
	}
	p = &Peer{
		TSI:      tsi,
		RXW:      newWindow(),
		LogID:    xid.New(),
		lastSeen: t.clock.Now(),
	}
	p.expiry = p.lastSeen.Add(t.peerExpiry)
	t.byTSI[tsi] = p
	t.order = append(t.order, tsi)
	return p, true
}

// Touch records activity from tsi's peer, resetting its expiry
// deadline. The peer must already exist.
func (t *Table) Touch(tsi skb.TSI) {
	p, ok := t.byTSI[tsi]
	if !ok {
		return
	}
	p.lastSeen = t.clock.Now()
	p.expiry = p.lastSeen.Add(t.peerExpiry)
}

// Remove deletes tsi's peer unconditionally (e.g. on AbortOnReset
// teardown), preserving the remaining iteration order.
func (t *Table) Remove(tsi skb.TSI) {
	if _, ok := t.byTSI[tsi]; !ok {
		return
	}
	delete(t.byTSI, tsi)
	for i, k := range t.order {
		if k == tsi {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Expire removes and returns every peer whose expiry deadline has
// passed as of now, in insertion order.
func (t *Table) Expire(now time.Time) []*Peer {
	var expired []*Peer
	var remaining []skb.TSI
	for _, tsi := range t.order {
		p := t.byTSI[tsi]
		if now.After(p.expiry) {
			expired = append(expired, p)
			delete(t.byTSI, tsi)
			continue
		}
		remaining = append(remaining, tsi)
	}
	t.order = remaining
	return expired
}

// Len reports the current peer count.
func (t *Table) Len() int { return len(t.order) }

// Each calls fn for every peer in deterministic insertion order.
func (t *Table) Each(fn func(*Peer)) {
	for _, tsi := range t.order {
		fn(t.byTSI[tsi])
	}
}
