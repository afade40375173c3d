// Package txw implements the transmit window: the ordered ring of
// sent packets retained for repair, the transmission-group parity
// bookkeeping used for proactive and on-demand FEC, and the lookups
// the protocol engine needs to answer NAKs and SPM requests.
//
// Sizing follows the spec: either a fixed sequence-number count or
// seconds-of-traffic at the configured peak rate divided by TPDU. The
// window never blocks; eviction on overflow is the only way it sheds
// retained packets.
package txw

import (
	"sync"

	"github.com/MindFy/openpgm/internal/fec"
	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
)

// FECConfig configures proactive/on-demand parity for the window.
// N and K are passed straight to fec.NewCodec; ProactiveH is the
// number of parity packets generated eagerly at the close of each
// transmission group when OnDemand is false (0 <= ProactiveH <= N-K).
// With OnDemand set, no parity is generated eagerly: any parity index
// is generated lazily on the first repair request that needs it.
type FECConfig struct {
	N, K       int
	ProactiveH int
	OnDemand   bool
}

// Config sizes the window. Exactly one of Sqns or (Secs, MaxRteBps)
// must be usable to compute a positive capacity; TPDU is required
// when sizing by seconds.
type Config struct {
	Sqns      uint32
	Secs      uint32
	MaxRteBps int64
	TPDU      int
	FEC       *FECConfig
}

func (c Config) capacity() (uint32, error) {
	if c.Sqns > 0 {
		return c.Sqns, nil
	}
	if c.Secs > 0 && c.MaxRteBps > 0 && c.TPDU > 0 {
		n := uint32(int64(c.Secs) * c.MaxRteBps / int64(c.TPDU))
		if n == 0 {
			return 0, pgmerr.New(pgmerr.CONFIG, "computed txw capacity is zero")
		}
		return n, nil
	}
	return 0, pgmerr.New(pgmerr.CONFIG, "txw sizing requires sqns>0 or (secs,max_rte,tpdu) all >0")
}

type parityGroup struct {
	parity map[int][]byte
}

// Window is the per-source transmit window.
type Window struct {
	ringMu   sync.RWMutex
	capacity uint32
	trail    sqn.Sqn
	lead     sqn.Sqn
	ring     []*skb.SKB

	codec      *fec.Codec
	k          int
	proactiveH int
	onDemand   bool

	groupMu sync.Mutex
	groups  map[sqn.Sqn]*parityGroup

	apduMu       sync.Mutex
	haveAPDU     bool
	lastAPDUSqn  sqn.Sqn
}

// New constructs a Window whose first Add will assign sequence number
// initialSqn.
func New(initialSqn sqn.Sqn, cfg Config) (*Window, error) {
	capacity, err := cfg.capacity()
	if err != nil {
		return nil, err
	}
	w := &Window{
		capacity: capacity,
		trail:    initialSqn,
		lead:     initialSqn - 1,
		ring:     make([]*skb.SKB, capacity),
	}
	if cfg.FEC != nil {
		codec, err := fec.NewCodec(cfg.FEC.N, cfg.FEC.K)
		if err != nil {
			return nil, err
		}
		if cfg.FEC.ProactiveH < 0 || cfg.FEC.ProactiveH > codec.H() {
			return nil, pgmerr.New(pgmerr.CONFIG, "proactive_h %d out of range [0,%d]", cfg.FEC.ProactiveH, codec.H())
		}
		w.codec = codec
		w.k = cfg.FEC.K
		w.proactiveH = cfg.FEC.ProactiveH
		w.onDemand = cfg.FEC.OnDemand
		w.groups = make(map[sqn.Sqn]*parityGroup)
	}
	return w, nil
}

func (w *Window) slot(s sqn.Sqn) int {
	return int(uint32(s) % w.capacity)
}

func (w *Window) groupSqn(s sqn.Sqn) sqn.Sqn {
	return sqn.Sqn(uint32(s) - uint32(s)%uint32(w.k))
}

// Add assigns the next sequence number to s, retains it, and evicts
// the oldest retained packet if the window is now over capacity. If s
// carries a FragmentOption marking the start of a new APDU (FragOffset
// == 0), the APDU-first-sqn monotonicity invariant is checked.
func (w *Window) Add(s *skb.SKB) (sqn.Sqn, error) {
	if s.Fragment != nil && s.Fragment.FragOffset == 0 {
		w.apduMu.Lock()
		if w.haveAPDU && !sqn.Less(w.lastAPDUSqn, s.Fragment.APDUFirstSqn) {
			w.apduMu.Unlock()
			return 0, pgmerr.New(pgmerr.InvalidParams, "apdu first-sqn %d does not strictly increase past %d", s.Fragment.APDUFirstSqn, w.lastAPDUSqn)
		}
		w.lastAPDUSqn = s.Fragment.APDUFirstSqn
		w.haveAPDU = true
		w.apduMu.Unlock()
	}

	w.ringMu.Lock()
	newSqn := w.lead + 1
	s.Sqn = newSqn
	w.lead = newSqn
	for sqn.Diff(w.lead, w.trail) >= int32(w.capacity) {
		idx := w.slot(w.trail)
		if old := w.ring[idx]; old != nil {
			old.Release()
			w.ring[idx] = nil
		}
		w.trail++
	}
	w.ring[w.slot(newSqn)] = s
	w.ringMu.Unlock()

	if w.codec != nil && !w.onDemand && uint32(newSqn+1)%uint32(w.k) == 0 {
		w.generateGroupParity(w.groupSqn(newSqn), w.proactiveH)
	}
	return newSqn, nil
}

// Retrieve returns the retained packet at sqn s without removing it.
// GONE means s predates the trailing edge; NXIO means s has never
// been sent (or is beyond lead).
func (w *Window) Retrieve(s sqn.Sqn) (*skb.SKB, error) {
	w.ringMu.RLock()
	defer w.ringMu.RUnlock()
	if sqn.Less(s, w.trail) {
		return nil, pgmerr.Sentinel(pgmerr.WindowGone)
	}
	if sqn.Less(w.lead, s) {
		return nil, pgmerr.Sentinel(pgmerr.WindowNxio)
	}
	pkt := w.ring[w.slot(s)]
	if pkt == nil || pkt.Sqn != s {
		return nil, pgmerr.Sentinel(pgmerr.WindowGone)
	}
	return pkt, nil
}

// Retransmit returns a clone of the original data packet at sqn s for
// the caller to re-encode as RDATA; the original is never mutated.
// OPT_FRAGMENT, if present, travels with the clone so the receiver can
// re-reassemble exactly as it would have from the original ODATA.
func (w *Window) Retransmit(s sqn.Sqn) (*skb.SKB, error) {
	pkt, err := w.Retrieve(s)
	if err != nil {
		return nil, err
	}
	return skb.CloneData(pkt)
}

// OnSPMRequest reports the window's current (trail, lead) for the
// next SPM's trailing-edge advertisement.
func (w *Window) OnSPMRequest() (trail, lead sqn.Sqn) {
	w.ringMu.RLock()
	defer w.ringMu.RUnlock()
	return w.trail, w.lead
}

// RetransmitParity returns the parityIndex-th parity block for the
// transmission group starting at groupSqn, generating it lazily if it
// was not produced proactively and the window is configured on-demand.
func (w *Window) RetransmitParity(groupSqn sqn.Sqn, parityIndex int) (*skb.SKB, error) {
	if w.codec == nil {
		return nil, pgmerr.New(pgmerr.InvalidParams, "window has no fec codec configured")
	}
	w.groupMu.Lock()
	g := w.groups[groupSqn]
	var payload []byte
	if g != nil {
		payload = g.parity[parityIndex]
	}
	w.groupMu.Unlock()

	if payload == nil {
		if !w.onDemand && parityIndex >= w.proactiveH {
			return nil, pgmerr.New(pgmerr.FECInsufficient, "parity index %d beyond proactive_h %d and on-demand disabled", parityIndex, w.proactiveH)
		}
		if err := w.generateGroupParity(groupSqn, parityIndex+1); err != nil {
			return nil, err
		}
		w.groupMu.Lock()
		payload = w.groups[groupSqn].parity[parityIndex]
		w.groupMu.Unlock()
	}

	out, err := skb.Allocate(len(payload))
	if err != nil {
		return nil, err
	}
	b, err := out.Put(len(payload))
	if err != nil {
		return nil, err
	}
	copy(b, payload)
	out.Sqn = sqn.Add(groupSqn, int32(w.k)+int32(parityIndex))
	return out, nil
}

// generateGroupParity computes parity indices [0,upTo) for the group
// at groupSqn that are not already cached, gathering the k source
// blocks from the ring. Fails FECInsufficient if any source block in
// the group has already been evicted past trail.
func (w *Window) generateGroupParity(groupSqn sqn.Sqn, upTo int) error {
	w.ringMu.RLock()
	src := make([][]byte, w.k)
	for i := 0; i < w.k; i++ {
		s := sqn.Add(groupSqn, int32(i))
		pkt := w.ring[w.slot(s)]
		if pkt == nil || pkt.Sqn != s {
			w.ringMu.RUnlock()
			return pgmerr.New(pgmerr.FECInsufficient, "source block %d of group %d evicted before parity generation", i, groupSqn)
		}
		src[i] = pkt.Data()
	}
	w.ringMu.RUnlock()

	w.groupMu.Lock()
	defer w.groupMu.Unlock()
	g := w.groups[groupSqn]
	if g == nil {
		g = &parityGroup{parity: make(map[int][]byte)}
		w.groups[groupSqn] = g
	}
	for j := 0; j < upTo; j++ {
		if _, ok := g.parity[j]; ok {
			continue
		}
		p, err := w.codec.EncodeParity(src, j)
		if err != nil {
			return err
		}
		g.parity[j] = p
	}
	return nil
}

// Bounds reports the current (trail, lead), for tests and metrics.
func (w *Window) Bounds() (trail, lead sqn.Sqn) {
	w.ringMu.RLock()
	defer w.ringMu.RUnlock()
	return w.trail, w.lead
}
