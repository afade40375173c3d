// Package rxw implements the per-peer receive window: gap detection,
// the NAK back-off/repair/waiting state machine, APDU reassembly, and
// strictly in-order release to the application, with parity-assisted
// recovery when the peer's transmit window carries FEC.
//
// A Window is owned exclusively by the receive (I/O) lane: it is not
// safe for concurrent use, matching the concurrency model's "no
// external lock required" for RXW. Timer firings and direct packet
// arrivals are expected to be serialized by the caller's event loop.
package rxw

import (
	"math/rand"
	"time"

	"github.com/MindFy/openpgm/internal/fec"
	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
	"github.com/MindFy/openpgm/internal/timerwheel"
)

// SlotState is a receive-window slot's position in the state machine
// described by the spec's diagram.
type SlotState int

const (
	Empty SlotState = iota
	HaveData
	Lost
	WaitNCF
	WaitData
	Committed
)

func (s SlotState) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case HaveData:
		return "HAVE_DATA"
	case Lost:
		return "LOST"
	case WaitNCF:
		return "WAIT_NCF"
	case WaitData:
		return "WAIT_DATA"
	case Committed:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// EventKind distinguishes a released APDU/TSDU from an irrecoverable
// loss surfaced to the application.
type EventKind int

const (
	EventData EventKind = iota
	EventReset
)

// Event is something the window has to tell the application: either
// released bytes or a RESET marking data that can never be recovered.
type Event struct {
	Kind     EventKind
	Data     []byte
	FirstSqn sqn.Sqn
	LastSqn  sqn.Sqn
}

// FECConfig mirrors txw.FECConfig for the receive side: only n and k
// are needed to know a transmission group's shape and decode it.
type FECConfig struct {
	N, K int
}

// Config parameterizes one peer's receive window.
type Config struct {
	Sqns           uint32
	FEC            *FECConfig
	NakBoIvl       time.Duration
	NakRptIvl      time.Duration
	NakRdataIvl    time.Duration
	NakDataRetries int
	NakNcfRetries  int
	AbortOnReset   bool
}

func (c Config) validate() error {
	if c.Sqns == 0 {
		return pgmerr.New(pgmerr.CONFIG, "rxw sqns must be > 0")
	}
	if c.NakBoIvl <= 0 || c.NakRptIvl <= 0 || c.NakRdataIvl <= 0 {
		return pgmerr.New(pgmerr.CONFIG, "nak intervals must be positive")
	}
	if c.NakDataRetries < 0 || c.NakNcfRetries < 0 {
		return pgmerr.New(pgmerr.CONFIG, "nak retry counts must be non-negative")
	}
	return nil
}

// Callbacks lets the window drive repair requests and hand off events
// that arise with no synchronous caller to return them to (timer-fired
// NAK retries, exhaustion-triggered RESET, parity-unblocked cascades).
type Callbacks interface {
	SendNAK(s sqn.Sqn)
	Deliver(evt Event)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type slotEntry struct {
	state    SlotState
	pkt      *skb.SKB
	timer    timerwheel.Handle
	hasTimer bool
	retries  int
}

type parityGroupRecv struct {
	parity map[int][]byte
}

// Window is one peer's receive window.
type Window struct {
	capacity uint32
	ring     []slotEntry

	trail       sqn.Sqn
	lead        sqn.Sqn
	rxwTrail    sqn.Sqn
	commitLead  sqn.Sqn
	commitTrail sqn.Sqn

	codec *fec.Codec
	k, n  int
	groups map[sqn.Sqn]*parityGroupRecv

	wheel *timerwheel.Wheel
	clock Clock
	rnd   *rand.Rand
	cb    Callbacks
	cfg   Config
}

// New constructs a Window expecting its first observed sqn to be
// initialSqn (the trailing edge of a freshly seen peer).
func New(initialSqn sqn.Sqn, cfg Config, wheel *timerwheel.Wheel, cb Callbacks) (*Window, error) {
	return NewWithClock(initialSqn, cfg, wheel, cb, realClock{})
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock(initialSqn sqn.Sqn, cfg Config, wheel *timerwheel.Wheel, cb Callbacks, clock Clock) (*Window, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w := &Window{
		capacity:    cfg.Sqns,
		ring:        make([]slotEntry, cfg.Sqns),
		trail:       initialSqn,
		lead:        initialSqn - 1,
		rxwTrail:    initialSqn,
		commitLead:  initialSqn,
		commitTrail: initialSqn,
		wheel:       wheel,
		clock:       clock,
		rnd:         rand.New(rand.NewSource(int64(uint32(initialSqn)) + 1)),
		cb:          cb,
		cfg:         cfg,
	}
	if cfg.FEC != nil {
		codec, err := fec.NewCodec(cfg.FEC.N, cfg.FEC.K)
		if err != nil {
			return nil, err
		}
		w.codec = codec
		w.k = cfg.FEC.K
		w.n = cfg.FEC.N
		w.groups = make(map[sqn.Sqn]*parityGroupRecv)
	}
	return w, nil
}

func (w *Window) idx(s sqn.Sqn) int { return int(uint32(s) % w.capacity) }

// OnODATA processes an original-data arrival, returning any APDUs/
// TSDUs it made releasable.
func (w *Window) OnODATA(pkt *skb.SKB) ([]Event, error) {
	return w.observe(pkt)
}

// OnRDATA processes repair-data arrival for a previously NAK'd sqn.
func (w *Window) OnRDATA(pkt *skb.SKB) ([]Event, error) {
	return w.observe(pkt)
}

func (w *Window) observe(pkt *skb.SKB) ([]Event, error) {
	s := pkt.Sqn
	if sqn.Less(s, w.trail) {
		return nil, nil
	}

	if sqn.Less(w.lead, s) {
		gap := sqn.Diff(s, w.lead)
		for i := int32(1); i < gap; i++ {
			gs := sqn.Add(w.lead, i)
			e := &w.ring[w.idx(gs)]
			*e = slotEntry{state: Lost}
			w.scheduleBackoff(gs)
		}
		w.lead = s
	}

	e := &w.ring[w.idx(s)]
	switch e.state {
	case HaveData, Committed:
		return nil, nil
	case Lost, WaitNCF, WaitData:
		w.cancelTimer(e)
	}
	e.state = HaveData
	e.pkt = pkt
	e.retries = 0

	var events []Event
	events = append(events, w.advanceCommit()...)
	events = append(events, w.evict()...)
	return events, nil
}

// OnNCF processes a null-confirmation for an outstanding NAK, moving
// the slot from WAIT_NCF to WAIT_DATA.
func (w *Window) OnNCF(s sqn.Sqn) {
	if sqn.Less(s, w.trail) || sqn.Less(w.lead, s) {
		return
	}
	e := &w.ring[w.idx(s)]
	if e.state != WaitNCF {
		return
	}
	w.cancelTimer(e)
	e.state = WaitData
	e.retries = 0
	w.scheduleWaitDataTimeout(s)
}

// OnSPM updates the peer-reported trailing edge. Slots below the new
// rxwTrail still in LOST/WAIT_* become definitively unrecoverable.
func (w *Window) OnSPM(newRxwTrail sqn.Sqn) []Event {
	if !sqn.Less(w.rxwTrail, newRxwTrail) {
		return nil
	}
	old := w.rxwTrail
	w.rxwTrail = newRxwTrail

	upper := newRxwTrail
	if sqn.Less(w.lead, upper) {
		upper = w.lead + 1
	}

	var events []Event
	for s := old; sqn.Less(s, upper); s++ {
		e := &w.ring[w.idx(s)]
		if e.state != Lost && e.state != WaitNCF && e.state != WaitData {
			continue
		}
		w.cancelTimer(e)
		e.state = Lost
		e.pkt = nil
		if s == w.commitLead {
			events = append(events, w.releasePastGap(s)...)
		}
	}
	events = append(events, w.advanceCommit()...)
	return events
}

// OnParityRDATA processes a repair-data packet carrying parity for
// the transmission group at groupSqn, storing it in the group's
// parity set. If at least k of the group's n (data+parity) blocks are
// present, missing data blocks are reconstructed in place. Decoding is
// attempted only here, on a parity arrival: with fewer than k blocks
// present it returns FEC_INSUFFICIENT and keeps the parity stored, and
// a data packet arriving later does not trigger a decode.
func (w *Window) OnParityRDATA(groupSqn sqn.Sqn, parityIndex int, payload []byte) ([]Event, error) {
	if w.codec == nil {
		return nil, pgmerr.New(pgmerr.InvalidParams, "window has no fec codec configured")
	}

	last := sqn.Add(groupSqn, int32(w.k)-1)
	if sqn.Less(w.lead, last) {
		gap := sqn.Diff(last, w.lead)
		for i := int32(1); i <= gap; i++ {
			gs := sqn.Add(w.lead, i)
			e := &w.ring[w.idx(gs)]
			if e.state == Empty {
				*e = slotEntry{state: Lost}
				w.scheduleBackoff(gs)
			}
		}
		w.lead = last
	}

	g := w.groups[groupSqn]
	if g == nil {
		g = &parityGroupRecv{parity: make(map[int][]byte)}
		w.groups[groupSqn] = g
	}
	g.parity[parityIndex] = payload

	blocks := make([]fec.ErasureBlock, w.n)
	present := 0
	for i := 0; i < w.k; i++ {
		s := sqn.Add(groupSqn, int32(i))
		e := &w.ring[w.idx(s)]
		if e.state == HaveData || e.state == Committed {
			blocks[i] = fec.ErasureBlock{Row: i, Present: true, Data: e.pkt.Data()}
			present++
		} else {
			blocks[i] = fec.ErasureBlock{Row: i}
		}
	}
	for j := 0; j < w.n-w.k; j++ {
		if p, ok := g.parity[j]; ok {
			blocks[w.k+j] = fec.ErasureBlock{Row: w.k + j, Present: true, Data: p}
			present++
		} else {
			blocks[w.k+j] = fec.ErasureBlock{Row: w.k + j}
		}
	}
	if present < w.k {
		return nil, pgmerr.Sentinel(pgmerr.FECInsufficient)
	}

	decoded, err := w.codec.DecodeInline(blocks)
	if err != nil {
		return nil, err
	}

	for i := 0; i < w.k; i++ {
		s := sqn.Add(groupSqn, int32(i))
		e := &w.ring[w.idx(s)]
		if e.state == HaveData || e.state == Committed {
			continue
		}
		data := decoded[i].Data
		out, aerr := skb.Allocate(len(data))
		if aerr != nil {
			return nil, aerr
		}
		b, _ := out.Put(len(data))
		copy(b, data)
		out.Sqn = s
		w.cancelTimer(e)
		e.state = HaveData
		e.pkt = out
	}

	var events []Event
	events = append(events, w.advanceCommit()...)
	events = append(events, w.evict()...)
	return events, nil
}

func (w *Window) scheduleBackoff(s sqn.Sqn) {
	delay := time.Duration(w.rnd.Int63n(int64(w.cfg.NakBoIvl) + 1))
	deadline := w.clock.Now().Add(delay)
	e := &w.ring[w.idx(s)]
	e.timer = w.wheel.Schedule(deadline, func(time.Time) { w.onBackoffExpire(s) })
	e.hasTimer = true
}

func (w *Window) onBackoffExpire(s sqn.Sqn) {
	e := &w.ring[w.idx(s)]
	e.hasTimer = false
	if e.state != Lost {
		return
	}
	w.cb.SendNAK(s)
	e.state = WaitNCF
	e.retries = 0
	w.scheduleWaitNCFTimeout(s)
}

func (w *Window) scheduleWaitNCFTimeout(s sqn.Sqn) {
	deadline := w.clock.Now().Add(w.cfg.NakRdataIvl)
	e := &w.ring[w.idx(s)]
	e.timer = w.wheel.Schedule(deadline, func(time.Time) { w.onWaitNCFTimeout(s) })
	e.hasTimer = true
}

func (w *Window) onWaitNCFTimeout(s sqn.Sqn) {
	e := &w.ring[w.idx(s)]
	e.hasTimer = false
	if e.state != WaitNCF {
		return
	}
	if e.retries < w.cfg.NakNcfRetries {
		e.retries++
		w.cb.SendNAK(s)
		w.scheduleWaitNCFTimeout(s)
		return
	}
	w.exhaust(s)
}

func (w *Window) scheduleWaitDataTimeout(s sqn.Sqn) {
	deadline := w.clock.Now().Add(w.cfg.NakRptIvl)
	e := &w.ring[w.idx(s)]
	e.timer = w.wheel.Schedule(deadline, func(time.Time) { w.onWaitDataTimeout(s) })
	e.hasTimer = true
}

func (w *Window) onWaitDataTimeout(s sqn.Sqn) {
	e := &w.ring[w.idx(s)]
	e.hasTimer = false
	if e.state != WaitData {
		return
	}
	if e.retries < w.cfg.NakDataRetries {
		e.retries++
		w.cb.SendNAK(s)
		w.scheduleWaitDataTimeout(s)
		return
	}
	w.exhaust(s)
}

// exhaust marks a slot permanently LOST after repair retries are
// spent. With AbortOnReset the caller is expected to tear the peer
// down on observing the RESET event; otherwise commit_lead jumps past
// the gap with a RESET (at once when s is commit_lead, else when
// advanceCommit reaches s) and any slots it cascaded past are
// delivered too.
func (w *Window) exhaust(s sqn.Sqn) {
	e := &w.ring[w.idx(s)]
	e.state = Lost
	e.pkt = nil

	if w.cfg.AbortOnReset {
		w.cb.Deliver(Event{Kind: EventReset, FirstSqn: s, LastSqn: s})
		return
	}
	if s != w.commitLead {
		return
	}
	for _, evt := range w.releasePastGap(s) {
		w.cb.Deliver(evt)
	}
	for _, evt := range w.advanceCommit() {
		w.cb.Deliver(evt)
	}
}

// releasePastGap advances commit past a permanently-lost slot at s
// (s == commitLead) and returns the RESET event marking the loss.
func (w *Window) releasePastGap(s sqn.Sqn) []Event {
	if s != w.commitLead {
		return nil
	}
	w.commitLead++
	w.commitTrail = w.commitLead
	return []Event{{Kind: EventReset, FirstSqn: s, LastSqn: s}}
}

// advanceCommit releases contiguous HAVE_DATA slots from commitLead
// forward: single TSDUs release immediately, fragmented APDUs release
// once every fragment's byte range covers [0, apdu_length). A LOST slot
// with no repair timer pending is skipped with a RESET event (unless
// AbortOnReset is set).
func (w *Window) advanceCommit() []Event {
	var events []Event
	for sqn.LessEqual(w.commitLead, w.lead) {
		e := &w.ring[w.idx(w.commitLead)]
		if e.state == Lost && !e.hasTimer && !w.cfg.AbortOnReset {
			// repairs exhausted (or ruled out by SPM): skip it with a RESET
			events = append(events, w.releasePastGap(w.commitLead)...)
			continue
		}
		if e.state != HaveData {
			break
		}
		pkt := e.pkt

		if pkt.Fragment == nil {
			events = append(events, Event{
				Kind:     EventData,
				Data:     append([]byte(nil), pkt.Data()...),
				FirstSqn: w.commitLead,
				LastSqn:  w.commitLead,
			})
			e.state = Committed
			w.commitLead++
			w.commitTrail = w.commitLead
			continue
		}

		apduFirst := pkt.Fragment.APDUFirstSqn
		apduLen := pkt.Fragment.APDULength
		var buf []byte
		var covered uint32
		var fragSqns []sqn.Sqn
		complete := false

		for cursor := apduFirst; sqn.LessEqual(cursor, w.lead); cursor++ {
			ce := &w.ring[w.idx(cursor)]
			if ce.state != HaveData || ce.pkt == nil || ce.pkt.Fragment == nil || ce.pkt.Fragment.APDUFirstSqn != apduFirst {
				break
			}
			frag := ce.pkt.Fragment
			if frag.FragOffset != covered {
				break
			}
			buf = append(buf, ce.pkt.Data()...)
			covered += uint32(len(ce.pkt.Data()))
			fragSqns = append(fragSqns, cursor)
			if covered >= apduLen {
				complete = true
				break
			}
		}

		if !complete {
			break
		}
		last := fragSqns[len(fragSqns)-1]
		events = append(events, Event{Kind: EventData, Data: buf, FirstSqn: apduFirst, LastSqn: last})
		for _, fs := range fragSqns {
			w.ring[w.idx(fs)].state = Committed
		}
		w.commitLead = last + 1
		w.commitTrail = w.commitLead
	}
	return events
}

// evict advances trail when the window exceeds capacity, marking any
// evicted un-committed slot's loss with a RESET event.
func (w *Window) evict() []Event {
	var events []Event
	for sqn.Diff(w.lead, w.trail) >= int32(w.capacity) {
		idx := w.idx(w.trail)
		e := &w.ring[idx]
		if e.state != Committed {
			events = append(events, Event{Kind: EventReset, FirstSqn: w.trail, LastSqn: w.trail})
		}
		w.cancelTimer(e)
		*e = slotEntry{}
		w.trail++
		if sqn.Less(w.commitTrail, w.trail) {
			w.commitTrail = w.trail
		}
		if sqn.Less(w.commitLead, w.trail) {
			w.commitLead = w.trail
		}
	}
	return events
}

func (w *Window) cancelTimer(e *slotEntry) {
	if e.hasTimer {
		w.wheel.Cancel(e.timer)
		e.hasTimer = false
	}
}

// Bounds reports the window's (trail, lead), for tests and metrics.
func (w *Window) Bounds() (trail, lead sqn.Sqn) { return w.trail, w.lead }

// CommitBounds reports (commitTrail, commitLead).
func (w *Window) CommitBounds() (commitTrail, commitLead sqn.Sqn) {
	return w.commitTrail, w.commitLead
}

// SlotState reports the state of the slot currently occupying s,
// for tests and metrics.
func (w *Window) SlotState(s sqn.Sqn) SlotState {
	return w.ring[w.idx(s)].state
}
