package pgm

import (
	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
)

// rxwCallbacks adapts one peer's receive window to the transport: NAK
// requests are encoded and sent on the wire, and releases/resets are
// forwarded to the caller's OnData/OnReset hooks.
type rxwCallbacks struct {
	t   *Transport
	tsi skb.TSI
}

func (c *rxwCallbacks) SendNAK(s sqn.Sqn) {
	m := NAK{
		Header:    c.t.localHeader(),
		Sqn:       s,
		SourceNLA: c.t.cfg.NLA,
		GroupNLA:  c.t.cfg.GroupNLA,
	}
	// NAKs address the original source, whose TSI we're keyed on here,
	// not ours; stamp the header's GSI/port with the peer's identity.
	m.Header.GSI = [6]byte{}
	copy(m.Header.GSI[:], c.tsi[:6])
	m.Header.SourcePort = uint16(c.tsi[6])<<8 | uint16(c.tsi[7])
	m.Header.DestPort = c.t.cfg.DestPort

	buf, err := EncodeNAK(m)
	if err != nil {
		c.t.log.Warn("failed to encode NAK", "sqn", s, "err", err)
		return
	}
	if err := c.t.admitAndSend(buf); err != nil {
		c.t.log.Warn("failed to send NAK", "sqn", s, "err", err)
		return
	}
	c.t.cfg.Metrics.IncNAKsSent()
}

func (c *rxwCallbacks) Deliver(evt rxw.Event) {
	c.t.deliver(c.tsi, evt)
}

func (t *Transport) getOrCreatePeer(tsi skb.TSI, initialSqn sqn.Sqn) *rxw.Window {
	p, created := t.peers.GetOrCreate(tsi, func() *rxw.Window {
		w, err := rxw.NewWithClock(initialSqn, t.cfg.RXW, t.wheel, &rxwCallbacks{t: t, tsi: tsi}, t.clock)
		if err != nil {
			// Config was already validated against cfg.RXW at Transport
			// construction; a peer window can only fail to construct
			// here if that validation was bypassed, which is a
			// programmer error, not a runtime condition to recover from.
			panic(err)
		}
		return w
	})
	if created {
		t.cfg.Metrics.SetPeerCount(t.peers.Len())
	}
	t.peers.Touch(tsi)
	return p.RXW
}

func (t *Transport) onData(m *Data) {
	tsi := m.Header.TSI()
	if tsi == t.localTSI() {
		return // self-NAK suppression: never receive our own traffic
	}

	// Data packets carry OPT_PARITY_GRP too; only sqns at group+k and
	// beyond address parity blocks.
	if m.Parity != nil && m.Parity.HasGroupSqn && t.cfg.RXW.FEC != nil &&
		int(sqn.Diff(m.Sqn, m.Parity.GroupSqn)) >= t.cfg.RXW.FEC.K {
		k := t.cfg.RXW.FEC.K
		parityIndex := int(sqn.Diff(m.Sqn, m.Parity.GroupSqn)) - k
		w := t.getOrCreatePeer(tsi, m.Parity.GroupSqn)
		events, err := w.OnParityRDATA(m.Parity.GroupSqn, parityIndex, m.Payload)
		if err != nil {
			t.log.Debug("parity repair incomplete", "group_sqn", m.Parity.GroupSqn, "err", err)
			return
		}
		for _, e := range events {
			t.deliver(tsi, e)
		}
		return
	}

	pkt, err := skb.Allocate(len(m.Payload))
	if err != nil {
		t.log.Warn("failed to allocate for inbound data", "err", err)
		return
	}
	b, _ := pkt.Put(len(m.Payload))
	copy(b, m.Payload)
	pkt.Sqn = m.Sqn
	pkt.TSI = tsi
	if m.Fragment != nil {
		pkt.Fragment = &skb.FragmentOption{
			APDUFirstSqn: m.Fragment.APDUFirstSqn,
			FragOffset:   m.Fragment.FragOffset,
			APDULength:   m.Fragment.APDULength,
		}
	}

	w := t.getOrCreatePeer(tsi, m.Sqn)
	var events []rxw.Event
	if m.Header.Type == TypeODATA {
		events, err = w.OnODATA(pkt)
	} else {
		events, err = w.OnRDATA(pkt)
	}
	if err != nil {
		t.log.Debug("rxw rejected packet", "sqn", m.Sqn, "err", err)
		return
	}
	for _, e := range events {
		t.deliver(tsi, e)
	}
}

func (t *Transport) onSPM(m *SPM) {
	tsi := m.Header.TSI()
	if tsi == t.localTSI() {
		return
	}
	w := t.getOrCreatePeer(tsi, m.Trail)
	if p, ok := t.peers.Get(tsi); ok {
		p.SourceNLA = []byte(m.NLA)
		p.ObservedSPMSqn = m.Sqn
	}
	for _, e := range w.OnSPM(m.Trail) {
		t.deliver(tsi, e)
	}
}

// onNAK handles a repair request for data this transport sent: it
// confirms with an NCF and retransmits the requested sqn from the
// transmit window as RDATA. A NAK is not told apart as a parity
// request, so parity blocks are never retransmitted from here.
func (t *Transport) onNAK(m *NAK) {
	if m.Header.TSI() != t.localTSI() {
		return // not naming our data
	}

	ncf := NAK{Header: t.localHeader(), Sqn: m.Sqn, SourceNLA: t.cfg.NLA, GroupNLA: t.cfg.GroupNLA}
	if buf, err := EncodeNCF(ncf); err == nil {
		if err := t.admitAndSend(buf); err != nil {
			t.log.Warn("failed to send NCF", "sqn", m.Sqn, "err", err)
		}
	}

	pkt, err := t.txw.Retransmit(m.Sqn)
	if err != nil {
		t.log.Debug("cannot repair requested sqn", "sqn", m.Sqn, "err", err)
		return
	}
	if err := t.sendRDATA(m.Sqn, pkt); err != nil {
		t.log.Warn("failed to send RDATA", "sqn", m.Sqn, "err", err)
		return
	}
	t.cfg.Metrics.IncRDataSent()
}

func (t *Transport) sendRDATA(assigned sqn.Sqn, pkt *skb.SKB) error {
	trail, _ := t.txw.Bounds()
	data := Data{Header: t.localHeader(), Sqn: assigned, Trail: trail, Payload: pkt.Data()}
	if pkt.Fragment != nil {
		data.Fragment = &Fragment{
			APDUFirstSqn: pkt.Fragment.APDUFirstSqn,
			FragOffset:   pkt.Fragment.FragOffset,
			APDULength:   pkt.Fragment.APDULength,
		}
	}
	buf, err := EncodeData(TypeRDATA, data)
	if err != nil {
		return err
	}
	return t.admitAndSend(buf)
}

// onNCF confirms an outstanding NAK on the receive side, advancing the
// matching peer's slot from WAIT_NCF to WAIT_DATA.
func (t *Transport) onNCF(m *NAK) {
	tsi := m.Header.TSI()
	if tsi == t.localTSI() {
		return
	}
	if p, ok := t.peers.Get(tsi); ok {
		t.peers.Touch(tsi)
		p.RXW.OnNCF(m.Sqn)
	}
}

// onPoll replies with a POLR and takes no further action: a POLL does
// not change any peer's receive window or NAK back-off state.
func (t *Transport) onPoll(m *Poll) {
	if m.Header.TSI() == t.localTSI() {
		return
	}
	polr := Polr{Header: t.localHeader(), Sqn: m.Sqn, Round: m.Round}
	buf, err := EncodePolr(polr)
	if err != nil {
		return
	}
	if err := t.admitAndSend(buf); err != nil {
		t.log.Warn("failed to send POLR", "sqn", m.Sqn, "err", err)
	}
}
