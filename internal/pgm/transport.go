package pgm

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/MindFy/openpgm/internal/peer"
	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/ratecontrol"
	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
	"github.com/MindFy/openpgm/internal/timerwheel"
	"github.com/MindFy/openpgm/internal/txw"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Transport is the root protocol engine: it owns the local send
// window, the table of peers being received from, the shared timer
// wheel, and the rate regulator every outbound byte passes through.
// One Transport serves one (source_port, dest_port, GSI) identity on
// one bound Socket.
type Transport struct {
	cfg   Config
	sock  Socket
	clock Clock
	log   *log.Logger

	txw   *txw.Window
	rate  *ratecontrol.Bucket
	wheel *timerwheel.Wheel
	peers *peer.Table

	spmSqn          sqn.Sqn
	heartbeatHandle timerwheel.Handle
}

// New constructs a Transport bound to sock. txwInitialSqn seeds the
// local transmit window's first assigned sequence number (0 for a
// fresh source, matching spec.md's "SPM advertises sqn 0 as the first
// valid data sqn" convention).
func New(cfg Config, sock Socket, txwInitialSqn sqn.Sqn) (*Transport, error) {
	return newTransport(cfg, sock, txwInitialSqn, realClock{})
}

func newTransport(cfg Config, sock Socket, txwInitialSqn sqn.Sqn, clock Clock) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SpmHeartbeatSchedule == nil {
		cfg.SpmHeartbeatSchedule = defaultSpmHeartbeatSchedule(cfg.SpmAmbientIvl)
	}
	w, err := txw.New(txwInitialSqn, cfg.TXW)
	if err != nil {
		return nil, err
	}
	rate, err := ratecontrol.New(cfg.RateBytesPerSec, cfg.IPHdrOverhead)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	t := &Transport{
		cfg:   cfg,
		sock:  sock,
		clock: clock,
		log:   logger,
		txw:   w,
		rate:  rate,
		wheel: timerwheel.New(),
		peers: peer.NewWithClock(cfg.PeerExpiry, clock),
	}
	t.scheduleAmbientSPM()
	t.schedulePeerExpiry()
	return t, nil
}

func (t *Transport) localTSI() skb.TSI {
	var tsi skb.TSI
	copy(tsi[:6], t.cfg.GSI[:])
	tsi[6] = byte(t.cfg.SourcePort >> 8)
	tsi[7] = byte(t.cfg.SourcePort)
	return tsi
}

func (t *Transport) localHeader() Header {
	return Header{SourcePort: t.cfg.SourcePort, DestPort: t.cfg.DestPort, GSI: t.cfg.GSI}
}

// Send fragments apdu into TPDU-sized TSDUs as needed, assigns each a
// sequence number from the transmit window, admits each through the
// rate regulator, and writes the resulting ODATA packets to the
// socket. Proactive parity, if configured, is generated and
// transmitted as each transmission group closes.
func (t *Transport) Send(apdu []byte) error {
	if len(apdu) == 0 {
		return pgmerr.New(pgmerr.InvalidParams, "cannot send an empty apdu")
	}
	n := (len(apdu) + t.cfg.TPDU - 1) / t.cfg.TPDU
	multi := n > 1

	_, lead := t.txw.Bounds()
	firstSqn := lead + 1

	for i := 0; i < n; i++ {
		start := i * t.cfg.TPDU
		end := start + t.cfg.TPDU
		if end > len(apdu) {
			end = len(apdu)
		}
		piece := apdu[start:end]

		pkt, err := skb.Allocate(len(piece))
		if err != nil {
			return err
		}
		b, err := pkt.Put(len(piece))
		if err != nil {
			return err
		}
		copy(b, piece)
		if multi {
			pkt.Fragment = &skb.FragmentOption{
				APDUFirstSqn: firstSqn,
				FragOffset:   uint32(start),
				APDULength:   uint32(len(apdu)),
			}
		}

		assigned, err := t.txw.Add(pkt)
		if err != nil {
			return err
		}
		if err := t.sendODATA(assigned, pkt); err != nil {
			return err
		}
		t.cfg.Metrics.IncODataSent()

		if t.cfg.TXW.FEC != nil && !t.cfg.TXW.FEC.OnDemand {
			k := t.cfg.TXW.FEC.K
			if uint32(assigned+1)%uint32(k) == 0 {
				groupSqn := sqn.Sqn(uint32(assigned) - uint32(k) + 1)
				if err := t.sendProactiveParity(groupSqn); err != nil {
					return err
				}
			}
		}
	}
	t.triggerHeartbeatSPM()
	return nil
}

func (t *Transport) sendODATA(assigned sqn.Sqn, pkt *skb.SKB) error {
	trail, _ := t.txw.Bounds()

	data := Data{
		Header: t.localHeader(),
		Sqn:    assigned,
		Trail:  trail,
		Payload: pkt.Data(),
	}
	if pkt.Fragment != nil {
		data.Fragment = &Fragment{
			APDUFirstSqn: pkt.Fragment.APDUFirstSqn,
			FragOffset:   pkt.Fragment.FragOffset,
			APDULength:   pkt.Fragment.APDULength,
		}
	}
	if t.cfg.TXW.FEC != nil {
		k := t.cfg.TXW.FEC.K
		groupSqn := sqn.Sqn(uint32(assigned) - uint32(assigned)%uint32(k))
		data.Parity = &Parity{
			Proactive:    !t.cfg.TXW.FEC.OnDemand,
			OnDemand:     t.cfg.TXW.FEC.OnDemand,
			GroupSqn:     groupSqn,
			HasGroupSqn:  true,
			CurTgsize:    uint32(k),
			HasCurTgsize: true,
		}
	}
	buf, err := EncodeData(TypeODATA, data)
	if err != nil {
		return err
	}
	return t.admitAndSend(buf)
}

func (t *Transport) sendProactiveParity(groupSqn sqn.Sqn) error {
	h := t.cfg.TXW.FEC.ProactiveH
	k := t.cfg.TXW.FEC.K
	trail, _ := t.txw.Bounds()
	for j := 0; j < h; j++ {
		pkt, err := t.txw.RetransmitParity(groupSqn, j)
		if err != nil {
			return err
		}
		data := Data{
			Header: t.localHeader(),
			Sqn:    pkt.Sqn,
			Trail:  trail,
			Payload: pkt.Data(),
			Parity: &Parity{
				Proactive:    true,
				GroupSqn:     groupSqn,
				HasGroupSqn:  true,
				CurTgsize:    uint32(k),
				HasCurTgsize: true,
			},
		}
		buf, err := EncodeData(TypeRDATA, data)
		if err != nil {
			return err
		}
		if err := t.admitAndSend(buf); err != nil {
			return err
		}
		t.cfg.Metrics.IncParitySent()
	}
	return nil
}

func (t *Transport) admitAndSend(buf []byte) error {
	var flags ratecontrol.Flags
	if t.cfg.Nonblocking {
		flags |= ratecontrol.DontWait
	}
	if err := t.rate.Check(len(buf), flags); err != nil {
		if pgmerr.Is(err, pgmerr.WouldBlock) {
			t.cfg.Metrics.IncRateWouldBlock()
		}
		return err
	}
	_, err := t.sock.WriteTo(buf)
	return err
}

// Run drives the event loop: it reads packets until ctx is canceled or
// the socket errors, dispatching each to the receiver or sender role
// and firing due timers (SPM heartbeat, NAK back-off chain, peer
// expiry) between reads.
func (t *Transport) Run(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deadline, ok := t.wheel.NextDeadline()
		if !ok {
			deadline = t.clock.Now().Add(time.Second)
		}
		if err := t.sock.SetReadDeadline(deadline); err != nil {
			return err
		}

		n, err := t.sock.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.wheel.Fire(t.clock.Now())
				continue
			}
			return err
		}
		t.dispatch(buf[:n])
		t.wheel.Fire(t.clock.Now())
	}
}

func (t *Transport) dispatch(raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		t.log.Debug("dropping malformed packet", "err", err)
		t.cfg.Metrics.IncDropped(dropReason(err))
		return
	}
	switch m := msg.(type) {
	case *SPM:
		t.onSPM(m)
	case *Data:
		t.onData(m)
	case *NAK:
		switch m.Header.Type {
		case TypeNAK:
			t.onNAK(m)
		case TypeNCF:
			t.onNCF(m)
		}
	case *Poll:
		t.onPoll(m)
	case *Polr:
		t.log.Debug("received POLR", "sqn", m.Sqn)
	}
}

// dropReason classifies a packet-level parse error into a metrics
// label, matching the PARSE_BAD_* taxonomy in the spec's error design.
func dropReason(err error) string {
	switch {
	case pgmerr.Is(err, pgmerr.ParseBadChecksum):
		return "bad_checksum"
	case pgmerr.Is(err, pgmerr.ParseBadOpt):
		return "bad_opt"
	case pgmerr.Is(err, pgmerr.ParseBadLength):
		return "bad_length"
	case pgmerr.Is(err, pgmerr.ParseBadType):
		return "bad_type"
	default:
		return "other"
	}
}

func (t *Transport) deliver(tsi skb.TSI, evt rxw.Event) {
	switch evt.Kind {
	case rxw.EventData:
		if t.cfg.OnData != nil {
			t.cfg.OnData(tsi, evt.Data)
		}
	case rxw.EventReset:
		if t.cfg.OnReset != nil {
			t.cfg.OnReset(tsi, evt.FirstSqn, evt.LastSqn)
		}
		if t.cfg.RXW.AbortOnReset {
			// rxw.Window.exhaust's own contract: with AbortOnReset, the
			// caller tears the peer down on observing RESET rather than
			// leaving its exhausted window in place for the next packet
			// from the same TSI to feed into.
			t.peers.Remove(tsi)
			t.cfg.Metrics.SetPeerCount(t.peers.Len())
		}
	}
}
