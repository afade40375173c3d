package pgm

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/rxw"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
	"github.com/MindFy/openpgm/internal/txw"
)

type captureSocket struct {
	sent [][]byte
}

func (c *captureSocket) WriteTo(b []byte) (int, error) {
	c.sent = append(c.sent, append([]byte(nil), b...))
	return len(b), nil
}
func (c *captureSocket) ReadFrom([]byte) (int, error)      { return 0, nil }
func (c *captureSocket) SetReadDeadline(time.Time) error    { return nil }
func (c *captureSocket) drain() [][]byte {
	out := c.sent
	c.sent = nil
	return out
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func baseConfig(gsi byte, port uint16) Config {
	return Config{
		GSI:        [6]byte{gsi},
		SourcePort: port,
		DestPort:   7500,
		TPDU:       1024,
		TXW:        txw.Config{Sqns: 64},
		RXW: rxw.Config{
			Sqns:           64,
			NakBoIvl:       10 * time.Millisecond,
			NakRptIvl:      20 * time.Millisecond,
			NakRdataIvl:    20 * time.Millisecond,
			NakDataRetries: 2,
			NakNcfRetries:  2,
		},
		RateBytesPerSec: 1 << 20,
		SpmAmbientIvl:   time.Second,
		PeerExpiry:      10 * time.Second,
	}
}

func TestSend_SingleTSDU_NoFragment(t *testing.T) {
	sock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	tr, err := newTransport(baseConfig(1, 1000), sock, 0, clk)
	require.NoError(t, err)

	require.NoError(t, tr.Send([]byte("hello")))
	sent := sock.drain()
	require.Len(t, sent, 1)

	parsed, err := Parse(sent[0])
	require.NoError(t, err)
	data := parsed.(*Data)
	assert.Equal(t, sqn.Sqn(0), data.Sqn)
	assert.Nil(t, data.Fragment)
	assert.Equal(t, []byte("hello"), data.Payload)
}

func TestSend_FragmentsLargeAPDU(t *testing.T) {
	sock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	cfg := baseConfig(1, 1000)
	cfg.TPDU = minTPDUIPv4
	tr, err := newTransport(cfg, sock, 0, clk)
	require.NoError(t, err)

	apdu := bytes.Repeat([]byte("x"), 2*minTPDUIPv4+5) // 3 fragments: tpdu, tpdu, 5 bytes
	require.NoError(t, tr.Send(apdu))
	sent := sock.drain()
	require.Len(t, sent, 3)

	var reassembled []byte
	for i, raw := range sent {
		parsed, err := Parse(raw)
		require.NoError(t, err)
		data := parsed.(*Data)
		require.NotNil(t, data.Fragment)
		assert.Equal(t, sqn.Sqn(0), data.Fragment.APDUFirstSqn)
		assert.Equal(t, uint32(len(apdu)), data.Fragment.APDULength)
		assert.Equal(t, sqn.Sqn(i), data.Sqn)
		reassembled = append(reassembled, data.Payload...)
	}
	assert.Equal(t, apdu, reassembled)
}

// TestEndToEnd_InOrder is an engine-level version of scenario S1: every
// ODATA a sender transport emits is delivered to a receiver transport
// in order, with no NAKs.
func TestEndToEnd_InOrder(t *testing.T) {
	senderSock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	sender, err := newTransport(baseConfig(1, 1000), senderSock, 0, clk)
	require.NoError(t, err)

	var delivered [][]byte
	rcfg := baseConfig(2, 2000)
	rcfg.OnData = func(_ skb.TSI, data []byte) { delivered = append(delivered, append([]byte(nil), data...)) }
	receiverSock := &captureSocket{}
	receiver, err := newTransport(rcfg, receiverSock, 0, clk)
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, sender.Send([]byte(msg)))
	}
	for _, raw := range senderSock.drain() {
		receiver.dispatch(raw)
	}

	require.Len(t, delivered, 3)
	assert.Equal(t, "one", string(delivered[0]))
	assert.Equal(t, "two", string(delivered[1]))
	assert.Equal(t, "three", string(delivered[2]))
	assert.Empty(t, receiverSock.sent) // no NAKs needed
}

// TestEndToEnd_GapTriggersNAKThenRepair is an engine-level version of
// scenario S2: a dropped ODATA provokes a NAK, the source answers with
// an NCF then an RDATA, and delivery resumes in order.
func TestEndToEnd_GapTriggersNAKThenRepair(t *testing.T) {
	senderSock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	sender, err := newTransport(baseConfig(1, 1000), senderSock, 0, clk)
	require.NoError(t, err)

	var delivered [][]byte
	rcfg := baseConfig(2, 2000)
	rcfg.OnData = func(_ skb.TSI, data []byte) { delivered = append(delivered, append([]byte(nil), data...)) }
	receiverSock := &captureSocket{}
	receiver, err := newTransport(rcfg, receiverSock, 0, clk)
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, sender.Send([]byte(msg)))
	}
	odata := senderSock.drain()
	require.Len(t, odata, 3)

	// "two" (sqn 1) is lost in transit.
	receiver.dispatch(odata[0])
	receiver.dispatch(odata[2])
	require.Len(t, delivered, 1) // only "one" released so far

	// fire the receive window's backoff timer, producing a NAK.
	clk.now = clk.now.Add(50 * time.Millisecond)
	receiver.wheel.Fire(clk.now)
	naks := receiverSock.drain()
	require.Len(t, naks, 1)

	sender.dispatch(naks[0])
	repair := senderSock.drain()
	require.Len(t, repair, 2) // NCF then RDATA

	receiver.dispatch(repair[0]) // NCF
	receiver.dispatch(repair[1]) // RDATA

	require.Len(t, delivered, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{string(delivered[0]), string(delivered[1]), string(delivered[2])})
}

// TestEndToEnd_AbortOnResetTearsDownPeer checks that when a peer's
// receive window is configured with AbortOnReset and a gap becomes
// unrecoverable, the peer table entry is discarded along with the
// EventReset delivery -- not just the in-window state -- so a later
// packet from the same TSI starts a fresh window rather than feeding
// the exhausted one.
func TestEndToEnd_AbortOnResetTearsDownPeer(t *testing.T) {
	senderSock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	sender, err := newTransport(baseConfig(1, 1000), senderSock, 0, clk)
	require.NoError(t, err)

	var delivered [][]byte
	var resets int
	rcfg := baseConfig(2, 2000)
	rcfg.RXW.AbortOnReset = true
	rcfg.RXW.NakNcfRetries = 0
	rcfg.OnData = func(_ skb.TSI, data []byte) { delivered = append(delivered, append([]byte(nil), data...)) }
	rcfg.OnReset = func(skb.TSI, sqn.Sqn, sqn.Sqn) { resets++ }
	receiverSock := &captureSocket{}
	receiver, err := newTransport(rcfg, receiverSock, 0, clk)
	require.NoError(t, err)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, sender.Send([]byte(msg)))
	}
	odata := senderSock.drain()
	require.Len(t, odata, 3)

	// "two" (sqn 1) is lost and never repaired: the NAK this produces
	// is deliberately never forwarded to the sender.
	receiver.dispatch(odata[0])
	receiver.dispatch(odata[2])
	require.Len(t, delivered, 1)
	require.Equal(t, 1, receiver.peers.Len())

	clk.now = clk.now.Add(50 * time.Millisecond)
	receiver.wheel.Fire(clk.now) // backoff expires, NAK sent (dropped by the test)
	receiverSock.drain()

	clk.now = clk.now.Add(50 * time.Millisecond)
	receiver.wheel.Fire(clk.now) // WAIT_NCF times out with zero retries: exhaust

	assert.Equal(t, 1, resets)
	assert.Equal(t, 0, receiver.peers.Len())

	// a later packet from the same TSI starts a fresh window rather
	// than feeding the torn-down one.
	require.NoError(t, sender.Send([]byte("four")))
	four := senderSock.drain()
	require.Len(t, four, 1)
	receiver.dispatch(four[0])
	require.Equal(t, 1, receiver.peers.Len())
	require.Len(t, delivered, 2)
	assert.Equal(t, "four", string(delivered[1]))
}

// TestSend_NonblockingReturnsWouldBlock is scenario S6: with
// Nonblocking set and the bucket exhausted, Send surfaces WOULDBLOCK
// rather than sleeping.
func TestSend_NonblockingReturnsWouldBlock(t *testing.T) {
	sock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	cfg := baseConfig(1, 1000)
	cfg.Nonblocking = true
	cfg.RateBytesPerSec = int64(cfg.TPDU) // one TSDU's worth per second
	tr, err := newTransport(cfg, sock, 0, clk)
	require.NoError(t, err)

	// 16-byte header + 8-byte ODATA body + 1000-byte payload is exactly
	// the 1024-token bucket, so the first send drains it.
	require.NoError(t, tr.Send(bytes.Repeat([]byte("x"), cfg.TPDU-headerLen-8)))

	err = tr.Send([]byte("second send should not fit"))
	require.Error(t, err)
	assert.True(t, pgmerr.Is(err, pgmerr.WouldBlock))
}

// TestDefaultSpmHeartbeatSchedule_IsGeometricAndBoundedByAmbient checks
// the default schedule derivation used when a Config leaves
// SpmHeartbeatSchedule unset: strictly increasing, every step below
// the ambient interval it hands off to.
func TestDefaultSpmHeartbeatSchedule_IsGeometricAndBoundedByAmbient(t *testing.T) {
	sched := defaultSpmHeartbeatSchedule(time.Second)
	require.NotEmpty(t, sched)
	for i, step := range sched {
		assert.Less(t, step, time.Second)
		if i > 0 {
			assert.Greater(t, step, sched[i-1])
		}
	}
}

// TestTriggerHeartbeatSPM_FiresExtraSPMsAfterBurst checks that an
// ODATA burst arms a back-off chain of extra SPMs distinct from (and
// faster than) the flat ambient SPM interval. The ambient interval is
// set far beyond the custom schedule's span so it can't fire within
// the test window and confound the count.
func TestTriggerHeartbeatSPM_FiresExtraSPMsAfterBurst(t *testing.T) {
	sock := &captureSocket{}
	clk := &fakeClock{now: time.Unix(0, 0)}
	cfg := baseConfig(1, 1000)
	cfg.SpmAmbientIvl = time.Hour
	cfg.SpmHeartbeatSchedule = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	tr, err := newTransport(cfg, sock, 0, clk)
	require.NoError(t, err)

	require.NoError(t, tr.Send([]byte("burst")))
	sock.drain() // discard the ODATA itself

	var spmsSeen int
	for _, step := range cfg.SpmHeartbeatSchedule {
		clk.now = clk.now.Add(step)
		tr.wheel.Fire(clk.now)
		for _, raw := range sock.drain() {
			parsed, err := Parse(raw)
			require.NoError(t, err)
			if _, ok := parsed.(*SPM); ok {
				spmsSeen++
			}
		}
	}
	assert.Equal(t, len(cfg.SpmHeartbeatSchedule), spmsSeen)

	// a second burst restarts the chain rather than piling timers up.
	require.NoError(t, tr.Send([]byte("second burst")))
	sock.drain()
	clk.now = clk.now.Add(cfg.SpmHeartbeatSchedule[0])
	tr.wheel.Fire(clk.now)
	var secondBurstSPMs int
	for _, raw := range sock.drain() {
		if parsed, err := Parse(raw); err == nil {
			if _, ok := parsed.(*SPM); ok {
				secondBurstSPMs++
			}
		}
	}
	assert.Equal(t, 1, secondBurstSPMs)
}
