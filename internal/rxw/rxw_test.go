package rxw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/MindFy/openpgm/internal/fec"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
	"github.com/MindFy/openpgm/internal/timerwheel"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time         { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

type fakeCallbacks struct {
	naks      []sqn.Sqn
	delivered []Event
}

func (f *fakeCallbacks) SendNAK(s sqn.Sqn) { f.naks = append(f.naks, s) }
func (f *fakeCallbacks) Deliver(evt Event) { f.delivered = append(f.delivered, evt) }

func testConfig(sqns uint32) Config {
	return Config{
		Sqns:           sqns,
		NakBoIvl:       100 * time.Millisecond,
		NakRptIvl:      200 * time.Millisecond,
		NakRdataIvl:    200 * time.Millisecond,
		NakDataRetries: 2,
		NakNcfRetries:  2,
	}
}

func odata(s sqn.Sqn, payload string) *skb.SKB {
	p, err := skb.Allocate(len(payload))
	if err != nil {
		panic(err)
	}
	b, err := p.Put(len(payload))
	if err != nil {
		panic(err)
	}
	copy(b, payload)
	p.Sqn = s
	return p
}

// TestS1_InOrderNoLoss is scenario S1: ten in-order singleton TSDUs
// release immediately with no NAKs.
func TestS1_InOrderNoLoss(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	cb := &fakeCallbacks{}
	w, err := NewWithClock(0, testConfig(32), timerwheel.New(), cb, clk)
	require.NoError(t, err)

	var released []Event
	for i := sqn.Sqn(0); i < 10; i++ {
		evts, err := w.OnODATA(odata(i, "x"))
		require.NoError(t, err)
		released = append(released, evts...)
	}

	require.Len(t, released, 10)
	for i, evt := range released {
		assert.Equal(t, sqn.Sqn(i), evt.FirstSqn)
		assert.Equal(t, EventData, evt.Kind)
	}
	assert.Empty(t, cb.naks)
}

// TestS2_GapTriggersNAKThenRepair is scenario S2: sqns 3 and 4 are
// dropped; the window schedules a NAK backoff, fires NAKs, then
// repairs via NCF->WAIT_DATA->RDATA and releases in order.
func TestS2_GapTriggersNAKThenRepair(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	wheel := timerwheel.New()
	cb := &fakeCallbacks{}
	w, err := NewWithClock(0, testConfig(32), wheel, cb, clk)
	require.NoError(t, err)

	for _, i := range []sqn.Sqn{0, 1, 2} {
		evts, err := w.OnODATA(odata(i, "x"))
		require.NoError(t, err)
		assert.Len(t, evts, 1)
	}

	// 5 arrives, opening a gap at 3,4.
	evts, err := w.OnODATA(odata(5, "x"))
	require.NoError(t, err)
	assert.Empty(t, evts) // blocked behind the gap
	assert.Equal(t, Lost, w.SlotState(3))
	assert.Equal(t, Lost, w.SlotState(4))

	// fire the backoff timers.
	clk.advance(200 * time.Millisecond)
	wheel.Fire(clk.now)
	assert.ElementsMatch(t, []sqn.Sqn{3, 4}, cb.naks)
	assert.Equal(t, WaitNCF, w.SlotState(3))
	assert.Equal(t, WaitNCF, w.SlotState(4))

	w.OnNCF(3)
	w.OnNCF(4)
	assert.Equal(t, WaitData, w.SlotState(3))
	assert.Equal(t, WaitData, w.SlotState(4))

	evts, err = w.OnRDATA(odata(3, "x"))
	require.NoError(t, err)
	// 3 is next in order and releases at once; 5 still waits on 4.
	require.Len(t, evts, 1)
	assert.Equal(t, sqn.Sqn(3), evts[0].FirstSqn)

	evts, err = w.OnRDATA(odata(4, "x"))
	require.NoError(t, err)
	// releases 4,5 now that the gap is closed.
	require.Len(t, evts, 2)
	assert.Equal(t, sqn.Sqn(4), evts[0].FirstSqn)
	assert.Equal(t, sqn.Sqn(5), evts[1].FirstSqn)
}

func TestFragmentedAPDUReleasesOnlyWhenComplete(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	cb := &fakeCallbacks{}
	w, err := NewWithClock(0, testConfig(32), timerwheel.New(), cb, clk)
	require.NoError(t, err)

	p0 := odata(0, "hello")
	p0.Fragment = &skb.FragmentOption{APDUFirstSqn: 0, FragOffset: 0, APDULength: 10}
	evts, err := w.OnODATA(p0)
	require.NoError(t, err)
	assert.Empty(t, evts)

	p1 := odata(1, "world")
	p1.Fragment = &skb.FragmentOption{APDUFirstSqn: 0, FragOffset: 5, APDULength: 10}
	evts, err = w.OnODATA(p1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "helloworld", string(evts[0].Data))
	assert.Equal(t, sqn.Sqn(0), evts[0].FirstSqn)
	assert.Equal(t, sqn.Sqn(1), evts[0].LastSqn)
}

func TestNAKExhaustionSkipsGapAndDeliversReset(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	wheel := timerwheel.New()
	cb := &fakeCallbacks{}
	cfg := testConfig(32)
	cfg.NakNcfRetries = 0
	w, err := NewWithClock(0, cfg, wheel, cb, clk)
	require.NoError(t, err)

	_, err = w.OnODATA(odata(2, "x")) // opens gap at 0,1
	require.NoError(t, err)

	clk.advance(200 * time.Millisecond)
	wheel.Fire(clk.now) // backoff fires -> WAIT_NCF, NAK sent
	clk.advance(300 * time.Millisecond)
	wheel.Fire(clk.now) // WAIT_NCF timeout with 0 retries -> exhausted

	require.NotEmpty(t, cb.delivered)
	assert.Equal(t, EventReset, cb.delivered[0].Kind)
	ct, cl := w.CommitBounds()
	assert.True(t, sqn.LessEqual(ct, cl))
}

func TestOnSPMAdvancesUnrecoverableGap(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	wheel := timerwheel.New()
	cb := &fakeCallbacks{}
	w, err := NewWithClock(0, testConfig(32), wheel, cb, clk)
	require.NoError(t, err)

	_, err = w.OnODATA(odata(3, "x")) // gap at 0,1,2
	require.NoError(t, err)

	evts := w.OnSPM(2)
	require.NotEmpty(t, evts)
	assert.Equal(t, EventReset, evts[0].Kind)
	assert.Equal(t, Lost, w.SlotState(0))
	assert.Equal(t, Lost, w.SlotState(1))
}

func TestParityReconstructsMissingData(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	cb := &fakeCallbacks{}
	w, err := NewWithClock(0, Config{
		Sqns:           32,
		FEC:            &FECConfig{N: 6, K: 4},
		NakBoIvl:       100 * time.Millisecond,
		NakRptIvl:      200 * time.Millisecond,
		NakRdataIvl:    200 * time.Millisecond,
		NakDataRetries: 2,
		NakNcfRetries:  2,
	}, timerwheel.New(), cb, clk)
	require.NoError(t, err)

	blocks := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc"), []byte("dddd")}

	codec, err := fec.NewCodec(6, 4)
	require.NoError(t, err)
	p0, err := codec.EncodeParity(blocks, 0)
	require.NoError(t, err)

	// only blocks 0,1,3 arrive; 2 is missing.
	_, err = w.OnODATA(odata(0, string(blocks[0])))
	require.NoError(t, err)
	evts, err := w.OnODATA(odata(1, string(blocks[1])))
	require.NoError(t, err)
	assert.Len(t, evts, 1) // sqn 0 was released by its own arrival

	evts, err = w.OnParityRDATA(0, 0, p0)
	require.NoError(t, err)
	assert.Empty(t, evts) // still missing sqn 3, so nothing new releases yet

	evts, err = w.OnODATA(odata(3, string(blocks[3])))
	require.NoError(t, err)
	require.Len(t, evts, 2) // releases reconstructed sqn 2 then sqn 3
	assert.Equal(t, "cccc", string(evts[0].Data))
	assert.Equal(t, "dddd", string(evts[1].Data))
}

// TestProperty_ReleaseIsStrictlyIncreasing is the spec's property 2:
// released sqns form a strictly increasing prefix regardless of
// arrival order.
func TestProperty_ReleaseIsStrictlyIncreasing(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clk := &fakeClock{now: time.Unix(0, 0)}
		cb := &fakeCallbacks{}
		w, err := NewWithClock(0, testConfig(64), timerwheel.New(), cb, clk)
		assert.NoError(rt, err)

		n := rapid.IntRange(1, 40).Draw(rt, "n")
		idxs := make([]int, n)
		for i := range idxs {
			idxs[i] = i
		}
		perm := rapid.Permutation(idxs).Draw(rt, "perm")

		var released []sqn.Sqn
		for _, i := range perm {
			evts, err := w.OnODATA(odata(sqn.Sqn(i), "x"))
			assert.NoError(rt, err)
			for _, e := range evts {
				released = append(released, e.FirstSqn)
			}
		}

		for i := 1; i < len(released); i++ {
			assert.True(rt, sqn.Less(released[i-1], released[i]))
		}
	})
}
