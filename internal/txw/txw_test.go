package txw

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/MindFy/openpgm/internal/pgmerr"
	"github.com/MindFy/openpgm/internal/skb"
	"github.com/MindFy/openpgm/internal/sqn"
)

func mustAlloc(t require.TestingT, payload string) *skb.SKB {
	s, err := skb.Allocate(len(payload))
	require.NoError(t, err)
	b, err := s.Put(len(payload))
	require.NoError(t, err)
	copy(b, payload)
	return s
}

func TestAddAssignsIncreasingSqn(t *testing.T) {
	w, err := New(0, Config{Sqns: 4})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s, err := w.Add(mustAlloc(t, "x"))
		require.NoError(t, err)
		assert.Equal(t, sqn.Sqn(i), s)
	}
}

func TestRetrieveBoundaries(t *testing.T) {
	w, err := New(0, Config{Sqns: 3})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := w.Add(mustAlloc(t, "x"))
		require.NoError(t, err)
	}
	// capacity 3, 5 adds -> trail should be 2, lead 4
	trail, lead := w.Bounds()
	assert.Equal(t, sqn.Sqn(2), trail)
	assert.Equal(t, sqn.Sqn(4), lead)

	_, err = w.Retrieve(1)
	assert.True(t, pgmerr.Is(err, pgmerr.WindowGone))

	_, err = w.Retrieve(5)
	assert.True(t, pgmerr.Is(err, pgmerr.WindowNxio))

	pkt, err := w.Retrieve(3)
	require.NoError(t, err)
	assert.Equal(t, sqn.Sqn(3), pkt.Sqn)
}

// TestProperty_RetrieveMatchesWindowBounds is the spec's property 1:
// retrieve(s) succeeds iff trail <= s <= lead, signed-32-bit compared.
func TestProperty_RetrieveMatchesWindowBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := uint32(rapid.IntRange(1, 32).Draw(t, "capacity"))
		w, err := New(0, Config{Sqns: capacity})
		require.NoError(t, err)

		adds := rapid.IntRange(0, 64).Draw(t, "adds")
		for i := 0; i < adds; i++ {
			_, err := w.Add(mustAlloc(t, "x"))
			require.NoError(t, err)
		}

		trail, lead := w.Bounds()
		probe := sqn.Sqn(rapid.IntRange(0, 64).Draw(t, "probe"))

		_, err = w.Retrieve(probe)
		inRange := sqn.LessEqual(trail, probe) && sqn.LessEqual(probe, lead)
		if adds == 0 {
			assert.Error(t, err)
			return
		}
		if inRange {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err)
		}
	})
}

func TestRetransmitPreservesFragmentAndDoesNotMutateOriginal(t *testing.T) {
	w, err := New(0, Config{Sqns: 8})
	require.NoError(t, err)

	s := mustAlloc(t, "payload")
	s.Fragment = &skb.FragmentOption{APDUFirstSqn: 0, FragOffset: 0, APDULength: 7}
	_, err = w.Add(s)
	require.NoError(t, err)

	rtx, err := w.Retransmit(0)
	require.NoError(t, err)
	require.NotNil(t, rtx.Fragment)
	assert.Equal(t, uint32(7), rtx.Fragment.APDULength)
	assert.Equal(t, "payload", string(rtx.Data()))

	// mutate the retransmitted copy; original must be untouched.
	rtx.Data()[0] = 'X'
	orig, err := w.Retrieve(0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(orig.Data()))
}

func TestAPDUFirstSqnMustStrictlyIncrease(t *testing.T) {
	w, err := New(0, Config{Sqns: 8})
	require.NoError(t, err)

	s1 := mustAlloc(t, "a")
	s1.Fragment = &skb.FragmentOption{APDUFirstSqn: 5, FragOffset: 0, APDULength: 1}
	_, err = w.Add(s1)
	require.NoError(t, err)

	s2 := mustAlloc(t, "b")
	s2.Fragment = &skb.FragmentOption{APDUFirstSqn: 5, FragOffset: 0, APDULength: 1}
	_, err = w.Add(s2)
	assert.Error(t, err)

	s3 := mustAlloc(t, "c")
	s3.Fragment = &skb.FragmentOption{APDUFirstSqn: 6, FragOffset: 0, APDULength: 1}
	_, err = w.Add(s3)
	assert.NoError(t, err)
}

func TestProactiveParityRoundTrip(t *testing.T) {
	w, err := New(0, Config{Sqns: 16, FEC: &FECConfig{N: 6, K: 4, ProactiveH: 2}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := w.Add(mustAlloc(t, "data"))
		require.NoError(t, err)
	}

	p0, err := w.RetransmitParity(0, 0)
	require.NoError(t, err)
	assert.Equal(t, sqn.Sqn(4), p0.Sqn)

	p1, err := w.RetransmitParity(0, 1)
	require.NoError(t, err)
	assert.Equal(t, sqn.Sqn(5), p1.Sqn)
}

func TestOnDemandParityFailsWhenSourceEvicted(t *testing.T) {
	w, err := New(0, Config{Sqns: 4, FEC: &FECConfig{N: 6, K: 4, ProactiveH: 0, OnDemand: true}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := w.Add(mustAlloc(t, "data"))
		require.NoError(t, err)
	}
	// evict the whole first group by adding 4 more into a 4-capacity window
	for i := 0; i < 4; i++ {
		_, err := w.Add(mustAlloc(t, "data"))
		require.NoError(t, err)
	}

	_, err = w.RetransmitParity(0, 0)
	assert.True(t, pgmerr.Is(err, pgmerr.FECInsufficient))
}
