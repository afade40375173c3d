package fec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewCodec_RejectsBadParams(t *testing.T) {
	_, err := NewCodec(10, 100) // k not power of two, and n < k+1
	assert.Error(t, err)

	_, err = NewCodec(64, 1) // k < 2
	assert.Error(t, err)

	_, err = NewCodec(64, 256) // k > 128
	assert.Error(t, err)

	_, err = NewCodec(300, 128) // n > 255
	assert.Error(t, err)

	_, err = NewCodec(8, 8) // n must be > k
	assert.Error(t, err)

	_, err = NewCodec(255, 223) // k > 128 and not a power of two
	assert.Error(t, err)
}

func TestEncodeDecode_NoErasures(t *testing.T) {
	c, err := NewCodec(6, 4)
	require.NoError(t, err)

	src := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{13, 14, 15, 16},
	}

	p0, err := c.EncodeParity(src, 0)
	require.NoError(t, err)
	p1, err := c.EncodeParity(src, 1)
	require.NoError(t, err)

	blocks := []ErasureBlock{
		{Row: 0, Present: true, Data: src[0]},
		{Row: 1, Present: true, Data: src[1]},
		{Row: 2, Present: true, Data: src[2]},
		{Row: 3, Present: true, Data: src[3]},
		{Row: 4, Present: true, Data: p0},
		{Row: 5, Present: true, Data: p1},
	}

	out, err := c.DecodeInline(blocks)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.Equal(t, src[i], out[i].Data)
	}
}

// TestRSRoundTrip is the spec's property 3: for any k source blocks
// and any erasure pattern leaving >= k of (k+h) blocks, decode
// recovers the originals byte-exact.
func TestRSRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.SampledFrom([]int{2, 4, 8, 16}).Draw(t, "k")
		h := rapid.IntRange(1, 255-k).Draw(t, "h")
		n := k + h
		blockLen := rapid.IntRange(1, 64).Draw(t, "blockLen")

		c, err := NewCodec(n, k)
		require.NoError(t, err)

		src := make([][]byte, k)
		for i := range src {
			src[i] = rapid.SliceOfN(rapid.Byte(), blockLen, blockLen).Draw(t, "block")
		}

		parity := make([][]byte, h)
		for j := range parity {
			p, err := c.EncodeParity(src, j)
			require.NoError(t, err)
			parity[j] = p
		}

		all := make([]ErasureBlock, n)
		for i := 0; i < k; i++ {
			all[i] = ErasureBlock{Row: i, Present: true, Data: src[i]}
		}
		for j := 0; j < h; j++ {
			all[k+j] = ErasureBlock{Row: k + j, Present: true, Data: parity[j]}
		}

		// Erase a random subset, leaving at least k present.
		maxErasures := n - k
		numErasures := rapid.IntRange(0, maxErasures).Draw(t, "numErasures")
		order := rapid.Permutation(rowIndices(n)).Draw(t, "order")
		for _, idx := range order[:numErasures] {
			all[idx].Present = false
			all[idx].Data = nil
		}

		out, err := c.DecodeInline(all)
		require.NoError(t, err)

		for i := 0; i < k; i++ {
			assert.Equal(t, src[i], out[i].Data, "data row %d", i)
		}
	})
}

func TestDecode_InsufficientBlocks(t *testing.T) {
	c, err := NewCodec(6, 4)
	require.NoError(t, err)

	blocks := []ErasureBlock{
		{Row: 0, Present: true, Data: []byte{1, 2}},
		{Row: 1, Present: true, Data: []byte{3, 4}},
		{Row: 2, Present: true, Data: []byte{5, 6}},
		{Row: 3, Present: false},
		{Row: 4, Present: false},
		{Row: 5, Present: false},
	}

	_, err = c.DecodeInline(blocks)
	assert.Error(t, err)
}

func rowIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
