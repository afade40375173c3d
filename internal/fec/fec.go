// Package fec implements the Reed-Solomon RS(n,k) codec over GF(2^8)
// used for both proactive and on-demand parity: one parity symbol per
// encode call, decode given an explicit erasure bitmap.
//
// The generator is the classic systematic Vandermonde construction:
// build the n x k Vandermonde matrix at evaluation points
// alpha^0..alpha^(n-1), then left-multiply by the inverse of its own
// top k x k submatrix so rows 0..k-1 become the identity and rows
// k..n-1 are the parity generator rows. This is the same field (GF(2^8),
// primitive polynomial 0x11D) and the same "build tables, verify
// roundtrip" discipline the teacher's FX.25 codec uses in
// src/fx25_init.go's init_rs_char, generalized from its three fixed
// (n,k) pairs to the arbitrary RS(n,k) the transport's fec config asks
// for.
package fec

import (
	"github.com/MindFy/openpgm/internal/gf"
	"github.com/MindFy/openpgm/internal/pgmerr"
)

// Codec is a configured RS(n,k) instance. It is pure and safe for
// concurrent use by multiple goroutines as long as each call is given
// its own destination buffers.
type Codec struct {
	n, k int
	gen  matrix // n x k systematic generator matrix
}

// NewCodec validates (n,k) and builds the generator matrix.
// Constraints: 2 <= k <= 128, k+1 <= n <= 255, k a power of two.
func NewCodec(n, k int) (*Codec, error) {
	if k < 2 || k > 128 {
		return nil, pgmerr.New(pgmerr.InvalidParams, "k=%d out of range [2,128]", k)
	}
	if k&(k-1) != 0 {
		return nil, pgmerr.New(pgmerr.InvalidParams, "k=%d is not a power of two", k)
	}
	if n < k+1 || n > 255 {
		return nil, pgmerr.New(pgmerr.InvalidParams, "n=%d out of range [k+1,255]", n)
	}

	v := vandermonde(n, k)
	top := v.submatrix(rowRange(k))
	topInv, ok := top.invert()
	if !ok {
		return nil, pgmerr.New(pgmerr.InvalidParams, "vandermonde submatrix for n=%d k=%d is singular", n, k)
	}
	gen := v.multiply(topInv)

	return &Codec{n: n, k: k, gen: gen}, nil
}

func rowRange(k int) []int {
	rows := make([]int, k)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// N and K report the codec's configured parameters.
func (c *Codec) N() int { return c.n }
func (c *Codec) K() int { return c.k }

// H reports the number of parity symbols the codec can produce (n-k).
func (c *Codec) H() int { return c.n - c.k }

// EncodeParity computes the (k+parityIndex)-th row of the generator
// matrix applied to src and returns the resulting parity block.
// Symbol size equals the packet payload length; every source block
// must be the same length.
func (c *Codec) EncodeParity(src [][]byte, parityIndex int) ([]byte, error) {
	if len(src) != c.k {
		return nil, pgmerr.New(pgmerr.InvalidParams, "need exactly %d source blocks, got %d", c.k, len(src))
	}
	if parityIndex < 0 || parityIndex >= c.H() {
		return nil, pgmerr.New(pgmerr.InvalidParams, "parity index %d out of range [0,%d)", parityIndex, c.H())
	}
	blockLen := len(src[0])
	for i, b := range src {
		if len(b) != blockLen {
			return nil, pgmerr.New(pgmerr.Arith, "source block %d length %d != %d", i, len(b), blockLen)
		}
	}

	row := c.gen[c.k+parityIndex]
	dst := make([]byte, blockLen)
	for i := 0; i < c.k; i++ {
		coeff := row[i]
		if coeff == 0 {
			continue
		}
		xorMulInto(dst, src[i], coeff)
	}
	return dst, nil
}

func xorMulInto(dst, src []byte, coeff byte) {
	for i, b := range src {
		if b != 0 {
			dst[i] ^= gf.Mul(coeff, b)
		}
	}
}

// ErasureBlock is one slot of an RS(n,k) codeword: its generator row
// (0..k-1 for data, k..n-1 for parity) and, if present, its payload.
type ErasureBlock struct {
	Row     int
	Present bool
	Data    []byte
}

// DecodeInline reconstructs the k source (data) blocks given a set of
// n blocks, some erased, where at least k of the n are Present. It
// writes the recovered payload into the Data field of every erased
// block whose Row is < k (i.e. a data row); erased parity rows and
// already-present rows are left untouched. The caller's blocks slice
// is mutated in place and also returned for convenience.
//
// This single code path serves both the "inline" layout (parity
// stored interleaved at its natural group position) and the
// "appended" layout (parity stored after the data group) described in
// the spec: both are just different ways of presenting the same
// Row-indexed set of blocks to this function.
func (c *Codec) DecodeInline(blocks []ErasureBlock) ([]ErasureBlock, error) {
	if len(blocks) != c.n {
		return nil, pgmerr.New(pgmerr.InvalidParams, "expected %d blocks, got %d", c.n, len(blocks))
	}

	var presentRows []int
	var presentData [][]byte
	blockLen := -1
	for _, b := range blocks {
		if !b.Present {
			continue
		}
		if b.Row < 0 || b.Row >= c.n {
			return nil, pgmerr.New(pgmerr.Arith, "block row %d out of range", b.Row)
		}
		if blockLen == -1 {
			blockLen = len(b.Data)
		} else if len(b.Data) != blockLen {
			return nil, pgmerr.New(pgmerr.Arith, "inconsistent block length %d != %d", len(b.Data), blockLen)
		}
		presentRows = append(presentRows, b.Row)
		presentData = append(presentData, b.Data)
	}

	if len(presentRows) < c.k {
		return nil, pgmerr.New(pgmerr.Insufficient, "have %d of required %d blocks", len(presentRows), c.k)
	}

	// Use the first k present rows; any surviving k suffice.
	rows := presentRows[:c.k]
	data := presentData[:c.k]

	sub := c.gen.submatrix(rows)
	inv, ok := sub.invert()
	if !ok {
		return nil, pgmerr.New(pgmerr.Arith, "generator submatrix for present rows is singular")
	}

	recovered := make([][]byte, c.k)
	for i := 0; i < c.k; i++ {
		out := make([]byte, blockLen)
		for j := 0; j < c.k; j++ {
			coeff := inv[i][j]
			if coeff == 0 {
				continue
			}
			xorMulInto(out, data[j], coeff)
		}
		recovered[i] = out
	}

	for i := range blocks {
		b := &blocks[i]
		if b.Present || b.Row >= c.k {
			continue
		}
		b.Data = recovered[b.Row]
		b.Present = true
	}
	return blocks, nil
}

// DecodeAppended is the appended-layout counterpart to DecodeInline:
// data blocks are supplied separately from parity blocks, with parity
// indices offset by k when mapped onto generator rows.
func (c *Codec) DecodeAppended(data []ErasureBlock, parity []ErasureBlock) ([]ErasureBlock, []ErasureBlock, error) {
	if len(data) != c.k {
		return nil, nil, pgmerr.New(pgmerr.InvalidParams, "expected %d data blocks, got %d", c.k, len(data))
	}
	if len(parity) != c.H() {
		return nil, nil, pgmerr.New(pgmerr.InvalidParams, "expected %d parity blocks, got %d", c.H(), len(parity))
	}

	combined := make([]ErasureBlock, 0, c.n)
	for i, b := range data {
		b.Row = i
		combined = append(combined, b)
	}
	for j, b := range parity {
		b.Row = c.k + j
		combined = append(combined, b)
	}

	out, err := c.DecodeInline(combined)
	if err != nil {
		return nil, nil, err
	}
	return out[:c.k], out[c.k:], nil
}
