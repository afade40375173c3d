package fec

import "github.com/MindFy/openpgm/internal/gf"

// matrix is a dense row-major matrix over GF(2^8), used only to build
// and invert the small (<=255x255) generator submatrices the codec
// needs; it is not a general linear-algebra package.
type matrix [][]byte

func newMatrix(rows, cols int) matrix {
	m := make(matrix, rows)
	for i := range m {
		m[i] = make([]byte, cols)
	}
	return m
}

// vandermonde builds the n x k matrix V[i][j] = alpha^(i*j), evaluated
// at the n distinct non-zero field points alpha^0 .. alpha^(n-1).
func vandermonde(n, k int) matrix {
	v := newMatrix(n, k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			v[i][j] = gf.Pow(gf.Exp(i), j)
		}
	}
	return v
}

func identity(n int) matrix {
	m := newMatrix(n, n)
	for i := 0; i < n; i++ {
		m[i][i] = 1
	}
	return m
}

// multiply returns m * other.
func (m matrix) multiply(other matrix) matrix {
	rows := len(m)
	inner := len(other)
	cols := len(other[0])
	out := newMatrix(rows, cols)
	for i := 0; i < rows; i++ {
		for k := 0; k < inner; k++ {
			c := m[i][k]
			if c == 0 {
				continue
			}
			for j := 0; j < cols; j++ {
				out[i][j] ^= gf.Mul(c, other[k][j])
			}
		}
	}
	return out
}

// submatrix selects the given rows, producing a len(rows) x cols matrix.
func (m matrix) submatrix(rows []int) matrix {
	out := make(matrix, len(rows))
	for i, r := range rows {
		out[i] = m[r]
	}
	return out
}

// augment returns [m | other] for Gauss-Jordan inversion.
func (m matrix) augment(other matrix) matrix {
	rows := len(m)
	out := make(matrix, rows)
	for i := 0; i < rows; i++ {
		out[i] = append(append([]byte{}, m[i]...), other[i]...)
	}
	return out
}

// invert computes m^-1 via Gauss-Jordan elimination with partial
// pivoting over GF(2^8). m must be square; returns an error (via the
// boolean) if m is singular.
func (m matrix) invert() (matrix, bool) {
	n := len(m)
	work := m.augment(identity(n))

	for col := 0; col < n; col++ {
		// find a pivot
		pivot := -1
		for r := col; r < n; r++ {
			if work[r][col] != 0 {
				pivot = r
				break
			}
		}
		if pivot == -1 {
			return nil, false
		}
		work[col], work[pivot] = work[pivot], work[col]

		inv := gf.Inv(work[col][col])
		if inv != 1 {
			row := work[col]
			for j := range row {
				row[j] = gf.Mul(row[j], inv)
			}
		}

		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			factor := work[r][col]
			if factor == 0 {
				continue
			}
			rowR := work[r]
			rowCol := work[col]
			for j := range rowR {
				rowR[j] ^= gf.Mul(factor, rowCol[j])
			}
		}
	}

	out := newMatrix(n, n)
	for i := 0; i < n; i++ {
		out[i] = work[i][n:]
	}
	return out, true
}
