package fec

import "errors"

// ErrTooManyMissing is returned when more shards are missing than the
// configured parity count can reconstruct.
var ErrTooManyMissing = errors.New("fec: more shards missing than parity can repair")

// ErrShardSize is returned when shards passed to Encode/Reconstruct have
// mismatched lengths.
var ErrShardSize = errors.New("fec: mismatched shard length")

// Encoder implements systematic Reed-Solomon(dataShards, parityShards):
// the first dataShards shards are passed through unchanged and
// parityShards repair shards are derived from them.
type Encoder struct {
	dataShards   int
	parityShards int
	gen          [][]byte // parityShards x dataShards Vandermonde matrix
}

// NewEncoder builds an encoder for the given shard counts. The spec's
// default FEC group is (10, 2).
func NewEncoder(dataShards, parityShards int) *Encoder {
	gen := make([][]byte, parityShards)
	for p := 0; p < parityShards; p++ {
		row := make([]byte, dataShards)
		x := byte(p + 1) // distinct nonzero evaluation points, one per parity row
		for j := 0; j < dataShards; j++ {
			row[j] = gfPow(x, j)
		}
		gen[p] = row
	}
	return &Encoder{dataShards: dataShards, parityShards: parityShards, gen: gen}
}

// Encode computes parityShards repair shards from dataShards source
// shards, all of equal length.
func (e *Encoder) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != e.dataShards {
		return nil, ErrShardSize
	}
	shardLen := len(data[0])
	for _, d := range data {
		if len(d) != shardLen {
			return nil, ErrShardSize
		}
	}
	parity := make([][]byte, e.parityShards)
	for p := 0; p < e.parityShards; p++ {
		out := make([]byte, shardLen)
		for j := 0; j < e.dataShards; j++ {
			coeff := e.gen[p][j]
			if coeff == 0 {
				continue
			}
			row := data[j]
			for i := 0; i < shardLen; i++ {
				out[i] ^= gfMul(coeff, row[i])
			}
		}
		parity[p] = out
	}
	return parity, nil
}

// Reconstruct recovers missing data shards given a group of
// dataShards+parityShards shards where shards[i] is nil for any shard
// (data or parity) that was not received. It fills in the missing data
// shards in place and returns an error if too many are missing.
func (e *Encoder) Reconstruct(shards [][]byte) error {
	total := e.dataShards + e.parityShards
	if len(shards) != total {
		return ErrShardSize
	}
	var shardLen int
	for _, s := range shards {
		if s != nil {
			shardLen = len(s)
			break
		}
	}
	missingData := []int{}
	for j := 0; j < e.dataShards; j++ {
		if shards[j] == nil {
			missingData = append(missingData, j)
		}
	}
	if len(missingData) == 0 {
		return nil // nothing to reconstruct
	}
	if len(missingData) > e.parityShards {
		return ErrTooManyMissing
	}

	// Build a square system: one row per missing data shard, drawn from
	// available equations (present data shards contribute identity rows
	// restricted to the missing columns' complement isn't needed -- we
	// instead select `len(missingData)` parity equations that are present
	// and solve for exactly the missing columns).
	var availableParity []int
	for p := 0; p < e.parityShards && len(availableParity) < len(missingData); p++ {
		if shards[e.dataShards+p] != nil {
			availableParity = append(availableParity, p)
		}
	}
	if len(availableParity) < len(missingData) {
		return ErrTooManyMissing
	}

	n := len(missingData)
	// matrix[r][c] = coefficient of data shard missingData[c] in parity
	// equation availableParity[r], after moving known data shards' known
	// contribution to the right-hand side.
	matrix := make([][]byte, n)
	rhs := make([][]byte, n)
	for r, p := range availableParity {
		row := make([]byte, n)
		for c, j := range missingData {
			row[c] = e.gen[p][j]
		}
		matrix[r] = row

		acc := make([]byte, shardLen)
		copy(acc, shards[e.dataShards+p])
		for j := 0; j < e.dataShards; j++ {
			if shards[j] == nil {
				continue // its contribution is the unknown we're solving for
			}
			coeff := e.gen[p][j]
			if coeff == 0 {
				continue
			}
			row := shards[j]
			for i := 0; i < shardLen; i++ {
				acc[i] ^= gfMul(coeff, row[i])
			}
		}
		rhs[r] = acc
	}

	solved, err := solveLinearSystem(matrix, rhs, shardLen)
	if err != nil {
		return err
	}
	for c, j := range missingData {
		shards[j] = solved[c]
	}
	return nil
}

// solveLinearSystem solves matrix * x = rhs over GF(256) via Gaussian
// elimination, where rhs columns are treated as shardLen independent
// byte-wise systems sharing the same coefficient matrix.
func solveLinearSystem(matrix [][]byte, rhs [][]byte, shardLen int) ([][]byte, error) {
	n := len(matrix)
	m := make([][]byte, n)
	r := make([][]byte, n)
	for i := range matrix {
		m[i] = append([]byte(nil), matrix[i]...)
		r[i] = append([]byte(nil), rhs[i]...)
	}
	for col := 0; col < n; col++ {
		pivot := -1
		for row := col; row < n; row++ {
			if m[row][col] != 0 {
				pivot = row
				break
			}
		}
		if pivot == -1 {
			return nil, errors.New("fec: singular coefficient matrix")
		}
		m[col], m[pivot] = m[pivot], m[col]
		r[col], r[pivot] = r[pivot], r[col]

		inv := gfDiv(1, m[col][col])
		for c := 0; c < n; c++ {
			m[col][c] = gfMul(m[col][c], inv)
		}
		for i := 0; i < shardLen; i++ {
			r[col][i] = gfMul(r[col][i], inv)
		}

		for row := 0; row < n; row++ {
			if row == col || m[row][col] == 0 {
				continue
			}
			factor := m[row][col]
			for c := 0; c < n; c++ {
				m[row][c] ^= gfMul(factor, m[col][c])
			}
			for i := 0; i < shardLen; i++ {
				r[row][i] ^= gfMul(factor, r[col][i])
			}
		}
	}
	return r, nil
}
