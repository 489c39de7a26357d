package hostset

import (
	"math"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
)

// defaultFPRate is the target false-positive rate of the host prefilter.
const defaultFPRate = 0.01

// bloomSize computes Bloom filter parameters from capacity n and target FP
// rate p:
//
//	m = - (n * ln p) / (ln 2)^2
//	k = (m / n) * ln 2
//
// Results are clamped to at least 1.
func bloomSize(n uint64, p float64) (m uint64, k uint) {
	if n == 0 {
		n = 1
	}
	if !(p > 0 && p < 1) {
		p = defaultFPRate
	}
	ln2 := math.Ln2
	m = uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m == 0 {
		m = 1
	}
	k = uint(math.Max(1, math.Round((float64(m)/float64(n))*ln2)))
	return m, k
}

// newPrefilter returns an empty filter sized for n keys. The filter is only
// written while a Set is being built, so it needs no locking afterwards.
func newPrefilter(n uint64) *bitsbloom.BloomFilter {
	m, k := bloomSize(n, defaultFPRate)
	return bitsbloom.New(uint(m), k)
}
