package persistence

import (
	"math"

	"github.com/spaolacci/murmur3"

	"xpdb/pkg/dberrors"
)

const maxBloomProbes = 30

// BloomFilter is a standard bloom filter using double hashing over the two
// halves of a 128-bit murmur3 hash.
type BloomFilter struct {
	bits   []byte
	probes uint8
}

// BloomHash is the per-key hash recorded while building a table.
func BloomHash(key []byte) uint64 {
	h1, h2 := murmur3.Sum128(key)
	return h1 ^ (h2 << 1)
}

// NewBloomFilter sizes a filter for the given key hashes and target
// false positive rate.
func NewBloomFilter(hashes []uint64, fpRate float64) *BloomFilter {
	n := len(hashes)
	if n == 0 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n ln p / (ln 2)^2, k = m/n ln 2
	bitsPerKey := -math.Log(fpRate) / (math.Ln2 * math.Ln2)
	nbits := int(math.Ceil(bitsPerKey * float64(n)))
	if nbits < 64 {
		nbits = 64
	}
	nbytes := (nbits + 7) / 8
	k := int(math.Round(bitsPerKey * math.Ln2))
	k = max(1, min(k, maxBloomProbes))

	f := &BloomFilter{bits: make([]byte, nbytes), probes: uint8(k)}
	for _, h := range hashes {
		f.add(h)
	}
	return f
}

func (f *BloomFilter) add(h uint64) {
	nbits := uint64(len(f.bits)) * 8
	delta := h>>33 | h<<31
	for i := uint8(0); i < f.probes; i++ {
		pos := h % nbits
		f.bits[pos/8] |= 1 << (pos % 8)
		h += delta
	}
}

// MayContain reports false only if key was never added.
func (f *BloomFilter) MayContain(key []byte) bool {
	if f == nil || len(f.bits) == 0 {
		return true
	}
	h := BloomHash(key)
	nbits := uint64(len(f.bits)) * 8
	delta := h>>33 | h<<31
	for i := uint8(0); i < f.probes; i++ {
		pos := h % nbits
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

func (f *BloomFilter) encode() []byte {
	return append([]byte{f.probes}, f.bits...)
}

func decodeBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == 0 || data[0] > maxBloomProbes {
		return nil, dberrors.Corruptf("bad bloom probe count %d", data[0])
	}
	return &BloomFilter{probes: data[0], bits: append([]byte{}, data[1:]...)}, nil
}
