package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number assigned at write time.
// For equal keys the entry with the higher SeqN wins.
type SeqN = uint64

// MaxSeqN sees every committed entry when used as a snapshot.
const MaxSeqN SeqN = ^SeqN(0)

// Kind tells a stored value apart from a deletion record.
type Kind uint8

const (
	KindTombstone Kind = iota
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindTombstone:
		return "tombstone"
	case KindValue:
		return "value"
	default:
		return "unknown"
	}
}

// Entry is one physical record: a key, its value or tombstone, and the
// sequence number it was written with.
type Entry struct {
	Key   Key
	Value Value
	SeqN  SeqN
	Kind  Kind
}

func (e Entry) IsTombstone() bool {
	return e.Kind == KindTombstone
}

// Compare orders keys byte-wise.
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// CompareEntries orders by key ascending, then by sequence number descending,
// so the newest record of a key comes first.
func CompareEntries(a, b Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.SeqN > b.SeqN:
		return -1
	case a.SeqN < b.SeqN:
		return 1
	}
	return 0
}
