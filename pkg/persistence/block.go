package persistence

import (
	"encoding/binary"
	"fmt"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/types"
)

// Data block entry:
//
//	kind (1) | seq uvarint | key len uvarint | value len uvarint | key | value
func appendEntry(buf []byte, e types.Entry) []byte {
	buf = append(buf, byte(e.Kind))
	buf = binary.AppendUvarint(buf, e.SeqN)
	buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
	if e.Kind == types.KindTombstone {
		buf = binary.AppendUvarint(buf, 0)
		return append(buf, e.Key...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(e.Value)))
	buf = append(buf, e.Key...)
	return append(buf, e.Value...)
}

// decodeEntry reads one entry from data and returns the bytes consumed.
// Key and value alias data.
func decodeEntry(data []byte) (types.Entry, int, error) {
	if len(data) < 1 {
		return types.Entry{}, 0, dberrors.Corruptf("truncated block entry")
	}
	e := types.Entry{Kind: types.Kind(data[0])}
	if e.Kind != types.KindTombstone && e.Kind != types.KindValue {
		return types.Entry{}, 0, dberrors.Corruptf("bad entry kind %d", data[0])
	}
	off := 1

	var vals [3]uint64
	for i := range vals {
		v, n := binary.Uvarint(data[off:])
		if n <= 0 {
			return types.Entry{}, 0, dberrors.Corruptf("bad varint in block entry")
		}
		vals[i] = v
		off += n
	}
	e.SeqN = vals[0]
	keyLen, valueLen := vals[1], vals[2]
	if keyLen+valueLen > uint64(len(data)-off) {
		return types.Entry{}, 0, dberrors.Corruptf("block entry overflows block")
	}

	e.Key = data[off : off+int(keyLen) : off+int(keyLen)]
	off += int(keyLen)
	if e.Kind == types.KindValue {
		e.Value = data[off : off+int(valueLen) : off+int(valueLen)]
	}
	off += int(valueLen)
	return e, off, nil
}

// blockIter walks the entries of one decoded data block.
type blockIter struct {
	data []byte
	next int
	cur  types.Entry
	ok   bool
	err  error
}

func (b *blockIter) reset(data []byte) {
	*b = blockIter{data: data}
}

func (b *blockIter) first() {
	b.next = 0
	b.err = nil
	b.advance()
}

func (b *blockIter) advance() {
	if b.err != nil || b.next >= len(b.data) {
		b.ok = false
		return
	}
	e, n, err := decodeEntry(b.data[b.next:])
	if err != nil {
		b.err = err
		b.ok = false
		return
	}
	b.cur = e
	b.next += n
	b.ok = true
}

// seek positions at the first entry with key >= target.
func (b *blockIter) seek(target types.Key) {
	for b.first(); b.ok && types.Compare(b.cur.Key, target) < 0; b.advance() {
	}
}

// indexEntry locates one data block.
type indexEntry struct {
	firstKey []byte
	handle   blockHandle
}

func encodeIndex(entries []indexEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, ie := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(ie.firstKey)))
		buf = append(buf, ie.firstKey...)
		buf = binary.AppendUvarint(buf, ie.handle.offset)
		buf = binary.AppendUvarint(buf, ie.handle.length)
	}
	return buf
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count > uint64(len(data)) {
		return nil, dberrors.Corruptf("bad index block header")
	}
	data = data[n:]

	entries := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, n := binary.Uvarint(data)
		if n <= 0 || keyLen > uint64(len(data)-n) {
			return nil, dberrors.Corruptf("bad index entry %d", i)
		}
		data = data[n:]
		ie := indexEntry{firstKey: append([]byte{}, data[:keyLen]...)}
		data = data[keyLen:]

		if ie.handle.offset, n = binary.Uvarint(data); n <= 0 {
			return nil, dberrors.Corruptf("bad index entry %d", i)
		}
		data = data[n:]
		if ie.handle.length, n = binary.Uvarint(data); n <= 0 {
			return nil, dberrors.Corruptf("bad index entry %d", i)
		}
		data = data[n:]
		entries = append(entries, ie)
	}
	if len(data) != 0 {
		return nil, dberrors.Corruptf("trailing bytes in index block")
	}
	return entries, nil
}

// Summary describes a finished table. It is stored in the props block and
// mirrored in the manifest.
type Summary struct {
	ID      uint64
	Size    int64
	Entries uint64
	Blocks  uint64
	MinKey  []byte
	MaxKey  []byte
	MinSeqN types.SeqN
	MaxSeqN types.SeqN
}

func (s Summary) encode() []byte {
	buf := binary.AppendUvarint(nil, s.Entries)
	buf = binary.AppendUvarint(buf, s.Blocks)
	buf = binary.AppendUvarint(buf, s.MinSeqN)
	buf = binary.AppendUvarint(buf, s.MaxSeqN)
	buf = binary.AppendUvarint(buf, uint64(len(s.MinKey)))
	buf = append(buf, s.MinKey...)
	buf = binary.AppendUvarint(buf, uint64(len(s.MaxKey)))
	return append(buf, s.MaxKey...)
}

func decodeSummary(data []byte) (Summary, error) {
	var s Summary
	fields := []*uint64{&s.Entries, &s.Blocks, &s.MinSeqN, &s.MaxSeqN}
	for _, f := range fields {
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return Summary{}, dberrors.Corruptf("bad props block")
		}
		*f = v
		data = data[n:]
	}
	for _, key := range []*[]byte{&s.MinKey, &s.MaxKey} {
		l, n := binary.Uvarint(data)
		if n <= 0 || l > uint64(len(data)-n) {
			return Summary{}, dberrors.Corruptf("bad props block")
		}
		*key = append([]byte{}, data[n:n+int(l)]...)
		data = data[n+int(l):]
	}
	if len(data) != 0 {
		return Summary{}, fmt.Errorf("%w: trailing bytes in props block", dberrors.ErrCorruption)
	}
	return s, nil
}
