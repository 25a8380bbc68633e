package persistence

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"xpdb/pkg/dberrors"
)

// SSTable file layout:
//
//	[data block 0] ... [data block n-1]
//	[index block]   first key, offset and length of every data block
//	[filter block]  bloom filter over the distinct keys
//	[props block]   entry count, key range, sequence range
//	[footer]        fixed size, see footerSize
//
// Every block is followed by a trailer: one compression byte and an
// xxhash64 checksum of the block bytes plus the compression byte. Only data
// blocks are ever compressed.
const (
	blockTrailerSize = 1 + 8
	footerSize       = 6*8 + 8 + 8
	tableMagic       = uint64(0x7870646273737462) // "xpdbsstb"

	fileSuffix = ".sst"
)

type blockHandle struct {
	offset uint64
	length uint64
}

type footer struct {
	index  blockHandle
	filter blockHandle
	props  blockHandle
}

func (f footer) encode() []byte {
	buf := make([]byte, 0, footerSize)
	for _, h := range []blockHandle{f.index, f.filter, f.props} {
		buf = binary.LittleEndian.AppendUint64(buf, h.offset)
		buf = binary.LittleEndian.AppendUint64(buf, h.length)
	}
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
	buf = binary.LittleEndian.AppendUint64(buf, tableMagic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != footerSize {
		return footer{}, dberrors.Corruptf("footer has %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint64(buf[56:]) != tableMagic {
		return footer{}, dberrors.Corruptf("bad table magic")
	}
	if xxhash.Sum64(buf[:48]) != binary.LittleEndian.Uint64(buf[48:]) {
		return footer{}, dberrors.Corruptf("footer checksum mismatch")
	}

	var f footer
	handles := []*blockHandle{&f.index, &f.filter, &f.props}
	for i, h := range handles {
		h.offset = binary.LittleEndian.Uint64(buf[i*16:])
		h.length = binary.LittleEndian.Uint64(buf[i*16+8:])
	}
	return f, nil
}

func blockChecksum(data []byte, compression byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(data)
	_, _ = d.Write([]byte{compression})
	return d.Sum64()
}

// FileName returns the table file name for a file number.
func FileName(num uint64) string {
	return fmt.Sprintf("%06d%s", num, fileSuffix)
}

// ParseFileName extracts the file number from a table file name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	num, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return num, true
}
