package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"xpdb/pkg/dberrors"
	"xpdb/pkg/types"
)

const (
	// checksum (8) + payload length (4)
	headerSize = 12

	fileSuffix = ".log"
)

// maxRecordSize bounds a single record so a corrupted length field cannot
// trigger a huge allocation during replay.
var maxRecordSize = 1 << 30

var errBadRecord = errors.New("bad WAL record")

// Record is the unit of atomicity in the log: entries sharing consecutive
// sequence numbers starting at SeqN.
type Record struct {
	SeqN    types.SeqN
	Entries []types.Entry
}

// FileName returns the WAL file name for a file number.
func FileName(num uint64) string {
	return fmt.Sprintf("%06d%s", num, fileSuffix)
}

// ParseFileName extracts the file number from a WAL file name.
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

// List returns the numbers of all WAL files in dir, ascending.
func List(dir string) ([]uint64, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}
	var nums []uint64
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		if num, ok := ParseFileName(de.Name()); ok {
			nums = append(nums, num)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// Writer appends records to one WAL file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	num    uint64
	size   int64
	buf    []byte
}

// Create creates a fresh WAL file for file number num inside dir.
func Create(dir string, num uint64) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	path := filepath.Join(filepath.Clean(dir), FileName(num))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		_ = file.Close()
		return nil, err
	}

	return &Writer{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
		num:    num,
	}, nil
}

// syncDir makes a newly created file's directory entry durable.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open WAL dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL dir: %w", err)
	}
	return nil
}

// Append writes rec and syncs it to stable storage before returning.
// Records that cannot be encoded fail with ErrInvalidArgument before
// anything reaches the file, so the writer stays usable.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("WAL writer is closed")
	}

	payload, err := encodePayload(w.buf[:0], rec)
	if err != nil {
		return err
	}
	w.buf = payload

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[8:], uint32(len(payload)))
	digest := xxhash.New()
	_, _ = digest.Write(header[8:])
	_, _ = digest.Write(payload)
	binary.LittleEndian.PutUint64(header[:8], digest.Sum64())

	if _, err := w.writer.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.size += int64(headerSize + len(payload))
	return nil
}

// Size is the number of bytes appended so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Writer) Num() uint64 {
	return w.num
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			slog.Warn("failed to sync WAL on close", "path", w.path, "error", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func encodePayload(buf []byte, rec Record) ([]byte, error) {
	if len(rec.Entries) == 0 {
		return nil, fmt.Errorf("%w: empty WAL record", dberrors.ErrInvalidArgument)
	}
	buf = binary.LittleEndian.AppendUint64(buf, rec.SeqN)
	buf = binary.AppendUvarint(buf, uint64(len(rec.Entries)))
	for _, e := range rec.Entries {
		if len(e.Key) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: key too large: %d", dberrors.ErrInvalidArgument, len(e.Key))
		}
		if len(e.Value) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: value too large: %d", dberrors.ErrInvalidArgument, len(e.Value))
		}
		buf = append(buf, byte(e.Kind))
		buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
		if e.Kind == types.KindTombstone {
			buf = binary.AppendUvarint(buf, 0)
			buf = append(buf, e.Key...)
			continue
		}
		buf = binary.AppendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Key...)
		buf = append(buf, e.Value...)
	}
	if len(buf) > maxRecordSize {
		return nil, fmt.Errorf("%w: WAL record too large: %d", dberrors.ErrInvalidArgument, len(buf))
	}
	return buf, nil
}

func decodePayload(data []byte) (Record, error) {
	if len(data) < 8 {
		return Record{}, errBadRecord
	}
	rec := Record{SeqN: binary.LittleEndian.Uint64(data)}
	data = data[8:]

	count, n := binary.Uvarint(data)
	if n <= 0 || count > uint64(len(data)) {
		return Record{}, errBadRecord
	}
	data = data[n:]

	rec.Entries = make([]types.Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(data) < 1 {
			return Record{}, errBadRecord
		}
		kind := types.Kind(data[0])
		if kind != types.KindTombstone && kind != types.KindValue {
			return Record{}, errBadRecord
		}
		data = data[1:]

		keyLen, n := binary.Uvarint(data)
		if n <= 0 {
			return Record{}, errBadRecord
		}
		data = data[n:]
		valueLen, n := binary.Uvarint(data)
		if n <= 0 {
			return Record{}, errBadRecord
		}
		data = data[n:]
		if keyLen+valueLen > uint64(len(data)) {
			return Record{}, errBadRecord
		}

		e := types.Entry{
			Key:  append([]byte{}, data[:keyLen]...),
			SeqN: rec.SeqN + i,
			Kind: kind,
		}
		data = data[keyLen:]
		if kind == types.KindValue {
			e.Value = append([]byte{}, data[:valueLen]...)
		}
		data = data[valueLen:]
		rec.Entries = append(rec.Entries, e)
	}
	if len(data) != 0 {
		return Record{}, errBadRecord
	}
	return rec, nil
}

// Reader decodes records from a WAL stream. A torn or corrupted record ends
// the stream: everything before it is returned, everything from it on is
// discarded.
type Reader struct {
	r         *bufio.Reader
	truncated bool
	offset    int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next whole record, or io.EOF at the end of the valid
// prefix. Errors other than io.EOF come from the underlying reader.
func (r *Reader) Next() (Record, error) {
	if r.truncated {
		return Record{}, io.EOF
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.truncated = true
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read WAL entry: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[8:])
	if int64(length) > int64(maxRecordSize) {
		r.truncated = true
		return Record{}, io.EOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			r.truncated = true
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read WAL entry: %w", err)
	}

	digest := xxhash.New()
	_, _ = digest.Write(header[8:])
	_, _ = digest.Write(payload)
	if digest.Sum64() != binary.LittleEndian.Uint64(header[:8]) {
		r.truncated = true
		return Record{}, io.EOF
	}

	rec, err := decodePayload(payload)
	if err != nil {
		r.truncated = true
		return Record{}, io.EOF
	}
	r.offset += int64(headerSize) + int64(length)
	return rec, nil
}

// Truncated reports whether the stream ended on a torn or corrupted record.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Offset is the byte length of the valid prefix consumed so far.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Replay lazily yields every entry of the WAL file at path in log order.
// Each call starts again from the beginning of the file.
func Replay(path string) iter.Seq2[types.Entry, error] {
	return func(yield func(types.Entry, error) bool) {
		file, err := os.Open(path)
		if err != nil {
			yield(types.Entry{}, fmt.Errorf("failed to open WAL for reading: %w", err))
			return
		}
		defer func() {
			if cerr := file.Close(); cerr != nil {
				slog.Warn("failed to close WAL read file", "error", cerr)
			}
		}()

		reader := NewReader(file)
		for {
			rec, err := reader.Next()
			if errors.Is(err, io.EOF) {
				if reader.Truncated() {
					slog.Warn("discarding torn WAL tail", "path", path, "offset", reader.Offset())
				}
				return
			}
			if err != nil {
				yield(types.Entry{}, err)
				return
			}
			for _, e := range rec.Entries {
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}
