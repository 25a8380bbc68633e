package persistence

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"xpdb/pkg/dberrors"
)

// Compression selects the codec applied to data blocks.
type Compression uint8

const (
	NoCompression Compression = iota
	SnappyCompression
	ZstdCompression
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a config name to a codec.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return 0, fmt.Errorf("%w: unknown compression %q", dberrors.ErrInvalidArgument, name)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress returns the encoded block and the codec actually used. Blocks
// that do not shrink by at least 1/8 are stored raw.
func compress(c Compression, raw []byte) ([]byte, Compression, error) {
	var out []byte
	switch c {
	case NoCompression:
		return raw, NoCompression, nil
	case SnappyCompression:
		out = snappy.Encode(nil, raw)
	case ZstdCompression:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to init zstd: %w", err)
		}
		out = enc.EncodeAll(raw, nil)
	default:
		return nil, 0, fmt.Errorf("unknown compression %d", c)
	}
	if len(out) >= len(raw)-len(raw)/8 {
		return raw, NoCompression, nil
	}
	return out, c, nil
}

func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, dberrors.Corruptf("snappy block: %v", err)
		}
		return out, nil
	case ZstdCompression:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, dberrors.Corruptf("zstd block: %v", err)
		}
		return out, nil
	}
	return nil, dberrors.Corruptf("unknown block compression %d", c)
}
