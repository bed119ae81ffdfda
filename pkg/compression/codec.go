// Package compression implements the block codecs used by segment files.
package compression

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
)

// Codec identifies a block compression algorithm. The numeric value is
// stored on disk.
type Codec byte

const (
	None Codec = iota
	Snappy
	Zstd
)

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil)
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// Parse maps a config name onto a codec. An empty name selects Snappy.
func Parse(name string) (Codec, error) {
	switch name {
	case "none":
		return None, nil
	case "snappy", "":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w %q", ErrUnknownCodec, name)
	}
}

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// Encode appends the compressed form of src to dst.
func (c Codec) Encode(dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst, src...), nil
	case Snappy:
		return append(dst, snappy.Encode(nil, src)...), nil
	case Zstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return enc.EncodeAll(src, dst), nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownCodec, byte(c))
	}
}

// Decode returns the original bytes of src. For None, src itself is returned.
func (c Codec) Decode(src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Snappy:
		raw, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("snappy: %w", err)
		}
		return raw, nil
	case Zstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		raw, err := dec.DecodeAll(src, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownCodec, byte(c))
	}
}
