package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"embeddb/pkg/dberrors"
)

// Type is the one-byte tag stored in every block trailer.
type Type uint8

const (
	None   Type = 0
	Snappy Type = 1
	Zlib   Type = 2
	Zstd   Type = 7
)

type codec struct {
	name   string
	encode func(dst, src []byte) ([]byte, error)
	decode func(src []byte) ([]byte, error)
}

var codecs = map[Type]codec{
	None: {
		name:   "none",
		encode: func(dst, src []byte) ([]byte, error) { return append(dst[:0], src...), nil },
		decode: func(src []byte) ([]byte, error) { return src, nil },
	},
	Snappy: {
		name: "snappy",
		encode: func(dst, src []byte) ([]byte, error) {
			return snappy.Encode(dst[:cap(dst)], src), nil
		},
		decode: func(src []byte) ([]byte, error) {
			return snappy.Decode(nil, src)
		},
	},
	Zlib: {
		name:   "zlib",
		encode: encodeZlib,
		decode: decodeZlib,
	},
	Zstd: {
		name: "zstd",
		encode: func(dst, src []byte) ([]byte, error) {
			enc, err := zstdEncoder()
			if err != nil {
				return nil, err
			}
			return enc.EncodeAll(src, dst[:0]), nil
		},
		decode: func(src []byte) ([]byte, error) {
			dec, err := zstdDecoder()
			if err != nil {
				return nil, err
			}
			return dec.DecodeAll(src, nil)
		},
	},
}

func (t Type) String() string {
	if c, ok := codecs[t]; ok {
		return c.name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseType maps a config name ("none", "snappy", "zlib", "zstd") to its tag.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Snappy, nil
	}
	for t, c := range codecs {
		if c.name == name {
			return t, nil
		}
	}
	return None, dberrors.InvalidArgumentf("unknown compression %q", name)
}

// Encode compresses src with t, reusing dst's storage when possible.
func Encode(t Type, dst, src []byte) ([]byte, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, dberrors.InvalidArgumentf("unknown compression type %d", t)
	}
	return c.encode(dst, src)
}

// Decode decompresses src that was written with t. Unknown tags and codec
// failures are reported as corruption.
func Decode(t Type, src []byte) ([]byte, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, dberrors.Corruptionf("unknown compression type %d", t)
	}
	out, err := c.decode(src)
	if err != nil {
		return nil, dberrors.Corruptionf("%s decode: %v", c.name, err)
	}
	return out, nil
}

func encodeZlib(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst[:0])
	zw := zlib.NewWriter(buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeZlib(src []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	return io.ReadAll(zr)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// the shared encoder/decoder are safe for concurrent EncodeAll/DecodeAll
func initZstd() {
	zstdEnc, zstdErr = zstd.NewWriter(nil)
	if zstdErr != nil {
		return
	}
	zstdDec, zstdErr = zstd.NewReader(nil)
}

func zstdEncoder() (*zstd.Encoder, error) {
	zstdOnce.Do(initZstd)
	return zstdEnc, zstdErr
}

func zstdDecoder() (*zstd.Decoder, error) {
	zstdOnce.Do(initZstd)
	return zstdDec, zstdErr
}
