package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"embeddb/pkg/dberrors"
)

const (
	// FooterLen is the fixed size of the table footer.
	FooterLen = 48

	// Magic ends every table file.
	Magic uint64 = 0x8fc2a1a7e6d3b519

	// blockTrailerLen covers the compression tag and the checksum.
	blockTrailerLen = 5

	maxHandleLen = 2 * binary.MaxVarintLen64
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// blockChecksum covers the stored payload and its compression tag.
func blockChecksum(payload []byte, ctype byte) uint32 {
	crc := crc32.Update(0, crcTable, payload)
	return crc32.Update(crc, crcTable, []byte{ctype})
}

// BlockHandle locates a block inside a table file. Size excludes the trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func (h BlockHandle) AppendTo(dst []byte) []byte {
	dst = binary.AppendUvarint(dst, h.Offset)
	return binary.AppendUvarint(dst, h.Size)
}

// DecodeBlockHandle parses a handle and returns the number of bytes it used.
func DecodeBlockHandle(src []byte) (BlockHandle, int, error) {
	off, n := binary.Uvarint(src)
	if n <= 0 {
		return BlockHandle{}, 0, dberrors.Corruptionf("bad block handle offset")
	}
	size, m := binary.Uvarint(src[n:])
	if m <= 0 {
		return BlockHandle{}, 0, dberrors.Corruptionf("bad block handle size")
	}
	return BlockHandle{Offset: off, Size: size}, n + m, nil
}

type footer struct {
	filter BlockHandle
	index  BlockHandle
}

func (f footer) encode() []byte {
	buf := make([]byte, 0, FooterLen)
	buf = f.filter.AppendTo(buf)
	buf = f.index.AppendTo(buf)
	buf = buf[:FooterLen-8]
	return binary.LittleEndian.AppendUint64(buf, Magic)
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != FooterLen {
		return footer{}, dberrors.Corruptionf("footer is %d bytes", len(buf))
	}
	if m := binary.LittleEndian.Uint64(buf[FooterLen-8:]); m != Magic {
		return footer{}, dberrors.Corruptionf("bad table magic %#x", m)
	}
	var f footer
	filter, n, err := DecodeBlockHandle(buf)
	if err != nil {
		return footer{}, err
	}
	index, _, err := DecodeBlockHandle(buf[n:])
	if err != nil {
		return footer{}, err
	}
	f.filter, f.index = filter, index
	return f, nil
}
