package sstable

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

const maxProbes = 30

func bloomProbes(bitsPerKey int) int {
	k := int(math.Round(float64(bitsPerKey) * math.Ln2))
	return max(1, min(k, maxProbes))
}

// appendBloom builds a filter over keys. Probe positions come from double
// hashing the two halves of a 128-bit murmur3 digest.
func appendBloom(dst []byte, keys [][]byte, bitsPerKey int) []byte {
	k := bloomProbes(bitsPerKey)
	nBits := len(keys) * bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	start := len(dst)
	dst = append(dst, make([]byte, nBytes)...)
	bits := dst[start:]
	for _, key := range keys {
		h1, h2 := murmur3.Sum128(key)
		for i := 0; i < k; i++ {
			pos := (h1 + uint64(i)*h2) % uint64(nBits)
			bits[pos/8] |= 1 << (pos % 8)
		}
	}
	return append(dst, byte(k))
}

func bloomMayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return true
	}
	k := int(filter[len(filter)-1])
	if k < 1 || k > maxProbes {
		// unknown encoding, fail open
		return true
	}
	bits := filter[:len(filter)-1]
	nBits := uint64(len(bits) * 8)

	h1, h2 := murmur3.Sum128(key)
	for i := 0; i < k; i++ {
		pos := (h1 + uint64(i)*h2) % nBits
		if bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// filterWriter emits one bloom filter per data block:
//
//	filter 0 | ... | filter n-1 | u32 offset x n | u32 n
type filterWriter struct {
	bitsPerKey int

	keyBuf  []byte
	keyOffs []int
	result  []byte
	offsets []uint32
}

func newFilterWriter(bitsPerKey int) *filterWriter {
	return &filterWriter{bitsPerKey: bitsPerKey}
}

func (w *filterWriter) addKey(userKey []byte) {
	if n := len(w.keyOffs); n > 0 {
		last := w.keyBuf[w.keyOffs[n-1]:]
		if string(last) == string(userKey) {
			return
		}
	}
	w.keyOffs = append(w.keyOffs, len(w.keyBuf))
	w.keyBuf = append(w.keyBuf, userKey...)
}

// finishBlock closes the filter for the data block just written.
func (w *filterWriter) finishBlock() {
	keys := make([][]byte, len(w.keyOffs))
	for i, off := range w.keyOffs {
		end := len(w.keyBuf)
		if i+1 < len(w.keyOffs) {
			end = w.keyOffs[i+1]
		}
		keys[i] = w.keyBuf[off:end]
	}

	w.offsets = append(w.offsets, uint32(len(w.result)))
	w.result = appendBloom(w.result, keys, w.bitsPerKey)
	w.keyBuf = w.keyBuf[:0]
	w.keyOffs = w.keyOffs[:0]
}

func (w *filterWriter) finish() []byte {
	for _, off := range w.offsets {
		w.result = binary.LittleEndian.AppendUint32(w.result, off)
	}
	return binary.LittleEndian.AppendUint32(w.result, uint32(len(w.offsets)))
}

type filterReader struct {
	data       []byte
	offsetsOff int
	n          int
}

// newFilterReader returns nil for a malformed block; lookups then always
// fall through to the data block.
func newFilterReader(data []byte) *filterReader {
	if len(data) < 4 {
		return nil
	}
	n := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	if n > (len(data)-4)/4 {
		return nil
	}
	return &filterReader{data: data, offsetsOff: len(data) - 4 - 4*n, n: n}
}

func (r *filterReader) mayContain(blockIdx int, userKey []byte) bool {
	if r == nil || blockIdx >= r.n {
		return true
	}
	start := int(binary.LittleEndian.Uint32(r.data[r.offsetsOff+4*blockIdx:]))
	end := r.offsetsOff
	if blockIdx+1 < r.n {
		end = int(binary.LittleEndian.Uint32(r.data[r.offsetsOff+4*(blockIdx+1):]))
	}
	if start > end || end > r.offsetsOff {
		return true
	}
	return bloomMayContain(r.data[start:end], userKey)
}
