// Package wireformat decodes (and, for test fixtures, encodes) the on-wire
// manifest and chunk container formats: a
// magic-prefixed, optionally zlib-compressed envelope around a protobuf
// manifest payload, and AES-256-CBC-encrypted, zlib-compressed chunk bytes.
// Everything here is reproduced from the publicly documented shape of
// Steam's depot content format; it is not derived from any live key
// material and is only as complete as the core's needs require.
package wireformat

import (
	"encoding/binary"
	"fmt"
)

// Magic numbers for the manifest container segments (little-endian on wire).
const (
	magicManifestPayload   uint32 = 0x71F617D0
	magicManifestMetadata  uint32 = 0x1F4812BE
	magicManifestSignature uint32 = 0x1B81B817
	magicEndOfManifest     uint32 = 0x32C415AB
)

// ErrUnsupportedChunkCodec is returned by DecodeChunk when the plaintext
// framing isn't the zlib-compressed form this implementation supports (see
// plaintext chunk container).
var ErrUnsupportedChunkCodec = fmt.Errorf("wireformat: unsupported chunk codec")

type segmentReader struct {
	buf []byte
	off int
}

func (r *segmentReader) readUint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("wireformat: truncated uint32 at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *segmentReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("wireformat: truncated segment of length %d at offset %d", n, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// readSegment reads a magic-prefixed, length-prefixed segment and returns
// its payload bytes. Returns ok=false if the next magic doesn't match want.
func (r *segmentReader) readSegment(want uint32) (payload []byte, ok bool, err error) {
	start := r.off
	magic, err := r.readUint32()
	if err != nil {
		return nil, false, err
	}
	if magic != want {
		r.off = start
		return nil, false, nil
	}
	length, err := r.readUint32()
	if err != nil {
		return nil, false, err
	}
	payload, err = r.readBytes(int(length))
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func appendSegment(buf []byte, magic uint32, payload []byte) []byte {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	return buf
}
