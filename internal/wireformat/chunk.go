package wireformat

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/sha1"
	"fmt"
	"hash/adler32"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// chunkIV derives the AES-CBC initialization vector for a chunk from the
// first 16 bytes of SHA-1(chunk_id), reproducing the scheme Steam
// documents for Steam depot chunks.
func chunkIV(chunkID [20]byte) [aes.BlockSize]byte {
	sum := sha1.Sum(chunkID[:])
	var iv [aes.BlockSize]byte
	copy(iv[:], sum[:aes.BlockSize])
	return iv
}

// DecodeChunk decrypts, decompresses, and verifies one chunk's ciphertext
// against its manifest-declared metadata: the returned
// plaintext always has len == expected.UncompressedLength and
// Adler32(plaintext) == expected.Adler32Checksum, or an error is returned
// instead.
func DecodeChunk(ciphertext []byte, depotKey coremodel.DepotKey, expected coremodel.ChunkEntry) ([]byte, error) {
	iv := chunkIV(expected.ChunkID)
	compressed, err := decryptAES256CBC(ciphertext, depotKey, iv)
	if err != nil {
		return nil, fmt.Errorf("wireformat: decrypt chunk: %w", err)
	}

	plaintext, err := zlibDecompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChunkCodec, err)
	}

	if uint32(len(plaintext)) != expected.UncompressedLength {
		return nil, fmt.Errorf("wireformat: chunk length mismatch: got %d want %d", len(plaintext), expected.UncompressedLength)
	}
	if sum := adler32.Checksum(plaintext); sum != expected.Adler32Checksum {
		return nil, fmt.Errorf("wireformat: chunk adler32 mismatch: got %#x want %#x", sum, expected.Adler32Checksum)
	}
	if sha1.Sum(plaintext) != expected.ChunkID {
		return nil, fmt.Errorf("wireformat: chunk sha1 mismatch")
	}

	return plaintext, nil
}

// EncodeChunk compresses and encrypts plaintext the same way a real CDN
// response is shaped, for use by tests and internal/steamclient's fixture
// server. It also returns the ChunkEntry metadata the caller should put in
// the manifest for this chunk.
func EncodeChunk(plaintext []byte, depotKey coremodel.DepotKey, offset uint64) (ciphertext []byte, entry coremodel.ChunkEntry, err error) {
	chunkID := sha1.Sum(plaintext)
	checksum := adler32.Checksum(plaintext)

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err = w.Write(plaintext); err != nil {
		return nil, coremodel.ChunkEntry{}, err
	}
	if err = w.Close(); err != nil {
		return nil, coremodel.ChunkEntry{}, err
	}

	iv := chunkIV(chunkID)
	ciphertext, err = encryptAES256CBC(buf.Bytes(), depotKey, iv)
	if err != nil {
		return nil, coremodel.ChunkEntry{}, err
	}

	entry = coremodel.ChunkEntry{
		ChunkID:            chunkID,
		Offset:             offset,
		UncompressedLength: uint32(len(plaintext)),
		CompressedLength:   uint32(len(ciphertext)),
		Adler32Checksum:    checksum,
	}
	return ciphertext, entry, nil
}
