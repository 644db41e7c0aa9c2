package wireformat

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gustash/steamdepot/internal/coremodel"
)

// Protobuf field numbers for the manifest payload message, reproduced from
// the publicly documented shape of Steam's ContentManifestPayload (not
// generated by protoc in this environment, so a
// hand-rolled protowire codec stands in for generated bindings here).
const (
	fieldPayloadMappings = 1

	fieldMappingFilename     = 1
	fieldMappingChunks       = 2
	fieldMappingFlags        = 3
	fieldMappingShaContent   = 4
	fieldMappingSizeOriginal = 5

	fieldChunkSha         = 1
	fieldChunkCrc         = 2
	fieldChunkOffset      = 3
	fieldChunkCbOriginal  = 4
	fieldChunkCbCompressed = 5
)

// EncodeManifestPayload serializes a Manifest's files into the protobuf
// wire bytes of the ContentManifestPayload segment. Used by tests and by
// internal/steamclient to build realistic fixtures.
func EncodeManifestPayload(m *coremodel.Manifest) []byte {
	var out []byte
	for _, f := range m.Files {
		mapping := encodeMapping(&f)
		out = protowire.AppendTag(out, fieldPayloadMappings, protowire.BytesType)
		out = protowire.AppendBytes(out, mapping)
	}
	return out
}

func encodeMapping(f *coremodel.FileEntry) []byte {
	var m []byte
	m = protowire.AppendTag(m, fieldMappingFilename, protowire.BytesType)
	m = protowire.AppendString(m, f.Path)

	for _, c := range f.Chunks {
		cb := encodeChunkMeta(&c)
		m = protowire.AppendTag(m, fieldMappingChunks, protowire.BytesType)
		m = protowire.AppendBytes(m, cb)
	}

	m = protowire.AppendTag(m, fieldMappingFlags, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(f.Flags))

	m = protowire.AppendTag(m, fieldMappingShaContent, protowire.BytesType)
	m = protowire.AppendBytes(m, f.SHA1Hash[:])

	m = protowire.AppendTag(m, fieldMappingSizeOriginal, protowire.VarintType)
	m = protowire.AppendVarint(m, f.TotalSize)

	return m
}

func encodeChunkMeta(c *coremodel.ChunkEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldChunkSha, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ChunkID[:])

	b = protowire.AppendTag(b, fieldChunkCrc, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Adler32Checksum))

	b = protowire.AppendTag(b, fieldChunkOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Offset)

	b = protowire.AppendTag(b, fieldChunkCbOriginal, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.UncompressedLength))

	b = protowire.AppendTag(b, fieldChunkCbCompressed, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.CompressedLength))

	return b
}

// decodeManifestPayload parses the protobuf wire bytes back into FileEntry
// values.
func decodeManifestPayload(buf []byte) ([]coremodel.FileEntry, error) {
	var files []coremodel.FileEntry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("wireformat: bad tag in manifest payload: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		if num != fieldPayloadMappings || typ != protowire.BytesType {
			n2 := protowire.ConsumeFieldValue(num, typ, buf)
			if n2 < 0 {
				return nil, fmt.Errorf("wireformat: bad field in manifest payload: %w", protowire.ParseError(n2))
			}
			buf = buf[n2:]
			continue
		}

		mapping, n2 := protowire.ConsumeBytes(buf)
		if n2 < 0 {
			return nil, fmt.Errorf("wireformat: bad mapping bytes: %w", protowire.ParseError(n2))
		}
		buf = buf[n2:]

		fe, err := decodeMapping(mapping)
		if err != nil {
			return nil, err
		}
		files = append(files, fe)
	}
	return files, nil
}

func decodeMapping(buf []byte) (coremodel.FileEntry, error) {
	var fe coremodel.FileEntry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fe, fmt.Errorf("wireformat: bad tag in file mapping: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldMappingFilename && typ == protowire.BytesType:
			s, n2 := protowire.ConsumeString(buf)
			if n2 < 0 {
				return fe, fmt.Errorf("wireformat: bad filename: %w", protowire.ParseError(n2))
			}
			fe.Path = s
			buf = buf[n2:]
		case num == fieldMappingChunks && typ == protowire.BytesType:
			cb, n2 := protowire.ConsumeBytes(buf)
			if n2 < 0 {
				return fe, fmt.Errorf("wireformat: bad chunk bytes: %w", protowire.ParseError(n2))
			}
			chunk, err := decodeChunkMeta(cb)
			if err != nil {
				return fe, err
			}
			fe.Chunks = append(fe.Chunks, chunk)
			buf = buf[n2:]
		case num == fieldMappingFlags && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return fe, fmt.Errorf("wireformat: bad flags: %w", protowire.ParseError(n2))
			}
			fe.Flags = coremodel.FileFlags(v)
			buf = buf[n2:]
		case num == fieldMappingShaContent && typ == protowire.BytesType:
			sb, n2 := protowire.ConsumeBytes(buf)
			if n2 < 0 {
				return fe, fmt.Errorf("wireformat: bad sha content: %w", protowire.ParseError(n2))
			}
			copy(fe.SHA1Hash[:], sb)
			buf = buf[n2:]
		case num == fieldMappingSizeOriginal && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return fe, fmt.Errorf("wireformat: bad size: %w", protowire.ParseError(n2))
			}
			fe.TotalSize = v
			buf = buf[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, buf)
			if n2 < 0 {
				return fe, fmt.Errorf("wireformat: bad field in file mapping: %w", protowire.ParseError(n2))
			}
			buf = buf[n2:]
		}
	}
	return fe, nil
}

func decodeChunkMeta(buf []byte) (coremodel.ChunkEntry, error) {
	var c coremodel.ChunkEntry
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return c, fmt.Errorf("wireformat: bad tag in chunk meta: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldChunkSha && typ == protowire.BytesType:
			sb, n2 := protowire.ConsumeBytes(buf)
			if n2 < 0 {
				return c, fmt.Errorf("wireformat: bad chunk sha: %w", protowire.ParseError(n2))
			}
			copy(c.ChunkID[:], sb)
			buf = buf[n2:]
		case num == fieldChunkCrc && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return c, fmt.Errorf("wireformat: bad crc: %w", protowire.ParseError(n2))
			}
			c.Adler32Checksum = uint32(v)
			buf = buf[n2:]
		case num == fieldChunkOffset && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return c, fmt.Errorf("wireformat: bad offset: %w", protowire.ParseError(n2))
			}
			c.Offset = v
			buf = buf[n2:]
		case num == fieldChunkCbOriginal && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return c, fmt.Errorf("wireformat: bad cb_original: %w", protowire.ParseError(n2))
			}
			c.UncompressedLength = uint32(v)
			buf = buf[n2:]
		case num == fieldChunkCbCompressed && typ == protowire.VarintType:
			v, n2 := protowire.ConsumeVarint(buf)
			if n2 < 0 {
				return c, fmt.Errorf("wireformat: bad cb_compressed: %w", protowire.ParseError(n2))
			}
			c.CompressedLength = uint32(v)
			buf = buf[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, buf)
			if n2 < 0 {
				return c, fmt.Errorf("wireformat: bad field in chunk meta: %w", protowire.ParseError(n2))
			}
			buf = buf[n2:]
		}
	}
	return c, nil
}

// EncodeManifest builds the full magic-prefixed container: a payload
// segment (optionally zlib-compressed) plus an end marker. Metadata and
// signature segments are supported on decode but not required on encode;
// EncodeManifest omits them since the core never inspects them
// (they're present-if-the-CDN-sent-them).
func EncodeManifest(m *coremodel.Manifest, compress bool) ([]byte, error) {
	payload := EncodeManifestPayload(m)
	if compress {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
	}

	var out []byte
	out = appendSegment(out, magicManifestPayload, payload)
	out = appendSegment(out, magicEndOfManifest, nil)
	return out, nil
}

// DecodeManifest parses the magic-prefixed container produced by
// EncodeManifest (or a real CDN response of the same shape) into a
// coremodel.Manifest. depotKey is accepted for symmetry with the CDN
// client's signature but is not used: encrypted filenames are not
// decrypted, and paths are taken from the payload as stored.
func DecodeManifest(raw []byte, depotID coremodel.DepotId, manifestID coremodel.ManifestId, depotKey coremodel.DepotKey) (*coremodel.Manifest, error) {
	r := &segmentReader{buf: raw}

	payload, ok, err := r.readSegment(magicManifestPayload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("wireformat: manifest missing payload segment")
	}

	// Try zlib first (the common case); fall back to raw protobuf bytes.
	if decompressed, derr := zlibDecompress(payload); derr == nil {
		payload = decompressed
	}

	files, err := decodeManifestPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("wireformat: decode manifest payload: %w", err)
	}

	var total uint64
	for i := range files {
		total += files[i].TotalSize
	}

	return &coremodel.Manifest{
		DepotID:           depotID,
		ManifestID:        manifestID,
		TotalUncompressed: total,
		Files:             files,
	}, nil
}

func zlibDecompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decryptAES256CBC decrypts chunk payloads for DecodeChunk; manifest
// filenames are not decrypted anywhere in this package.
func decryptAES256CBC(ciphertext []byte, key coremodel.DepotKey, iv [aes.BlockSize]byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("wireformat: ciphertext not a multiple of the AES block size")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv[:])
	cbc.CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

func encryptAES256CBC(plaintext []byte, key coremodel.DepotKey, iv [aes.BlockSize]byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv[:])
	cbc.CryptBlocks(out, padded)
	return out, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	padLen := int(b[len(b)-1])
	if padLen <= 0 || padLen > len(b) {
		return nil, fmt.Errorf("wireformat: invalid PKCS7 padding")
	}
	return b[:len(b)-padLen], nil
}
