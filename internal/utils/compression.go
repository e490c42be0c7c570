package utils

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression identifies the container compression of an archive
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionXz
	CompressionLZ4
)

// String returns the string representation of Compression
func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionXz:
		return "xz"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// Magic bytes for compression detection
var (
	gzipMagic = []byte{0x1F, 0x8B}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	xzMagic   = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

// DetectCompression identifies compression from the leading bytes of data
func DetectCompression(header []byte) Compression {
	switch {
	case bytes.HasPrefix(header, zstdMagic):
		return CompressionZstd
	case bytes.HasPrefix(header, xzMagic):
		return CompressionXz
	case bytes.HasPrefix(header, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(header, lz4Magic):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// NewDecompressingReader sniffs r and returns a reader of the decompressed
// stream. Uncompressed input is passed through. Close releases decoder
// resources; it does not close r.
func NewDecompressingReader(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(6)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, CompressionNone, err
	}

	compression := DetectCompression(header)
	switch compression {
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, compression, err
		}
		return zr.IOReadCloser(), compression, nil
	case CompressionXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, compression, err
		}
		return io.NopCloser(xr), compression, nil
	case CompressionGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, compression, err
		}
		return gr, compression, nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(br)), compression, nil
	default:
		return io.NopCloser(br), compression, nil
	}
}

// ZstdCompress compresses data using zstd
func ZstdCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// GzipCompress compresses data using gzip
func GzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
