package file

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/DataDog/dd-sdk-android-sub039/internal/format"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const flagBrotli = format.FlagBrotli

// zstdDec is a package-level decoder, concurrent-safe, always available for reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// compressor encodes the frame section of a sealed unit. Units remember
// their codec in the header flags, so a backend can read units sealed
// under any compression setting.
type compressor interface {
	flags() byte
	compress(dst, src []byte) ([]byte, error)
	Close() error
}

// newCompressor returns nil for CompressionNone.
func newCompressor(t CompressionType) (compressor, error) {
	switch t {
	case CompressionNone:
		return nil, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return zstdCompressor{enc: enc}, nil
	case CompressionBrotli:
		return brotliCompressor{level: brotli.DefaultCompression}, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

type zstdCompressor struct {
	enc *zstd.Encoder
}

func (zstdCompressor) flags() byte { return flagCompressed }

func (c zstdCompressor) compress(dst, src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, dst), nil
}

func (c zstdCompressor) Close() error { return c.enc.Close() }

type brotliCompressor struct {
	level int
}

func (brotliCompressor) flags() byte { return flagCompressed | flagBrotli }

func (c brotliCompressor) compress(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := brotli.NewWriterLevel(buf, c.level)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCompressor) Close() error { return nil }

// compressRecords replaces the frame section of a sealed records.log with a
// compressed stream, atomically via temp file and rename. The header gains
// the codec flags; the creation time is kept uncompressed.
func compressRecords(path string, comp compressor, mode os.FileMode) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	if len(data) < recordsPrefixSize {
		return format.ErrHeaderTooSmall
	}
	hdr, err := format.Decode(data)
	if err != nil {
		return err
	}
	if hdr.Flags&flagCompressed != 0 {
		return nil
	}
	hdr.Flags |= comp.flags()

	out := make([]byte, recordsPrefixSize, recordsPrefixSize+len(data)/2)
	hdr.EncodeInto(out)
	copy(out[format.HeaderSize:], data[format.HeaderSize:recordsPrefixSize])
	out, err = comp.compress(out, data[recordsPrefixSize:])
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".compress-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := writeAll(tmp, out); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:gosec // G703: tmpPath is from os.CreateTemp, not user input
		return err
	}
	return os.Rename(tmpPath, path) //nolint:gosec // G703: both paths are internal, not user input
}

// decompressBody returns the frame section of a compressed records.log.
func decompressBody(flags byte, body []byte) ([]byte, error) {
	if flags&flagBrotli != 0 {
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	}
	return zstdDec.DecodeAll(body, nil)
}
