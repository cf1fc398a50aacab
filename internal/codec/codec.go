// Package codec frames a patch manifest into the on-disk container
// format: an 8-byte magic header followed by a zstd-compressed,
// canonically serialized manifest.
package codec

import (
	"errors"
	"fmt"
	"io"

	"patcher/internal/manifest"

	"github.com/klauspost/compress/zstd"
)

// Magic is the 8-byte ASCII header every patch file begins with.
var Magic = [8]byte{'P', 'A', 'T', 'C', 'H', 'V', '0', '1'}

// CompressionLevel is the zstd level used when encoding patches if the
// caller doesn't request a specific one.
const CompressionLevel = zstd.SpeedDefault

// MaxDecompressedSize caps the decompressed manifest size to guard
// against decompression-bomb patches crafted to exhaust memory.
const MaxDecompressedSize = 4 << 30 // 4 GiB

var (
	// ErrBadMagic is returned when a patch file doesn't start with Magic.
	ErrBadMagic = errors.New("codec: bad magic header")
	// ErrUnsupportedVersion is returned when the manifest's format_version
	// is not one this decoder understands.
	ErrUnsupportedVersion = errors.New("codec: unsupported format version")
	// ErrDecompressedTooLarge is returned when a patch's decompressed
	// payload would exceed MaxDecompressedSize.
	ErrDecompressedTooLarge = errors.New("codec: decompressed payload too large")
)

// Encode writes m to w as magic header + zstd-compressed canonical bytes,
// using CompressionLevel.
func Encode(w io.Writer, m *manifest.Manifest) error {
	return EncodeWithLevel(w, m, CompressionLevel)
}

// EncodeWithLevel is Encode with an explicit zstd level. A zero level
// (the EncoderLevel zero value) falls back to CompressionLevel.
func EncodeWithLevel(w io.Writer, m *manifest.Manifest, level zstd.EncoderLevel) error {
	if level == 0 {
		level = CompressionLevel
	}

	if _, err := w.Write(Magic[:]); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return fmt.Errorf("zstd encoder: %w", err)
	}

	if _, err := enc.Write(marshal(m)); err != nil {
		enc.Close()
		return fmt.Errorf("compress manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize compressed stream: %w", err)
	}
	return nil
}

// ParseCompressionLevel maps a CLI/config compression level name to its
// zstd.EncoderLevel. Accepts "fastest", "default", "better", "best".
func ParseCompressionLevel(s string) (zstd.EncoderLevel, error) {
	switch s {
	case "", "default":
		return zstd.SpeedDefault, nil
	case "fastest":
		return zstd.SpeedFastest, nil
	case "better":
		return zstd.SpeedBetterCompression, nil
	case "best":
		return zstd.SpeedBestCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression level %q", s)
	}
}

// Decode reads a patch container from r, verifying the magic header and
// format version and rejecting any payload that decompresses past
// MaxDecompressedSize.
func Decode(r io.Reader) (*manifest.Manifest, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMagic, err)
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decoder: %s", ErrCorrupt, err)
	}
	defer dec.Close()

	limited := io.LimitReader(dec, MaxDecompressedSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %s", ErrCorrupt, err)
	}
	if len(data) > MaxDecompressedSize {
		return nil, ErrDecompressedTooLarge
	}

	m, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	if m.FormatVersion != manifest.FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, m.FormatVersion, manifest.FormatVersion)
	}
	return m, nil
}
