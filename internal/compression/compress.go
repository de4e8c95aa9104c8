// Package compression packs stored values into a self-describing envelope.
// It supports gzip at configurable levels and snappy.
//
// A packed value is a JSON string "AC1:<codec>:<base64>", so a packed key
// stays valid JSON for backends and tools that inspect it.
package compression

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
)

// CompressionLevel represents the gzip compression level.
type CompressionLevel int

const (
	// LevelNone disables compression.
	LevelNone CompressionLevel = 0
	// LevelFast uses fastest compression (gzip level 1).
	LevelFast CompressionLevel = 1
	// LevelDefault uses default compression (gzip level 6).
	LevelDefault CompressionLevel = 6
	// LevelMax uses maximum compression (gzip level 9).
	LevelMax CompressionLevel = 9
)

// Codec names the compression algorithm.
type Codec string

const (
	CodecGzip   Codec = "gzip"
	CodecSnappy Codec = "snappy"
	CodecNone   Codec = "none"
)

const envelopePrefix = "AC1:"

// Compressor handles compression operations.
type Compressor struct {
	Codec Codec
	Level CompressionLevel
}

// NewCompressor creates a compressor. Level is only used by gzip; level 0
// with gzip disables compression.
func NewCompressor(codec Codec, level CompressionLevel) *Compressor {
	switch codec {
	case CodecSnappy:
		return &Compressor{Codec: CodecSnappy}
	case CodecGzip, "":
		if level <= LevelNone {
			return &Compressor{Codec: CodecNone}
		}
		return &Compressor{Codec: CodecGzip, Level: level}
	default:
		return &Compressor{Codec: CodecNone}
	}
}

// NewCompressorFromString parses "gzip", "gzip:fast", "gzip:max", "snappy" or "none".
func NewCompressorFromString(spec string) (*Compressor, error) {
	codec, level, _ := strings.Cut(strings.ToLower(strings.TrimSpace(spec)), ":")
	switch Codec(codec) {
	case CodecNone:
		return NewCompressor(CodecNone, LevelNone), nil
	case CodecSnappy:
		return NewCompressor(CodecSnappy, LevelNone), nil
	case CodecGzip, "":
		switch level {
		case "", "default", "6":
			return NewCompressor(CodecGzip, LevelDefault), nil
		case "fast", "1":
			return NewCompressor(CodecGzip, LevelFast), nil
		case "max", "9":
			return NewCompressor(CodecGzip, LevelMax), nil
		}
		return nil, fmt.Errorf("invalid gzip level: %s (must be fast, default, or max)", level)
	default:
		return nil, fmt.Errorf("invalid codec: %s (must be gzip, snappy, or none)", codec)
	}
}

// IsEnabled returns true if compression is enabled.
func (c *Compressor) IsEnabled() bool {
	return c.Codec != CodecNone
}

func (c *Compressor) String() string {
	if c.Codec == CodecGzip {
		return fmt.Sprintf("gzip:%d", c.Level)
	}
	return string(c.Codec)
}

// Encode compresses data into an envelope string.
func (c *Compressor) Encode(data []byte) (string, error) {
	var raw []byte
	var err error
	switch c.Codec {
	case CodecGzip:
		raw, err = GzipBytes(data, c.Level)
	case CodecSnappy:
		raw = snappy.Encode(nil, data)
	default:
		return "", fmt.Errorf("compression disabled")
	}
	if err != nil {
		return "", err
	}
	return envelopePrefix + string(c.Codec) + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

// Pack compresses data and returns the envelope as a JSON string value.
func (c *Compressor) Pack(data []byte) ([]byte, error) {
	env, err := c.Encode(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode reverses Encode; the codec is read from the envelope.
func Decode(envelope string) ([]byte, error) {
	rest, ok := strings.CutPrefix(envelope, envelopePrefix)
	if !ok {
		return nil, fmt.Errorf("not a compressed envelope")
	}
	codec, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, fmt.Errorf("malformed compressed envelope")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch Codec(codec) {
	case CodecGzip:
		return GunzipBytes(raw)
	case CodecSnappy:
		return snappy.Decode(nil, raw)
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// IsPacked reports whether a stored value is a packed envelope.
func IsPacked(value []byte) bool {
	v := bytes.TrimSpace(value)
	return bytes.HasPrefix(v, []byte(`"`+envelopePrefix))
}

// Unpack returns the plain JSON for any stored form: plain JSON, a packed
// envelope, or a historical archive.
func Unpack(value []byte) ([]byte, error) {
	if IsPacked(value) {
		var env string
		if err := json.Unmarshal(value, &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		plain, err := Decode(env)
		if err != nil {
			return nil, err
		}
		value = plain
	}
	if expanded, ok, err := ExpandHistorical(value); err != nil {
		return nil, err
	} else if ok {
		return expanded, nil
	}
	return value, nil
}

// GzipBytes compresses data with gzip at level.
func GzipBytes(data []byte, level CompressionLevel) ([]byte, error) {
	if level <= LevelNone {
		level = LevelDefault
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, int(level))
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// GunzipBytes decompresses gzip data.
func GunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// IsGzip reports whether data starts with the gzip magic bytes.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
