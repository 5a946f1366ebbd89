// Package metadata implements the tagged metadata value type stores attach
// to every vector, and its JSON-safe, round-trippable encoding.
package metadata

import (
	"encoding/ascii85"
	"errors"
	"fmt"
)

// ReservedKey holds the pre-embedding input the AI-proxy path reconstructs
// original inputs from. User writes naming this key are rejected.
const ReservedKey = "_ahnlich_reserved"

// Kind tags which variant a Value holds.
type Kind byte

const (
	KindString Kind = iota
	KindBinary
	KindImage
	KindAudio
)

// prefixes are the short ASCII tags written ahead of every encoded value:
// binary-shaped values follow theirs with an Ascii85 body, string values
// follow "s:" with the raw string.
const (
	prefixString = "s:"
	prefixBinary = "b:"
	prefixImage  = "i:"
	prefixAudio  = "a:"
)

// Value is a tagged metadata value: a raw string, an opaque byte blob, image
// bytes, or audio bytes.
type Value struct {
	Kind  Kind
	Str   string // valid when Kind == KindString
	Bytes []byte // valid otherwise
}

// ErrReservedKey is returned when a caller's write names metadata.ReservedKey.
var ErrReservedKey = errors.New("metadata: reserved key cannot be set by caller")

// String constructs a raw-string metadata value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Binary constructs an opaque-byte-blob metadata value.
func Binary(b []byte) Value { return Value{Kind: KindBinary, Bytes: b} }

// Image constructs an image-bytes metadata value.
func Image(b []byte) Value { return Value{Kind: KindImage, Bytes: b} }

// Audio constructs an audio-bytes metadata value.
func Audio(b []byte) Value { return Value{Kind: KindAudio, Bytes: b} }

// Equal reports whether two values carry the same tag and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindString {
		return v.Str == o.Str
	}
	if len(v.Bytes) != len(o.Bytes) {
		return false
	}
	for i := range v.Bytes {
		if v.Bytes[i] != o.Bytes[i] {
			return false
		}
	}
	return true
}

// Encode renders v as a JSON-safe string: a short ASCII prefix identifying
// the tag, followed by the raw string or an Ascii85 body for binary forms.
func Encode(v Value) string {
	switch v.Kind {
	case KindString:
		return prefixString + v.Str
	case KindBinary:
		return prefixBinary + encodeAscii85(v.Bytes)
	case KindImage:
		return prefixImage + encodeAscii85(v.Bytes)
	case KindAudio:
		return prefixAudio + encodeAscii85(v.Bytes)
	default:
		return prefixString + v.Str
	}
}

// Decode parses the encoding Encode produces, round-tripping the original
// Value: decode(encode(m)) == m for every m.
func Decode(s string) (Value, error) {
	if len(s) < 2 {
		return Value{}, fmt.Errorf("metadata: encoded value too short: %q", s)
	}
	prefix, body := s[:2], s[2:]
	switch prefix {
	case prefixString:
		return Value{Kind: KindString, Str: body}, nil
	case prefixBinary:
		b, err := decodeAscii85(body)
		if err != nil {
			return Value{}, fmt.Errorf("metadata: decode binary: %w", err)
		}
		return Value{Kind: KindBinary, Bytes: b}, nil
	case prefixImage:
		b, err := decodeAscii85(body)
		if err != nil {
			return Value{}, fmt.Errorf("metadata: decode image: %w", err)
		}
		return Value{Kind: KindImage, Bytes: b}, nil
	case prefixAudio:
		b, err := decodeAscii85(body)
		if err != nil {
			return Value{}, fmt.Errorf("metadata: decode audio: %w", err)
		}
		return Value{Kind: KindAudio, Bytes: b}, nil
	default:
		return Value{}, fmt.Errorf("metadata: unknown tag prefix %q", prefix)
	}
}

func encodeAscii85(b []byte) string {
	out := make([]byte, ascii85.MaxEncodedLen(len(b)))
	n := ascii85.Encode(out, b)
	return string(out[:n])
}

func decodeAscii85(s string) ([]byte, error) {
	// Decode stops early once fewer than 4 bytes of dst remain, and a 'z'
	// character expands to 4 bytes, so size for the worst case.
	out := make([]byte, 4*len(s)+4)
	n, _, err := ascii85.Decode(out, []byte(s), true)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Map is a store entry's full metadata: a mapping from string keys to
// tagged values.
type Map map[string]Value

// Clone returns a shallow copy safe to store independently of the caller's
// map (byte slices are not copied; callers must not mutate them after
// handing a Map to the store).
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidateUserWrite rejects a caller-supplied metadata map that names the
// reserved key; the AI-proxy path alone may set it.
func ValidateUserWrite(m Map) error {
	if _, ok := m[ReservedKey]; ok {
		return ErrReservedKey
	}
	return nil
}
