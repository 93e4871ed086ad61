package crdt

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gbasin/scriptum/internal/coreerr"
)

// MaxAuthorIDLen is the largest UTF-8 byte length accepted for an
// OriginTag's AuthorID in the compact binary encoding.
const MaxAuthorIDLen = 255

// originTagFixedBytes is the number of bytes in an encoded OriginTag outside
// of the variable-length author id: 1 (author kind) + 1 (author id length)
// + 8 (millisecond timestamp).
const originTagFixedBytes = 10

// AuthorKind distinguishes a human editor from an autonomous agent as the
// producer of a CRDT transaction.
type AuthorKind uint8

const (
	AuthorHuman AuthorKind = 0
	AuthorAgent AuthorKind = 1
)

func (k AuthorKind) String() string {
	switch k {
	case AuthorHuman:
		return "human"
	case AuthorAgent:
		return "agent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// OriginTag is the structured attribution embedded in a CRDT transaction:
// who produced it, and when.
type OriginTag struct {
	AuthorKind AuthorKind
	AuthorID   string
	Timestamp  time.Time
}

func (t OriginTag) String() string {
	return fmt.Sprintf("%s:%s@%s", t.AuthorKind, t.AuthorID, t.Timestamp.UTC().Format(time.RFC3339))
}

// EncodeOriginTag produces the fixed binary layout:
//
//	offset 0:   1 byte  author kind (0 = human, 1 = agent)
//	offset 1:   1 byte  author-id byte length (0-255)
//	offset 2:   N bytes author-id, UTF-8
//	offset 2+N: 8 bytes millisecond Unix timestamp, little-endian signed
func EncodeOriginTag(tag OriginTag) ([]byte, error) {
	authorBytes := []byte(tag.AuthorID)
	if len(authorBytes) > MaxAuthorIDLen {
		return nil, coreerr.Wrap(coreerr.Validation, fmt.Errorf("author id is %d bytes, max %d", len(authorBytes), MaxAuthorIDLen), "encode origin tag")
	}

	out := make([]byte, 0, originTagFixedBytes+len(authorBytes))
	out = append(out, byte(tag.AuthorKind))
	out = append(out, byte(len(authorBytes)))
	out = append(out, authorBytes...)
	out = appendInt64LE(out, tag.Timestamp.UnixMilli())
	return out, nil
}

// DecodeOriginTag reverses EncodeOriginTag. It rejects payloads shorter
// than the fixed header, length/content mismatches, unknown author-kind
// bytes, and invalid UTF-8 in the author-id slice.
func DecodeOriginTag(data []byte) (OriginTag, error) {
	if len(data) < originTagFixedBytes {
		return OriginTag{}, coreerr.Wrap(coreerr.Validation, fmt.Errorf("origin payload too short: expected at least %d bytes, got %d", originTagFixedBytes, len(data)), "decode origin tag")
	}

	kind := AuthorKind(data[0])
	if kind != AuthorHuman && kind != AuthorAgent {
		return OriginTag{}, coreerr.Wrap(coreerr.Validation, fmt.Errorf("invalid author kind marker: %d", data[0]), "decode origin tag")
	}

	authorLen := int(data[1])
	expectedLen := originTagFixedBytes + authorLen
	if len(data) != expectedLen {
		return OriginTag{}, coreerr.Wrap(coreerr.Validation, fmt.Errorf("origin payload length mismatch: expected %d bytes, got %d", expectedLen, len(data)), "decode origin tag")
	}

	authorStart := 2
	authorEnd := authorStart + authorLen
	authorBytes := data[authorStart:authorEnd]
	if !utf8.Valid(authorBytes) {
		return OriginTag{}, coreerr.Wrap(coreerr.Validation, fmt.Errorf("author id is not valid UTF-8"), "decode origin tag")
	}

	millis := int64LE(data[authorEnd : authorEnd+8])

	return OriginTag{
		AuthorKind: kind,
		AuthorID:   string(authorBytes),
		Timestamp:  time.UnixMilli(millis).UTC(),
	}, nil
}

func appendInt64LE(dst []byte, v int64) []byte {
	u := uint64(v)
	return append(dst,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56),
	)
}

func int64LE(b []byte) int64 {
	u := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	return int64(u)
}
