package crdt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gbasin/scriptum/internal/coreerr"
)

func sampleTimestamp() time.Time {
	return time.Date(2026, 2, 7, 14, 8, 0, 0, time.UTC)
}

func TestOriginTagRoundTrip(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorAgent, AuthorID: "claude-agent", Timestamp: sampleTimestamp()}

	encoded, err := EncodeOriginTag(tag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOriginTag(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != tag {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, tag)
	}
}

func TestOriginTagEmptyAuthorID(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorHuman, AuthorID: "", Timestamp: sampleTimestamp()}

	encoded, err := EncodeOriginTag(tag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) != originTagFixedBytes {
		t.Fatalf("expected %d bytes, got %d", originTagFixedBytes, len(encoded))
	}
	decoded, err := DecodeOriginTag(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != tag {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, tag)
	}
}

func TestOriginTagMaxLengthAuthorID(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorAgent, AuthorID: strings.Repeat("a", MaxAuthorIDLen), Timestamp: sampleTimestamp()}

	encoded, err := EncodeOriginTag(tag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOriginTag(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.AuthorID) != MaxAuthorIDLen {
		t.Fatalf("expected author id len %d, got %d", MaxAuthorIDLen, len(decoded.AuthorID))
	}
	if decoded != tag {
		t.Fatalf("round trip mismatch")
	}
}

func TestOriginTagTooLongAuthorIDRejected(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorHuman, AuthorID: strings.Repeat("a", MaxAuthorIDLen+1), Timestamp: sampleTimestamp()}

	_, err := EncodeOriginTag(tag)
	if !errors.Is(err, coreerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOriginTagDisplay(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorHuman, AuthorID: "alice", Timestamp: sampleTimestamp()}
	want := "human:alice@" + tag.Timestamp.Format(time.RFC3339)
	if got := tag.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecodeOriginTagRejectsShortPayload(t *testing.T) {
	_, err := DecodeOriginTag([]byte{0, 0, 1, 2, 3})
	if !errors.Is(err, coreerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeOriginTagRejectsUnknownAuthorKind(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorHuman, AuthorID: "x", Timestamp: sampleTimestamp()}
	encoded, err := EncodeOriginTag(tag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded[0] = 7
	_, err = DecodeOriginTag(encoded)
	if !errors.Is(err, coreerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeOriginTagRejectsLengthMismatch(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorHuman, AuthorID: "alice", Timestamp: sampleTimestamp()}
	encoded, err := EncodeOriginTag(tag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := encoded[:len(encoded)-2]
	_, err = DecodeOriginTag(truncated)
	if !errors.Is(err, coreerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeOriginTagRejectsInvalidUTF8(t *testing.T) {
	tag := OriginTag{AuthorKind: AuthorHuman, AuthorID: "ab", Timestamp: sampleTimestamp()}
	encoded, err := EncodeOriginTag(tag)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded[2] = 0xff
	encoded[3] = 0xfe
	_, err = DecodeOriginTag(encoded)
	if !errors.Is(err, coreerr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
