package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/objlink/objlink/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Frame{
		Header: Header{
			Kind:   KindTransaction,
			Target: 7,
			Code:   42,
			Flags:  FlagOneway,
		},
		Payload: []byte("payload bytes"),
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Kind != KindTransaction || out.Header.Target != 7 || out.Header.Code != 42 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if out.Header.Flags&FlagOneway == 0 {
		t.Fatalf("oneway flag lost")
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: Magic, Version: Version, Kind: KindReply})
	h[0] = 0xFF
	_, err := ReadFrame(bytes.NewReader(h), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameUnsupportedVersion(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: Magic, Version: Version + 1, Kind: KindReply})
	_, err := ReadFrame(bytes.NewReader(h), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: Magic, Version: Version, Kind: KindTransaction, PayloadLen: 16})
	_, err := ReadFrame(bytes.NewReader(append(h, 1, 2, 3)), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadFramePayloadOverLimit(t *testing.T) {
	testlog.Start(t)
	h := EncodeHeader(Header{Magic: Magic, Version: Version, Kind: KindTransaction, PayloadLen: 128})
	_, err := ReadFrame(bytes.NewReader(h), Limits{MaxPayloadBytes: 64})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	f := Frame{Header: Header{Kind: KindReply}, Payload: make([]byte, 65)}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f, Limits{MaxPayloadBytes: 64}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestStatusErrSentinels(t *testing.T) {
	testlog.Start(t)
	if err := StatusErr(StatusOK); err != nil {
		t.Fatalf("OK should map to nil, got %v", err)
	}
	if err := StatusErr(StatusDeadObject); !errors.Is(err, ErrDeadObject) {
		t.Fatalf("expected ErrDeadObject, got %v", err)
	}
	if got := StatusOf(ErrWouldBlock); got != StatusWouldBlock {
		t.Fatalf("unexpected status: %v", got)
	}
	if got := StatusOf(errors.New("handler exploded")); got != StatusFailed {
		t.Fatalf("expected FAILED, got %v", got)
	}
	if got := StatusOf(nil); got != StatusOK {
		t.Fatalf("expected OK, got %v", got)
	}
}
