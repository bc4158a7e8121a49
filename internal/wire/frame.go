package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x4F4C4B31 // "OLK1"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 28
)

// Frame kinds.
const (
	KindHandshake uint16 = iota + 1
	KindHandshakeAck
	KindTransaction
	KindReply
	KindControl
)

// Transaction flags.
const (
	FlagOneway uint32 = 0x01
)

// Control codes, carried in the Code field of control frames.
const (
	ControlAcquire uint32 = iota + 1
	ControlAcquireWeak
	ControlRelease
	ControlReleaseWeak
	ControlThreadAdvertise
	ControlShutdown
	ControlRootRequest
)

// SelectorPing is the reserved no-op liveness probe; it is answered by the
// dispatcher and never reaches the target object.
const SelectorPing uint32 = 0

var (
	ErrShortHeader        = errors.New("wire: short fixed header")
	ErrInvalidMagic       = errors.New("wire: invalid magic")
	ErrUnsupportedVersion = errors.New("wire: unsupported version")
	ErrInvalidKind        = errors.New("wire: invalid frame kind")
	ErrPayloadTooLarge    = errors.New("wire: payload too large")
	ErrTruncated          = errors.New("wire: truncated frame")
)

// Header is the fixed wire header, shared by requests, replies and control
// frames.
type Header struct {
	Magic      uint32
	Version    uint16
	Kind       uint16
	Target     uint32
	Code       uint32
	Flags      uint32
	Status     Status
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// ReadFrame reads exactly one frame from r. Any error is fatal for the
// connection the reader owns; frames are not resynchronizable on a byte
// stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTruncated
		}
	}

	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes f to w, fixing up magic, version and the declared
// payload length so they cannot disagree with the actual payload.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))
	if h.Kind < KindHandshake || h.Kind > KindControl {
		return ErrInvalidKind
	}

	hb := EncodeHeader(h)
	if _, err := w.Write(hb); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Kind)
	binary.BigEndian.PutUint32(buf[8:12], h.Target)
	binary.BigEndian.PutUint32(buf[12:16], h.Code)
	binary.BigEndian.PutUint32(buf[16:20], h.Flags)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.Status))
	binary.BigEndian.PutUint32(buf[24:28], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("wire: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Kind:       binary.BigEndian.Uint16(b[6:8]),
		Target:     binary.BigEndian.Uint32(b[8:12]),
		Code:       binary.BigEndian.Uint32(b[12:16]),
		Flags:      binary.BigEndian.Uint32(b[16:20]),
		Status:     Status(binary.BigEndian.Uint32(b[20:24])),
		PayloadLen: binary.BigEndian.Uint32(b[24:28]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	if h.Kind < KindHandshake || h.Kind > KindControl {
		return Header{}, ErrInvalidKind
	}
	return h, nil
}
