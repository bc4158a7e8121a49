// Package parcel is the TLV payload codec used by transaction handlers.
// The transport core treats payloads as opaque bytes; parcel is the
// serializer handed to application code and to the bundled binaries.
package parcel

import (
	"encoding/binary"
	"errors"
)

type FieldType uint8

const (
	FieldUint8 FieldType = iota + 1
	FieldUint16
	FieldUint32
	FieldUint64
	FieldBool
	FieldString
	FieldBytes
	FieldObject
)

var (
	ErrTruncated         = errors.New("parcel: truncated data")
	ErrInvalidLength     = errors.New("parcel: invalid length")
	ErrFieldTypeMismatch = errors.New("parcel: field type mismatch")
	ErrFieldMissing      = errors.New("parcel: field missing")
)

const fieldHeaderSize = 2 + 1 + 4

// Field is one typed value in a payload.
type Field struct {
	ID    uint16
	Type  FieldType
	Value []byte
}

// Encode serializes fields in order.
func Encode(fields []Field) []byte {
	total := 0
	for _, f := range fields {
		total += fieldHeaderSize + len(f.Value)
	}
	buf := make([]byte, 0, total)
	for _, f := range fields {
		var head [fieldHeaderSize]byte
		binary.BigEndian.PutUint16(head[0:2], f.ID)
		head[2] = byte(f.Type)
		binary.BigEndian.PutUint32(head[3:7], uint32(len(f.Value)))
		buf = append(buf, head[:]...)
		buf = append(buf, f.Value...)
	}
	return buf
}

// Decode parses a payload back into its fields.
func Decode(payload []byte) ([]Field, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	fields := make([]Field, 0, 4)
	for offset := 0; offset < len(payload); {
		remaining := len(payload) - offset
		if remaining < fieldHeaderSize {
			return nil, ErrTruncated
		}
		id := binary.BigEndian.Uint16(payload[offset : offset+2])
		ft := FieldType(payload[offset+2])
		length := binary.BigEndian.Uint32(payload[offset+3 : offset+7])
		offset += fieldHeaderSize
		if length > uint32(len(payload)-offset) {
			return nil, ErrInvalidLength
		}
		value := make([]byte, length)
		copy(value, payload[offset:offset+int(length)])
		fields = append(fields, Field{ID: id, Type: ft, Value: value})
		offset += int(length)
	}
	return fields, nil
}

// Lookup returns the first field with the given id.
func Lookup(fields []Field, id uint16) (Field, error) {
	for _, f := range fields {
		if f.ID == id {
			return f, nil
		}
	}
	return Field{}, ErrFieldMissing
}

func NewUint32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: FieldUint32, Value: buf}
}

func NewUint64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: FieldUint64, Value: buf}
}

func NewBool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: FieldBool, Value: []byte{b}}
}

func NewString(id uint16, v string) Field {
	return Field{ID: id, Type: FieldString, Value: []byte(v)}
}

func NewBytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: FieldBytes, Value: buf}
}

// NewObject wraps an object token produced by a session's MarshalObject.
func NewObject(id uint16, token []byte) Field {
	buf := make([]byte, len(token))
	copy(buf, token)
	return Field{ID: id, Type: FieldObject, Value: buf}
}

func (f Field) Uint32() (uint32, error) {
	if f.Type != FieldUint32 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 4 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) Uint64() (uint64, error) {
	if f.Type != FieldUint64 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 8 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func (f Field) Bool() (bool, error) {
	if f.Type != FieldBool {
		return false, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return false, ErrInvalidLength
	}
	switch f.Value[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.New("parcel: invalid bool value")
	}
}

func (f Field) String() (string, error) {
	if f.Type != FieldString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

func (f Field) Bytes() ([]byte, error) {
	if f.Type != FieldBytes {
		return nil, ErrFieldTypeMismatch
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}

// Object returns the raw object token for a session's UnmarshalObject.
func (f Field) Object() ([]byte, error) {
	if f.Type != FieldObject {
		return nil, ErrFieldTypeMismatch
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}
