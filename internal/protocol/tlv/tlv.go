// Package tlv encodes journal record bodies as typed, length-prefixed fields.
//
// Field header: id(2) type(1) len(4), big-endian, followed by len value bytes.
// Unknown ids survive a decode so newer writers stay readable.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
)

const (
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

func Bytes(id uint16, b []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), b...)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func EncodeFields(fields ...Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, f.Type)
		out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

// Fields is a decoded record body in wire order.
type Fields []Field

func DecodeFields(payload []byte) (Fields, error) {
	var fields Fields
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, fmt.Errorf("%w: field %d wants %d bytes", ErrShortFieldValue, id, l)
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func (fs Fields) lookup(id uint16, typ uint8) ([]byte, error) {
	for _, f := range fs {
		if f.ID != id {
			continue
		}
		if f.Type != typ {
			return nil, fmt.Errorf("%w: field %d got %d want %d", ErrTypeMismatch, id, f.Type, typ)
		}
		return f.Value, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrMissingField, id)
}

func (fs Fields) String(id uint16) (string, error) {
	v, err := fs.lookup(id, TypeString)
	return string(v), err
}

func (fs Fields) Bytes(id uint16) ([]byte, error) {
	return fs.lookup(id, TypeBytes)
}

func (fs Fields) U64(id uint16) (uint64, error) {
	v, err := fs.lookup(id, TypeU64)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: field %d u64 has %d bytes", ErrTypeMismatch, id, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (fs Fields) Bool(id uint16) (bool, error) {
	v, err := fs.lookup(id, TypeBool)
	if err != nil {
		return false, err
	}
	if len(v) != 1 {
		return false, fmt.Errorf("%w: field %d bool has %d bytes", ErrTypeMismatch, id, len(v))
	}
	return v[0] != 0, nil
}
