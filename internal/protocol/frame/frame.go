// Package frame is the record envelope of the state-transition journal.
//
// Each record is a fixed 24-byte big-endian header followed by the payload:
//
//	magic(4) version(2) kind(2) sequence(8) payload_len(4) crc32(4)
//
// The checksum covers the payload only.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	HeaderLen = 24

	Magic   uint32 = 0x534e4a31 // "SNJ1"
	Version uint16 = 1
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrVersion         = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTruncated       = errors.New("frame: truncated payload")
	ErrChecksum        = errors.New("frame: checksum mismatch")
)

type Header struct {
	Kind       uint16
	Sequence   uint64
	PayloadLen uint32
	Checksum   uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains decode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 4 * 1024 * 1024}
}

// ReadFrame reads one record. A clean end of stream before any header byte is io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	n, err := io.ReadFull(r, fixed[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return Frame{}, fmt.Errorf("%w: sequence %d", ErrChecksum, h.Sequence)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame fills in length and checksum from the payload.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	h.Checksum = crc32.ChecksumIEEE(f.Payload)

	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Kind)
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[20:24], h.Checksum)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if m := binary.BigEndian.Uint32(b[0:4]); m != Magic {
		return Header{}, fmt.Errorf("%w: %#08x", ErrBadMagic, m)
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return Header{
		Kind:       binary.BigEndian.Uint16(b[6:8]),
		Sequence:   binary.BigEndian.Uint64(b[8:16]),
		PayloadLen: binary.BigEndian.Uint32(b[16:20]),
		Checksum:   binary.BigEndian.Uint32(b[20:24]),
	}, nil
}
