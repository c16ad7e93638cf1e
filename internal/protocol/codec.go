package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxRemainingLength is the largest value the 4 byte length prefix can carry.
const MaxRemainingLength = 268435455

var (
	ErrFrameTooLarge = errors.New("frame exceeds the maximum size")
	ErrShortBody     = errors.New("frame body is truncated")
)

func DecodeRemainingLength(r io.Reader) (int, error) {
	var b [1]byte
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		value += int(b[0]&127) * multiplier
		multiplier *= 128
		if (b[0] & 128) == 0 {
			return value, nil
		}
	}
	return 0, errors.New("the remaining length exceeds the 4 byte limit")
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// WriteFrame writes body behind its length prefix in a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxRemainingLength {
		return ErrFrameTooLarge
	}
	prefix := EncodeRemainingLength(len(body))
	buf := make([]byte, 0, len(prefix)+len(body))
	buf = append(buf, prefix...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed body. maxSize <= 0 means no limit beyond
// the prefix's own range.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, remaining, maxSize)
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// body is a read cursor over a decoded frame body.
type body struct {
	context []byte
	ptr     int
}

func (b *body) readField() ([]byte, error) {
	if b.ptr+2 > len(b.context) {
		return nil, ErrShortBody
	}
	length := int(binary.BigEndian.Uint16(b.context[b.ptr : b.ptr+2]))
	end := b.ptr + 2 + length
	if end > len(b.context) {
		return nil, fmt.Errorf("%w: field length %d exceeds buffer (len=%d)", ErrShortBody, length, len(b.context))
	}
	field := b.context[b.ptr+2 : end]
	b.ptr = end
	return field, nil
}

func appendField(dst []byte, field string) ([]byte, error) {
	if len(field) > 0xFFFF {
		return nil, fmt.Errorf("field %q too long", field[:16])
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(field)))
	return append(dst, field...), nil
}

// EncodeBody lays a frame out as typeTag, encoding (both u16 length prefixed) and
// the raw payload.
func EncodeBody(f Frame) ([]byte, error) {
	out := make([]byte, 0, 4+len(f.Type)+len(f.Encoding)+len(f.Payload))
	out, err := appendField(out, string(f.Type))
	if err != nil {
		return nil, err
	}
	if out, err = appendField(out, f.Encoding); err != nil {
		return nil, err
	}
	return append(out, f.Payload...), nil
}

func DecodeBody(data []byte) (Frame, error) {
	b := &body{context: data}
	tag, err := b.readField()
	if err != nil {
		return Frame{}, err
	}
	encoding, err := b.readField()
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, len(data)-b.ptr)
	copy(payload, data[b.ptr:])
	return Frame{Type: FrameType(tag), Encoding: string(encoding), Payload: payload}, nil
}
