package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayload bounds a single packet payload. Anything larger is treated
// as a protocol error and drops the connection.
const MaxPayload = 16 << 20

// ErrShortPayload is returned when a payload ends before a field does
var ErrShortPayload = fmt.Errorf("short payload")

// Packet is one framed wire message: a one-byte opcode followed by a
// u32 payload length and the payload itself, all network byte order.
type Packet struct {
	Op      OpCode
	Payload []byte
}

// WritePacket frames and writes a single packet
func WritePacket(w io.Writer, op OpCode, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(op)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write packet header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("failed to write packet payload: %w", err)
		}
	}
	return nil
}

// ReadPacket reads one framed packet. io.EOF is returned unchanged on a
// clean close before the first header byte.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read packet header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxPayload {
		return nil, fmt.Errorf("packet payload of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read packet payload: %w", err)
	}
	return &Packet{Op: OpCode(header[0]), Payload: payload}, nil
}

// Builder accumulates typed fields into a payload
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) PutU8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) PutI8(v int8) *Builder {
	b.buf = append(b.buf, byte(v))
	return b
}

func (b *Builder) PutU16(v uint16) *Builder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

func (b *Builder) PutU32(v uint32) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// PutString appends a u32 length prefix and the raw bytes, no terminator
func (b *Builder) PutString(s string) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// PutBytes appends a u32 length prefix and the blob
func (b *Builder) PutBytes(p []byte) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

func (b *Builder) Bytes() []byte {
	return b.buf
}

// Reader consumes typed fields from a payload. The first decode error
// sticks; callers check Err once after reading every field.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShortPayload
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *Reader) U8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *Reader) I8() int8 {
	return int8(r.U8())
}

func (r *Reader) U16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (r *Reader) U32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (r *Reader) String() string {
	size := r.U32()
	p := r.take(int(size))
	if p == nil {
		return ""
	}
	return string(p)
}

func (r *Reader) Bytes() []byte {
	size := r.U32()
	p := r.take(int(size))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// Err returns the first decode error, if any
func (r *Reader) Err() error {
	return r.err
}

// Remaining reports how many undecoded bytes are left
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.off
}
