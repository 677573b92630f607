package buffer

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// Writer provides a convenient way to encode pgwire protocol messages sent by
// the frontend. Unlike the teacher's server-role writer, Finish does not
// flush to an io.Writer directly -- the dispatcher's serializer loop owns
// the encoded bytes and hands them to the sender loop, keeping encoding and
// socket I/O on separate goroutines.
type Writer struct {
	logger *slog.Logger
	frame  bytes.Buffer
	putbuf [64]byte // buffer used to construct messages which could be written to the writer frame buffer
	err    error
	typed  bool
}

// NewWriter constructs a new Postgres buffered message writer.
func NewWriter(logger *slog.Logger) *Writer {
	return &Writer{
		logger: logger,
	}
}

// Start resets the buffer writer and starts a new message with the given
// message type. The message type (byte) and reserved message length bytes (int32)
// are written to the underlaying bytes buffer.
func (writer *Writer) Start(t types.ClientMessage) {
	writer.Reset()
	writer.typed = true
	writer.putbuf[0] = byte(t)
	writer.frame.Write(writer.putbuf[:5]) // message type + message length
}

// StartUntyped resets the buffer writer and starts a new message without a
// leading type byte. This is only used for the startup message and SSL/GSS
// negotiation requests, which precede the typed portion of the protocol.
func (writer *Writer) StartUntyped() {
	writer.Reset()
	writer.typed = false
	writer.frame.Write(writer.putbuf[:4]) // reserved message length
}

// AddByte writes the given byte to the writer frame. Bytes written to the
// frame could be read at any stage to interact with a Postgres server. Errors
// thrown while writing to the writer could be read by calling writer.Error()
func (writer *Writer) AddByte(b byte) {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(b)
}

// AddInt16 writes the given int16 to the writer frame.
func (writer *Writer) AddInt16(i int16) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 2)
	binary.BigEndian.PutUint16(x, uint16(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddInt32 writes the given int32 to the writer frame.
func (writer *Writer) AddInt32(i int32) (size int) {
	if writer.err != nil {
		return size
	}

	x := make([]byte, 4)
	binary.BigEndian.PutUint32(x, uint32(i))
	size, writer.err = writer.frame.Write(x)
	return size
}

// AddBytes writes the given bytes to the writer frame.
func (writer *Writer) AddBytes(b []byte) (size int) {
	if writer.err != nil {
		return size
	}

	size, writer.err = writer.frame.Write(b)
	return size
}

// AddString writes the given string to the writer frame.
func (writer *Writer) AddString(s string) (size int) {
	if writer.err != nil {
		return size
	}

	size, writer.err = writer.frame.WriteString(s)
	return size
}

// AddNullTerminate writes a null terminate symbol to the end of the given data frame
func (writer *Writer) AddNullTerminate() {
	if writer.err != nil {
		return
	}

	writer.err = writer.frame.WriteByte(0)
}

func (writer *Writer) Error() error {
	return writer.err
}

// Bytes returns the written bytes to the active data frame.
func (writer *Writer) Bytes() []byte {
	return writer.frame.Bytes()
}

// Reset resets the data frame to be empty.
func (writer *Writer) Reset() {
	writer.frame.Reset()
	writer.err = nil
}

// Finish patches in the final message length (total length minus the
// leading type byte, or minus nothing for an untyped message) and returns
// the encoded message. The returned slice aliases the writer's internal
// buffer and is only valid until the next Start/StartUntyped call.
func (writer *Writer) Finish() ([]byte, error) {
	if writer.Error() != nil {
		return nil, writer.Error()
	}

	raw := writer.frame.Bytes()
	if len(raw) == 0 {
		return nil, nil
	}

	if writer.typed {
		// length excludes the leading type byte.
		binary.BigEndian.PutUint32(raw[1:5], uint32(len(raw)-1))
		if writer.logger != nil {
			writer.logger.Debug("<- encoded message", slog.String("type", types.ClientMessage(raw[0]).String()))
		}
	} else {
		binary.BigEndian.PutUint32(raw[0:4], uint32(len(raw)))
		if writer.logger != nil {
			writer.logger.Debug("<- encoded untyped message", slog.Int("size", len(raw)))
		}
	}

	return raw, nil
}
