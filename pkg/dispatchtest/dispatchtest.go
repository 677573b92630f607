// Package dispatchtest drives the dispatcher's five loops against a canned
// byte stream without a real socket. It is the client-side mirror of the
// teacher's internal/mock buffer mocks: where the teacher builds frontend
// request messages to feed a server under test, this package builds backend
// reply messages to feed a Dispatcher under test, using a net.Pipe() in
// place of a listening port.
package dispatchtest

import (
	"encoding/binary"
	"net"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// NewPipe returns a connected in-memory net.Conn pair: client is the end a
// Dispatcher dials into, peer is the end the test drives as the backend.
func NewPipe() (client net.Conn, peer net.Conn) {
	return net.Pipe()
}

// Peer wraps the test-controlled half of a NewPipe pair with convenience
// builders for every backend message the dispatcher's parsers understand.
type Peer struct {
	conn   net.Conn
	writer *buffer.Writer
	reader *buffer.Reader
}

// NewPeer wraps conn (the non-Dispatcher end of NewPipe) for sending
// canned backend messages and reading the frontend messages the
// Dispatcher emits in response.
func NewPeer(conn net.Conn) *Peer {
	return &Peer{
		conn:   conn,
		writer: buffer.NewWriter(nil),
		reader: buffer.NewReader(nil, conn, buffer.DefaultBufferSize),
	}
}

// Close closes the peer's end of the pipe, simulating the backend
// disconnecting mid-conversation.
func (p *Peer) Close() error {
	return p.conn.Close()
}

func (p *Peer) send(tag types.ServerMessage, build func(w *buffer.Writer)) error {
	p.writer.Start(types.ClientMessage(tag))
	build(p.writer)
	frame, err := p.writer.Finish()
	if err != nil {
		return err
	}
	_, err = p.conn.Write(frame)
	return err
}

// sendRaw writes b to the pipe verbatim, with no type byte and no length
// prefix -- the shape of the single-byte SSL negotiation reply ssl.go
// reads.
func (p *Peer) sendRaw(b []byte) error {
	_, err := p.conn.Write(b)
	return err
}

// ReadClientMessage reads the next typed message the dispatcher sent,
// returning its tag and a reader positioned at the payload.
func (p *Peer) ReadClientMessage() (types.ClientMessage, *buffer.Reader, error) {
	tag, _, err := p.reader.ReadTypedMsg()
	return types.ClientMessage(tag), p.reader, err
}

// WriteAuthenticationOK sends AuthenticationOk (code 0).
func (p *Peer) WriteAuthenticationOK() error {
	return p.send(types.ServerAuth, func(w *buffer.Writer) { w.AddInt32(0) })
}

// WriteAuthenticationCleartextPassword sends AuthenticationCleartextPassword
// (code 3).
func (p *Peer) WriteAuthenticationCleartextPassword() error {
	return p.send(types.ServerAuth, func(w *buffer.Writer) { w.AddInt32(3) })
}

// WriteAuthenticationMD5Password sends AuthenticationMD5Password (code 5)
// carrying the given 4-byte salt.
func (p *Peer) WriteAuthenticationMD5Password(salt [4]byte) error {
	return p.send(types.ServerAuth, func(w *buffer.Writer) {
		w.AddInt32(5)
		w.AddBytes(salt[:])
	})
}

// WriteParameterStatus sends a ParameterStatus message.
func (p *Peer) WriteParameterStatus(name, value string) error {
	return p.send(types.ServerParameterStatus, func(w *buffer.Writer) {
		w.AddString(name)
		w.AddNullTerminate()
		w.AddString(value)
		w.AddNullTerminate()
	})
}

// WriteBackendKeyData sends BackendKeyData carrying pid and secret.
func (p *Peer) WriteBackendKeyData(pid, secret int32) error {
	return p.send(types.ServerBackendKeyData, func(w *buffer.Writer) {
		w.AddInt32(pid)
		w.AddInt32(secret)
	})
}

// WriteReadyForQuery sends ReadyForQuery with the given transaction status
// byte ('I', 'T', or 'E').
func (p *Peer) WriteReadyForQuery(status byte) error {
	return p.send(types.ServerReady, func(w *buffer.Writer) { w.AddByte(status) })
}

// WriteErrorResponse sends an ErrorResponse with the given field values.
// Any of detail, hint or constraintName may be empty to omit that field.
func (p *Peer) WriteErrorResponse(severity, sqlstate, message, detail, hint, constraintName string) error {
	return p.send(types.ServerErrorResponse, func(w *buffer.Writer) {
		writeErrField(w, 'S', severity)
		writeErrField(w, 'C', sqlstate)
		writeErrField(w, 'M', message)
		if detail != "" {
			writeErrField(w, 'D', detail)
		}
		if hint != "" {
			writeErrField(w, 'H', hint)
		}
		if constraintName != "" {
			writeErrField(w, 'n', constraintName)
		}
		w.AddByte(0)
	})
}

// WriteNoticeResponse sends a NoticeResponse; the wire shape is identical
// to ErrorResponse.
func (p *Peer) WriteNoticeResponse(severity, sqlstate, message string) error {
	return p.send(types.ServerNoticeResponse, func(w *buffer.Writer) {
		writeErrField(w, 'S', severity)
		writeErrField(w, 'C', sqlstate)
		writeErrField(w, 'M', message)
		w.AddByte(0)
	})
}

func writeErrField(w *buffer.Writer, code byte, value string) {
	w.AddByte(code)
	w.AddString(value)
	w.AddNullTerminate()
}

// WriteParseComplete sends ParseComplete.
func (p *Peer) WriteParseComplete() error {
	return p.send(types.ServerParseComplete, func(w *buffer.Writer) {})
}

// WriteBindComplete sends BindComplete.
func (p *Peer) WriteBindComplete() error {
	return p.send(types.ServerBindComplete, func(w *buffer.Writer) {})
}

// WriteCloseComplete sends CloseComplete.
func (p *Peer) WriteCloseComplete() error {
	return p.send(types.ServerCloseComplete, func(w *buffer.Writer) {})
}

// WriteNoData sends NoData.
func (p *Peer) WriteNoData() error {
	return p.send(types.ServerNoData, func(w *buffer.Writer) {})
}

// WritePortalSuspended sends PortalSuspended.
func (p *Peer) WritePortalSuspended() error {
	return p.send(types.ServerPortalSuspended, func(w *buffer.Writer) {})
}

// WriteEmptyQueryResponse sends EmptyQueryResponse.
func (p *Peer) WriteEmptyQueryResponse() error {
	return p.send(types.ServerEmptyQuery, func(w *buffer.Writer) {})
}

// WriteParameterDescription sends a ParameterDescription naming the given
// parameter type OIDs.
func (p *Peer) WriteParameterDescription(oids []uint32) error {
	return p.send(types.ServerParameterDescription, func(w *buffer.Writer) {
		w.AddInt16(int16(len(oids)))
		for _, oid := range oids {
			w.AddInt32(int32(oid))
		}
	})
}

// ColumnSpec describes one RowDescription field for WriteRowDescription.
type ColumnSpec struct {
	Name     string
	TableOID uint32
	AttrNum  int16
	TypeOID  uint32
	TypeSize int16
	TypeMod  int32
	Format   int16
}

// WriteRowDescription sends a RowDescription naming the given columns.
func (p *Peer) WriteRowDescription(cols []ColumnSpec) error {
	return p.send(types.ServerRowDescription, func(w *buffer.Writer) {
		w.AddInt16(int16(len(cols)))
		for _, c := range cols {
			w.AddString(c.Name)
			w.AddNullTerminate()
			w.AddInt32(int32(c.TableOID))
			w.AddInt16(c.AttrNum)
			w.AddInt32(int32(c.TypeOID))
			w.AddInt16(c.TypeSize)
			w.AddInt32(c.TypeMod)
			w.AddInt16(c.Format)
		}
	})
}

// WriteDataRow sends a DataRow. A nil entry in values encodes a SQL NULL.
func (p *Peer) WriteDataRow(values [][]byte) error {
	return p.send(types.ServerDataRow, func(w *buffer.Writer) {
		w.AddInt16(int16(len(values)))
		for _, v := range values {
			if v == nil {
				w.AddInt32(-1)
				continue
			}
			w.AddInt32(int32(len(v)))
			w.AddBytes(v)
		}
	})
}

// WriteCommandComplete sends a CommandComplete carrying the given command
// tag string (e.g. "SELECT 3").
func (p *Peer) WriteCommandComplete(tag string) error {
	return p.send(types.ServerCommandComplete, func(w *buffer.Writer) {
		w.AddString(tag)
		w.AddNullTerminate()
	})
}

// WriteNotificationResponse sends an asynchronous NotificationResponse.
func (p *Peer) WriteNotificationResponse(pid int32, channel, payload string) error {
	return p.send(types.ServerNotificationResponse, func(w *buffer.Writer) {
		w.AddInt32(pid)
		w.AddString(channel)
		w.AddNullTerminate()
		w.AddString(payload)
		w.AddNullTerminate()
	})
}

// WriteCopyInResponse sends a CopyInResponse naming the overall and
// per-column copy formats.
func (p *Peer) WriteCopyInResponse(overallFormat byte, columnFormats []int16) error {
	return p.writeCopyResponse(types.ServerCopyInResponse, overallFormat, columnFormats)
}

// WriteCopyOutResponse sends a CopyOutResponse naming the overall and
// per-column copy formats.
func (p *Peer) WriteCopyOutResponse(overallFormat byte, columnFormats []int16) error {
	return p.writeCopyResponse(types.ServerCopyOutResponse, overallFormat, columnFormats)
}

func (p *Peer) writeCopyResponse(tag types.ServerMessage, overallFormat byte, columnFormats []int16) error {
	return p.send(tag, func(w *buffer.Writer) {
		w.AddByte(overallFormat)
		w.AddInt16(int16(len(columnFormats)))
		for _, f := range columnFormats {
			w.AddInt16(f)
		}
	})
}

// TrustHandshake performs a complete trust-authentication startup sequence
// as seen by a Dispatcher's Connect: AuthenticationOk, the given
// ParameterStatus pairs, BackendKeyData, and a final ReadyForQuery. The
// caller still owns sending/consuming the StartupMessage itself since
// dispatchtest does not parse client messages during that phase.
func (p *Peer) TrustHandshake(pid, secret int32, params map[string]string) error {
	if err := p.WriteAuthenticationOK(); err != nil {
		return err
	}
	for name, value := range params {
		if err := p.WriteParameterStatus(name, value); err != nil {
			return err
		}
	}
	if err := p.WriteBackendKeyData(pid, secret); err != nil {
		return err
	}
	return p.WriteReadyForQuery('I')
}

// rawLengthPrefix encodes n as a 4-byte big-endian length prefix, for
// building oversized or truncated frames. It is unexported, so only code
// inside this package can call it.
func rawLengthPrefix(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}
