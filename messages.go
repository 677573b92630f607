package pgdispatch

import (
	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// finishCopy calls w.Finish and copies the result out of the writer's
// internal buffer. A copy is required because the writer is reused by
// every subsequent encode task on the Serializer loop (spec section 4.1) --
// the next Start call resets the same backing array, which would
// otherwise corrupt a frame still sitting in outgoingBytesQ.
func finishCopy(w *buffer.Writer) ([]byte, error) {
	frame, err := w.Finish()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), frame...), nil
}

func encodeParseFrame(w *buffer.Writer, name, query string, paramOIDs []uint32) ([]byte, error) {
	w.Start(types.ClientParse)
	w.AddString(name)
	w.AddNullTerminate()
	w.AddString(query)
	w.AddNullTerminate()
	w.AddInt16(int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		w.AddInt32(int32(oid))
	}
	return finishCopy(w)
}

func encodeBindFrame(w *buffer.Writer, portal, statement string, params []Parameter, resultFormats []FormatCode) ([]byte, error) {
	w.Start(types.ClientBind)
	w.AddString(portal)
	w.AddNullTerminate()
	w.AddString(statement)
	w.AddNullTerminate()

	w.AddInt16(int16(len(params)))
	for _, p := range params {
		w.AddInt16(int16(p.Format()))
	}

	w.AddInt16(int16(len(params)))
	for _, p := range params {
		if p.Value() == nil {
			w.AddInt32(-1)
			continue
		}
		w.AddInt32(int32(len(p.Value())))
		w.AddBytes(p.Value())
	}

	w.AddInt16(int16(len(resultFormats)))
	for _, f := range resultFormats {
		w.AddInt16(int16(f))
	}

	return finishCopy(w)
}

func encodeDescribeFrame(w *buffer.Writer, kind types.DescribeMessage, name string) ([]byte, error) {
	w.Start(types.ClientDescribe)
	w.AddByte(byte(kind))
	w.AddString(name)
	w.AddNullTerminate()
	return finishCopy(w)
}

func encodeExecuteFrame(w *buffer.Writer, portal string, maxRows int32) ([]byte, error) {
	w.Start(types.ClientExecute)
	w.AddString(portal)
	w.AddNullTerminate()
	w.AddInt32(maxRows)
	return finishCopy(w)
}

func encodeCloseFrame(w *buffer.Writer, kind types.DescribeMessage, name string) ([]byte, error) {
	w.Start(types.ClientClose)
	w.AddByte(byte(kind))
	w.AddString(name)
	w.AddNullTerminate()
	return finishCopy(w)
}

func encodeSyncFrame(w *buffer.Writer) ([]byte, error) {
	w.Start(types.ClientSync)
	return finishCopy(w)
}

func encodeQueryFrame(w *buffer.Writer, sql string) ([]byte, error) {
	w.Start(types.ClientSimpleQuery)
	w.AddString(sql)
	w.AddNullTerminate()
	return finishCopy(w)
}

func encodeTerminateFrame(w *buffer.Writer) ([]byte, error) {
	w.Start(types.ClientTerminate)
	return finishCopy(w)
}

func encodeCopyDataFrame(w *buffer.Writer, data []byte) ([]byte, error) {
	w.Start(types.ClientCopyData)
	w.AddBytes(data)
	return finishCopy(w)
}

func encodeCopyDoneFrame(w *buffer.Writer) ([]byte, error) {
	w.Start(types.ClientCopyDone)
	return finishCopy(w)
}

func encodeCopyFailFrame(w *buffer.Writer, reason string) ([]byte, error) {
	w.Start(types.ClientCopyFail)
	w.AddString(reason)
	w.AddNullTerminate()
	return finishCopy(w)
}

// single wraps a one-frame encode function into an encodeTask.
func single(build func(w *buffer.Writer) ([]byte, error)) encodeTask {
	return func(w *buffer.Writer) ([][]byte, error) {
		frame, err := build(w)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}
}

// ParseRequest sends a Parse message naming a prepared statement, expecting
// a ParseComplete reply.
func ParseRequest(name, query string, paramOIDs []uint32) Request[struct{}] {
	return NewRequest[struct{}](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeParseFrame(w, name, query, paramOIDs) }),
		func(func(string, string)) Parser { return ParseCompleteParser() },
	)
}

// BindRequest sends a Bind message binding statement to portal with the
// given parameters, expecting a BindComplete reply.
func BindRequest(portal, statement string, params []Parameter, resultFormats []FormatCode) Request[struct{}] {
	return NewRequest[struct{}](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeBindFrame(w, portal, statement, params, resultFormats) }),
		func(func(string, string)) Parser { return BindCompleteParser() },
	)
}

// DescribeStatementRequest describes a prepared statement, expecting its
// parameter OIDs and result column description.
func DescribeStatementRequest(name string) Request[*DescribeResult] {
	return NewRequest[*DescribeResult](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeDescribeFrame(w, types.DescribeStatement, name) }),
		func(func(string, string)) Parser { return DescribeStatementParser() },
	)
}

// DescribePortalRequest describes a bound portal, expecting its result
// column description.
func DescribePortalRequest(portal string) Request[*DescribeResult] {
	return NewRequest[*DescribeResult](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeDescribeFrame(w, types.DescribePortal, portal) }),
		func(func(string, string)) Parser { return DescribePortalParser() },
	)
}

// ExecuteRequest runs a bound portal, expecting its row data and command
// tag (or PortalSuspended if maxRows bounded the result).
func ExecuteRequest(portal string, maxRows int32) Request[*QueryResult] {
	return NewRequest[*QueryResult](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeExecuteFrame(w, portal, maxRows) }),
		func(func(string, string)) Parser { return QueryResultParser() },
	)
}

// CloseStatementRequest closes a prepared statement, expecting a
// CloseComplete reply.
func CloseStatementRequest(name string) Request[struct{}] {
	return NewRequest[struct{}](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeCloseFrame(w, types.DescribeStatement, name) }),
		func(func(string, string)) Parser { return CloseCompleteParser() },
	)
}

// ClosePortalRequest closes a portal, expecting a CloseComplete reply.
func ClosePortalRequest(portal string) Request[struct{}] {
	return NewRequest[struct{}](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeCloseFrame(w, types.DescribePortal, portal) }),
		func(func(string, string)) Parser { return CloseCompleteParser() },
	)
}

// SyncRequest sends a Sync message, expecting the server to drain to the
// next ReadyForQuery.
func SyncRequest() Request[*SyncResult] {
	return NewRequest[*SyncResult](
		single(encodeSyncFrame),
		func(func(string, string)) Parser { return SyncParser() },
	)
}

// QueryRequest sends a simple Query message (spec section 6), expecting one
// StatementResult per semicolon-separated statement, terminated by
// ReadyForQuery (spec "Simple-query multi-statement fan-out").
func QueryRequest(sql string) Request[[]StatementResult] {
	return NewRequest[[]StatementResult](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeQueryFrame(w, sql) }),
		func(func(string, string)) Parser { return SimpleQueryParser() },
	)
}

// ExtendedQueryResult is the assembled outcome of a single-round-trip
// Parse+Bind+Execute+Sync pipeline (spec section 9, "callers wanting
// wire-level pipelining build a multi-message Request").
type ExtendedQueryResult struct {
	Query *QueryResult
	Sync  *SyncResult
}

// ExtendedQueryRequest pipelines Parse, Bind, Execute and Sync into a
// single wire-level Request and ResultProcessor, matching spec section 8's
// parameterised-query scenario (ParseComplete, BindComplete, DataRow,
// CommandComplete, ReadyForQuery all consumed by one processor).
func ExtendedQueryRequest(statement, query string, paramOIDs []uint32, params []Parameter, resultFormats []FormatCode, maxRows int32) Request[*ExtendedQueryResult] {
	encode := func(w *buffer.Writer) ([][]byte, error) {
		parse, err := encodeParseFrame(w, statement, query, paramOIDs)
		if err != nil {
			return nil, err
		}
		bind, err := encodeBindFrame(w, "", statement, params, resultFormats)
		if err != nil {
			return nil, err
		}
		exec, err := encodeExecuteFrame(w, "", maxRows)
		if err != nil {
			return nil, err
		}
		sync, err := encodeSyncFrame(w)
		if err != nil {
			return nil, err
		}
		return [][]byte{parse, bind, exec, sync}, nil
	}

	newParser := func(onParameterChange func(string, string)) Parser {
		return andThen(ParseCompleteParser(), func(any) Parser {
			return andThen(BindCompleteParser(), func(any) Parser {
				return andThen(QueryResultParser(), func(qv any) Parser {
					qr, _ := qv.(*QueryResult)
					return mapParser(SyncParser(), func(sv any) any {
						sr, _ := sv.(*SyncResult)
						return &ExtendedQueryResult{Query: qr, Sync: sr}
					})
				}, onParameterChange)
			}, onParameterChange)
		}, onParameterChange)
	}

	return NewRequest[*ExtendedQueryResult](encode, newParser)
}

// CopyInRequest sends Parse+Bind+Execute+Sync-free COPY FROM STDIN request:
// the Query path that triggers CopyInResponse, expecting the negotiated
// column formats (spec SUPPLEMENTED FEATURES item 1).
func CopyInRequest(sql string) Request[*CopyResponse] {
	return NewRequest[*CopyResponse](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeQueryFrame(w, sql) }),
		func(func(string, string)) Parser { return CopyInResponseParser() },
	)
}

// CopyOutRequest issues a COPY TO STDOUT query, expecting CopyOutResponse.
func CopyOutRequest(sql string) Request[*CopyResponse] {
	return NewRequest[*CopyResponse](
		single(func(w *buffer.Writer) ([]byte, error) { return encodeQueryFrame(w, sql) }),
		func(func(string, string)) Parser { return CopyOutResponseParser() },
	)
}

// CopyDataMessage pushes one chunk of COPY data without waiting for a
// reply; the server does not acknowledge individual CopyData messages.
func (d *Dispatcher) CopyDataMessage(data []byte) {
	d.serializerMsgQ.push(single(func(w *buffer.Writer) ([]byte, error) { return encodeCopyDataFrame(w, data) }))
}

// CopyDone signals the end of a successful COPY FROM STDIN, expecting the
// terminating CommandComplete/ReadyForQuery via a following SyncRequest.
func (d *Dispatcher) CopyDone() {
	d.serializerMsgQ.push(single(encodeCopyDoneFrame))
}

// CopyFail aborts an in-progress COPY FROM STDIN with the given reason.
func (d *Dispatcher) CopyFail(reason string) {
	d.serializerMsgQ.push(single(func(w *buffer.Writer) ([]byte, error) { return encodeCopyFailFrame(w, reason) }))
}

// Terminate sends the Terminate message and tears the dispatcher down. It
// does not wait for a reply -- the protocol defines none -- so it enqueues
// the frame directly and then stops the loops.
func (d *Dispatcher) Terminate() {
	if d.transport.get() == nil {
		d.serializerMsgQ.push(single(encodeTerminateFrame))
	}
	d.Stop()
}
