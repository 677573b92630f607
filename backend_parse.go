package pgdispatch

import (
	"github.com/pgdispatch/pgdispatch/codes"
	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// parseErrorResponse decodes an ErrorResponse/NoticeResponse body, a
// sequence of (field-type byte, NUL-terminated string) pairs closed by a
// zero byte. See https://www.postgresql.org/docs/current/protocol-error-fields.html
func parseErrorResponse(msg *buffer.Reader) (*BackendError, error) {
	be := &BackendError{}

	for {
		ft, err := msg.GetByte()
		if err != nil {
			return nil, err
		}
		if ft == 0 {
			break
		}

		val, err := msg.GetString()
		if err != nil {
			return nil, err
		}

		switch buffer.ServerErrFieldType(ft) {
		case buffer.ServerErrFieldSeverity:
			be.Severity = val
		case buffer.ServerErrFieldSQLState:
			be.SQLState = codes.Code(val)
		case buffer.ServerErrFieldMsgPrimary:
			be.Message = val
		case buffer.ServerErrFieldDetail:
			be.Detail = val
		case buffer.ServerErrFieldHint:
			be.Hint = val
		case buffer.ServerErrFieldConstraintName:
			be.ConstraintName = val
		}
	}

	return be, nil
}

func parseRowDescription(msg *buffer.Reader) ([]ColumnDescription, error) {
	count, err := msg.GetInt16()
	if err != nil {
		return nil, err
	}

	columns := make([]ColumnDescription, count)
	for i := range columns {
		name, err := msg.GetString()
		if err != nil {
			return nil, err
		}
		tableOID, err := msg.GetUint32()
		if err != nil {
			return nil, err
		}
		attNum, err := msg.GetInt16()
		if err != nil {
			return nil, err
		}
		typeOID, err := msg.GetUint32()
		if err != nil {
			return nil, err
		}
		typeSize, err := msg.GetInt16()
		if err != nil {
			return nil, err
		}
		typeMod, err := msg.GetInt32()
		if err != nil {
			return nil, err
		}
		format, err := msg.GetInt16()
		if err != nil {
			return nil, err
		}

		columns[i] = ColumnDescription{
			Name:         name,
			TableOID:     tableOID,
			AttrNum:      attNum,
			TypeOID:      typeOID,
			TypeSize:     typeSize,
			TypeModifier: typeMod,
			Format:       FormatCode(format),
		}
	}

	return columns, nil
}

func parseDataRow(msg *buffer.Reader) (Row, error) {
	count, err := msg.GetInt16()
	if err != nil {
		return nil, err
	}

	row := make(Row, count)
	for i := range row {
		size, err := msg.GetInt32()
		if err != nil {
			return nil, err
		}

		b, err := msg.GetBytes(int(size))
		if err != nil {
			return nil, err
		}
		if b == nil {
			row[i] = nil
			continue
		}

		// DataRow bytes alias the message buffer, which is only valid for
		// the duration of Feed; the row is retained until the whole result
		// set is assembled, so it must be copied rather than aliased.
		row[i] = append([]byte(nil), b...)
	}

	return row, nil
}

// queryParser assembles one statement's reply: an optional RowDescription
// (or a NoData in its place), zero or more DataRows, and a terminating
// CommandComplete, EmptyQueryResponse, or PortalSuspended. An ErrorResponse
// at any point completes the parse successfully with Backend populated
// rather than failing it.
type queryParser struct {
	result QueryResult
	phase  queryPhase
}

type queryPhase int

const (
	queryAwaitingDescription queryPhase = iota
	queryAwaitingRows
	queryDone
)

func newQueryParser() *queryParser {
	return &queryParser{}
}

func (p *queryParser) Feed(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
	if skip, _ := skipAside(tag, msg, nil); skip {
		return NeedMore, nil
	}

	switch tag {
	case types.ServerErrorResponse:
		be, err := parseErrorResponse(msg)
		if err != nil {
			return Fail, err
		}
		p.result.Backend = be
		p.phase = queryDone
		return Done, nil

	case types.ServerRowDescription:
		if p.phase != queryAwaitingDescription {
			return Fail, NewProtocolError("unexpected RowDescription")
		}
		columns, err := parseRowDescription(msg)
		if err != nil {
			return Fail, err
		}
		p.result.Columns = columns
		p.phase = queryAwaitingRows
		return NeedMore, nil

	case types.ServerDataRow:
		if p.phase != queryAwaitingRows {
			return Fail, NewProtocolError("unexpected DataRow")
		}
		row, err := parseDataRow(msg)
		if err != nil {
			return Fail, err
		}
		p.result.Rows = append(p.result.Rows, row)
		return NeedMore, nil

	case types.ServerCommandComplete:
		tagStr, err := msg.GetString()
		if err != nil {
			return Fail, err
		}
		p.result.Tag = CommandTag(tagStr)
		p.phase = queryDone
		return Done, nil

	case types.ServerEmptyQuery:
		p.phase = queryDone
		return Done, nil

	case types.ServerNoData:
		if p.phase != queryAwaitingDescription {
			return Fail, NewProtocolError("unexpected NoData")
		}
		p.phase = queryAwaitingRows
		return NeedMore, nil

	case types.ServerPortalSuspended:
		if p.phase != queryAwaitingRows {
			return Fail, NewProtocolError("unexpected PortalSuspended")
		}
		p.result.Suspended = true
		p.phase = queryDone
		return Done, nil

	default:
		return Fail, NewProtocolError("unexpected message %s while awaiting query result", tag)
	}
}

func (p *queryParser) Value() any { return &p.result }

// simpleQueryParser assembles every statement of a (possibly
// semicolon-separated multi-statement) simple query into a slice of
// StatementResult, one per description/rows/complete cycle, finishing on
// ReadyForQuery.
type simpleQueryParser struct {
	statements []StatementResult
	current    *queryParser
}

func newSimpleQueryParser() *simpleQueryParser {
	return &simpleQueryParser{current: newQueryParser()}
}

func (p *simpleQueryParser) Feed(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
	if tag == types.ServerReady {
		return Done, nil
	}

	status, err := p.current.Feed(tag, msg)
	switch status {
	case Fail:
		return Fail, err
	case Done:
		p.statements = append(p.statements, *p.current.Value().(*QueryResult))
		p.current = newQueryParser()
	}

	return NeedMore, nil
}

func (p *simpleQueryParser) Value() any { return p.statements }

// simpleParser builds a Parser that expects exactly tag (or an
// ErrorResponse, which completes successfully as a BackendError), running
// decode to produce the Done value.
func simpleParser(tag types.ServerMessage, label string, decode func(msg *buffer.Reader) (any, error)) Parser {
	return errorOrTag(tag, decode, label)
}

func parseComplete(msg *buffer.Reader) (any, error) { return struct{}{}, nil }

// ParseCompleteParser expects a ParseComplete (or ErrorResponse).
func ParseCompleteParser() Parser {
	return simpleParser(types.ServerParseComplete, "ParseComplete", parseComplete)
}

// BindCompleteParser expects a BindComplete (or ErrorResponse).
func BindCompleteParser() Parser {
	return simpleParser(types.ServerBindComplete, "BindComplete", parseComplete)
}

// CloseCompleteParser expects a CloseComplete (or ErrorResponse).
func CloseCompleteParser() Parser {
	return simpleParser(types.ServerCloseComplete, "CloseComplete", parseComplete)
}

// NoDataParser expects a NoData (or ErrorResponse).
func NoDataParser() Parser {
	return simpleParser(types.ServerNoData, "NoData", parseComplete)
}

// PortalSuspendedParser expects a PortalSuspended (or ErrorResponse).
func PortalSuspendedParser() Parser {
	return simpleParser(types.ServerPortalSuspended, "PortalSuspended", parseComplete)
}

// ParameterDescriptionParser expects a ParameterDescription, returning the
// parameter type OIDs (or an ErrorResponse).
func ParameterDescriptionParser() Parser {
	return simpleParser(types.ServerParameterDescription, "ParameterDescription", func(msg *buffer.Reader) (any, error) {
		count, err := msg.GetInt16()
		if err != nil {
			return nil, err
		}
		oids := make([]uint32, count)
		for i := range oids {
			oids[i], err = msg.GetUint32()
			if err != nil {
				return nil, err
			}
		}
		return oids, nil
	})
}

// QueryResultParser assembles RowDescription/DataRow*/CommandComplete (or
// NoData/EmptyQueryResponse, or an ErrorResponse) into a *QueryResult, for
// the extended-query Execute reply.
func QueryResultParser() Parser {
	return newQueryParser()
}

// SimpleQueryParser assembles the full reply to a simple Query message,
// including the multi-statement fan-out, into []StatementResult.
func SimpleQueryParser() Parser {
	return newSimpleQueryParser()
}

// CopyResponse carries the column formats negotiated by a
// CopyInResponse/CopyOutResponse/CopyBothResponse message.
type CopyResponse struct {
	OverallFormat FormatCode
	ColumnFormats []FormatCode
}

func parseCopyResponse(msg *buffer.Reader) (any, error) {
	overall, err := msg.GetByte()
	if err != nil {
		return nil, err
	}
	count, err := msg.GetInt16()
	if err != nil {
		return nil, err
	}
	formats := make([]FormatCode, count)
	for i := range formats {
		f, err := msg.GetInt16()
		if err != nil {
			return nil, err
		}
		formats[i] = FormatCode(f)
	}
	return &CopyResponse{OverallFormat: FormatCode(overall), ColumnFormats: formats}, nil
}

// CopyInResponseParser expects a CopyInResponse (or ErrorResponse).
func CopyInResponseParser() Parser {
	return simpleParser(types.ServerCopyInResponse, "CopyInResponse", parseCopyResponse)
}

// CopyOutResponseParser expects a CopyOutResponse (or ErrorResponse).
func CopyOutResponseParser() Parser {
	return simpleParser(types.ServerCopyOutResponse, "CopyOutResponse", parseCopyResponse)
}

// DescribeResult is the assembled reply to a Describe message: ParamOIDs is
// only populated for a statement Describe (a portal Describe has no
// parameters to report); Columns is nil when the described
// statement/portal produces no result set (NoData).
type DescribeResult struct {
	ParamOIDs []uint32
	Columns   []ColumnDescription
	Backend   *BackendError
}

// describeParser assembles a Describe reply: an optional
// ParameterDescription (statement Describe only) followed by a
// RowDescription or NoData. An ErrorResponse at any point completes the
// parse successfully with Backend populated, matching the
// ErrorResponse-is-a-successful-parse rule used throughout this file.
type describeParser struct {
	phase  int // 0: awaiting ParameterDescription, 1: awaiting RowDescription/NoData
	result DescribeResult
}

func newDescribeParser(wantParams bool) *describeParser {
	p := &describeParser{}
	if !wantParams {
		p.phase = 1
	}
	return p
}

func (p *describeParser) Feed(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
	if skip, _ := skipAside(tag, msg, nil); skip {
		return NeedMore, nil
	}

	switch tag {
	case types.ServerErrorResponse:
		be, err := parseErrorResponse(msg)
		if err != nil {
			return Fail, err
		}
		p.result.Backend = be
		return Done, nil

	case types.ServerParameterDescription:
		if p.phase != 0 {
			return Fail, NewProtocolError("unexpected ParameterDescription")
		}
		count, err := msg.GetInt16()
		if err != nil {
			return Fail, err
		}
		oids := make([]uint32, count)
		for i := range oids {
			oids[i], err = msg.GetUint32()
			if err != nil {
				return Fail, err
			}
		}
		p.result.ParamOIDs = oids
		p.phase = 1
		return NeedMore, nil

	case types.ServerRowDescription:
		if p.phase != 1 {
			return Fail, NewProtocolError("unexpected RowDescription")
		}
		cols, err := parseRowDescription(msg)
		if err != nil {
			return Fail, err
		}
		p.result.Columns = cols
		return Done, nil

	case types.ServerNoData:
		if p.phase != 1 {
			return Fail, NewProtocolError("unexpected NoData")
		}
		return Done, nil

	default:
		return Fail, NewProtocolError("unexpected message %s while awaiting describe result", tag)
	}
}

func (p *describeParser) Value() any { return &p.result }

// DescribeStatementParser expects a ParameterDescription followed by a
// RowDescription or NoData (or an ErrorResponse at either position).
func DescribeStatementParser() Parser { return newDescribeParser(true) }

// DescribePortalParser expects a RowDescription or NoData (or an
// ErrorResponse).
func DescribePortalParser() Parser { return newDescribeParser(false) }

// SyncResult is the outcome of draining messages up to ReadyForQuery: the
// server's reported transaction status byte ('I' idle, 'T' in a
// transaction, 'E' in a failed transaction), and the last BackendError
// observed along the way, if any.
type SyncResult struct {
	Status  byte
	Backend *BackendError
}

// readyForQueryParser implements the "skip-until-ReadyForQuery" primitive
// named in spec section 4.5: it ignores every message except
// ErrorResponse (captured, not fatal) until ReadyForQuery.
type readyForQueryParser struct {
	result SyncResult
}

func (p *readyForQueryParser) Feed(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
	switch tag {
	case types.ServerReady:
		status, err := msg.GetByte()
		if err != nil {
			return Fail, err
		}
		p.result.Status = status
		return Done, nil

	case types.ServerErrorResponse:
		be, err := parseErrorResponse(msg)
		if err != nil {
			return Fail, err
		}
		p.result.Backend = be
		return NeedMore, nil

	default:
		return NeedMore, nil
	}
}

func (p *readyForQueryParser) Value() any { return &p.result }

// SyncParser skips every message up to and including ReadyForQuery,
// reporting the backend's transaction status.
func SyncParser() Parser { return &readyForQueryParser{} }
