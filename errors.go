package pgdispatch

import (
	"errors"
	"fmt"

	"github.com/pgdispatch/pgdispatch/codes"
	pgerr "github.com/pgdispatch/pgdispatch/errors"
)

// errStopped is the cause wrapped by the TransportError every pending and
// future performRequest call resolves with once Stop has been called
// (spec section 5, "Cancellation").
var errStopped = errors.New("dispatcher stopped")

// Notification is an asynchronous NOTIFY delivered by the server outside
// the request/response cycle (spec section 3). It is never routed to a
// ResultProcessor; it always reaches the unaffiliated sink.
type Notification struct {
	PID     int32
	Channel string
	Payload string
}

// TransportError represents a socket-level failure. It is terminal for the
// connection: once published, every outstanding and every future
// performRequest call resolves with the same TransportError.
type TransportError struct {
	Cause error
}

func NewTransportError(cause error) *TransportError {
	return &TransportError{Cause: cause}
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", err.Cause)
}

func (err *TransportError) Unwrap() error {
	return err.Cause
}

// ProtocolError indicates that inbound bytes did not satisfy the expected
// parse for the current request. It is terminal for the request and, since
// pipeline synchronisation is lost, the connection is closed rather than
// drained further.
type ProtocolError struct {
	Text string
}

func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Text: fmt.Sprintf(format, args...)}
}

func (err *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", err.Text)
}

// BackendError is a structured ErrorResponse emitted by the server for a
// single request. Unlike TransportError and ProtocolError it does not tear
// down the connection or the pipeline; the server resumes normal processing
// after the next ReadyForQuery.
type BackendError struct {
	Severity       string
	SQLState       codes.Code
	Message        string
	Detail         string
	Hint           string
	ConstraintName string
}

func (err *BackendError) Error() string {
	if err.Detail != "" {
		return fmt.Sprintf("%s (%s): %s - %s", err.Severity, err.SQLState, err.Message, err.Detail)
	}
	return fmt.Sprintf("%s (%s): %s", err.Severity, err.SQLState, err.Message)
}

// Decorate wraps the BackendError in the teacher's chained-decorator error
// shape (errors/code.go, errors/detail.go, errors/hint.go, errors/severity.go,
// errors/constraint.go), mirrored to the client side: the teacher decorates
// an error a server is about to *send*; here the same decorators describe
// an error the client already *received*, so callers can use
// pgerr.GetCode/GetDetail/GetHint/GetConstraintName uniformly regardless of
// which side of the wire produced the error.
func (err *BackendError) Decorate() error {
	var e error = errors.New(err.Message)
	e = pgerr.WithCode(e, err.SQLState)
	if err.Severity != "" {
		e = pgerr.WithSeverity(e, pgerr.Severity(err.Severity))
	}
	if err.Detail != "" {
		e = pgerr.WithDetail(e, err.Detail)
	}
	if err.Hint != "" {
		e = pgerr.WithHint(e, err.Hint)
	}
	if err.ConstraintName != "" {
		e = pgerr.WithConstraintName(e, err.ConstraintName)
	}
	return e
}

// UnexpectedResult is returned by a result-set accessor when the shape of
// the parsed result does not match what the accessor promises (e.g. calling
// ExactlyOneRow against a command that produced no RowDescription).
type UnexpectedResult struct {
	Text string
}

func (err *UnexpectedResult) Error() string {
	return fmt.Sprintf("unexpected result: %s", err.Text)
}

// UnexpectedAmountOfRows is returned by MaybeOneRow/ExactlyOneRow when the
// result set does not contain the expected cardinality.
type UnexpectedAmountOfRows struct {
	Count int
}

func (err *UnexpectedAmountOfRows) Error() string {
	return fmt.Sprintf("unexpected amount of rows: %d", err.Count)
}

// RowError wraps a failure produced by a caller-supplied RowDecoder while
// decoding a specific row.
type RowError struct {
	Index int
	Cause error
}

func (err *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", err.Index, err.Cause)
}

func (err *RowError) Unwrap() error {
	return err.Cause
}
