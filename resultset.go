package pgdispatch

import (
	"strconv"
	"strings"
)

// ColumnDescription describes one column of a RowDescription message.
type ColumnDescription struct {
	Name         string
	TableOID     uint32
	AttrNum      int16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	Format       FormatCode
}

// Row holds one DataRow's column values verbatim, copied out of the
// slicer's rolling buffer since rows are retained until the whole result
// set has been assembled. A nil entry represents SQL NULL.
type Row [][]byte

// Column returns the raw bytes for column i, or nil if the value is NULL.
func (r Row) Column(i int) []byte { return r[i] }

// IsNull reports whether column i is SQL NULL.
func (r Row) IsNull(i int) bool { return r[i] == nil }

// CommandTag is the textual tag returned by CommandComplete, e.g.
// "SELECT 1" or "INSERT 0 3".
type CommandTag string

// RowsAffected parses the row count out of the command tag, mirroring the
// convention the pgx driver uses for the same field.
func (tag CommandTag) RowsAffected() int64 {
	parts := strings.Split(string(tag), " ")
	if len(parts) == 0 {
		return 0
	}

	n, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// StatementResult is one statement's outcome within a (possibly
// multi-statement) simple query: its column description (absent for
// commands with no result set), the rows produced, and the command tag.
// Backend is non-nil when the statement's reply was an ErrorResponse
// rather than the usual RowDescription/CommandComplete sequence -- a
// successful parse whose value happens to carry a per-request error.
type StatementResult struct {
	Columns []ColumnDescription
	Rows    []Row
	Tag     CommandTag
	Backend *BackendError
	// Suspended is true when the reply ended with PortalSuspended rather
	// than CommandComplete -- an Execute bounded by a row limit that has
	// more rows available behind an unclosed portal.
	Suspended bool
}

// QueryResult is the assembled outcome of one extended-query Execute (or
// one statement of a simple query), as produced by the parsers in
// backend_parse.go and consumed by the accessor functions below.
type QueryResult = StatementResult

// IntegerDatetimesFlag reports whether the server represents timestamps as
// 64-bit integers of microseconds (the default since Postgres 10) rather
// than floating point seconds, taken from the DateStyle-adjacent
// "integer_datetimes" startup parameter.
type IntegerDatetimesFlag bool

// RowDecoder decodes one row of a result set into T. It receives the full
// result for column metadata, the index of the row being decoded, the
// column count, and whether the connection uses integer-based datetimes.
type RowDecoder[T any] func(result *QueryResult, row int, columns int, integerDatetimes IntegerDatetimesFlag) (T, error)

func backendOf(result *QueryResult) error {
	if result.Backend != nil {
		return result.Backend
	}
	return nil
}

// UnitResult asserts the statement produced no rows (a DDL/DML statement
// executed without RETURNING) and returns only its command tag.
func UnitResult(result *QueryResult) (CommandTag, error) {
	if err := backendOf(result); err != nil {
		return "", err
	}
	if len(result.Rows) != 0 {
		return "", &UnexpectedResult{Text: "expected no rows, statement returned a result set"}
	}
	return result.Tag, nil
}

// RowsAffected returns the number of rows the statement reports having
// affected, per CommandComplete's tag.
func RowsAffected(result *QueryResult) (int64, error) {
	if err := backendOf(result); err != nil {
		return 0, err
	}
	return result.Tag.RowsAffected(), nil
}

// MaybeOneRow decodes at most one row, returning ok=false when the result
// set was empty.
func MaybeOneRow[T any](result *QueryResult, decode RowDecoder[T], integerDatetimes IntegerDatetimesFlag) (value T, ok bool, err error) {
	if err = backendOf(result); err != nil {
		return value, false, err
	}

	switch len(result.Rows) {
	case 0:
		return value, false, nil
	case 1:
		value, err = decode(result, 0, len(result.Columns), integerDatetimes)
		if err != nil {
			return value, false, &RowError{Index: 0, Cause: err}
		}
		return value, true, nil
	default:
		return value, false, &UnexpectedAmountOfRows{Count: len(result.Rows)}
	}
}

// ExactlyOneRow decodes exactly one row, failing if zero or more than one
// row was returned.
func ExactlyOneRow[T any](result *QueryResult, decode RowDecoder[T], integerDatetimes IntegerDatetimesFlag) (value T, err error) {
	value, ok, err := MaybeOneRow(result, decode, integerDatetimes)
	if err != nil {
		return value, err
	}
	if !ok {
		return value, &UnexpectedAmountOfRows{Count: 0}
	}
	return value, nil
}

// VectorOfRows decodes every row into a slice.
func VectorOfRows[T any](result *QueryResult, decode RowDecoder[T], integerDatetimes IntegerDatetimesFlag) ([]T, error) {
	if err := backendOf(result); err != nil {
		return nil, err
	}

	out := make([]T, 0, len(result.Rows))
	for i := range result.Rows {
		v, err := decode(result, i, len(result.Columns), integerDatetimes)
		if err != nil {
			return nil, &RowError{Index: i, Cause: err}
		}
		out = append(out, v)
	}
	return out, nil
}

// LeftFold folds over rows from first to last.
func LeftFold[A any](result *QueryResult, init A, decode RowDecoder[A], fold func(acc, next A) A, integerDatetimes IntegerDatetimesFlag) (A, error) {
	if err := backendOf(result); err != nil {
		return init, err
	}

	acc := init
	for i := range result.Rows {
		v, err := decode(result, i, len(result.Columns), integerDatetimes)
		if err != nil {
			return acc, &RowError{Index: i, Cause: err}
		}
		acc = fold(acc, v)
	}
	return acc, nil
}

// RightFold folds over rows from last to first.
func RightFold[A any](result *QueryResult, init A, decode RowDecoder[A], fold func(next, acc A) A, integerDatetimes IntegerDatetimesFlag) (A, error) {
	if err := backendOf(result); err != nil {
		return init, err
	}

	acc := init
	for i := len(result.Rows) - 1; i >= 0; i-- {
		v, err := decode(result, i, len(result.Columns), integerDatetimes)
		if err != nil {
			return acc, &RowError{Index: i, Cause: err}
		}
		acc = fold(v, acc)
	}
	return acc, nil
}
