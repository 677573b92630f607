package pgdispatch

import "github.com/jackc/pgtype"

// ValueDecoder decodes a DataRow column's wire bytes into a Go-native
// destination using jackc/pgtype's codec registry -- the same registry
// pgx's driver builds its own Scan on top of (see other_examples'
// early pgx conn.go/connection.go for the precedent this module follows
// without depending on pgx itself). This is the pluggable value-typing
// seam at the row-decoding boundary: RowDecoder implementations call
// Scan rather than hand-rolling per-type parsing.
type ValueDecoder struct {
	ci *pgtype.ConnInfo
}

// NewValueDecoder builds a ValueDecoder seeded with pgtype's built-in OID
// registry (the same set pgx initialises a connection with before any
// server-reported custom types are merged in).
func NewValueDecoder() *ValueDecoder {
	return &ValueDecoder{ci: pgtype.NewConnInfo()}
}

// Scan decodes src, the raw column bytes for type oid encoded as format,
// into dst -- a pointer to a Go-native type (*string, *int32, *time.Time,
// *[]byte, ...) or a type implementing pgtype.Value. A nil src (SQL NULL)
// is handled the same way pgtype.ConnInfo.Scan handles it natively.
func (v *ValueDecoder) Scan(columnOID uint32, format FormatCode, src []byte, dst any) error {
	return v.ci.Scan(columnOID, int16(format), src, dst)
}

// DecodeColumn is a RowDecoder-shaped convenience that scans column col of
// row-index row in result into dst, looking the OID up from the row's own
// RowDescription rather than requiring the caller to track it separately.
func (v *ValueDecoder) DecodeColumn(result *QueryResult, row, col int, dst any) error {
	column := result.Columns[col]
	return v.Scan(column.TypeOID, column.Format, result.Rows[row][col], dst)
}
