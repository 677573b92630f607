package pgdispatch

import "github.com/lib/pq/oid"

// OIDName returns the Postgres built-in type name for a column type OID
// in upper case (e.g. 25 -> "TEXT", 23 -> "INT4"), using the same taxonomy the teacher's
// pkg/types and row-description plumbing draw from lib/pq/oid. Returns
// "" for an OID lib/pq does not have a built-in name for (extension types,
// user-defined composites/enums).
func OIDName(columnOID uint32) string {
	return oid.TypeName[oid.Oid(columnOID)]
}
