// Package row defines the fragment values exchanged with the backing store.
//
// A fragment is one table row's worth of a document's data, addressed by a
// RowId (table name plus id). A Row carries either keyed column values
// (single-row mode) or positional values sharing one id (collection mode).
//
// Rows are transient: they are built for one store operation and discarded.
// Neither RowId nor Row is safe for concurrent mutation.
//
// # Id types
//
// The id of a RowId is either a string (UUID, "varchar" id type) or an int64
// (server sequence, "sequence" id type). The kind is fixed once per backing
// store at startup; mixing kinds in one repository is a caller bug.
package row
