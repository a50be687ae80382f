// Package queue is the durable local backlog of scan records that have not
// been confirmed by the collection endpoint.
//
// The backlog is a CSV file with a header row. Columns are looked up by
// name, so files written by older devices (timestamp, raspberry_id,
// codigobarras, filial_id, mac_address) are read and migrated on Open, and
// files with extra columns stay readable.
//
// Durability rules:
//   - Append grows the file with O_APPEND and fsyncs before returning.
//   - Remove, MarkRejected and Requeue rewrite the whole file into a temp file
//     in the same directory, fsync it and rename it over the original.
//   - Bytes after the last newline are an append that never completed; they
//     are ignored on read.
//   - A file that cannot be parsed is renamed to <path>.corrupt-<unix> and
//     the backlog starts empty (StorageCorruptionError is logged and passed
//     to the quarantine hook).
//
// Records are matched by ID, never by scan code.
package queue
