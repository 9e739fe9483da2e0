// Package audit records every mutation of roles, grants and assignments.
//
// Mutations emit a Record to an Emitter and return without waiting. The
// Writer queues records and appends them to a Sink on one background
// goroutine, so an unavailable audit store never blocks or fails the
// mutation that produced the record:
//
//	sink := audit.NewMultiSink(dbSink, audit.NewLogSink(logger))
//	writer := audit.NewWriter(sink, audit.DefaultWriterConfig(), logger, metrics)
//	defer writer.Close(ctx)
//
//	writer.Emit(audit.Record{ActionType: audit.ActionRoleCreate, PerformedBy: actorID})
//
// Failed appends and dropped records are logged and counted in
// spoke_iam_audit_records_total. Records are never updated or deleted.
//
// FileSink keeps a rotated JSON lines copy on local disk, and Exporter
// streams search results as CSV or NDJSON.
package audit
