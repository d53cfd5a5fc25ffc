// Package audit persists authentication audit events.
//
// Store writes auth.AuditEvent records to the auth_audit_events table and
// searches them. AsyncSink wraps a Store so the request that produced an
// event never waits on the database:
//
//	pool := async.NewWorkerPool(2, 512, "audit", 5*time.Second, logger)
//	sink := audit.NewAsyncSink(audit.NewStore(db), pool)
//	auditLogger := auth.NewAuditLogger(logger, sink)
//
// Events are dropped, with a warning, when the queue is full.
package audit
