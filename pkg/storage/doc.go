// Package storage defines the persistence contract of the billing engine.
//
// # Overview
//
// The engine never talks to a database directly. Every read and every guarded write goes
// through the Store interface, which composes focused capabilities:
//
//   - QuoteReader / QuoteWriter: quotes and their status
//   - InvoiceReader / InvoiceWriter: invoices, line items, milestones, revisions
//   - PaymentLedger: idempotent payment confirmations
//   - ReminderLedger: the append-only reminder dedup ledger
//   - AuditReader: the state log
//   - HealthChecker: explicit heartbeat
//
// # Write Semantics
//
// Status writes are single-row compare-and-set: UpdateInvoiceStatus(id, from, to, log) succeeds
// only while the row is still in from, and writes the StateLog row in the same transaction.
// A lost race surfaces as billing.ErrConcurrency. ApplyRevision and CorrectTotals are the
// multi-row writes; both are atomic per invoice and guarded by the invoice version.
//
// # Implementations
//
//   - MemoryStore: in-process maps, used by tests and the --dry-run CLI mode
//   - sqlstore.Store: PostgreSQL (lib/pq) and SQLite (go-sqlite3) through database/sql
//
// Redis connectivity for the distributed notification rate limiter lives here too (NewRedisClient).
package storage
