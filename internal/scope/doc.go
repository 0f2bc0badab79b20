// Package scope tracks per-principal authorization scope versions.
//
// Every (user, tenant) pair carries a monotonically increasing version
// number over its effective capability and role set. Versions advance
// through optimistic compare-and-swap, and each advance appends a
// change event in the same transaction, so the event log is a gapless
// history of every scope a principal has ever held. Downstream
// consumers (session validation, websocket delivery, reconciliation)
// key everything off these versions.
package scope
