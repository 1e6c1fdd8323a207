// Package storage persists the send queue: tasks, per-date statistics, the
// operator-tunable limit settings and an audit trail of operator actions.
//
// The only backend is SQLite (modernc.org/sqlite, pure Go). Every write that
// changes a task status together with a statistic happens in one transaction
// so that a crash cannot count a send twice or lose it.
package storage
