// Package store provides the local context store: the Store interface, a
// SQLite implementation for persistence, an in-memory implementation for
// tests and ephemeral runs, and a synchronous change feed.
//
// Upserts merge field-wise: present fields in the incoming record overwrite,
// absent fields persist. Listeners registered with Listen receive every
// change on the mutating goroutine and must hand real work off to their own
// queue.
package store
