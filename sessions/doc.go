// Package sessions maintains a bounded, concurrency-safe pool of live
// remote database sessions. Callers lease a session with Pool.Get, do
// their work, and hand it back with ManagedSession.Release; the pool
// grows on demand up to a configured maximum, parks callers in a FIFO
// waiter queue at capacity, keeps idle sessions alive with periodic
// pings, and evicts the ones that fail.
//
// Layers & Roles
//
//	Pool           -> bookkeeping: idle FIFO, waiter queue, counters
//	ManagedSession -> one lease; Release returns ownership exactly once
//	Client         -> the remote session RPC surface (create/delete/ping)
//	ClientSource   -> round-robin supply of Clients over shared channels
//
// The pool mutex guards only in-memory bookkeeping. Session creation,
// deletion and pings always happen outside of it, so one slow RPC never
// blocks unrelated leases.
package sessions
