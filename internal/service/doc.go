// Package service implements spawning, supervision of and communication with
// proxy worker processes.
//
// Overview
// The Registry owns a table of service ids. Each id is never started, running
// with exactly one Handle, or stopped. Clients Start an id with a config,
// Stop it, and pull its status or metrics; there are no push notifications.
//
// A Handle wraps one worker Process. It turns "send one message, get one
// reply" into a single blocking Invoke call. Every request carries a fresh
// id and the worker echoes it in its "<method>/done" or "<method>/error"
// reply. Messages nobody asked for end up in a bounded PendingQueue.
//
// Process is a thin wrapper around os/exec:
//   - starts the worker
//   - speaks the protocol over its stdin and stdout
//   - forwards stderr lines to the log
//   - reports the exit
//
// Data flow:
//
//	Registry               Handle{id}                Process{cmd}
//	    |                      |                          |
//	Start(id) -> spawn ------------------------------------>| os/exec.Start
//	    |------ Invoke(start) ->| ~{"type":"start",...} -->| worker
//	    |                      |<-- ~{"type":"start/done"}|
//	    |<------ payload ------|                          |
//	Stop(id) -> Invoke(stop) ->|                          |
//	    |------ Close -------->| Kill ------------------->| exits
//
// Invariants:
//   - At most one live Handle per service id.
//   - A failed start removes the id, a stop leaves it as stopped.
//   - Each request gets at most one reply; a reply is consumed once.
//   - A worker that exits fails every outstanding request.
//   - Invoke is bounded by its context and the configured timeout.
//
// registry_test.go is the best source about how to use the Registry.
package service
