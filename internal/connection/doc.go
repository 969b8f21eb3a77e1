// Package connection implements the connection lifecycle manager.
//
// The Manager owns the single session to the messaging backend:
//   - Connect dials and opens a session; concurrent callers share one attempt
//   - every close is classified by status code into permanent, temporary,
//     restart-required, replaced or unknown
//   - retryable closes are recovered by a bounded reconnect loop with a fixed
//     delay; reaching the ceiling is fatal and reported on Fatal()
//   - registered handlers are bound to each newly opened session and invoked
//     sequentially, in registration order, with per-handler recovery
//
// Backends plug in through Dialer and Socket and report their lifecycle with
// the typed Event values defined in this package.
//
// # States
//
//	idle -> connecting -> open -> closed -> (connecting | idle | fatal)
//
// Handlers are snapshotted when a session opens. A handler registered while a
// session is already open starts receiving messages from the next session.
// Dispatch is sequential: a slow handler delays every later message, but not
// lifecycle events. A close reported while a handler runs clears the handle
// at once, and messages still queued for that session are dropped.
package connection
