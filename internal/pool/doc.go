// Package pool runs tasks in a set of worker processes.
//
// A worker is a subprocess started from a Command, usually the service's
// own executable with a hidden subcommand, which calls Serve. Tasks and
// replies are exchanged as JSON documents over the worker's stdin and
// stdout. Every line the worker prints to stderr is passed to a StderrFunc.
//
// Data flow:
//
//	Pool.Submit                 worker{pid}                 Serve
//	    |  idle worker or spawn     |                         |
//	    |-------- assign ---------->| task -> stdin --------->| fn(task)
//	    |                           |<- stdout <- reply ------|
//	    |<------- Pending ----------|                         |
//	    |  worker back to idle      |                         |
//
// Invariants:
//   - A worker runs at most one task at a time.
//   - A task is sent to exactly one worker and never retried.
//   - Every Pending resolves exactly once, with a result, the task error or
//     ErrWorkerTerminated when the worker exits before replying.
//   - A worker which exits is dropped and is not restarted. The pool grows
//     again on the next Submit finding no idle worker.
//   - The number of workers is not capped.
//   - Submitted tasks cannot be cancelled. A caller may stop waiting for a
//     Pending, the worker finishes the task anyway.
package pool
