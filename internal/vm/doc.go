// Package vm manages sessions on VirtualBox machines.
//
// A Session owns the lock on one machine and the console objects obtained
// through it (keyboard, mouse, display and guest). Sessions are created in
// one of two ways:
//
//   - CloneAndRun makes a linked clone of an existing machine (optionally
//     from a snapshot), registers and launches it headless. The session owns
//     the clone: closing it powers the clone down, unregisters it and deletes
//     its files. Such a session is Ephemeral.
//   - AttachRunning takes a shared lock on a machine which is already running.
//     Closing the session only releases the lock. Such a session is
//     Persistent.
//
// The kind, and therefore what Close does, is fixed when the session is
// created. A failure while creating a session closes whatever was already
// set up before the error is returned.
//
// Lifecycle:
//
//	Uninitialized -> Locking -> ConsoleReady -> Active -> Closing -> Closed
//
// Input and screenshot operations are only available in the Active state.
// A Session does not serialize its own operations: callers must not run
// Close or Stop concurrently with other calls on the same session. The
// pressed mouse buttons are the only state guarded internally, as input
// events may arrive concurrently.
//
// Registry is the in-memory set of sessions a service exposes, keyed by id.
package vm
