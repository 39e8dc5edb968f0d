package run

// Package run executes external commands one at a time and exposes their
// output as a live, resumable log.
//
// Overview
// The Pool owns the single active Run. Starting a command first stops the
// active one and waits for its worker, so two commands never overlap. The
// most recent Run stays reachable after it finished.
//
// A Run is one invocation: the argument vector, a Sink holding the captured
// output and a cancellation flag. The Executor starts the process, copies
// stdout and stderr into the Sink with ANSI escapes removed, polls the flag
// and writes a trailer once the process is gone.
//
// A Streamer follows whatever Run the Pool currently holds. Each Stream call
// owns its own Cursor, so any number of observers read the same log at their
// own pace.
//
// Data flow:
//
//   Pool                  Executor{run}                  Streamer
//     |                       |                              |
//   RunParallel ------------->| "$ command" -> Sink          |
//     | (stop previous)       | os/exec.Start, Wait          |
//     |                       | stdout+stderr -> strip -> Sink <- Cursor.Read
//   Stop -> Run.Stop -------->| poll tick: kill group        |
//     |                       | trailer -> Sink, close       |
//     |<------ Done ----------|                              |--> Chunk
//
// Invariants:
//   - At most one Run is alive per Pool.
//   - Every Sink starts with the command echo and ends with exactly one
//     trailer: Success!, Cancelled! or Failed!.
//   - The Sink only grows, a Cursor never sees io.EOF but ErrNoData.
//   - Cancellation is observed at the next poll tick, at most a second later.
