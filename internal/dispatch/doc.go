// Package dispatch hands instructions to worker sessions and waits for their
// results.
//
// A dispatch resolves the project's session, takes the per-session lock,
// re-checks that the session is alive, and types the instruction followed by
// a result contract naming the file the worker must write. It then polls the
// project's mailbox for that file.
//
// While polling, the session's screen is scanned on a slower interval for
// known interactive prompts. A recognized prompt is answered with its canned
// response and the activation keys, at most MaxAutoResponds times per task.
// A result found at any point wins over a pending prompt answer.
//
// Outcomes:
//   - result file parsed         → the worker's status (completed, failed, ...)
//   - no result before deadline  → timeout; any partial file is left in place
//   - unknown project or session → failed, nothing injected
//   - caller context cancelled   → cancelled
//
// Only one dispatch per task ID runs at a time, and dispatches to the same
// session are serialized, in this process by a gate and across processes by
// a lock file. Inject keeps holding the session after it returns, until Wait
// collects the ticket or the ticket's deadline passes.
//
// The Runner drives the dispatcher from the central mailbox: it claims one
// task at a time, records it as current before committing the claim, and
// reports lifecycle events through the delivery client.
package dispatch
