// Package sagatask compiles sagas into independent tasks for an
// at-least-once task queue.
//
// A saga is a named, ordered list of steps. Each step has a forward action
// and optionally a compensating action. Instead of running the saga in one
// process, sagatask compiles it into a set of task handlers that each do one
// unit of work and enqueue the next one, so the queue substrate provides
// persistence, retries and dead-lettering.
//
// Overview
//
//  1. Define the saga:
//     - Use `NewSaga` with a name and a `PayloadContract` (see `JSONContract`).
//     - Append steps with `AddStep(name, run, cancel)`; cancel may be nil.
//  2. Compile it with `Compile`, which returns a `TaskRegistry`. Several
//     registries can be combined with `MergeRegistries`, which rejects
//     colliding task names.
//  3. Hand the registry to a queue substrate. `queue/redisqueue` runs tasks
//     from a Redis stream; `queue/memqueue` runs them in memory.
//  4. Start a saga by enqueuing its entry task, named after the saga, with
//     the initial payload.
//
// Task names
//
//	{saga}               entry point, payload is the initial payload
//	{saga}|{step}        forward execution of step
//	{saga}|{step}|cancel compensation of step, only if it defines one
//
// Only the entry task takes a caller-built payload. Every other task takes
// an `Envelope` built by the task before it.
//
// Cancellation
//
// A run action unwinds the saga by returning `sc.Cancel(reason)`. The
// completed steps before it are then compensated in reverse order, skipping
// steps without a compensation (see `NextCompensationTarget`). Any other
// error is returned to the substrate untouched and the saga stays where it
// is until the substrate retries the task.
package sagatask
