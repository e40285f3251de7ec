// Package service orchestrates garak scan jobs.
//
// Overview
// The Supervisor owns a registry of in-flight jobs and an admission queue.
// Submit validates a request, records a pending job in the history store
// and queues it. At most jobs.max_concurrent jobs run at a time, the rest
// wait in submission order.
//
// Every admitted job runs in its own goroutine. It starts garak through a
// Launcher, feeds each output line to the progress parser and publishes the
// resulting events to the subscribed Handles. When garak exits, the job looks
// for the report artifact in its directory, persists the terminal record and
// publishes exactly one terminal event.
//
// Data flow:
//
//	Gateway             Supervisor              job                  Launcher
//	   |                    |                    |                       |
//	   | Submit ----------->| save pending       |                       |
//	   |<-- Handle ---------| enqueue/dispatch ->| save running          |
//	   |                    |                    | Start --------------->| garak
//	   |<------------------------- status -------|<------- lines --------|
//	   |<------------------------- complete|error| Wait, save terminal   |
//
// Invariants:
//   - job state is changed only by the job goroutine, Abort of a pending job
//     and Close
//   - events of a job are delivered in order and the terminal one is last
//   - a detached Handle never blocks the job
//   - client disconnect does not stop a scan unless jobs.abort_on_disconnect is set
//   - every record is saved at creation, on start and on the terminal transition
package service
