// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package eventloop provides the single-threaded cooperative scheduler that
// every thread of a workermsg host runs on.
//
// # Architecture
//
// A [Loop] owns one goroutine (while [Loop.Run] is executing). Work reaches
// it through [Loop.Submit], which is safe to call from any goroutine, and is
// executed strictly in submission order. Timers ([Loop.ScheduleTimer]) and
// microtasks ([Loop.ScheduleMicrotask]) are layered on top, with the same
// priority ordering as a JavaScript event loop:
//
//  1. Expired timers (earliest deadline first)
//  2. Submitted tasks (FIFO, bounded per tick)
//  3. Microtasks (drained after the batch, or after every task when
//     [WithStrictMicrotaskOrdering] is enabled)
//
// # Liveness
//
// Unlike a server loop, a thread's loop exits on its own once it has nothing
// left to do. A loop is considered alive while it has queued work, a ref'd
// timer, or a positive reference count ([Loop.Ref] / [Loop.Unref]). Handles
// that should not keep a thread alive (for example, registry endpoints held
// by the coordinator) simply never take a reference. [WithKeepAlive] disables
// idle exit altogether.
//
// # Promises
//
// [Promise] is the suspension primitive: an operation that completes on
// another thread resolves a promise whose reactions run as microtasks on the
// owning loop. Nothing in this package blocks the loop goroutine.
//
// # Events
//
// [EventTarget] provides DOM-style listener registration and synchronous
// dispatch, used as the delivery sink for inbound thread messages.
package eventloop
