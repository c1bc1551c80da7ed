// Copyright (c) 2023 Tuukka Norri
// This code is licensed under MIT license (see LICENSE for details).

// Package dispatch is a libdispatch-style userland concurrency runtime: a
// cooperative thread pool, typed work queues, generic callable tasks, and
// (in the event subpackage) a kernel-event multiplexer, composed into a
// single asynchronous core.
//
// A Task wraps a unit of work — a closure or a bound method call on an
// owned, shared, or weak target — behind a small move-only value. Tasks are
// submitted to a Queue, which is either Serial (strict FIFO, at most one
// task executing at a time) or Parallel (unordered, any worker, any order).
// Both queue kinds are backed by a ThreadPool, which owns a dynamically
// sized set of worker goroutines.
//
// A Group is a counting barrier used to join fan-out work; a Barrier is a
// one-shot serialising fence that can be inserted into a parallel queue.
//
// See the event subpackage for the kernel-event side (file descriptors,
// signals, timers) and the subprocess subpackage for the fork/exec launcher.
package dispatch
