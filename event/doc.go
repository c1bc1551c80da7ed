// Copyright (c) 2023 Tuukka Norri
// This code is licensed under MIT license (see LICENSE for details).

// Package event implements a platform-abstracted kernel-event multiplexer:
// file-descriptor readiness, signals, and timers, all converted into task
// submissions on caller-selected dispatch queues.
//
// A Manager owns exactly one kernel event handle (a kqueue fd on BSD/macOS,
// an epoll fd plus auxiliary signalfd/timerfd/eventfd on Linux) and runs a
// single dispatcher goroutine. Sources are added and removed from any
// goroutine; the dispatcher itself only ever touches the kernel handle.
package event
