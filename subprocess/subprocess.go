// Copyright (c) 2023 Tuukka Norri
// This code is licensed under MIT license (see LICENSE for details).

// Package subprocess launches child processes with a requested subset of
// stdin/stdout/stderr connected to parent-side pipes, the rest redirected
// to /dev/null, and reports pre-exec child-side failure through a
// structured status rather than a generic error string.
//
// It is built directly on syscall.ForkExec rather than os/exec: os/exec's
// Cmd pre-validates the binary path with exec.LookPath before forking,
// which would turn a missing binary into a parent-side error instead of
// the child-side exec failure this package's callers (and the event
// manager's fd-readiness sources, watching the returned pipes) expect.
package subprocess

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
)

// Stream is a bitset of {Stdin, Stdout, Stderr} identifying which standard
// streams the caller wants connected to parent-side pipes. Unrequested
// streams are redirected to /dev/null in the child.
type Stream int

const (
	Stdin Stream = 1 << iota
	Stdout
	Stderr
)

// Phase classifies where in the launch sequence a failure occurred.
type Phase int

const (
	// NoError means the launch succeeded.
	NoError Phase = iota
	// PhaseFDSetup means a parent-side pipe or /dev/null open failed,
	// before any process was created.
	PhaseFDSetup
	// PhaseFork means process creation itself failed (resource
	// exhaustion), reported via the child's close-on-exec status pipe
	// mechanism embedded in syscall.ForkExec.
	PhaseFork
	// PhaseExec means the child was created but execve failed.
	PhaseExec
)

func (p Phase) String() string {
	switch p {
	case NoError:
		return "no_error"
	case PhaseFDSetup:
		return "fd_setup"
	case PhaseFork:
		return "fork"
	case PhaseExec:
		return "exec"
	default:
		return "unknown"
	}
}

// LaunchError is returned when a subprocess could not be started. It is
// never returned for a child that started but exited non-zero — that is
// reported via ExitStatus from Handle.Close instead.
type LaunchError struct {
	Phase Phase
	Errno syscall.Errno
	Step  string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("subprocess: %s failed at %s: %s", e.Phase, e.Step, e.Errno)
}

func (e *LaunchError) Unwrap() error { return e.Errno }

// execClassErrno holds the errno values exec(2) itself can fail with;
// seeing one of these from ForkExec (which reports both fork- and
// exec-phase errors through the same channel) is classified as PhaseExec.
// Mirrors the original dispatch core's errno->exit-code table, collapsed
// to phase rather than process exit code (Go's runtime already owns the
// forked child's control flow, so there is no user-level _exit to pick).
var execClassErrno = map[syscall.Errno]bool{
	syscall.E2BIG:        true,
	syscall.EACCES:       true,
	syscall.ENOENT:       true,
	syscall.ELOOP:        true,
	syscall.ENAMETOOLONG: true,
	syscall.ENOTDIR:      true,
	syscall.EFAULT:       true,
	syscall.ENOEXEC:      true,
	syscall.ENOMEM:       true,
	syscall.ETXTBSY:      true,
	syscall.EIO:          true,
}

func classify(errno syscall.Errno) Phase {
	if execClassErrno[errno] {
		return PhaseExec
	}
	return PhaseFork
}

// Spec describes a child process to launch.
type Spec struct {
	// Argv is the argv vector, argv[0] is the path to exec. No shell
	// expansion is performed.
	Argv []string
	// Env, if non-nil, replaces the child's environment entirely.
	// A nil Env inherits the current process's environment.
	Env []string
	// Dir, if non-empty, is the child's working directory.
	Dir string
	// Streams selects which standard streams get parent-side pipes.
	Streams Stream
}

// Handle is a running or exited child process. Requested streams are
// exposed as parent-side pipe endpoints; unrequested ones are nil.
type Handle struct {
	pid    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Pid returns the child's process ID.
func (h *Handle) Pid() int { return h.pid }

// ExitKind classifies how a child process terminated.
type ExitKind int

const (
	Exited ExitKind = iota
	Signalled
	Stopped
	Unknown
)

func (k ExitKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Signalled:
		return "signalled"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ExitStatus is the result of waiting for a child process.
type ExitStatus struct {
	Kind ExitKind
	Code int
	Pid  int
}

// Launch starts a child process per spec. On success it returns a Handle
// with the requested stream pipes. On failure it returns a *LaunchError
// classifying where the launch failed; no Handle is returned in that case
// and any file descriptors Launch itself opened are cleaned up.
func Launch(spec Spec) (handle *Handle, err error) {
	if len(spec.Argv) == 0 {
		return nil, &LaunchError{Phase: PhaseFDSetup, Errno: syscall.EINVAL, Step: "argv"}
	}

	var cleanup []io.Closer
	defer func() {
		if err != nil {
			for _, c := range cleanup {
				_ = c.Close()
			}
		}
	}()

	track := func(c io.Closer) io.Closer {
		cleanup = append(cleanup, c)
		return c
	}

	childFiles := make([]uintptr, 3)
	var parentStdin io.WriteCloser
	var parentStdout, parentStderr io.ReadCloser

	if spec.Streams&Stdin != 0 {
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, fdSetupError(perr, "pipe(stdin)")
		}
		track(r)
		parentStdin = track(w).(io.WriteCloser)
		childFiles[0] = r.Fd()
	} else {
		f, ferr := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
		if ferr != nil {
			return nil, fdSetupError(ferr, "open(/dev/null) for stdin")
		}
		track(f)
		childFiles[0] = f.Fd()
	}

	if spec.Streams&Stdout != 0 {
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, fdSetupError(perr, "pipe(stdout)")
		}
		parentStdout = track(r).(io.ReadCloser)
		track(w)
		childFiles[1] = w.Fd()
	} else {
		f, ferr := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if ferr != nil {
			return nil, fdSetupError(ferr, "open(/dev/null) for stdout")
		}
		track(f)
		childFiles[1] = f.Fd()
	}

	if spec.Streams&Stderr != 0 {
		r, w, perr := os.Pipe()
		if perr != nil {
			return nil, fdSetupError(perr, "pipe(stderr)")
		}
		parentStderr = track(r).(io.ReadCloser)
		track(w)
		childFiles[2] = w.Fd()
	} else {
		f, ferr := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if ferr != nil {
			return nil, fdSetupError(ferr, "open(/dev/null) for stderr")
		}
		track(f)
		childFiles[2] = f.Fd()
	}

	attr := &syscall.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Env,
		Files: childFiles,
	}

	pid, forkErr := syscall.ForkExec(spec.Argv[0], spec.Argv, attr)
	if forkErr != nil {
		errno, _ := forkErr.(syscall.Errno)
		return nil, &LaunchError{Phase: classify(errno), Errno: errno, Step: "fork_exec"}
	}

	// The child now owns its copies of the fds we handed it (dup'd onto
	// 0/1/2); our originals for those — and any /dev/null fds — are no
	// longer needed. Parent-side pipe ends stay open via cleanup
	// exclusion below: only close the fds we tracked that are NOT the
	// ones returned to the caller.
	for _, c := range cleanup {
		if c == io.Closer(parentStdin) || c == io.Closer(parentStdout) || c == io.Closer(parentStderr) {
			continue
		}
		_ = c.Close()
	}
	cleanup = nil

	return &Handle{
		pid:    pid,
		Stdin:  parentStdin,
		Stdout: parentStdout,
		Stderr: parentStderr,
	}, nil
}

func fdSetupError(err error, step string) *LaunchError {
	errno, _ := err.(syscall.Errno)
	if perr, ok := err.(*os.PathError); ok {
		errno, _ = perr.Err.(syscall.Errno)
	}
	return &LaunchError{Phase: PhaseFDSetup, Errno: errno, Step: step}
}

// Close waits for the child to exit and reports how it terminated. It may
// be called exactly once per Handle.
func (h *Handle) Close() (ExitStatus, error) {
	var wstatus syscall.WaitStatus
	for {
		_, err := syscall.Wait4(h.pid, &wstatus, 0, nil)
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return ExitStatus{Kind: Unknown, Pid: h.pid}, err
		}
		break
	}

	status := ExitStatus{Pid: h.pid}
	switch {
	case wstatus.Exited():
		status.Kind = Exited
		status.Code = wstatus.ExitStatus()
	case wstatus.Signaled():
		status.Kind = Signalled
		status.Code = int(wstatus.Signal())
	case wstatus.Stopped():
		status.Kind = Stopped
		status.Code = int(wstatus.StopSignal())
	default:
		status.Kind = Unknown
	}
	return status, nil
}

// SplitCommandLine splits s on unquoted whitespace, honoring single and
// double quotes as literal (non-nesting) grouping — a convenience for
// building an Argv from a single command-line string, not a shell parser.
func SplitCommandLine(s string) []string {
	var out []string
	var cur strings.Builder
	var quote rune
	has := false
	flush := func() {
		if has {
			out = append(out, cur.String())
			cur.Reset()
			has = false
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			has = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
			has = true
		}
	}
	flush()
	return out
}
