//go:build darwin

package event

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Distinct EVFILT_USER identifiers: kqueue coalesces events sharing
// (ident, filter), so wake-up and stop must not share an ident.
const (
	identWake = 1
	identStop = 2
	// timerIdent is arbitrary and private to this backend; callers never
	// see kqueue idents.
	timerIdent = 1
)

type darwinBackend struct {
	kq int

	blockedSigs map[int]struct{}

	eventBuf [64]unix.Kevent_t
}

func newBackend() (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("dispatch/event: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	b := &darwinBackend{kq: kq, blockedSigs: make(map[int]struct{})}

	userEvents := []unix.Kevent_t{
		{Ident: identWake, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR | unix.EV_RECEIPT},
		{Ident: identStop, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR | unix.EV_RECEIPT},
	}
	out := make([]unix.Kevent_t, len(userEvents))
	if _, err := unix.Kevent(kq, userEvents, out, nil); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("dispatch/event: register user events: %w", err)
	}
	for _, ev := range out {
		if ev.Flags&unix.EV_ERROR != 0 && ev.Data != 0 {
			unix.Close(kq)
			return nil, fmt.Errorf("dispatch/event: register user event %d: errno %d", ev.Ident, ev.Data)
		}
	}

	return b, nil
}

func (b *darwinBackend) close() error {
	return unix.Close(b.kq)
}

func (b *darwinBackend) addFDInterest(fd int, dir Direction) error {
	filter := int16(unix.EVFILT_READ)
	if dir == Write {
		filter = unix.EVFILT_WRITE
	}
	changes := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  unix.EV_ADD | unix.EV_CLEAR | unix.EV_RECEIPT,
	}}
	out := make([]unix.Kevent_t, 1)
	if _, err := unix.Kevent(b.kq, changes, out, nil); err != nil {
		return err
	}
	if out[0].Flags&unix.EV_ERROR != 0 && out[0].Data != 0 {
		return fmt.Errorf("errno %d", out[0].Data)
	}
	return nil
}

func (b *darwinBackend) removeFDInterest(fd int, dir Direction) error {
	filter := int16(unix.EVFILT_READ)
	if dir == Write {
		filter = unix.EVFILT_WRITE
	}
	changes := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  unix.EV_DELETE,
	}}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (b *darwinBackend) addSignalInterest(sig int) error {
	if _, already := b.blockedSigs[sig]; !already {
		var set unix.Sigset_t
		addSignalDarwin(&set, sig)
		if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
			return fmt.Errorf("pthread_sigmask: %w", err)
		}
	}
	b.blockedSigs[sig] = struct{}{}

	changes := []unix.Kevent_t{{
		Ident:  uint64(sig),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_ADD | unix.EV_RECEIPT,
	}}
	out := make([]unix.Kevent_t, 1)
	_, err := unix.Kevent(b.kq, changes, out, nil)
	return err
}

func (b *darwinBackend) removeSignalInterest(sig int) error {
	delete(b.blockedSigs, sig)

	changes := []unix.Kevent_t{{
		Ident:  uint64(sig),
		Filter: unix.EVFILT_SIGNAL,
		Flags:  unix.EV_DELETE,
	}}
	unix.Kevent(b.kq, changes, nil, nil)

	var set unix.Sigset_t
	addSignalDarwin(&set, sig)
	return unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
}

func (b *darwinBackend) armTimer(deadline time.Time, active bool) error {
	if !active {
		changes := []unix.Kevent_t{{Ident: timerIdent, Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE}}
		unix.Kevent(b.kq, changes, nil, nil)
		return nil
	}
	ms := time.Until(deadline).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	changes := []unix.Kevent_t{{
		Ident:  timerIdent,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
		Data:   ms,
	}}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *darwinBackend) wake() error {
	changes := []unix.Kevent_t{{Ident: identWake, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *darwinBackend) requestStop() error {
	changes := []unix.Kevent_t{{Ident: identStop, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func addSignalDarwin(set *unix.Sigset_t, sig int) {
	*set |= 1 << (uint(sig) - 1)
}

func (b *darwinBackend) wait() ([]rawEvent, error) {
	n, err := unix.Kevent(b.kq, nil, b.eventBuf[:], nil)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	var out []rawEvent
	for i := 0; i < n; i++ {
		ev := b.eventBuf[i]
		switch ev.Filter {
		case unix.EVFILT_USER:
			switch ev.Ident {
			case identWake:
				out = append(out, rawEvent{kind: evWake})
			case identStop:
				out = append(out, rawEvent{kind: evStop})
			}
		case unix.EVFILT_READ:
			out = append(out, rawEvent{kind: evFD, fd: int(ev.Ident), dir: Read})
		case unix.EVFILT_WRITE:
			out = append(out, rawEvent{kind: evFD, fd: int(ev.Ident), dir: Write})
		case unix.EVFILT_SIGNAL:
			out = append(out, rawEvent{kind: evSignal, signal: int(ev.Ident)})
		case unix.EVFILT_TIMER:
			// Timer processing happens unconditionally after every
			// wait() return; no event needs emitting here.
		}
	}
	return out, nil
}
