//go:build linux

package event

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// linuxBackend multiplexes file descriptors, signals, and a timer through a
// single epoll instance, following the original dispatch core's Linux
// design: signalfd batches subscribed signals, timerfd(CLOCK_MONOTONIC)
// holds the soonest deadline, and two eventfds carry the in-band wake-up
// and stop control events.
type linuxBackend struct {
	epfd     int
	timerFD  int
	signalFD int
	wakeFD   int
	stopFD   int

	sigmask     unix.Sigset_t
	blockedSigs map[int]struct{}

	eventBuf [64]unix.EpollEvent
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch/event: epoll_create1: %w", err)
	}

	timerFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatch/event: timerfd_create: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		unix.Close(timerFD)
		return nil, fmt.Errorf("dispatch/event: eventfd (wake): %w", err)
	}
	stopFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		unix.Close(timerFD)
		unix.Close(wakeFD)
		return nil, fmt.Errorf("dispatch/event: eventfd (stop): %w", err)
	}

	b := &linuxBackend{
		epfd:        epfd,
		timerFD:     timerFD,
		signalFD:    -1,
		wakeFD:      wakeFD,
		stopFD:      stopFD,
		blockedSigs: make(map[int]struct{}),
	}

	for _, fd := range []int{timerFD, wakeFD, stopFD} {
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
			b.close()
			return nil, fmt.Errorf("dispatch/event: epoll_ctl add: %w", err)
		}
	}

	return b, nil
}

func (b *linuxBackend) close() error {
	if b.signalFD >= 0 {
		unix.Close(b.signalFD)
	}
	unix.Close(b.timerFD)
	unix.Close(b.wakeFD)
	unix.Close(b.stopFD)
	return unix.Close(b.epfd)
}

func (b *linuxBackend) addFDInterest(fd int, dir Direction) error {
	var want uint32 = unix.EPOLLET
	if dir == Read {
		want |= unix.EPOLLIN
	} else {
		want |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: want, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		// fd may already be registered for the other direction; merge.
		if err == unix.EEXIST {
			ev.Events = unix.EPOLLET | unix.EPOLLIN | unix.EPOLLOUT
			return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
		}
		return err
	}
	return nil
}

func (b *linuxBackend) removeFDInterest(fd int, _ Direction) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (b *linuxBackend) addSignalInterest(sig int) error {
	b.blockedSigs[sig] = struct{}{}
	return b.rebuildSignalfd()
}

func (b *linuxBackend) removeSignalInterest(sig int) error {
	delete(b.blockedSigs, sig)
	return b.rebuildSignalfd()
}

// rebuildSignalfd recomputes the signal mask from the currently-subscribed
// signal set, blocks exactly that set process-wide, and re-creates the
// signalfd. Removing the last subscriber for a signal unblocks it; a
// signal that was already blocked before it was subscribed is not kept
// blocked.
func (b *linuxBackend) rebuildSignalfd() error {
	var mask unix.Sigset_t
	for sig := range b.blockedSigs {
		addSignal(&mask, sig)
	}

	if err := unix.SigprocMask(unix.SIG_SETMASK, &mask, nil); err != nil {
		return fmt.Errorf("sigprocmask: %w", err)
	}

	if b.signalFD >= 0 {
		unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, b.signalFD, nil)
		unix.Close(b.signalFD)
		b.signalFD = -1
	}

	if len(b.blockedSigs) == 0 {
		return nil
	}

	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("signalfd_create: %w", err)
	}
	b.signalFD = fd
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)})
}

func (b *linuxBackend) armTimer(deadline time.Time, active bool) error {
	var spec unix.ItimerSpec
	if active {
		d := time.Until(deadline)
		if d <= 0 {
			d = time.Nanosecond
		}
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
	}
	return unix.TimerfdSettime(b.timerFD, 0, &spec, nil)
}

func (b *linuxBackend) wake() error {
	return writeEventfd(b.wakeFD)
}

func (b *linuxBackend) requestStop() error {
	return writeEventfd(b.stopFD)
}

func writeEventfd(fd int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

func addSignal(set *unix.Sigset_t, sig int) {
	// unix.Sigset_t is a fixed-size bitmask; Go exposes no portable
	// setter, so this mirrors sigaddset's bit math directly.
	word := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[word] |= 1 << bit
}

func (b *linuxBackend) wait() ([]rawEvent, error) {
	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	var out []rawEvent
	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Fd)
		flags := b.eventBuf[i].Events
		switch fd {
		case b.wakeFD:
			drainEventfd(fd)
			out = append(out, rawEvent{kind: evWake})
		case b.stopFD:
			drainEventfd(fd)
			out = append(out, rawEvent{kind: evStop})
		case b.timerFD:
			var buf [8]byte
			unix.Read(fd, buf[:])
			// Timer processing happens unconditionally after every
			// wait() return; no event needs emitting here.
		case b.signalFD:
			out = append(out, b.readSignals()...)
		default:
			if flags&unix.EPOLLIN != 0 {
				out = append(out, rawEvent{kind: evFD, fd: fd, dir: Read})
			}
			if flags&unix.EPOLLOUT != 0 {
				out = append(out, rawEvent{kind: evFD, fd: fd, dir: Write})
			}
		}
	}
	return out, nil
}

func (b *linuxBackend) readSignals() []rawEvent {
	var out []rawEvent
	var buf [128]byte
	for {
		n, err := unix.Read(b.signalFD, buf[:])
		if err != nil || n < 0 {
			return out
		}
		siginfoSize := 128
		for off := 0; off+siginfoSize <= n; off += siginfoSize {
			signo := int(binary.NativeEndian.Uint32(buf[off : off+4]))
			out = append(out, rawEvent{kind: evSignal, signal: signo})
		}
		if n < siginfoSize {
			return out
		}
	}
}
