// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package daemon

import (
	"encoding/binary"
	stderrors "errors"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// signalFD wraps a Linux signalfd: SIGINT/SIGTERM/SIGHUP arrive as
// readable bytes on an ordinary file descriptor instead of interrupting a
// blocking syscall, so the event loop's epoll_wait stays the single place
// it ever blocks — standing in for signal_hook's async-signal-safe pipe
// trick in the original Rust daemon.
type signalFD struct {
	fd int
}

// daemonSignals is the fixed set of signals vored treats as epoll-visible
// events rather than letting the Go runtime's default handler touch them.
var daemonSignals = []unix.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGHUP}

// init blocks daemonSignals as early as the Go runtime allows. unix.SigprocMask
// only blocks the calling OS thread, and the scheduler is free to migrate a
// goroutine onto a different thread at any yield point, so calling it from
// inside newSignalFD (after LoadDefinitions, after autoStartAll, possibly
// from whichever thread happened to be running the goroutine at that
// moment) leaves every other thread with these signals unblocked and able
// to take the default disposition instead. A thread created by clone()
// inherits the signal mask its parent thread had at the moment of cloning,
// so blocking in init() — before any other goroutine exists to be
// scheduled onto a new thread — means every OS thread the runtime
// subsequently creates for this process inherits the mask already set
// here.
func init() {
	var mask unix.Sigset_t
	for _, s := range daemonSignals {
		addSignal(&mask, s)
	}
	if err := unix.SigprocMask(unix.SIG_BLOCK, &mask, nil); err != nil {
		panic("vored: failed to block daemon signals at startup: " + err.Error())
	}
}

func newSignalFD(signals ...unix.Signal) (*signalFD, error) {
	var mask unix.Sigset_t
	for _, s := range signals {
		addSignal(&mask, s)
	}

	// The mask itself was already applied process-wide by this package's
	// init(); signalfd still needs its own copy of the mask to know which
	// signals to report.
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC|unix.SFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create signalfd")
	}

	return &signalFD{fd: fd}, nil
}

func (s *signalFD) Close() error {
	return unix.Close(s.fd)
}

const signalfdSiginfoSize = 128

// Read drains every pending signalfd_siginfo record and returns the signal
// numbers observed, in arrival order.
func (s *signalFD) Read() ([]unix.Signal, error) {
	buf := make([]byte, signalfdSiginfoSize*16)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if stderrors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, err
	}

	var out []unix.Signal
	for off := 0; off+4 <= n; off += signalfdSiginfoSize {
		signo := binary.LittleEndian.Uint32(buf[off : off+4])
		out = append(out, unix.Signal(signo))
	}
	return out, nil
}

// addSignal sets bit sig-1 in a Sigset_t, matching how glibc's sigaddset
// lays out the bitmap. It assumes 64-bit Val words, as on 64-bit Linux.
func addSignal(set *unix.Sigset_t, sig unix.Signal) {
	bit := uint(sig) - 1
	word := bit / 64
	if int(word) >= len(set.Val) {
		return
	}
	set.Val[word] |= 1 << (bit % 64)
}
