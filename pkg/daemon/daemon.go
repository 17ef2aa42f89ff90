// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package daemon implements vored's single-threaded supervisor loop: one
// epoll set multiplexes the control socket listener, a signalfd, and every
// connected client, and a FIFO queue of decoded requests is drained one at
// a time between polls. Every pkg/vm.Machine call therefore happens from
// exactly one goroutine, which is what lets pkg/qmp get away with a plain
// mutex instead of a channel-driven actor per machine.
package daemon

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/the-eater/vore/pkg/config"
	"github.com/the-eater/vore/pkg/metrics"
	"github.com/the-eater/vore/pkg/persist"
	"github.com/the-eater/vore/pkg/rpc"
	"github.com/the-eater/vore/pkg/vm"
)

// epollWaitTimeout bounds how long a single epoll_wait blocks, so the loop
// periodically wakes up even with no I/O pending (future health checks /
// reaped-process bookkeeping hang off this tick).
const epollWaitTimeout = 5 * time.Second

// slot is one entry in the connection table. A nil conn with done=true is a
// tombstone: its table index is free for reuse but isn't compacted away,
// so in-flight references by index don't need to be rewritten when a
// neighbor disconnects.
//
// file is a dup'd, non-blocking descriptor used for reads: per spec.md
// §4.6's "RPC connection" poll target, the event loop must "read into its
// buffer until WouldBlock", never a blocking read that could freeze every
// other connection. lines accumulates partial reads between wakeups.
type slot struct {
	conn   net.Conn
	file   *os.File
	lines  rpc.LineReader
	writer *bufio.Writer
	uid    uint32
	done   bool
}

// command is one raw request line sitting in the FIFO queue, paired with
// the connection slot it should be answered on. The envelope tag is parsed
// up front (cheaply) so a malformed line can be rejected before it's
// queued; the full request body is decoded lazily in dispatch, once the
// query tag says which concrete Request type to decode into.
type command struct {
	slotIndex int
	envelope  rpc.Envelope
	line      []byte
}

// Daemon owns the control socket, the in-memory machine table and the
// single-threaded event loop that serializes all access to both.
type Daemon struct {
	SocketPath string
	Global     config.GlobalConfig
	Store      *persist.Store
	Logger     logrus.FieldLogger

	runCtx context.Context

	listener net.Listener
	epfd     int
	sigfd    *signalFD

	slots   []slot
	free    []int
	slotFDs map[int]int

	// qmpFDs maps a running machine's monitor-socket descriptor to its name,
	// so the event loop's "Machine control" category (spec.md §4.6) knows
	// which Machine to Boop when that descriptor becomes readable.
	qmpFDs map[int]string

	queue []command

	machines map[string]*vm.Machine

	Metrics       *metrics.Registry
	metricsServer *metrics.Server
}

// New constructs a Daemon; call Run to start serving.
func New(socketPath string, global config.GlobalConfig, store *persist.Store, logger logrus.FieldLogger) *Daemon {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Daemon{
		SocketPath: socketPath,
		Global:     global,
		Store:      store,
		Logger:     logger,
		machines:   map[string]*vm.Machine{},
		Metrics:    metrics.New(),
	}
}

// LoadDefinitions reads every saved instance definition and registers a
// Machine for each, logging (but not failing startup on) parse errors, per
// spec.md §4.6's startup sequence.
func (d *Daemon) LoadDefinitions() {
	defs, errs := d.Store.LoadAll()
	for _, err := range errs {
		d.Logger.Errorf("failed to load a saved instance definition: %v", err)
	}
	for _, def := range defs {
		m := vm.New(def.Name, d.Store.InstanceDir(def.Name), def.Config, &d.Global, d.Logger.WithField("machine", def.Name))
		d.machines[def.Name] = m

		if len(def.Config.VFIO) > 0 {
			// Claim passthrough devices for vfio-pci as early as possible,
			// before any other process (or another instance's driver
			// probe) can grab them first.
			if err := m.Prepare(true, false); err != nil {
				d.Logger.Warnf("eager VFIO reservation failed for %q: %v", def.Name, err)
			}
		}
	}
}

// Machines exposes the in-memory machine table, primarily for tests and the
// dispatch layer.
func (d *Daemon) Machines() map[string]*vm.Machine {
	return d.machines
}

func (d *Daemon) listen() error {
	os.Remove(d.SocketPath)

	if err := os.MkdirAll(filepath.Dir(d.SocketPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create parent directory for %s", d.SocketPath)
	}

	ln, err := net.Listen("unix", d.SocketPath)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", d.SocketPath)
	}
	d.listener = ln

	if err := os.Chmod(d.SocketPath, 0o774); err != nil {
		return errors.Wrapf(err, "failed to chmod %s", d.SocketPath)
	}

	gid, err := d.Global.Vore.ResolveGroupID()
	if err != nil {
		return err
	}
	if gid != nil {
		if err := os.Chown(d.SocketPath, -1, int(*gid)); err != nil {
			return errors.Wrapf(err, "failed to chown %s to group %d", d.SocketPath, *gid)
		}
	}

	return nil
}

func listenerFD(ln net.Listener) (int, error) {
	uln, ok := ln.(*net.UnixListener)
	if !ok {
		return 0, errors.New("control socket listener is not a *net.UnixListener")
	}
	f, err := uln.File()
	if err != nil {
		return 0, err
	}
	// f is a dup() whose finalizer would close it once f is collected, so
	// take a second dup that no *os.File owns and close f. The original fd
	// stays owned by uln; the returned one stays open for the daemon's
	// lifetime.
	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return 0, errors.Wrap(err, "failed to duplicate listener descriptor")
	}
	return fd, nil
}

// Run starts listening, registers the QMP descriptors of machines that are
// already running, and services the event loop until ctx is cancelled, a
// SIGINT/SIGTERM arrives, or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	d.runCtx = ctx
	if err := d.listen(); err != nil {
		return err
	}
	defer d.listener.Close()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "failed to create epoll instance")
	}
	d.epfd = epfd
	defer unix.Close(epfd)

	sigfd, err := newSignalFD(unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	if err != nil {
		return err
	}
	d.sigfd = sigfd
	defer sigfd.Close()

	lnFD, err := listenerFD(d.listener)
	if err != nil {
		return err
	}

	if err := d.epollAdd(lnFD); err != nil {
		return err
	}
	if err := d.epollAdd(sigfd.fd); err != nil {
		return err
	}

	// Any machine already Running at this point (auto-start ran before Run
	// was called) still needs its QMP descriptor registered, since the
	// epoll set it would otherwise have been added to didn't exist yet.
	for name, m := range d.machines {
		d.registerMachineQMP(name, m)
	}

	if addr := d.Global.Metrics.Listen; addr != "" {
		srv, err := d.Metrics.Serve(addr, d.Logger)
		if err != nil {
			return err
		}
		d.metricsServer = srv
		defer d.metricsServer.Close()
		d.Logger.Infof("serving metrics on %s", addr)
	}

	d.Logger.Infof("vored listening on %s", d.SocketPath)

	// sd_notify is a no-op (returns false, nil) when NOTIFY_SOCKET isn't
	// set, i.e. whenever vored isn't actually running under systemd, so
	// this is safe to call unconditionally rather than gating it on a
	// config flag the way katautils gates its own optional integrations.
	if _, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		d.Logger.Debugf("sd_notify READY failed: %v", err)
	}
	watchdogInterval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil {
		d.Logger.Debugf("sd_notify watchdog check failed: %v", err)
	}
	lastWatchdog := time.Time{}

	for {
		if ctx.Err() != nil {
			sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
			return nil
		}

		events := make([]unix.EpollEvent, 16)
		n, err := unix.EpollWait(epfd, events, int(epollWaitTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll_wait failed")
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == lnFD:
				d.acceptOne()
			case fd == sigfd.fd:
				if stop := d.handleSignals(); stop {
					sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
					return nil
				}
			default:
				if name, ok := d.qmpFDs[fd]; ok {
					d.handleMachineControl(fd, name)
				} else {
					d.readOne(fd)
				}
			}
		}

		if watchdogInterval > 0 && time.Since(lastWatchdog) > watchdogInterval/2 {
			sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog)
			lastWatchdog = time.Now()
		}

		d.updateMachineMetrics()

		d.drainQueue()
	}
}

// registerMachineQMP adds a just-started machine's monitor descriptor to
// the shared epoll set as a "Machine control" poll target (spec.md §4.6).
// A machine with no active QMP connection (not yet started, or already
// stopped) is silently skipped.
func (d *Daemon) registerMachineQMP(name string, m *vm.Machine) {
	fd, ok := m.QMPFD()
	if !ok {
		return
	}
	if err := d.epollAdd(fd); err != nil {
		d.Logger.Warnf("failed to register QMP descriptor for %q: %v", name, err)
		return
	}
	if d.qmpFDs == nil {
		d.qmpFDs = map[int]string{}
	}
	d.qmpFDs[fd] = name
}

// handleMachineControl runs spec.md §4.6's "Machine control" poll target:
// call boop, re-arm the descriptor. Closing the connection unregisters it
// from epoll automatically, so a Boop error just needs to drop the
// bookkeeping entry.
func (d *Daemon) handleMachineControl(fd int, name string) {
	m, ok := d.machines[name]
	if !ok {
		delete(d.qmpFDs, fd)
		return
	}
	if err := m.Boop(); err != nil {
		d.Logger.Debugf("machine %q's QMP connection is gone, deregistering: %v", name, err)
		delete(d.qmpFDs, fd)
	}
}

// updateMachineMetrics refreshes the gauges once per loop iteration rather
// than on every state change, since the event loop is the only writer and
// this is far cheaper than a vm.Machine.Info() call per transition.
func (d *Daemon) updateMachineMetrics() {
	running := 0
	for _, m := range d.machines {
		if m.Info().State == vm.StateRunning {
			running++
		}
	}
	d.Metrics.MachinesRunning.Set(float64(running))
	d.Metrics.MachinesTotal.Set(float64(len(d.machines)))
}

func (d *Daemon) ctx() context.Context {
	if d.runCtx != nil {
		return d.runCtx
	}
	return context.Background()
}

func (d *Daemon) epollAdd(fd int) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (d *Daemon) handleSignals() (stop bool) {
	sigs, err := d.sigfd.Read()
	if err != nil {
		d.Logger.Errorf("failed reading signalfd: %v", err)
		return false
	}
	for _, sig := range sigs {
		switch sig {
		case unix.SIGINT, unix.SIGTERM:
			d.Logger.Infof("received %s, shutting down", sig)
			return true
		case unix.SIGHUP:
			d.Logger.Info("received SIGHUP; config reload is not implemented, ignoring")
		}
	}
	return false
}

func (d *Daemon) acceptOne() {
	conn, err := d.listener.Accept()
	if err != nil {
		d.Logger.Errorf("accept failed: %v", err)
		return
	}

	uid, err := peerUID(conn)
	if err != nil {
		d.Logger.Errorf("failed to resolve peer credentials, dropping connection: %v", err)
		conn.Close()
		return
	}

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return
	}
	f, err := uconn.File()
	if err != nil {
		d.Logger.Errorf("failed to extract fd from connection: %v", err)
		conn.Close()
		return
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		d.Logger.Errorf("failed to set connection non-blocking: %v", err)
		f.Close()
		conn.Close()
		return
	}

	idx := d.allocSlot(slot{
		conn:   conn,
		file:   f,
		writer: bufio.NewWriter(conn),
		uid:    uid,
	})

	if err := d.epollAdd(fd); err != nil {
		d.Logger.Errorf("failed to register connection with epoll: %v", err)
		d.closeSlot(idx)
		return
	}

	d.slotFDs[fd] = idx

	d.Logger.Debugf("accepted connection from uid %d (%s)", uid, usernameForUID(uid))
}

// peerUID resolves SO_PEERCRED over the Unix socket, the way vored decides
// whether a client is allowed to administer a given machine.
func peerUID(conn net.Conn) (uint32, error) {
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, errors.New("not a unix socket connection")
	}
	f, err := uconn.File()
	if err != nil {
		return 0, err
	}
	defer f.Close()

	ucred, err := unix.GetsockoptUcred(int(f.Fd()), unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, errors.Wrap(err, "SO_PEERCRED failed")
	}
	return ucred.Uid, nil
}

func usernameForUID(uid uint32) string {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return ""
	}
	return u.Username
}

// readOne implements spec.md §4.6's "RPC connection" poll target: read into
// its buffer until WouldBlock, split on newlines, enqueue each parsed
// request. A raw non-blocking read (rather than rpc.ReadLine's blocking
// bufio.Reader.ReadBytes) is required here: this is the single event-loop
// goroutine, and a client that writes a partial line and pauses must never
// be able to freeze every other connection waiting on more bytes.
func (d *Daemon) readOne(fd int) {
	idx, ok := d.slotFDs[fd]
	if !ok {
		return
	}
	s := &d.slots[idx]

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if stderrors.Is(err, unix.EAGAIN) {
				return
			}
			d.closeSlot(idx)
			return
		}
		if n == 0 {
			d.closeSlot(idx)
			return
		}

		for _, line := range s.lines.Feed(buf[:n]) {
			env, err := rpc.ParseEnvelope(line)
			if err != nil {
				d.Logger.Warnf("ignoring malformed request on connection %d: %v", idx, err)
				continue
			}
			d.queue = append(d.queue, command{slotIndex: idx, envelope: env, line: line})
		}
	}
}

// drainQueue runs every command queued during this iteration's epoll_wait,
// oldest first, per spec.md §4.6's FIFO ordering.
func (d *Daemon) drainQueue() {
	for len(d.queue) > 0 {
		cmd := d.queue[0]
		d.queue = d.queue[1:]

		if cmd.slotIndex >= len(d.slots) || d.slots[cmd.slotIndex].done {
			continue
		}

		d.dispatch(cmd)
	}
}

func (d *Daemon) allocSlot(s slot) int {
	if d.slotFDs == nil {
		d.slotFDs = map[int]int{}
	}
	if len(d.free) > 0 {
		idx := d.free[len(d.free)-1]
		d.free = d.free[:len(d.free)-1]
		d.slots[idx] = s
		return idx
	}
	d.slots = append(d.slots, s)
	return len(d.slots) - 1
}

func (d *Daemon) closeSlot(idx int) {
	s := &d.slots[idx]
	if s.done {
		return
	}
	if s.file != nil {
		delete(d.slotFDs, int(s.file.Fd()))
		s.file.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.file = nil
	s.done = true
	d.free = append(d.free, idx)
}
