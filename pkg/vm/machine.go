// Copyright (c) 2024 The Vore Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vm supervises a single QEMU guest end to end: resolving and
// preparing its host-side resources (VFIO rebinds, shared memory, disk
// permissions), launching and tearing down the qemu-system process, and
// driving it over QMP. It is vored's analogue of virtcontainers' sandbox
// package, scoped down to one process instead of one pod.
package vm

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
	"weak"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/the-eater/vore/pkg/cmdbuilder"
	"github.com/the-eater/vore/pkg/config"
	"github.com/the-eater/vore/pkg/qmp"
	"github.com/the-eater/vore/pkg/topology"
)

// State is one of the lifecycle states from spec.md §3's VirtualMachine
// state diagram.
type State string

const (
	StateLoaded   State = "loaded"
	StatePrepared State = "prepared"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
)

// qemuBinary is overridden in tests.
var qemuBinary = "qemu-system-x86_64"

// Info is the point-in-time snapshot the Info RPC hands back.
type Info struct {
	Name             string
	WorkingDirectory string
	Config           config.InstanceConfig
	State            State
}

// Machine supervises one guest's full lifecycle. It is not safe for
// concurrent use from multiple goroutines beyond the locking this type does
// internally; the daemon's event loop serializes all calls into it anyway
// (see pkg/daemon), but the lock still guards the QMP event handler, which
// runs synchronously off the qmp.Client's own goroutine-free read loop.
type Machine struct {
	mu sync.Mutex

	name             string
	workingDirectory string
	config           config.InstanceConfig
	global           *config.GlobalConfig
	logger           logrus.FieldLogger

	state State

	cmd     *exec.Cmd
	qmpc    *qmp.Client
	qmpFile *os.File
	exited  chan struct{}
	killed  bool
}

// New constructs a Machine in the Loaded state. cfg's shared-memory and
// socket paths are defaulted in place, per spec.md §4.4, so the same
// InstanceConfig can be round-tripped through Serialize/ParseInstanceConfig
// without losing the resolved paths.
func New(name, workingDirectory string, cfg config.InstanceConfig, global *config.GlobalConfig, logger logrus.FieldLogger) *Machine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	resolvePaths(&cfg, workingDirectory)
	return &Machine{
		name:             name,
		workingDirectory: workingDirectory,
		config:           cfg,
		global:           global,
		logger:           logger,
		state:            StateLoaded,
	}
}

// SetCDROMs overrides the "cdrom"-preset disks' backing files in slot
// order, the way LoadRequest.CDROMs seeds a freshly loaded machine before
// its first Start.
func (m *Machine) SetCDROMs(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applyCDROMs(&m.config, paths)
}

// State returns the machine's current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns a snapshot for the Info/List RPCs.
func (m *Machine) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Name:             m.name,
		WorkingDirectory: m.workingDirectory,
		Config:           m.config,
		State:            m.state,
	}
}

// Config returns a copy of the machine's current configuration.
func (m *Machine) Config() config.InstanceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Prepare runs every host-side preparation step: disk access checks, VFIO
// device rebinding, and shared-memory/socket directory provisioning. All
// independent checks run even after one fails, and every failure is
// returned together via a multierror, so a single `vore prepare` run
// surfaces every problem instead of just the first one it trips over.
func (m *Machine) Prepare(executeFixes, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareLocked(executeFixes, force)
}

func (m *Machine) prepareLocked(executeFixes, force bool) error {
	var result *multierror.Error

	for i, d := range m.config.Disks {
		if err := checkDiskAccess(d); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "disk[%d]", i))
		}
	}

	for i, dev := range m.config.VFIO {
		addr, err := resolveAddress(dev)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "vfio[%d]", i))
			continue
		}
		m.config.VFIO[i].Address = &addr

		if err := prepareVFIODevice(addr, executeFixes, force); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "vfio[%d] (%s)", i, addr))
		}
	}

	if err := provisionDirectories(m.config, m.workingDirectory); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	if m.state == StateLoaded {
		m.state = StatePrepared
	}
	return nil
}

func checkDiskAccess(d config.DiskConfig) error {
	flag := os.O_RDWR
	if d.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(d.Path, flag, 0)
	if err != nil {
		return errors.Wrapf(err, "disk %q is not accessible", d.Path)
	}
	return f.Close()
}

func provisionDirectories(cfg config.InstanceConfig, workingDirectory string) error {
	if err := os.MkdirAll(workingDirectory, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create working directory %q", workingDirectory)
	}
	if cfg.LookingGlass.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.LookingGlass.MemPath), 0o755); err != nil {
			return errors.Wrap(err, "failed to provision looking-glass shared memory directory")
		}
	}
	if cfg.Scream.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Scream.MemPath), 0o755); err != nil {
			return errors.Wrap(err, "failed to provision scream shared memory directory")
		}
	}
	return nil
}

// Start brings the machine from Loaded or Prepared to Running: it prepares
// if needed, builds the qemu-system argv via the configured command-builder
// script, launches the process, dials the QMP monitor socket, pins vCPU
// threads, and issues cont. cdroms overrides the configured "cdrom"-preset
// disks' backing files in slot order, the way StartRequest.CDROMs does for
// the RPC caller.
func (m *Machine) Start(ctx context.Context, cdroms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning || m.state == StatePaused {
		return nil
	}

	if m.state == StateLoaded {
		if err := m.prepareLocked(true, false); err != nil {
			return errors.Wrap(err, "automatic prepare before start failed")
		}
	}

	applyCDROMs(&m.config, cdroms)

	host, err := cmdbuilder.LoadHost(m.global.Qemu.Script)
	if err != nil {
		return err
	}
	defer host.Close()

	argv, err := host.Build(m.config)
	if err != nil {
		return errors.Wrap(err, "failed to build qemu command line")
	}

	sockPath := controlSocketPath(m.workingDirectory)
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open control socket %q", sockPath)
	}
	defer listener.Close()

	argv = append(argv,
		"-chardev", "socket,id=charmonitor,path="+sockPath+",server=on,wait=off",
		"-mon", "chardev=charmonitor,id=monitor,mode=control",
	)

	cmd := exec.Command(qemuBinary, argv...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to launch qemu-system process")
	}
	m.cmd = cmd
	m.exited = make(chan struct{})
	m.killed = false

	go func() {
		cmd.Wait()
		close(m.exited)
	}()

	conn, err := acceptWithDeadline(ctx, listener, 30*time.Second, m.exited)
	if err != nil {
		m.killAndReap()
		return errors.Wrap(err, "qemu never connected to its control socket")
	}

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		m.killAndReap()
		return errors.New("control socket listener produced a non-unix connection")
	}
	qmpFile, err := uconn.File()
	if err != nil {
		conn.Close()
		m.killAndReap()
		return errors.Wrap(err, "failed to extract QMP descriptor for polling")
	}

	weakSelf := weak.Make(m)
	client, err := qmp.Connect(conn, m.logger, func(ev qmp.Event) {
		// Held weakly so a closed-and-discarded Machine can be collected
		// even if QEMU keeps sending events on a socket nobody reads from.
		if mm := weakSelf.Value(); mm != nil {
			mm.handleEvent(ev)
		}
	})
	if err != nil {
		qmpFile.Close()
		m.killAndReap()
		return errors.Wrap(err, "QMP handshake failed")
	}
	m.qmpc = client
	m.qmpFile = qmpFile

	if cpus, err := m.vcpuHostCPUs(); err != nil {
		m.logger.Warnf("vcpu pinning skipped for %q: %v", m.name, err)
	} else if err := pinVCPUThreads(cmd.Process.Pid, cpus); err != nil {
		m.logger.Warnf("vcpu pinning failed for %q: %v", m.name, err)
	}

	if err := client.Cont(); err != nil {
		m.killAndReap()
		return errors.Wrap(err, "failed to resume guest after launch")
	}

	m.state = StateRunning
	return nil
}

func applyCDROMs(cfg *config.InstanceConfig, paths []string) {
	i := 0
	for di := range cfg.Disks {
		if cfg.Disks[di].Preset != "cdrom" {
			continue
		}
		if i >= len(paths) {
			break
		}
		cfg.Disks[di].Path = paths[i]
		i++
	}
}

// vcpuHostCPUs probes the host topology and returns the contiguous run of
// CPUs this machine's vCPU threads should be pinned to, skipping pinning
// entirely (not clamping) when the configuration asks for more vCPUs than
// the host has, per spec.md §4.4.
func (m *Machine) vcpuHostCPUs() ([]topology.CPU, error) {
	list, err := topology.Load()
	if err != nil {
		return nil, err
	}
	return list.Adjacent(int(m.config.CPU.Amount))
}

// acceptWithDeadline waits for qemu to connect to the control socket and
// returns as soon as the first of four things happens: the connection
// arrives, timeout elapses, ctx is cancelled, or (per spec.md's "fails if
// the child exits during polling") exited fires because qemu crashed before
// ever dialing in.
func acceptWithDeadline(ctx context.Context, listener net.Listener, timeout time.Duration, exited <-chan struct{}) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for qemu to connect")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-exited:
		return nil, errors.New("qemu exited before connecting to its control socket")
	}
}

// killAndReap is called with m.mu already held by Start, so it clears the
// QMP handles directly rather than going through the locking closeQMP.
func (m *Machine) killAndReap() {
	if m.cmd != nil && m.cmd.Process != nil {
		m.cmd.Process.Kill()
	}
	if m.exited != nil {
		<-m.exited
	}
	if m.qmpc != nil {
		m.qmpc.Close()
		m.qmpc = nil
	}
	if m.qmpFile != nil {
		m.qmpFile.Close()
		m.qmpFile = nil
	}
}

func (m *Machine) handleEvent(ev qmp.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Name {
	case "STOP":
		m.state = StatePaused
	case "RESUME":
		m.state = StateRunning
	case "SHUTDOWN", "POWERDOWN":
		m.state = StateStopped
	}
}

// Pause suspends guest execution (QMP stop) without tearing down the
// process.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return errors.Errorf("cannot pause a machine in state %q", m.state)
	}
	if err := m.qmpc.Stop(); err != nil {
		return err
	}
	m.state = StatePaused
	return nil
}

// Resume continues a paused guest (QMP cont).
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return errors.Errorf("cannot resume a machine in state %q", m.state)
	}
	if err := m.qmpc.Cont(); err != nil {
		return err
	}
	m.state = StateRunning
	return nil
}

// Stop requests a graceful ACPI shutdown and returns immediately; callers
// that need the process to have actually exited should follow up with
// WaitTillStopped.
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning && m.state != StatePaused {
		return errors.Errorf("cannot stop a machine in state %q", m.state)
	}
	return m.qmpc.SystemPowerdown()
}

// Kill forces qemu to exit immediately via QMP quit, falling back to
// SIGKILL if the monitor connection is already gone.
func (m *Machine) Kill() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning && m.state != StatePaused {
		return errors.Errorf("cannot kill a machine in state %q", m.state)
	}

	m.killed = true
	if m.qmpc != nil {
		if err := m.qmpc.Quit(); err == nil {
			return nil
		}
	}
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Kill()
	}
	return nil
}

// QMPFD returns the raw descriptor backing the machine's QMP connection,
// for registration in the daemon's shared epoll set as a "Machine control"
// poll target, and whether the machine currently has one to offer.
func (m *Machine) QMPFD() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.qmpFile == nil {
		return 0, false
	}
	return int(m.qmpFile.Fd()), true
}

// Boop is the daemon's non-blocking QMP poll tick: a non-blocking read of
// whatever event lines are already waiting on the monitor socket, with no
// command sent and no guest-visible effect, so STOP/RESUME/SHUTDOWN
// notifications still update State even when nothing else is driving the
// machine. It returns a non-nil error once the connection is gone, telling
// the daemon to stop polling this descriptor.
func (m *Machine) Boop() error {
	m.mu.Lock()
	qmpFile := m.qmpFile
	qmpc := m.qmpc
	m.mu.Unlock()

	if qmpFile == nil || qmpc == nil {
		return errors.New("machine has no active QMP connection to poll")
	}

	buf := make([]byte, 4096)
	n, err := unix.Read(int(qmpFile.Fd()), buf)
	switch {
	case err != nil && stderrors.Is(err, unix.EAGAIN):
		return nil
	case err != nil:
		m.closeQMP()
		return err
	case n == 0:
		m.closeQMP()
		return io.EOF
	}

	return qmpc.Poll(buf[:n])
}

// closeQMP tears down the QMP client and its polling descriptor; it is safe
// to call more than once.
func (m *Machine) closeQMP() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.qmpc != nil {
		m.qmpc.Close()
		m.qmpc = nil
	}
	if m.qmpFile != nil {
		m.qmpFile.Close()
		m.qmpFile = nil
	}
}

// WaitTillStopped blocks until the qemu process has exited or ctx is
// cancelled, then marks the machine Stopped.
func (m *Machine) WaitTillStopped(ctx context.Context) error {
	m.mu.Lock()
	exited := m.exited
	m.mu.Unlock()

	if exited == nil {
		return nil
	}

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
	m.closeQMP()
	return nil
}

// Unload checks that the machine may be dropped from the daemon's table: it
// is an error to unload a machine that is still Running or Paused. It
// releases nothing itself; the caller removes the machine from its table.
func (m *Machine) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning || m.state == StatePaused {
		return errors.Errorf("cannot unload a machine in state %q", m.state)
	}
	return nil
}

// PID returns the qemu-system process id, or 0 if the machine isn't
// running.
func (m *Machine) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}
