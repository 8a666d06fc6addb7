package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning = errors.New("the virtual machine is not running")
	ErrNotActive  = errors.New("the virtual machine session is not active")
)

const (
	unregisterAttempts = 5
	unregisterBackoff  = 500 * time.Millisecond
)

// Hypervisor is the part of the VirtualBox web service used by sessions.
// *vbox.Client implements it.
type Hypervisor interface {
	SessionObject(ctx context.Context, vbox vbox.Ref) (vbox.Ref, error)
	FindMachine(ctx context.Context, vbox vbox.Ref, nameOrID string) (vbox.Ref, error)
	CreateMachine(ctx context.Context, vbox vbox.Ref, name string) (vbox.Ref, error)
	RegisterMachine(ctx context.Context, vbox, machine vbox.Ref) error

	MachineState(ctx context.Context, machine vbox.Ref) (string, error)
	FindSnapshot(ctx context.Context, machine vbox.Ref, nameOrID string) (vbox.Ref, error)
	SnapshotMachine(ctx context.Context, snapshot vbox.Ref) (vbox.Ref, error)
	CloneTo(ctx context.Context, source, target vbox.Ref, mode string, options ...string) (vbox.Ref, error)
	LockMachine(ctx context.Context, machine, session vbox.Ref, lockType string) error
	LaunchVMProcess(ctx context.Context, machine, session vbox.Ref, launchType string) (vbox.Ref, error)
	Unregister(ctx context.Context, machine vbox.Ref, cleanupMode string) ([]vbox.Ref, error)
	DeleteConfig(ctx context.Context, machine vbox.Ref, media []vbox.Ref) (vbox.Ref, error)

	UnlockMachine(ctx context.Context, session vbox.Ref) error
	SessionConsole(ctx context.Context, session vbox.Ref) (vbox.Ref, error)

	ConsoleKeyboard(ctx context.Context, console vbox.Ref) (vbox.Ref, error)
	ConsoleMouse(ctx context.Context, console vbox.Ref) (vbox.Ref, error)
	ConsoleDisplay(ctx context.Context, console vbox.Ref) (vbox.Ref, error)
	ConsoleGuest(ctx context.Context, console vbox.Ref) (vbox.Ref, error)
	PowerDown(ctx context.Context, console vbox.Ref) (vbox.Ref, error)

	WaitForCompletion(ctx context.Context, progress vbox.Ref, timeout int) error

	PutMouseEventAbsolute(ctx context.Context, mouse vbox.Ref, x, y, dz, dw, buttons int) error
	PutMouseEvent(ctx context.Context, mouse vbox.Ref, dx, dy, dz, dw, buttons int) error
	PutScancodes(ctx context.Context, keyboard vbox.Ref, scancodes []int) (int, error)
	ScreenResolution(ctx context.Context, display vbox.Ref, screen int) (vbox.Resolution, error)
	TakeScreenShotToArray(ctx context.Context, display vbox.Ref, screen, width, height int, format string) ([]byte, error)

	GuestSessions(ctx context.Context, guest vbox.Ref) ([]vbox.Ref, error)
	CreateGuestSession(ctx context.Context, guest vbox.Ref, user, password string) (vbox.Ref, error)
	CloseGuestSession(ctx context.Context, session vbox.Ref) error
	GuestSessionWaitFor(ctx context.Context, session vbox.Ref, timeout int, events ...string) (string, error)
	ProcessCreate(ctx context.Context, session vbox.Ref, commandLine []string, flags ...string) (vbox.Ref, error)
	ProcessWaitFor(ctx context.Context, process vbox.Ref, timeout int, events ...string) (string, error)
	ProcessRead(ctx context.Context, process vbox.Ref, handle, size, timeout int) ([]byte, error)
	ProcessExitCode(ctx context.Context, process vbox.Ref) (int, error)
}

type State int

const (
	StateUninitialized State = iota
	StateLocking
	StateConsoleReady
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLocking:
		return "locking"
	case StateConsoleReady:
		return "console-ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind selects what closing a session does.
type Kind int

const (
	// Persistent sessions are attached to a machine they do not own,
	// closing them releases the lock.
	Persistent Kind = iota
	// Ephemeral sessions own a cloned machine, closing them stops and
	// deletes it.
	Ephemeral
)

func (k Kind) String() string {
	if k == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

type Options struct {
	// CloseOnFailedCalibration closes the session when a calibration fails.
	CloseOnFailedCalibration bool
}

type teardown interface {
	close(ctx context.Context, s *Session) error
}

type unlocker struct{}

func (unlocker) close(ctx context.Context, s *Session) error {
	return s.Unlock(ctx)
}

type deleter struct{}

func (deleter) close(ctx context.Context, s *Session) error {
	return s.StopAndDelete(ctx)
}

// Session is a lock on a VirtualBox machine together with its console.
type Session struct {
	api      Hypervisor
	vbox     vbox.Ref
	name     string
	kind     Kind
	teardown teardown
	opts     Options

	machine vbox.Ref
	session vbox.Ref
	locked  bool
	console vbox.Ref

	keyboard vbox.Ref
	mouse    vbox.Ref
	display  vbox.Ref
	guest    vbox.Ref

	mx      sync.Mutex
	state   State
	buttons int

	backoff time.Duration
}

func newSession(api Hypervisor, vboxRef vbox.Ref, name string, kind Kind, opts Options) *Session {
	s := &Session{
		api:     api,
		vbox:    vboxRef,
		name:    name,
		kind:    kind,
		opts:    opts,
		backoff: unregisterBackoff,
	}
	switch kind {
	case Ephemeral:
		s.teardown = deleter{}
	default:
		s.teardown = unlocker{}
	}
	return s
}

// CloneAndRun creates a linked clone named cloneName of the machine source,
// taken from the snapshot if one is given, registers it, launches it
// headless and returns an active Ephemeral session on it.
func CloneAndRun(ctx context.Context, api Hypervisor, vboxRef vbox.Ref, source, cloneName, snapshot string, opts Options) (*Session, error) {
	s := newSession(api, vboxRef, cloneName, Ephemeral, opts)
	if err := s.cloneAndRun(ctx, source, snapshot); err != nil {
		s.abort(ctx, err)
		return nil, err
	}
	return s, nil
}

func (s *Session) cloneAndRun(ctx context.Context, source, snapshot string) error {
	s.setState(StateLocking)
	original, err := s.api.FindMachine(ctx, s.vbox, source)
	if err != nil {
		return fmt.Errorf("finding machine %s: %w", source, err)
	}
	if snapshot != "" {
		snap, err := s.api.FindSnapshot(ctx, original, snapshot)
		if err != nil {
			return fmt.Errorf("finding snapshot %s: %w", snapshot, err)
		}
		original, err = s.api.SnapshotMachine(ctx, snap)
		if err != nil {
			return fmt.Errorf("resolving snapshot %s: %w", snapshot, err)
		}
	}

	s.machine, err = s.api.CreateMachine(ctx, s.vbox, s.name)
	if err != nil {
		return fmt.Errorf("creating machine %s: %w", s.name, err)
	}
	progress, err := s.api.CloneTo(ctx, original, s.machine, vbox.CloneModeMachineState, vbox.CloneOptionLink)
	if err != nil {
		return fmt.Errorf("cloning %s: %w", source, err)
	}
	if err := s.api.WaitForCompletion(ctx, progress, vbox.InfiniteTimeout); err != nil {
		return fmt.Errorf("cloning %s: %w", source, err)
	}
	if err := s.api.RegisterMachine(ctx, s.vbox, s.machine); err != nil {
		return fmt.Errorf("registering machine %s: %w", s.name, err)
	}

	s.session, err = s.api.SessionObject(ctx, s.vbox)
	if err != nil {
		return fmt.Errorf("getting session object: %w", err)
	}
	progress, err = s.api.LaunchVMProcess(ctx, s.machine, s.session, vbox.LaunchHeadless)
	if err != nil {
		return fmt.Errorf("launching machine %s: %w", s.name, err)
	}
	s.locked = true
	if err := s.api.WaitForCompletion(ctx, progress, vbox.InfiniteTimeout); err != nil {
		return fmt.Errorf("launching machine %s: %w", s.name, err)
	}

	return s.fillConsole(ctx)
}

// AttachRunning takes a shared lock on the running machine nameOrID and
// returns an active Persistent session on it.
func AttachRunning(ctx context.Context, api Hypervisor, vboxRef vbox.Ref, nameOrID string, opts Options) (*Session, error) {
	s := newSession(api, vboxRef, nameOrID, Persistent, opts)
	if err := s.attach(ctx); err != nil {
		s.abort(ctx, err)
		return nil, err
	}
	return s, nil
}

func (s *Session) attach(ctx context.Context) error {
	var err error
	s.machine, err = s.api.FindMachine(ctx, s.vbox, s.name)
	if err != nil {
		return fmt.Errorf("finding machine %s: %w", s.name, err)
	}
	state, err := s.api.MachineState(ctx, s.machine)
	if err != nil {
		return fmt.Errorf("getting state of %s: %w", s.name, err)
	}
	if state != vbox.MachineStateRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, s.name, state)
	}

	s.setState(StateLocking)
	s.session, err = s.api.SessionObject(ctx, s.vbox)
	if err != nil {
		return fmt.Errorf("getting session object: %w", err)
	}
	if err := s.api.LockMachine(ctx, s.machine, s.session, vbox.LockTypeShared); err != nil {
		return fmt.Errorf("locking machine %s: %w", s.name, err)
	}
	s.locked = true

	return s.fillConsole(ctx)
}

// fillConsole resolves the console, then its keyboard, mouse, display and
// guest concurrently.
func (s *Session) fillConsole(ctx context.Context) error {
	console, err := s.api.SessionConsole(ctx, s.session)
	if err != nil {
		return fmt.Errorf("getting console: %w", err)
	}
	s.console = console

	var keyboard, mouse, display, guest vbox.Ref
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range []struct {
		get func(context.Context, vbox.Ref) (vbox.Ref, error)
		dst *vbox.Ref
	}{
		{s.api.ConsoleKeyboard, &keyboard},
		{s.api.ConsoleMouse, &mouse},
		{s.api.ConsoleDisplay, &display},
		{s.api.ConsoleGuest, &guest},
	} {
		g.Go(func() error {
			ref, err := h.get(gctx, console)
			*h.dst = ref
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("getting console objects: %w", err)
	}

	s.mx.Lock()
	s.keyboard, s.mouse, s.display, s.guest = keyboard, mouse, display, guest
	s.state = StateConsoleReady
	s.mx.Unlock()

	s.setState(StateActive)
	return nil
}

func (s *Session) abort(ctx context.Context, cause error) {
	if err := s.Close(context.WithoutCancel(ctx)); err != nil {
		slog.WarnContext(ctx, "cleaning up a failed session", "vm", s.name, "cause", cause, "error", err)
	}
}

func (s *Session) setState(state State) {
	s.mx.Lock()
	s.state = state
	s.mx.Unlock()
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Kind() Kind {
	return s.kind
}

func (s *Session) CloseOnFailedCalibration() bool {
	return s.opts.CloseOnFailedCalibration
}

// Close releases the session the way its kind requires.
func (s *Session) Close(ctx context.Context) error {
	s.setState(StateClosing)
	err := s.teardown.close(ctx, s)
	s.setState(StateClosed)
	return err
}

// Unlock releases the machine lock if it is held.
func (s *Session) Unlock(ctx context.Context) error {
	if !s.locked {
		return nil
	}
	if err := s.api.UnlockMachine(ctx, s.session); err != nil {
		return fmt.Errorf("unlocking machine %s: %w", s.name, err)
	}
	s.locked = false
	return nil
}

// Stop closes all guest sessions, then powers the machine down. When
// powering down fails, an emergency stop is requested. Failures are only
// logged: Stop runs while tearing down.
func (s *Session) Stop(ctx context.Context) {
	// an open guest session can block the power down indefinitely
	if s.guest != "" {
		sessions, err := s.api.GuestSessions(ctx, s.guest)
		if err != nil {
			slog.DebugContext(ctx, "listing guest sessions", "vm", s.name, "error", err)
		}
		for _, gs := range sessions {
			if err := s.api.CloseGuestSession(ctx, gs); err != nil {
				slog.DebugContext(ctx, "closing guest session", "vm", s.name, "error", err)
			}
		}
	}

	if s.console == "" {
		return
	}
	err := s.powerDown(ctx)
	if err == nil {
		return
	}
	slog.WarnContext(ctx, "power down failed: requesting emergency stop", "vm", s.name, "error", err)
	if _, err := s.api.LaunchVMProcess(ctx, s.machine, "", vbox.LaunchEmergencyStop); err != nil {
		slog.WarnContext(ctx, "emergency stop failed", "vm", s.name, "error", err)
	}
}

func (s *Session) powerDown(ctx context.Context) error {
	progress, err := s.api.PowerDown(ctx, s.console)
	if err != nil {
		return err
	}
	return s.api.WaitForCompletion(ctx, progress, vbox.InfiniteTimeout)
}

// StopAndDelete stops the machine, unregisters it and deletes its settings
// and hard disks. Unregistering is retried while the machine is still
// locked.
func (s *Session) StopAndDelete(ctx context.Context) error {
	s.Stop(ctx)
	if s.machine == "" {
		return nil
	}

	media, err := s.unregister(ctx)
	if err != nil {
		return fmt.Errorf("unregistering machine %s: %w", s.name, err)
	}
	progress, err := s.api.DeleteConfig(ctx, s.machine, media)
	if err != nil {
		return fmt.Errorf("deleting machine %s: %w", s.name, err)
	}
	if err := s.api.WaitForCompletion(ctx, progress, vbox.InfiniteTimeout); err != nil {
		return fmt.Errorf("deleting machine %s: %w", s.name, err)
	}
	s.locked = false
	return nil
}

func (s *Session) unregister(ctx context.Context) ([]vbox.Ref, error) {
	for attempt := 1; ; attempt++ {
		media, err := s.api.Unregister(ctx, s.machine, vbox.CleanupDetachAllReturnHardDisksOnly)
		if err == nil {
			return media, nil
		}
		if !vbox.IsInvalidObjectState(err) || attempt >= unregisterAttempts {
			return nil, err
		}
		slog.DebugContext(ctx, "machine still locked: retrying unregister", "vm", s.name, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(s.backoff):
		}
	}
}
