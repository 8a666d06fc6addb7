package vm_test

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
)

type mouseEvent struct {
	absolute     bool
	x, y, dz, dw int
	buttons      int
}

// hypervisor records the calls made by a session and answers them with
// predictable references.
type hypervisor struct {
	mx    sync.Mutex
	calls []string

	state              string
	fail               map[string]error
	unregisterFailures int
	unregisterErr      error

	mouse     []mouseEvent
	scancodes []int
	launches  []string

	guestSessions []vbox.Ref
	waitResults   []string
	output        map[int][][]byte
	exitCode      int

	resolution vbox.Resolution
	screenshot []byte
}

func newHypervisor() *hypervisor {
	return &hypervisor{
		state:      vbox.MachineStateRunning,
		fail:       map[string]error{},
		output:     map[int][][]byte{},
		resolution: vbox.Resolution{Width: 800, Height: 600, BitsPerPixel: 32},
		screenshot: []byte("\x89PNG"),
	}
}

func (h *hypervisor) record(name string) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.calls = append(h.calls, name)
	return h.fail[name]
}

func (h *hypervisor) Calls() []string {
	h.mx.Lock()
	defer h.mx.Unlock()
	return slices.Clone(h.calls)
}

func (h *hypervisor) Count(name string) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	var n int
	for _, c := range h.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (h *hypervisor) Mouse() []mouseEvent {
	h.mx.Lock()
	defer h.mx.Unlock()
	return slices.Clone(h.mouse)
}

func (h *hypervisor) ref(name string, args ...any) (vbox.Ref, error) {
	if err := h.record(name); err != nil {
		return "", err
	}
	return vbox.Ref(fmt.Sprint(append([]any{name}, args...)...)), nil
}

func (h *hypervisor) SessionObject(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("SessionObject")
}

func (h *hypervisor) FindMachine(_ context.Context, _ vbox.Ref, nameOrID string) (vbox.Ref, error) {
	return h.ref("FindMachine", "-", nameOrID)
}

func (h *hypervisor) CreateMachine(_ context.Context, _ vbox.Ref, name string) (vbox.Ref, error) {
	return h.ref("CreateMachine", "-", name)
}

func (h *hypervisor) RegisterMachine(_ context.Context, _, _ vbox.Ref) error {
	return h.record("RegisterMachine")
}

func (h *hypervisor) MachineState(_ context.Context, _ vbox.Ref) (string, error) {
	if err := h.record("MachineState"); err != nil {
		return "", err
	}
	return h.state, nil
}

func (h *hypervisor) FindSnapshot(_ context.Context, _ vbox.Ref, nameOrID string) (vbox.Ref, error) {
	return h.ref("FindSnapshot", "-", nameOrID)
}

func (h *hypervisor) SnapshotMachine(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("SnapshotMachine")
}

func (h *hypervisor) CloneTo(_ context.Context, _, _ vbox.Ref, _ string, _ ...string) (vbox.Ref, error) {
	return h.ref("CloneTo")
}

func (h *hypervisor) LockMachine(_ context.Context, _, _ vbox.Ref, _ string) error {
	return h.record("LockMachine")
}

func (h *hypervisor) LaunchVMProcess(_ context.Context, _, _ vbox.Ref, launchType string) (vbox.Ref, error) {
	h.mx.Lock()
	h.launches = append(h.launches, launchType)
	h.mx.Unlock()
	return h.ref("LaunchVMProcess")
}

// Unregister, DeleteConfig and PowerDown fail on a done context, the way
// a web service call does.
func (h *hypervisor) Unregister(ctx context.Context, _ vbox.Ref, _ string) ([]vbox.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := h.record("Unregister"); err != nil {
		return nil, err
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.unregisterFailures > 0 {
		h.unregisterFailures--
		return nil, h.unregisterErr
	}
	return []vbox.Ref{"medium-1"}, nil
}

func (h *hypervisor) DeleteConfig(ctx context.Context, _ vbox.Ref, _ []vbox.Ref) (vbox.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return h.ref("DeleteConfig")
}

func (h *hypervisor) UnlockMachine(_ context.Context, _ vbox.Ref) error {
	return h.record("UnlockMachine")
}

func (h *hypervisor) SessionConsole(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("SessionConsole")
}

func (h *hypervisor) ConsoleKeyboard(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("ConsoleKeyboard")
}

func (h *hypervisor) ConsoleMouse(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("ConsoleMouse")
}

func (h *hypervisor) ConsoleDisplay(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("ConsoleDisplay")
}

func (h *hypervisor) ConsoleGuest(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("ConsoleGuest")
}

func (h *hypervisor) PowerDown(ctx context.Context, _ vbox.Ref) (vbox.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return h.ref("PowerDown")
}

func (h *hypervisor) WaitForCompletion(_ context.Context, _ vbox.Ref, _ int) error {
	return h.record("WaitForCompletion")
}

func (h *hypervisor) PutMouseEventAbsolute(_ context.Context, _ vbox.Ref, x, y, dz, dw, buttons int) error {
	h.mx.Lock()
	h.mouse = append(h.mouse, mouseEvent{absolute: true, x: x, y: y, dz: dz, dw: dw, buttons: buttons})
	h.mx.Unlock()
	return h.record("PutMouseEventAbsolute")
}

func (h *hypervisor) PutMouseEvent(_ context.Context, _ vbox.Ref, dx, dy, dz, dw, buttons int) error {
	h.mx.Lock()
	h.mouse = append(h.mouse, mouseEvent{x: dx, y: dy, dz: dz, dw: dw, buttons: buttons})
	h.mx.Unlock()
	return h.record("PutMouseEvent")
}

func (h *hypervisor) PutScancodes(_ context.Context, _ vbox.Ref, scancodes []int) (int, error) {
	if err := h.record("PutScancodes"); err != nil {
		return 0, err
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	h.scancodes = append(h.scancodes, scancodes...)
	return len(scancodes), nil
}

func (h *hypervisor) ScreenResolution(_ context.Context, _ vbox.Ref, _ int) (vbox.Resolution, error) {
	if err := h.record("ScreenResolution"); err != nil {
		return vbox.Resolution{}, err
	}
	return h.resolution, nil
}

func (h *hypervisor) TakeScreenShotToArray(_ context.Context, _ vbox.Ref, _, width, height int, format string) ([]byte, error) {
	if err := h.record(fmt.Sprintf("TakeScreenShotToArray %dx%d %s", width, height, format)); err != nil {
		return nil, err
	}
	return h.screenshot, nil
}

func (h *hypervisor) GuestSessions(_ context.Context, _ vbox.Ref) ([]vbox.Ref, error) {
	if err := h.record("GuestSessions"); err != nil {
		return nil, err
	}
	return h.guestSessions, nil
}

func (h *hypervisor) CreateGuestSession(_ context.Context, _ vbox.Ref, user, _ string) (vbox.Ref, error) {
	return h.ref("CreateGuestSession", "-", user)
}

func (h *hypervisor) CloseGuestSession(_ context.Context, _ vbox.Ref) error {
	return h.record("CloseGuestSession")
}

func (h *hypervisor) GuestSessionWaitFor(_ context.Context, _ vbox.Ref, _ int, _ ...string) (string, error) {
	if err := h.record("GuestSessionWaitFor"); err != nil {
		return "", err
	}
	return vbox.GuestSessionWaitStart, nil
}

func (h *hypervisor) ProcessCreate(_ context.Context, _ vbox.Ref, commandLine []string, _ ...string) (vbox.Ref, error) {
	return h.ref("ProcessCreate", "-", commandLine[0])
}

func (h *hypervisor) ProcessWaitFor(_ context.Context, _ vbox.Ref, _ int, _ ...string) (string, error) {
	if err := h.record("ProcessWaitFor"); err != nil {
		return "", err
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	if len(h.waitResults) == 0 {
		return vbox.ProcessWaitTerminate, nil
	}
	r := h.waitResults[0]
	h.waitResults = h.waitResults[1:]
	return r, nil
}

func (h *hypervisor) ProcessRead(_ context.Context, _ vbox.Ref, handle, _, _ int) ([]byte, error) {
	if err := h.record("ProcessRead"); err != nil {
		return nil, err
	}
	h.mx.Lock()
	defer h.mx.Unlock()
	chunks := h.output[handle]
	if len(chunks) == 0 {
		return nil, nil
	}
	h.output[handle] = chunks[1:]
	return chunks[0], nil
}

func (h *hypervisor) ProcessExitCode(_ context.Context, _ vbox.Ref) (int, error) {
	if err := h.record("ProcessExitCode"); err != nil {
		return 0, err
	}
	return h.exitCode, nil
}
