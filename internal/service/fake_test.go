package service_test

import (
	"context"
	"strings"
	"sync"

	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
)

type mouseEvent struct {
	x, y, dz, buttons int
}

// hypervisor is an in-memory web service. Machines named in running can
// be attached, any existing machine can be cloned.
type hypervisor struct {
	mx         sync.Mutex
	calls      map[string]int
	running    map[string]bool
	mouse      []mouseEvent
	scancodes  []int
	screenshot []byte
}

func newHypervisor(running ...string) *hypervisor {
	h := &hypervisor{
		calls:   map[string]int{},
		running: map[string]bool{},
	}
	for _, name := range running {
		h.running[name] = true
	}
	return h
}

func (h *hypervisor) record(name string) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.calls[name]++
}

func (h *hypervisor) Count(name string) int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.calls[name]
}

func (h *hypervisor) Mouse() []mouseEvent {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]mouseEvent(nil), h.mouse...)
}

func (h *hypervisor) Scancodes() []int {
	h.mx.Lock()
	defer h.mx.Unlock()
	return append([]int(nil), h.scancodes...)
}

func (h *hypervisor) SetScreenshot(png []byte) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.screenshot = png
}

func (h *hypervisor) ref(name string, parts ...string) (vbox.Ref, error) {
	h.record(name)
	return vbox.Ref(strings.Join(append([]string{name}, parts...), "/")), nil
}

func (h *hypervisor) Logon(_ context.Context, _, _ string) (vbox.Ref, error) {
	return h.ref("Logon")
}

func (h *hypervisor) Logoff(_ context.Context, _ vbox.Ref) error {
	h.record("Logoff")
	return nil
}

func (h *hypervisor) Version(_ context.Context, _ vbox.Ref) (string, error) {
	h.record("Version")
	return "7.1.4", nil
}

func (h *hypervisor) SessionObject(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("SessionObject")
}

func (h *hypervisor) FindMachine(_ context.Context, _ vbox.Ref, nameOrID string) (vbox.Ref, error) {
	h.record("FindMachine")
	if nameOrID == "missing" {
		return "", &vbox.Fault{Code: vbox.ObjectNotFound, Message: "Could not find a registered machine named 'missing'"}
	}
	return vbox.Ref("machine/" + nameOrID), nil
}

func (h *hypervisor) CreateMachine(_ context.Context, _ vbox.Ref, name string) (vbox.Ref, error) {
	h.record("CreateMachine")
	return vbox.Ref("machine/" + name), nil
}

func (h *hypervisor) RegisterMachine(_ context.Context, _, _ vbox.Ref) error {
	h.record("RegisterMachine")
	return nil
}

func (h *hypervisor) MachineState(_ context.Context, machine vbox.Ref) (string, error) {
	h.record("MachineState")
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.running[strings.TrimPrefix(string(machine), "machine/")] {
		return vbox.MachineStateRunning, nil
	}
	return "PoweredOff", nil
}

func (h *hypervisor) FindSnapshot(_ context.Context, _ vbox.Ref, nameOrID string) (vbox.Ref, error) {
	return h.ref("FindSnapshot", nameOrID)
}

func (h *hypervisor) SnapshotMachine(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("SnapshotMachine")
}

func (h *hypervisor) CloneTo(_ context.Context, _, _ vbox.Ref, _ string, _ ...string) (vbox.Ref, error) {
	return h.ref("CloneTo")
}

func (h *hypervisor) LockMachine(_ context.Context, _, _ vbox.Ref, _ string) error {
	h.record("LockMachine")
	return nil
}

func (h *hypervisor) LaunchVMProcess(_ context.Context, _, _ vbox.Ref, launchType string) (vbox.Ref, error) {
	return h.ref("LaunchVMProcess", launchType)
}

func (h *hypervisor) Unregister(_ context.Context, _ vbox.Ref, _ string) ([]vbox.Ref, error) {
	h.record("Unregister")
	return []vbox.Ref{"medium"}, nil
}

func (h *hypervisor) DeleteConfig(_ context.Context, _ vbox.Ref, _ []vbox.Ref) (vbox.Ref, error) {
	return h.ref("DeleteConfig")
}

func (h *hypervisor) UnlockMachine(_ context.Context, _ vbox.Ref) error {
	h.record("UnlockMachine")
	return nil
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

func (h *hypervisor) PowerDown(_ context.Context, _ vbox.Ref) (vbox.Ref, error) {
	return h.ref("PowerDown")
}

func (h *hypervisor) WaitForCompletion(_ context.Context, _ vbox.Ref, _ int) error {
	h.record("WaitForCompletion")
	return nil
}

func (h *hypervisor) PutMouseEventAbsolute(_ context.Context, _ vbox.Ref, x, y, dz, _, buttons int) error {
	h.record("PutMouseEventAbsolute")
	h.mx.Lock()
	defer h.mx.Unlock()
	h.mouse = append(h.mouse, mouseEvent{x: x, y: y, dz: dz, buttons: buttons})
	return nil
}

func (h *hypervisor) PutMouseEvent(_ context.Context, _ vbox.Ref, _, _, dz, _, buttons int) error {
	h.record("PutMouseEvent")
	h.mx.Lock()
	defer h.mx.Unlock()
	h.mouse = append(h.mouse, mouseEvent{dz: dz, buttons: buttons})
	return nil
}

func (h *hypervisor) PutScancodes(_ context.Context, _ vbox.Ref, scancodes []int) (int, error) {
	h.record("PutScancodes")
	h.mx.Lock()
	defer h.mx.Unlock()
	h.scancodes = append(h.scancodes, scancodes...)
	return len(scancodes), nil
}

func (h *hypervisor) ScreenResolution(_ context.Context, _ vbox.Ref, _ int) (vbox.Resolution, error) {
	h.record("ScreenResolution")
	return vbox.Resolution{Width: 320, Height: 200, BitsPerPixel: 32}, nil
}

func (h *hypervisor) TakeScreenShotToArray(_ context.Context, _ vbox.Ref, _, _, _ int, _ string) ([]byte, error) {
	h.record("TakeScreenShotToArray")
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.screenshot, nil
}

func (h *hypervisor) GuestSessions(_ context.Context, _ vbox.Ref) ([]vbox.Ref, error) {
	h.record("GuestSessions")
	return nil, nil
}

func (h *hypervisor) CreateGuestSession(_ context.Context, _ vbox.Ref, user, _ string) (vbox.Ref, error) {
	return h.ref("CreateGuestSession", user)
}

func (h *hypervisor) CloseGuestSession(_ context.Context, _ vbox.Ref) error {
	h.record("CloseGuestSession")
	return nil
}

func (h *hypervisor) GuestSessionWaitFor(_ context.Context, _ vbox.Ref, _ int, _ ...string) (string, error) {
	h.record("GuestSessionWaitFor")
	return vbox.GuestSessionWaitStart, nil
}

func (h *hypervisor) ProcessCreate(_ context.Context, _ vbox.Ref, commandLine []string, _ ...string) (vbox.Ref, error) {
	return h.ref("ProcessCreate", commandLine[0])
}

func (h *hypervisor) ProcessWaitFor(_ context.Context, _ vbox.Ref, _ int, _ ...string) (string, error) {
	h.record("ProcessWaitFor")
	return vbox.ProcessWaitTerminate, nil
}

// ProcessRead answers "ok\n" on the first stdout read.
func (h *hypervisor) ProcessRead(_ context.Context, _ vbox.Ref, handle, _, _ int) ([]byte, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.calls["ProcessRead"]++
	if handle == vbox.ProcessHandleStdOut && h.calls["ProcessRead"] == 1 {
		return []byte("ok\n"), nil
	}
	return nil, nil
}

func (h *hypervisor) ProcessExitCode(_ context.Context, _ vbox.Ref) (int, error) {
	h.record("ProcessExitCode")
	return 0, nil
}
