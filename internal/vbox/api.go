package vbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Enumeration values used by the robot.
const (
	MachineStateRunning = "Running"

	LockTypeShared = "Shared"
	LockTypeWrite  = "Write"

	LaunchHeadless      = "headless"
	LaunchEmergencyStop = "emergencystop"

	CloneModeMachineState = "MachineState"
	CloneOptionLink       = "Link"

	CleanupDetachAllReturnHardDisksOnly = "DetachAllReturnHardDisksOnly"

	BitmapFormatPNG = "PNG"

	GuestSessionWaitStart      = "Start"
	ProcessCreateWaitForStdOut = "WaitForStdOut"
	ProcessCreateWaitForStdErr = "WaitForStdErr"
	ProcessWaitTerminate       = "Terminate"
	ProcessWaitStdOut          = "StdOut"
	ProcessWaitStdErr          = "StdErr"
	ProcessHandleStdOut        = 1
	ProcessHandleStdErr        = 2
	InfiniteTimeout            = -1
	progressPollingInterval    = 100 * time.Millisecond
)

// Resolution describes a guest monitor.
type Resolution struct {
	Width        int
	Height       int
	BitsPerPixel int
	XOrigin      int
	YOrigin      int
}

// IWebsessionManager

func (c *Client) Logon(ctx context.Context, username, password string) (Ref, error) {
	r, err := c.call(ctx, "IWebsessionManager_logon", one("username", username), one("password", password))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

func (c *Client) Logoff(ctx context.Context, vbox Ref) error {
	_, err := c.call(ctx, "IWebsessionManager_logoff", one("refIVirtualBox", string(vbox)))
	return err
}

// SessionObject returns a new session object which can be used to lock a
// machine.
func (c *Client) SessionObject(ctx context.Context, vbox Ref) (Ref, error) {
	r, err := c.call(ctx, "IWebsessionManager_getSessionObject", one("refIVirtualBox", string(vbox)))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

// IVirtualBox

func (c *Client) Version(ctx context.Context, vbox Ref) (string, error) {
	r, err := c.call(ctx, "IVirtualBox_getVersion", this(vbox))
	if err != nil {
		return "", err
	}
	return r.value("returnval"), nil
}

func (c *Client) FindMachine(ctx context.Context, vbox Ref, nameOrID string) (Ref, error) {
	r, err := c.call(ctx, "IVirtualBox_findMachine", this(vbox), one("nameOrId", nameOrID))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

// CreateMachine creates an unregistered machine shell named name with a
// default settings file location.
func (c *Client) CreateMachine(ctx context.Context, vbox Ref, name string) (Ref, error) {
	r, err := c.call(ctx, "IVirtualBox_createMachine",
		this(vbox),
		one("settingsFile", ""),
		one("name", name),
		one("osTypeId", ""),
		one("flags", ""),
	)
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

func (c *Client) RegisterMachine(ctx context.Context, vbox, machine Ref) error {
	_, err := c.call(ctx, "IVirtualBox_registerMachine", this(vbox), one("machine", string(machine)))
	return err
}

// IMachine

func (c *Client) MachineState(ctx context.Context, machine Ref) (string, error) {
	r, err := c.call(ctx, "IMachine_getState", this(machine))
	if err != nil {
		return "", err
	}
	return r.value("returnval"), nil
}

func (c *Client) FindSnapshot(ctx context.Context, machine Ref, nameOrID string) (Ref, error) {
	r, err := c.call(ctx, "IMachine_findSnapshot", this(machine), one("nameOrId", nameOrID))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

// SnapshotMachine returns the machine view of a snapshot, which can be used
// as a clone source.
func (c *Client) SnapshotMachine(ctx context.Context, snapshot Ref) (Ref, error) {
	r, err := c.call(ctx, "ISnapshot_getMachine", this(snapshot))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

func (c *Client) CloneTo(ctx context.Context, source, target Ref, mode string, options ...string) (Ref, error) {
	r, err := c.call(ctx, "IMachine_cloneTo",
		this(source),
		one("target", string(target)),
		one("mode", mode),
		many("options", options...),
	)
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

func (c *Client) LockMachine(ctx context.Context, machine, session Ref, lockType string) error {
	_, err := c.call(ctx, "IMachine_lockMachine", this(machine), one("session", string(session)), one("lockType", lockType))
	return err
}

// LaunchVMProcess starts the machine process. With a session it also
// locks the machine for that session.
func (c *Client) LaunchVMProcess(ctx context.Context, machine, session Ref, launchType string) (Ref, error) {
	args := []arg{this(machine)}
	if session != "" {
		args = append(args, one("session", string(session)))
	}
	args = append(args, one("name", launchType))
	r, err := c.call(ctx, "IMachine_launchVMProcess", args...)
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

// Unregister unregisters the machine and returns the media to delete.
func (c *Client) Unregister(ctx context.Context, machine Ref, cleanupMode string) ([]Ref, error) {
	r, err := c.call(ctx, "IMachine_unregister", this(machine), one("cleanupMode", cleanupMode))
	if err != nil {
		return nil, err
	}
	values := r.values("returnval")
	media := make([]Ref, 0, len(values))
	for _, v := range values {
		media = append(media, Ref(v))
	}
	return media, nil
}

func (c *Client) DeleteConfig(ctx context.Context, machine Ref, media []Ref) (Ref, error) {
	values := make([]string, 0, len(media))
	for _, m := range media {
		values = append(values, string(m))
	}
	r, err := c.call(ctx, "IMachine_deleteConfig", this(machine), many("media", values...))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

// ISession

func (c *Client) UnlockMachine(ctx context.Context, session Ref) error {
	_, err := c.call(ctx, "ISession_unlockMachine", this(session))
	return err
}

func (c *Client) SessionConsole(ctx context.Context, session Ref) (Ref, error) {
	return c.getRef(ctx, "ISession_getConsole", session)
}

// IConsole

func (c *Client) ConsoleKeyboard(ctx context.Context, console Ref) (Ref, error) {
	return c.getRef(ctx, "IConsole_getKeyboard", console)
}

func (c *Client) ConsoleMouse(ctx context.Context, console Ref) (Ref, error) {
	return c.getRef(ctx, "IConsole_getMouse", console)
}

func (c *Client) ConsoleDisplay(ctx context.Context, console Ref) (Ref, error) {
	return c.getRef(ctx, "IConsole_getDisplay", console)
}

func (c *Client) ConsoleGuest(ctx context.Context, console Ref) (Ref, error) {
	return c.getRef(ctx, "IConsole_getGuest", console)
}

func (c *Client) PowerDown(ctx context.Context, console Ref) (Ref, error) {
	return c.getRef(ctx, "IConsole_powerDown", console)
}

// IProgress

// WaitForCompletion waits until the progress completes or the timeout (in
// milliseconds, InfiniteTimeout for none) elapses. A completed operation
// which failed is reported as a *Fault.
func (c *Client) WaitForCompletion(ctx context.Context, progress Ref, timeout int) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(time.Duration(timeout) * time.Millisecond)
	}
	for {
		// short server side waits keep every call well within the http timeout
		_, err := c.call(ctx, "IProgress_waitForCompletion", this(progress), num("timeout", 1000))
		if err != nil {
			return err
		}
		r, err := c.call(ctx, "IProgress_getCompleted", this(progress))
		if err != nil {
			return err
		}
		if completed, _ := strconv.ParseBool(r.value("returnval")); completed {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("waiting for progress %s: %w", progress, context.DeadlineExceeded)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(progressPollingInterval):
		}
	}

	r, err := c.call(ctx, "IProgress_getResultCode", this(progress))
	if err != nil {
		return err
	}
	code, err := r.integer("returnval")
	if err != nil {
		return err
	}
	if code != 0 {
		return &Fault{Code: int32(code), Message: "operation failed: " + c.progressError(ctx, progress)}
	}
	return nil
}

func (c *Client) progressError(ctx context.Context, progress Ref) string {
	info, err := c.getRef(ctx, "IProgress_getErrorInfo", progress)
	if err != nil || info == "" {
		return "no error information"
	}
	r, err := c.call(ctx, "IVirtualBoxErrorInfo_getText", this(info))
	if err != nil {
		return "no error information"
	}
	return r.value("returnval")
}

// IMouse

func (c *Client) PutMouseEventAbsolute(ctx context.Context, mouse Ref, x, y, dz, dw, buttons int) error {
	_, err := c.call(ctx, "IMouse_putMouseEventAbsolute",
		this(mouse), num("x", x), num("y", y), num("dz", dz), num("dw", dw), num("buttonState", buttons))
	return err
}

func (c *Client) PutMouseEvent(ctx context.Context, mouse Ref, dx, dy, dz, dw, buttons int) error {
	_, err := c.call(ctx, "IMouse_putMouseEvent",
		this(mouse), num("dx", dx), num("dy", dy), num("dz", dz), num("dw", dw), num("buttonState", buttons))
	return err
}

// IKeyboard

// PutScancodes sends scancodes and returns how many of them were stored.
func (c *Client) PutScancodes(ctx context.Context, keyboard Ref, scancodes []int) (int, error) {
	values := make([]string, 0, len(scancodes))
	for _, code := range scancodes {
		values = append(values, strconv.Itoa(code))
	}
	r, err := c.call(ctx, "IKeyboard_putScancodes", this(keyboard), many("scancodes", values...))
	if err != nil {
		return 0, err
	}
	if r.value("returnval") == "" {
		return len(scancodes), nil
	}
	return r.integer("returnval")
}

// IDisplay

func (c *Client) ScreenResolution(ctx context.Context, display Ref, screen int) (Resolution, error) {
	r, err := c.call(ctx, "IDisplay_getScreenResolution", this(display), num("screenId", screen))
	if err != nil {
		return Resolution{}, err
	}
	var res Resolution
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"width", &res.Width},
		{"height", &res.Height},
		{"bitsPerPixel", &res.BitsPerPixel},
		{"xOrigin", &res.XOrigin},
		{"yOrigin", &res.YOrigin},
	} {
		if r.value(f.name) == "" {
			continue
		}
		*f.dst, err = r.integer(f.name)
		if err != nil {
			return Resolution{}, err
		}
	}
	return res, nil
}

// TakeScreenShotToArray returns the encoded screenshot of a screen.
func (c *Client) TakeScreenShotToArray(ctx context.Context, display Ref, screen, width, height int, format string) ([]byte, error) {
	r, err := c.call(ctx, "IDisplay_takeScreenShotToArray",
		this(display), num("screenId", screen), num("width", width), num("height", height), one("bitmapFormat", format))
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(r.value("returnval"))
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	return b, nil
}

// IGuest, IGuestSession, IProcess

func (c *Client) GuestSessions(ctx context.Context, guest Ref) ([]Ref, error) {
	r, err := c.call(ctx, "IGuest_getSessions", this(guest))
	if err != nil {
		return nil, err
	}
	values := r.values("returnval")
	sessions := make([]Ref, 0, len(values))
	for _, v := range values {
		sessions = append(sessions, Ref(v))
	}
	return sessions, nil
}

func (c *Client) CreateGuestSession(ctx context.Context, guest Ref, user, password string) (Ref, error) {
	r, err := c.call(ctx, "IGuest_createSession",
		this(guest), one("user", user), one("password", password), one("domain", ""), one("sessionName", ""))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

func (c *Client) CloseGuestSession(ctx context.Context, session Ref) error {
	_, err := c.call(ctx, "IGuestSession_close", this(session))
	return err
}

func (c *Client) GuestSessionWaitFor(ctx context.Context, session Ref, timeout int, events ...string) (string, error) {
	r, err := c.call(ctx, "IGuestSession_waitForArray", this(session), many("waitFor", events...), num("timeoutMS", timeout))
	if err != nil {
		return "", err
	}
	return r.value("returnval"), nil
}

// ProcessCreate starts commandLine[0] in the guest, commandLine being the
// whole argument vector.
func (c *Client) ProcessCreate(ctx context.Context, session Ref, commandLine []string, flags ...string) (Ref, error) {
	if len(commandLine) == 0 {
		return "", fmt.Errorf("empty command line")
	}
	r, err := c.call(ctx, "IGuestSession_processCreate",
		this(session),
		one("executable", commandLine[0]),
		many("arguments", commandLine...),
		many("flags", flags...),
		num("timeoutMS", 0),
	)
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}

func (c *Client) ProcessWaitFor(ctx context.Context, process Ref, timeout int, events ...string) (string, error) {
	r, err := c.call(ctx, "IProcess_waitForArray", this(process), many("waitFor", events...), num("timeoutMS", timeout))
	if err != nil {
		return "", err
	}
	return r.value("returnval"), nil
}

func (c *Client) ProcessRead(ctx context.Context, process Ref, handle, size, timeout int) ([]byte, error) {
	r, err := c.call(ctx, "IProcess_read", this(process), num("handle", handle), num("toRead", size), num("timeoutMS", timeout))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(r.value("returnval"))
}

func (c *Client) ProcessExitCode(ctx context.Context, process Ref) (int, error) {
	r, err := c.call(ctx, "IProcess_getExitCode", this(process))
	if err != nil {
		return 0, err
	}
	return r.integer("returnval")
}

func (c *Client) getRef(ctx context.Context, method string, ref Ref) (Ref, error) {
	r, err := c.call(ctx, method, this(ref))
	if err != nil {
		return "", err
	}
	return r.ref(), nil
}
