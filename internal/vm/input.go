package vm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
)

// Button masks as sent by browser clients.
const (
	Button1Mask = 16
	Button2Mask = 8
	Button3Mask = 4
)

// VirtualBox MouseButtonState bits.
const (
	buttonLeft   = 0x01
	buttonRight  = 0x02
	buttonMiddle = 0x04
)

const smoothMoveStep = 50 * time.Millisecond

func buttonState(mask int) int {
	var state int
	if mask&Button1Mask != 0 {
		state |= buttonLeft
	}
	if mask&Button2Mask != 0 {
		state |= buttonRight
	}
	if mask&Button3Mask != 0 {
		state |= buttonMiddle
	}
	return state
}

// input returns the input handles of an active session.
func (s *Session) input() (keyboard, mouse, display vbox.Ref, buttons int, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateActive {
		return "", "", "", 0, fmt.Errorf("%w: %s is %s", ErrNotActive, s.name, s.state)
	}
	return s.keyboard, s.mouse, s.display, s.buttons, nil
}

// press updates the pressed buttons and returns the mouse and the new state.
func (s *Session) press(update func(int) int) (vbox.Ref, int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateActive {
		return "", 0, fmt.Errorf("%w: %s is %s", ErrNotActive, s.name, s.state)
	}
	s.buttons = update(s.buttons)
	return s.mouse, s.buttons, nil
}

// Buttons returns the VirtualBox state of the pressed mouse buttons.
func (s *Session) Buttons() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.buttons
}

// MouseMove moves the pointer to x, y. VirtualBox absolute coordinates
// start at 1.
func (s *Session) MouseMove(ctx context.Context, x, y int) error {
	_, mouse, _, buttons, err := s.input()
	if err != nil {
		return err
	}
	return s.api.PutMouseEventAbsolute(ctx, mouse, x+1, y+1, 0, 0, buttons)
}

// SmoothMouseMove moves the pointer from one position to another along a
// straight line, one step every 50ms, taking the given duration.
func (s *Session) SmoothMouseMove(ctx context.Context, fromX, fromY, toX, toY int, duration time.Duration) error {
	if err := s.MouseMove(ctx, fromX, fromY); err != nil {
		return err
	}
	start := time.Now()
	dx, dy := float64(toX-fromX), float64(toY-fromY)
	for {
		elapsed := time.Since(start)
		if elapsed >= duration {
			break
		}
		ratio := float64(elapsed) / float64(duration)
		x := fromX + int(math.Round(dx*ratio))
		y := fromY + int(math.Round(dy*ratio))
		if err := s.MouseMove(ctx, x, y); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(smoothMoveStep):
		}
	}
	return s.MouseMove(ctx, toX, toY)
}

// MousePress presses the buttons in the mask.
func (s *Session) MousePress(ctx context.Context, mask int) error {
	mouse, buttons, err := s.press(func(b int) int { return b | buttonState(mask) })
	if err != nil {
		return err
	}
	return s.api.PutMouseEvent(ctx, mouse, 0, 0, 0, 0, buttons)
}

// MouseRelease releases the buttons in the mask.
func (s *Session) MouseRelease(ctx context.Context, mask int) error {
	mouse, buttons, err := s.press(func(b int) int { return b &^ buttonState(mask) })
	if err != nil {
		return err
	}
	return s.api.PutMouseEvent(ctx, mouse, 0, 0, 0, 0, buttons)
}

// MouseWheel scrolls by the given number of notches.
func (s *Session) MouseWheel(ctx context.Context, notches int) error {
	_, mouse, _, buttons, err := s.input()
	if err != nil {
		return err
	}
	return s.api.PutMouseEvent(ctx, mouse, 0, 0, notches, 0, buttons)
}

// ResetMouse releases all buttons and moves the pointer to the top left
// corner.
func (s *Session) ResetMouse(ctx context.Context) error {
	if _, _, err := s.press(func(int) int { return 0 }); err != nil {
		return err
	}
	return s.MouseMove(ctx, 0, 0)
}

// SendScancodes sends keyboard scancodes and returns how many were
// accepted.
func (s *Session) SendScancodes(ctx context.Context, scancodes []int) (int, error) {
	keyboard, _, _, _, err := s.input()
	if err != nil {
		return 0, err
	}
	return s.api.PutScancodes(ctx, keyboard, scancodes)
}

// Screenshot returns a PNG of the first screen at its current resolution.
func (s *Session) Screenshot(ctx context.Context) ([]byte, vbox.Resolution, error) {
	_, _, display, _, err := s.input()
	if err != nil {
		return nil, vbox.Resolution{}, err
	}
	res, err := s.api.ScreenResolution(ctx, display, 0)
	if err != nil {
		return nil, vbox.Resolution{}, fmt.Errorf("getting screen resolution: %w", err)
	}
	png, err := s.api.TakeScreenShotToArray(ctx, display, 0, res.Width, res.Height, vbox.BitmapFormatPNG)
	if err != nil {
		return nil, res, fmt.Errorf("taking screenshot: %w", err)
	}
	return png, res, nil
}
