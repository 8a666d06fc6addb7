package calibration

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

type Mode string

const (
	ModeRectangle Mode = "rectangle"
	ModeViewport  Mode = "viewport"
)

// Task is one calibration request, sent to a worker process.
type Task struct {
	Mode       Mode     `json:"mode"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	Color      [4]uint8 `json:"color"`
	Tolerance  int      `json:"tolerance,omitempty"`
	Screenshot []byte   `json:"screenshot"`
}

// RectangleTask looks for the default red rectangle of the given size.
func RectangleTask(screenshot []byte, width, height int) Task {
	return Task{
		Mode:       ModeRectangle,
		Width:      width,
		Height:     height,
		Color:      [4]uint8{Red.R, Red.G, Red.B, Red.A},
		Tolerance:  DefaultTolerance,
		Screenshot: screenshot,
	}
}

func ViewportTask(screenshot []byte) Task {
	return Task{
		Mode:       ModeViewport,
		Screenshot: screenshot,
	}
}

// Run executes the task. It is the function served by calibration workers.
func Run(_ context.Context, task Task) (Offset, error) {
	img, err := decode(task.Screenshot)
	if err != nil {
		return Offset{}, err
	}

	switch task.Mode {
	case ModeRectangle:
		target := color.NRGBA{R: task.Color[0], G: task.Color[1], B: task.Color[2], A: task.Color[3]}
		p, ok := FindRectangle(img, target, task.Width, task.Height, task.Tolerance)
		if !ok {
			return Offset{}, fmt.Errorf("%w: no %dx%d rectangle found", ErrNotFound, task.Width, task.Height)
		}
		return Offset{X: p.X, Y: p.Y}, nil
	case ModeViewport:
		return FindViewport(img)
	default:
		return Offset{}, fmt.Errorf("unsupported calibration mode %q", task.Mode)
	}
}

func decode(screenshot []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba, nil
	}
	nrgba := image.NewNRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return nrgba, nil
}
