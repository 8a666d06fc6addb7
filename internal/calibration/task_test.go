package calibration_test

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"github.com/CZERTAINLY/vbox-robot/internal/calibration"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRun(t *testing.T) {
	t.Parallel()
	img := canvas(300, 200)
	fill(img, image.Rect(41, 23, 41+30, 23+15), calibration.Red)
	screenshot := encode(t, img)

	t.Run("rectangle", func(t *testing.T) {
		offset, err := calibration.Run(t.Context(), calibration.RectangleTask(screenshot, 30, 15))
		require.NoError(t, err)
		require.Equal(t, calibration.Offset{X: 41, Y: 23}, offset)
	})

	t.Run("rectangle not found", func(t *testing.T) {
		_, err := calibration.Run(t.Context(), calibration.RectangleTask(screenshot, 31, 15))
		require.ErrorIs(t, err, calibration.ErrNotFound)
	})

	t.Run("viewport without marker", func(t *testing.T) {
		_, err := calibration.Run(t.Context(), calibration.ViewportTask(screenshot))
		require.ErrorIs(t, err, calibration.ErrNotFound)
	})

	t.Run("rgba screenshot", func(t *testing.T) {
		rgba := image.NewRGBA(img.Bounds())
		for y := range 200 {
			for x := range 300 {
				rgba.Set(x, y, img.At(x, y))
			}
		}
		offset, err := calibration.Run(t.Context(), calibration.RectangleTask(encode(t, rgba), 30, 15))
		require.NoError(t, err)
		require.Equal(t, calibration.Offset{X: 41, Y: 23}, offset)
	})

	t.Run("unsupported mode", func(t *testing.T) {
		_, err := calibration.Run(t.Context(), calibration.Task{Mode: "circle", Screenshot: screenshot})
		require.ErrorContains(t, err, "unsupported calibration mode")
	})

	t.Run("invalid png", func(t *testing.T) {
		_, err := calibration.Run(t.Context(), calibration.RectangleTask([]byte("not a png"), 30, 15))
		require.ErrorContains(t, err, "decoding screenshot")
	})
}
