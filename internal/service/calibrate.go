package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/vbox-robot/internal/calibration"
	"github.com/CZERTAINLY/vbox-robot/internal/vm"
)

const maxRectangleSize = 10000

// calibrate finds the offset of the browser overlay on the screen of the
// virtual machine. With a size it looks for the red rectangle of that size,
// otherwise for the QR markers.
func (s *Service) calibrate(ctx context.Context, id string, session *vm.Session, size []int) (calibration.Offset, error) {
	if err := session.ResetMouse(ctx); err != nil {
		return calibration.Offset{}, err
	}
	select {
	case <-ctx.Done():
		return calibration.Offset{}, ctx.Err()
	case <-time.After(s.cfg.Calibration.SettleDelay()):
	}

	png, res, err := session.Screenshot(ctx)
	if err != nil {
		return calibration.Offset{}, err
	}

	task := calibration.ViewportTask(png)
	if len(size) >= 2 {
		task = calibration.RectangleTask(png, clamp(size[0], 1, maxRectangleSize), clamp(size[1], 1, maxRectangleSize))
	}
	slog.DebugContext(ctx, "calibrating", "mode", task.Mode, "width", res.Width, "height", res.Height)

	offset, err := s.calibrator.Do(ctx, task)
	s.metrics.calibrations.WithLabelValues(string(task.Mode), outcome(err)).Inc()
	if err == nil {
		return offset, nil
	}
	// the calibration did not fail, nobody waits for it any more
	if cancelled(err) {
		return calibration.Offset{}, err
	}

	if s.screenshots != nil {
		err = fmt.Errorf("%w, screenshot recorded as %s", err, s.screenshots.Save(ctx, png))
	} else {
		err = fmt.Errorf("%w, screenshot was not saved", err)
	}
	if session.CloseOnFailedCalibration() {
		slog.InfoContext(ctx, "closing virtual machine after failed calibration")
		if cerr := s.vms.Close(context.WithoutCancel(ctx), id, session); cerr != nil {
			slog.WarnContext(ctx, "closing virtual machine", "error", cerr)
		}
	}
	return calibration.Offset{}, err
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
