package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// screenshots stores the screenshots of failed calibrations in a folder.
type screenshots struct {
	dir  string
	root *os.Root
	wg   sync.WaitGroup
}

func newScreenshots(dir string) (*screenshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &screenshots{dir: dir, root: root}, nil
}

// Save writes the screenshot in the background and returns the path it is
// written to. Failures are only logged.
func (s *screenshots) Save(ctx context.Context, png []byte) string {
	name := uuid.NewString() + ".png"
	path := filepath.Join(s.dir, name)
	ctx = context.WithoutCancel(ctx)
	s.wg.Go(func() {
		if err := s.write(name, png); err != nil {
			slog.ErrorContext(ctx, "saving screenshot of failed calibration", "path", path, "error", err)
			return
		}
		slog.InfoContext(ctx, "screenshot of failed calibration saved", "path", path)
	})
	return path
}

func (s *screenshots) write(name string, b []byte) error {
	f, err := s.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating screenshot: %w", err)
	}
	_, err = f.Write(b)
	return errors.Join(err, f.Close())
}

// Close waits for pending writes.
func (s *screenshots) Close() error {
	s.wg.Wait()
	return s.root.Close()
}
