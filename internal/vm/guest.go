package vm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
)

const (
	processReadSize = 64 * 1024
	processPoll     = 1000 // ms
	processReadWait = 1    // ms
)

// ProcessParams describes a program to run in the guest.
type ProcessParams struct {
	User        string   `json:"userName"`
	Password    string   `json:"password"`
	CommandLine []string `json:"commandLine"`
}

type ProcessResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// RunProcess runs a program in the guest through the guest additions,
// waits for it to terminate and returns its output.
func (s *Session) RunProcess(ctx context.Context, params ProcessParams) (ProcessResult, error) {
	if len(params.CommandLine) == 0 {
		return ProcessResult{}, fmt.Errorf("empty command line")
	}
	s.mx.Lock()
	guest, state := s.guest, s.state
	s.mx.Unlock()
	if state != StateActive {
		return ProcessResult{}, fmt.Errorf("%w: %s is %s", ErrNotActive, s.name, state)
	}

	gs, err := s.api.CreateGuestSession(ctx, guest, params.User, params.Password)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("creating guest session: %w", err)
	}
	defer func() {
		if err := s.api.CloseGuestSession(context.WithoutCancel(ctx), gs); err != nil {
			slog.DebugContext(ctx, "closing guest session", "vm", s.name, "error", err)
		}
	}()
	if _, err := s.api.GuestSessionWaitFor(ctx, gs, vbox.InfiniteTimeout, vbox.GuestSessionWaitStart); err != nil {
		return ProcessResult{}, fmt.Errorf("starting guest session: %w", err)
	}

	process, err := s.api.ProcessCreate(ctx, gs, params.CommandLine, vbox.ProcessCreateWaitForStdOut, vbox.ProcessCreateWaitForStdErr)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("creating process %s: %w", params.CommandLine[0], err)
	}

	var stdout, stderr bytes.Buffer
	for {
		if err := ctx.Err(); err != nil {
			return ProcessResult{}, err
		}
		reason, err := s.api.ProcessWaitFor(ctx, process, processPoll,
			vbox.ProcessWaitTerminate, vbox.ProcessWaitStdOut, vbox.ProcessWaitStdErr)
		if err != nil {
			return ProcessResult{}, fmt.Errorf("waiting for process: %w", err)
		}
		s.drain(ctx, process, vbox.ProcessHandleStdOut, &stdout)
		s.drain(ctx, process, vbox.ProcessHandleStdErr, &stderr)
		if reason == vbox.ProcessWaitTerminate {
			break
		}
	}

	code, err := s.api.ProcessExitCode(ctx, process)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("getting exit code: %w", err)
	}
	return ProcessResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// drain reads the available output of a handle. Read errors only end the
// current read, the output may still be complete on the next poll.
func (s *Session) drain(ctx context.Context, process vbox.Ref, handle int, dst *bytes.Buffer) {
	for {
		chunk, err := s.api.ProcessRead(ctx, process, handle, processReadSize, processReadWait)
		if err != nil {
			slog.DebugContext(ctx, "reading process output", "vm", s.name, "handle", handle, "error", err)
			return
		}
		if len(chunk) == 0 {
			return
		}
		dst.Write(chunk)
	}
}
