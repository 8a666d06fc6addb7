package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// reply is the envelope a worker answers each task with.
type reply struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type deliverFunc func(reply, error)

type worker struct {
	ctx    context.Context
	pid    int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	onLine StderrFunc
	onExit func(*worker)

	mx      sync.Mutex
	enc     *json.Encoder
	deliver deliverFunc
	stopped bool
}

func start(ctx context.Context, proto Command, onLine StderrFunc, onExit func(*worker)) (*worker, error) {
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &worker{
		ctx:    ctx,
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		onLine: onLine,
		onExit: onExit,
		enc:    json.NewEncoder(stdin),
	}, nil
}

// assign sends the task to the worker. deliver is called once, with the
// reply or with ErrWorkerTerminated.
func (w *worker) assign(task json.RawMessage, deliver deliverFunc) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.deliver != nil {
		return ErrWorkerBusy
	}
	if w.stopped {
		return ErrWorkerTerminated
	}
	if err := w.enc.Encode(task); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkerTerminated, err)
	}
	w.deliver = deliver
	return nil
}

// stop closes the worker's input, it exits once its current task is done.
func (w *worker) stop() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if err := w.stdin.Close(); err != nil {
		slog.DebugContext(w.ctx, "closing worker stdin", "worker", w.pid, "error", err)
	}
}

// run reads replies until the worker exits.
func (w *worker) run() {
	var wg sync.WaitGroup
	wg.Go(w.processStderr)

	dec := json.NewDecoder(w.stdout)
	for {
		var rep reply
		if err := dec.Decode(&rep); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.WarnContext(w.ctx, "reading worker reply", "worker", w.pid, "error", err)
				_ = w.cmd.Process.Kill()
			}
			break
		}
		w.mx.Lock()
		deliver := w.deliver
		w.deliver = nil
		w.mx.Unlock()
		if deliver == nil {
			slog.WarnContext(w.ctx, "unexpected reply from worker", "worker", w.pid)
			continue
		}
		deliver(rep, nil)
	}

	// drain stdout so that Wait does not block on a misbehaving worker
	_, _ = io.Copy(io.Discard, w.stdout)
	wg.Wait()
	err := w.cmd.Wait()

	w.mx.Lock()
	w.stopped = true
	deliver := w.deliver
	w.deliver = nil
	w.mx.Unlock()

	w.onExit(w)
	if deliver != nil {
		slog.WarnContext(w.ctx, "worker terminated with a task in progress", "worker", w.pid, "error", err)
		deliver(reply{}, ErrWorkerTerminated)
	} else if err != nil {
		slog.DebugContext(w.ctx, "worker exited", "worker", w.pid, "error", err)
	}
}

func (w *worker) processStderr() {
	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		w.onLine(w.ctx, w.pid, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(w.ctx, "processing stderr", "worker", w.pid, "error", err)
	}
}
