package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/CZERTAINLY/vbox-robot/internal/calibration"
	"github.com/CZERTAINLY/vbox-robot/internal/model"
	"github.com/CZERTAINLY/vbox-robot/internal/parallel"
	"github.com/CZERTAINLY/vbox-robot/internal/pool"
	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
	"github.com/CZERTAINLY/vbox-robot/internal/vm"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var ErrInvalidRequest = errors.New("invalid request")

// Hypervisor is the VirtualBox web service as seen by the service.
type Hypervisor interface {
	vm.Hypervisor
	Logon(ctx context.Context, username, password string) (vbox.Ref, error)
	Logoff(ctx context.Context, vbox vbox.Ref) error
	Version(ctx context.Context, vbox vbox.Ref) (string, error)
}

// Calibrator runs calibration tasks, usually in a pool of worker processes.
type Calibrator interface {
	Do(ctx context.Context, task calibration.Task) (calibration.Offset, error)
	Stats() pool.Stats
	Close()
}

var _ Calibrator = (*pool.Pool[calibration.Task, calibration.Offset])(nil)

type Service struct {
	cfg         model.Config
	api         Hypervisor
	vbox        vbox.Ref
	vms         *vm.Registry
	calibrator  Calibrator
	scheduler   gocron.Scheduler
	screenshots *screenshots
	metrics     *metrics
	router      *mux.Router

	closeOnce sync.Once
	closeErr  error
	server    *http.Server
}

// New logs on to the web service and prepares the HTTP handlers. On success
// the service owns the calibrator and closes it in Close.
func New(ctx context.Context, cfg model.Config, api Hypervisor, calibrator Calibrator) (*Service, error) {
	ref, err := api.Logon(ctx, cfg.VBox.Username, cfg.VBox.Password)
	if err != nil {
		return nil, fmt.Errorf("logging on to %s: %w", cfg.VBox.URL, err)
	}
	s := &Service{
		cfg:        cfg,
		api:        api,
		vbox:       ref,
		vms:        vm.NewRegistry(),
		calibrator: calibrator,
	}
	if err := s.init(ctx); err != nil {
		if err := s.api.Logoff(context.WithoutCancel(ctx), ref); err != nil {
			slog.WarnContext(ctx, "logoff failed", "error", err)
		}
		if s.screenshots != nil {
			_ = s.screenshots.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	version, err := s.api.Version(ctx, s.vbox)
	if err != nil {
		return fmt.Errorf("getting VirtualBox version: %w", err)
	}
	slog.InfoContext(ctx, "connected to VirtualBox", "url", s.cfg.VBox.URL, "version", version)

	if dir := s.cfg.Calibration.FailedFolder; dir != "" {
		s.screenshots, err = newScreenshots(dir)
		if err != nil {
			return fmt.Errorf("opening calibration.failed_folder: %w", err)
		}
	}

	job, err := keepAliveJob(s.cfg.VBox)
	if err != nil {
		return err
	}
	keepAliveCtx := context.WithoutCancel(ctx)
	s.scheduler, err = newScheduler(ctx, job, func() { s.keepAlive(keepAliveCtx) })
	if err != nil {
		return err
	}

	s.metrics = newMetrics(s.calibrator.Stats, s.vms.Len)
	s.router = s.routes()
	return nil
}

// Handler returns the HTTP handler serving the robot and management APIs.
func (s *Service) Handler() http.Handler {
	return s.router
}

// VMs returns the ids of the registered virtual machines.
func (s *Service) VMs() []string {
	return s.vms.IDs()
}

// Run listens on the configured address and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return errors.Join(err, s.Close(ctx))
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP requests on ln, provisions the configured virtual
// machines and waits for ctx to be done. The service is closed on return.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	base := context.WithoutCancel(ctx)
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- s.server.Serve(ln)
	}()
	slog.InfoContext(ctx, "listening", "addr", ln.Addr().String())

	var err error
	if err = s.startup(ctx); err == nil {
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
	}

	if err := s.Close(ctx); err != nil {
		slog.ErrorContext(ctx, "closing service", "error", err)
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// startup provisions all virtual machines of the configuration.
func (s *Service) startup(ctx context.Context) error {
	ids := slices.Sorted(maps.Keys(s.cfg.VMs))
	if len(ids) == 0 {
		return nil
	}
	m := parallel.NewMap(ctx, len(ids), func(ctx context.Context, id string) (string, error) {
		cfg := s.cfg.VMs[id]
		if cfg.Name == "" {
			cfg.Name = uuid.NewString()
		}
		if _, err := s.provision(ctx, id, cfg); err != nil {
			return "", fmt.Errorf("provisioning %s: %w", id, err)
		}
		return id, nil
	})
	started, err := parallel.Collect(m.Iter(parallel.All(ids)))
	slog.InfoContext(ctx, "virtual machines ready", "vms", started)
	return err
}

// provision clones or attaches a virtual machine and registers it as id.
// cfg.Name is the name of the clone.
func (s *Service) provision(ctx context.Context, id string, cfg model.VM) (session *vm.Session, err error) {
	if s.vms.Has(id) {
		return nil, fmt.Errorf("%w: %s", vm.ErrExists, id)
	}
	opts := vm.Options{CloseOnFailedCalibration: cfg.CloseOnFailedCalibration}
	switch {
	case cfg.Clone != "":
		defer func() { s.metrics.provisions.WithLabelValues(vm.Ephemeral.String(), outcome(err)).Inc() }()
		session, err = vm.CloneAndRun(ctx, s.api, s.vbox, cfg.Clone, cfg.Name, cfg.Snapshot, opts)
	case cfg.Connect != "":
		defer func() { s.metrics.provisions.WithLabelValues(vm.Persistent.String(), outcome(err)).Inc() }()
		session, err = vm.AttachRunning(ctx, s.api, s.vbox, cfg.Connect, opts)
	default:
		return nil, fmt.Errorf("%w: either clone or connect is required", ErrInvalidRequest)
	}
	if err != nil {
		return nil, err
	}

	if err := s.vms.Add(id, session); err != nil {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "closing unregistered session", "vm", session.Name(), "error", err)
		}
		return nil, err
	}
	slog.InfoContext(ctx, "virtual machine registered", "id", id, "vm", session.Name(), "kind", session.Kind())
	return session, nil
}

// Close stops the HTTP server, closes all virtual machines and the
// calibrator and logs off from the web service.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(context.WithoutCancel(ctx))
	})
	return s.closeErr
}

func (s *Service) close(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := s.server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping HTTP server: %w", err))
		}
		cancel()
	}
	if err := s.vms.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	s.calibrator.Close()
	if s.screenshots != nil {
		if err := s.screenshots.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("stopping keep alive: %w", err))
	}
	if err := s.api.Logoff(ctx, s.vbox); err != nil {
		errs = append(errs, fmt.Errorf("logging off: %w", err))
	}
	slog.InfoContext(ctx, "service closed")
	return errors.Join(errs...)
}
