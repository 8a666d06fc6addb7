package service_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/vbox-robot/internal/model"
	"github.com/CZERTAINLY/vbox-robot/internal/service"
	"github.com/CZERTAINLY/vbox-robot/internal/vm"
)

func TestServe(t *testing.T) {
	t.Parallel()
	h := newHypervisor("win10")
	s := newService(t, h, config(t, func(cfg *model.Config) {
		cfg.VMs = map[string]model.VM{
			"alpha": {Connect: "win10"},
			"beta":  {Clone: "base", Snapshot: "clean", Name: "robot-beta"},
		}
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		errc <- s.Serve(ctx, ln)
	}()

	require.Eventually(t, func() bool {
		return len(s.VMs()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"alpha", "beta"}, s.VMs())

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/vm/beta/api/mouseWheel?data=[1]")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true}`, string(body))

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	require.Empty(t, s.VMs())
	require.Equal(t, 1, h.Count("UnlockMachine"))
	require.Equal(t, 1, h.Count("Unregister"))
	require.Equal(t, 1, h.Count("Logoff"))

	_, err = client.Get("http://" + ln.Addr().String() + "/vm/alpha/api/mouseWheel?data=[1]")
	require.Error(t, err)
}

func TestServe_StartupFailure(t *testing.T) {
	t.Parallel()
	h := newHypervisor("win10")
	s := newService(t, h, config(t, func(cfg *model.Config) {
		cfg.VMs = map[string]model.VM{
			"alpha": {Connect: "win10"},
			"off":   {Connect: "win7"},
		}
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = s.Serve(t.Context(), ln)
	require.ErrorIs(t, err, vm.ErrNotRunning)
	require.ErrorContains(t, err, "provisioning off")
	require.Empty(t, s.VMs())
	require.Equal(t, 1, h.Count("Logoff"))
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("keep alive", func(t *testing.T) {
		t.Parallel()
		h := newHypervisor()
		newService(t, h, config(t, func(cfg *model.Config) {
			cfg.VBox.KeepAlive = "20ms"
		}))
		require.Eventually(t, func() bool {
			// one Version call is made by New
			return h.Count("Version") >= 4
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("cron keep alive", func(t *testing.T) {
		t.Parallel()
		h := newHypervisor()
		newService(t, h, config(t, func(cfg *model.Config) {
			cfg.VBox.KeepAlive = "@every 1h"
		}))
		require.Equal(t, 1, h.Count("Version"))
	})

	t.Run("invalid keep alive", func(t *testing.T) {
		t.Parallel()
		h := newHypervisor()
		p := calibrator(t)
		defer p.Close()
		_, err := service.New(t.Context(), config(t, func(cfg *model.Config) {
			cfg.VBox.KeepAlive = "61 * * * *"
		}), h, p)
		require.ErrorContains(t, err, "parsing vbox.keepalive")
		require.Equal(t, 1, h.Count("Logoff"))
	})
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	h := newHypervisor("win10")
	h.SetScreenshot(screen(t, true))
	_, srv := start(t, h, config(t))
	provision(t, srv, service.ProvisionRequest{Name: "alpha", Connect: "win10"})
	a := robot(t, srv, "/vm/alpha/api/calibrate?data=[30,15]")
	require.True(t, a.Success, string(a.Result))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	for _, line := range []string{
		`vbox_robot_calibrations_total{mode="rectangle",outcome="success"} 1`,
		`vbox_robot_provisions_total{kind="persistent",outcome="success"} 1`,
		`vbox_robot_vms 1`,
		`vbox_robot_workers_live 1`,
		`vbox_robot_workers_idle 1`,
		`vbox_robot_workers_spawned_total 1`,
	} {
		require.Contains(t, string(body), line)
	}
}
