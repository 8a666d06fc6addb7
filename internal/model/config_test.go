package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/vbox-robot/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
server:
  host: 127.0.0.1
  port: 8080
  username: admin
vbox:
  url: http://vbox.example.com:18083
  username: robot
  password: secret
  keepalive: 30s
calibration:
  failed_folder: /tmp/calibrations
  settle: 150ms
vms:
  alpha:
    clone: win10
    snapshot: clean
    close_on_failed_calibration: true
  beta:
    connect: ubuntu
service:
  verbose: true
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	require.True(t, cfg.Server.AuthEnabled())
	require.NotNil(t, cfg.Server.Username)
	require.Equal(t, "admin", *cfg.Server.Username)
	require.Nil(t, cfg.Server.Password)
	require.Equal(t, "http://vbox.example.com:18083", cfg.VBox.URL)
	require.Equal(t, 30*time.Second, cfg.VBox.KeepAliveInterval())
	require.False(t, cfg.VBox.KeepAliveCron())
	require.Equal(t, "/tmp/calibrations", cfg.Calibration.FailedFolder)
	require.Equal(t, 150*time.Millisecond, cfg.Calibration.SettleDelay())
	require.Len(t, cfg.VMs, 2)
	require.Equal(t, model.VM{Clone: "win10", Snapshot: "clean", CloseOnFailedCalibration: true}, cfg.VMs["alpha"])
	require.Equal(t, model.VM{Connect: "ubuntu"}, cfg.VMs["beta"])
	require.True(t, cfg.Service.Verbose)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
version: 0
vbox:
  url: http://localhost:18083
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, ":7778", cfg.Server.Addr())
	require.False(t, cfg.Server.AuthEnabled())
	require.Equal(t, model.DefaultKeepAlive, cfg.VBox.KeepAliveInterval())
	require.Equal(t, model.DefaultSettle, cfg.Calibration.SettleDelay())
	require.Empty(t, cfg.VMs)
}

func TestLoadConfig_KeepAliveCron(t *testing.T) {
	for _, expr := range []string{"@every 2m", "*/5 * * * *", "0 */2 * * * *"} {
		t.Run(expr, func(t *testing.T) {
			yml := "version: 0\nvbox:\n  url: http://localhost:18083\n  keepalive: \"" + expr + "\"\n"
			cfg, err := model.LoadConfig(strings.NewReader(yml))
			require.NoError(t, err)
			require.Equal(t, expr, cfg.VBox.KeepAlive)
			require.True(t, cfg.VBox.KeepAliveCron())
			require.Equal(t, model.DefaultKeepAlive, cfg.VBox.KeepAliveInterval())
		})
	}
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
	}{
		{
			scenario: "missing vbox url",
			yml: `
version: 0
vbox:
  username: robot
`,
		},
		{
			scenario: "bad url scheme",
			yml: `
version: 0
vbox:
  url: ftp://localhost
`,
		},
		{
			scenario: "vm with clone and connect",
			yml: `
version: 0
vbox:
  url: http://localhost:18083
vms:
  alpha:
    clone: win10
    connect: win10
`,
		},
		{
			scenario: "unknown field",
			yml: `
version: 0
vbox:
  url: http://localhost:18083
unknown: true
`,
		},
		{
			scenario: "keepalive is neither duration nor cron",
			yml: `
version: 0
vbox:
  url: http://localhost:18083
  keepalive: soon
`,
		},
		{
			scenario: "port out of range",
			yml: `
version: 0
server:
  port: 70000
vbox:
  url: http://localhost:18083
`,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			for _, d := range details {
				require.NotEmpty(t, d.Code)
				require.NotEmpty(t, d.Message)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	require.Equal(t, model.DefaultVBoxURL, cfg.VBox.URL)
	require.Equal(t, model.DefaultKeepAlive, cfg.VBox.KeepAliveInterval())
	require.Equal(t, model.DefaultSettle, cfg.Calibration.SettleDelay())
	require.Equal(t, ":7778", cfg.Server.Addr())
}
