package model

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultPort      = 7778
	DefaultVBoxURL   = "http://localhost:18083"
	DefaultKeepAlive = 90 * time.Second
	DefaultSettle    = 200 * time.Millisecond
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version     int           `json:"version" yaml:"version"` // fixed 0 for now
	Server      Server        `json:"server" yaml:"server"`
	VBox        VBox          `json:"vbox" yaml:"vbox"`
	Calibration Calibration   `json:"calibration" yaml:"calibration"`
	VMs         map[string]VM `json:"vms,omitempty" yaml:"vms,omitempty"`
	Service     Service       `json:"service" yaml:"service"`
}

// Server is the HTTP listener. Username and password protect the
// management endpoints with basic authentication when any of them is set.
type Server struct {
	Host     string  `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int     `json:"port,omitempty" yaml:"port,omitempty"`
	Username *string `json:"username,omitempty" yaml:"username,omitempty"`
	Password *string `json:"password,omitempty" yaml:"password,omitempty"`
}

// VBox is the connection to the VirtualBox web service (vboxwebsrv).
type VBox struct {
	URL       string `json:"url" yaml:"url"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	KeepAlive string `json:"keepalive,omitempty" yaml:"keepalive,omitempty"`
}

type Calibration struct {
	FailedFolder string `json:"failed_folder,omitempty" yaml:"failed_folder,omitempty"` // screenshots of failed calibrations
	Settle       string `json:"settle,omitempty" yaml:"settle,omitempty"`
}

// VM is a virtual machine made available on startup, either a linked clone
// of Clone or the already running Connect.
type VM struct {
	Clone                    string `json:"clone,omitempty" yaml:"clone,omitempty"`
	Snapshot                 string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Name                     string `json:"name,omitempty" yaml:"name,omitempty"`
	Connect                  string `json:"connect,omitempty" yaml:"connect,omitempty"`
	CloseOnFailedCalibration bool   `json:"close_on_failed_calibration,omitempty" yaml:"close_on_failed_calibration,omitempty"`
}

type Service struct {
	Verbose bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// Addr is the listen address, DefaultPort when no port is configured.
func (s Server) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// AuthEnabled reports whether basic authentication is configured.
func (s Server) AuthEnabled() bool {
	return s.Username != nil || s.Password != nil
}

// KeepAliveInterval returns the configured interval or DefaultKeepAlive.
// It is the default as well when the keep alive is a cron expression.
func (v VBox) KeepAliveInterval() time.Duration {
	return duration(v.KeepAlive, DefaultKeepAlive)
}

// KeepAliveCron reports whether the keep alive is a cron expression rather
// than an interval.
func (v VBox) KeepAliveCron() bool {
	if v.KeepAlive == "" {
		return false
	}
	_, err := time.ParseDuration(v.KeepAlive)
	return err != nil
}

// SettleDelay is how long the pointer is given to leave the overlay
// before the calibration screenshot is taken.
func (c Calibration) SettleDelay() time.Duration {
	return duration(c.Settle, DefaultSettle)
}

func duration(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Server: Server{
			Port: DefaultPort,
		},
		VBox: VBox{
			URL:       DefaultVBoxURL,
			KeepAlive: DefaultKeepAlive.String(),
		},
		Calibration: Calibration{
			Settle: DefaultSettle.String(),
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
