package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/vbox-robot/internal/calibration"
	"github.com/CZERTAINLY/vbox-robot/internal/log"
	"github.com/CZERTAINLY/vbox-robot/internal/model"
	"github.com/CZERTAINLY/vbox-robot/internal/pool"
	"github.com/CZERTAINLY/vbox-robot/internal/service"
	"github.com/CZERTAINLY/vbox-robot/internal/vbox"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configName = "vbox-robot.yaml"

var (
	userConfigPath string // /default/config/path/vbox-robot on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "vbox-robot")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// run flags override the config file
	addRunFlags(runCmd)

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRobot

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("vbox-robot failed", "err", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "vbox-robot",
	Short:        "Drives the mouse and keyboard of VirtualBox machines over HTTP",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command connects to VirtualBox and serves the robot API",
	RunE:  doRun,
}

var calibrateCmd = &cobra.Command{
	Use:    "_calibrate",
	Short:  "internal command",
	RunE:   doCalibrate,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a vbox-robot",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("vbox-robot: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("vbox-robot: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

// doCalibrate is a calibration worker: it reads tasks from stdin until the
// pool closes it.
func doCalibrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("vbox-robot",
		slog.String("cmd", "_calibrate"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	slog.DebugContext(ctx, "calibration worker started")
	return pool.Serve(ctx, os.Stdin, os.Stdout, calibration.Run)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := overrideConfig(cmd); err != nil {
		return err
	}

	attrs := slog.Group("vbox-robot",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	workerArgs := []string{"_calibrate"}
	if configPath != "" {
		workerArgs = append(workerArgs, "--config", configPath)
	}
	if config.Service.Verbose {
		workerArgs = append(workerArgs, "--verbose")
	}
	calibrator := pool.New[calibration.Task, calibration.Offset](context.WithoutCancel(ctx), pool.Command{
		Path: exe,
		Args: workerArgs,
	})

	robot, err := service.New(ctx, config, vbox.NewClient(config.VBox.URL), calibrator)
	if err != nil {
		calibrator.Close()
		return err
	}
	return robot.Run(ctx)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("host", "", "listening host name or IP address")
	f.Int("port", model.DefaultPort, "listening port")
	f.String("username", "", "user name protecting the management API")
	f.String("password", "", "password protecting the management API")
	f.String("vboxwebsrv", model.DefaultVBoxURL, "URL of the VirtualBox web service")
	f.String("vboxusername", "", "user name for the VirtualBox web service")
	f.String("vboxpassword", "", "password for the VirtualBox web service")
}

// overrideConfig applies the flags given on the command line and the
// VBOXROBOT_* environment variables, flags first.
func overrideConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("VBOXROBOT")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	if v.IsSet("host") {
		config.Server.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		config.Server.Port = v.GetInt("port")
	}
	if v.IsSet("username") {
		username := v.GetString("username")
		config.Server.Username = &username
	}
	if v.IsSet("password") {
		password := v.GetString("password")
		config.Server.Password = &password
	}
	if v.IsSet("vboxwebsrv") || config.VBox.URL == "" {
		config.VBox.URL = v.GetString("vboxwebsrv")
	}
	if v.IsSet("vboxusername") {
		config.VBox.Username = v.GetString("vboxusername")
	}
	if v.IsSet("vboxpassword") {
		config.VBox.Password = v.GetString("vboxpassword")
	}
	return nil
}

func initRobot(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("VBOXROBOTCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(context.Background())
		configPath = filepath.Join(userConfigPath, configName)
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d.String())
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose))

	slog.Debug("vbox-robot run", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
