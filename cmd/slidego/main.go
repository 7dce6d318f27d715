package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/SlideGo/internal/config"
	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/endstop"
	"github.com/cjeanneret/SlideGo/internal/hw/gpio"
	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
	"github.com/cjeanneret/SlideGo/internal/logic/geometry"
	"github.com/cjeanneret/SlideGo/internal/logic/motion"
	"github.com/cjeanneret/SlideGo/internal/logic/slider"
	"github.com/cjeanneret/SlideGo/internal/web"
)

func main() {
	// CLI flags
	port := &portFlag{}
	flag.Var(port, "port", "override server.port (1-65535)")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	maxConns := flag.Int("max_connections", 0, "override server.max_connections")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Zero values mean "use config default"
	o := overrides{Port: port.port(), MaxConnections: *maxConns}
	if err := validateCLIOverrides(o); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, o)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	a, err := newApp(cfg, gpio.NewDriver)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	if err := a.run(ctx); err != nil {
		log.Fatalf("slider: %v", err)
	}
}

// app holds the wired components.
type app struct {
	gpio        gpio.Driver
	driver      *stepper.Driver
	motor       *motion.Motor
	slider      *slider.Slider
	broadcaster *web.StatusBroadcaster
	server      *web.Server
	watcher     *endstop.Watcher
}

// newApp wires GPIO, driver, endstops, motor, slider and server. On error
// the GPIO driver is closed again.
func newApp(cfg *config.Config, openGPIO func(mock bool) (gpio.Driver, error)) (a *app, err error) {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	g, err := openGPIO(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, g.Close())
		}
	}()

	debug.Step(2, "Initializing stepper driver")
	drv, err := stepper.NewDriver(g, stepper.Config{
		StepPin:   cfg.Driver.StepPin,
		DirPin:    cfg.Driver.DirPin,
		MS1Pin:    cfg.Driver.MS1Pin,
		MS2Pin:    cfg.Driver.MS2Pin,
		MS3Pin:    cfg.Driver.MS3Pin,
		EnablePin: cfg.Driver.EnablePin,
	})
	if err != nil {
		return nil, fmt.Errorf("init stepper driver: %w", err)
	}
	debug.PrintStruct("Driver config", cfg.Driver)

	debug.Step(3, "Initializing endstops")
	switches, err := newSwitches(g, cfg.Endstops)
	if err != nil {
		return nil, err
	}
	debug.PrintStruct("Endstop config", cfg.Endstops)

	debug.Step(4, "Initializing motor")
	steps := geometry.NewStepsCalculator(cfg)
	debug.Value("Steps per mm", steps.StepsPerMm())
	planner := geometry.NewPlanner(steps, cfg.Motor.DefaultFrequencyHz)
	clk := clock.New()
	motor := motion.NewMotor(drv, motion.NewLock(), planner, clk, motion.ConfigFrom(cfg))

	debug.Step(5, "Initializing slider and server")
	b := web.NewStatusBroadcaster()
	s := slider.New(motor, b, slider.Config{HomingTimeout: cfg.HomingTimeout()})
	srv := web.NewServer(web.ConfigFrom(cfg), web.NewDispatcher(s), b)
	if cfg.Server.StreamLogs {
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(b)))
	}

	return &app{
		gpio:        g,
		driver:      drv,
		motor:       motor,
		slider:      s,
		broadcaster: b,
		server:      srv,
		watcher:     endstop.NewWatcher(clk, cfg.EndstopPoll(), motor, switches...),
	}, nil
}

// newSwitches creates a GPIO switch for each configured endstop pin.
func newSwitches(g gpio.Driver, cfg config.EndstopConfig) ([]endstop.Switch, error) {
	var switches []endstop.Switch
	for _, e := range []struct {
		name string
		pin  int
	}{{"start", cfg.StartPin}, {"end", cfg.EndPin}} {
		if e.pin <= 0 {
			continue
		}
		sw, err := endstop.NewGPIOSwitch(g, e.name, e.pin, cfg.ActiveLow)
		if err != nil {
			return nil, err
		}
		switches = append(switches, sw)
	}
	return switches, nil
}

// run binds the server, then runs it alongside the endstop watcher until
// ctx is done or one of them fails. The hardware is released on return.
func (a *app) run(ctx context.Context) (err error) {
	defer func() {
		err = multierr.Append(err, a.close())
	}()
	if err := a.server.Start(); err != nil {
		return err
	}

	debug.Summary(fmt.Sprintf("SlideGo ready on %s", a.server.Addr()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error { return a.watcher.Run(gctx) })
	return g.Wait()
}

// close stops any motion, then disables the driver and releases GPIO.
func (a *app) close() error {
	err := a.slider.Close()
	err = multierr.Append(err, a.driver.Disable())
	err = multierr.Append(err, a.gpio.Close())
	debug.Info("Shutdown complete")
	return err
}

// overrides holds CLI values applied over the config file.
type overrides struct {
	Port           int
	MaxConnections int
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(o overrides) error {
	if o.Port != 0 && (o.Port < 1 || o.Port > 65535) {
		return fmt.Errorf("port must be between 1 and 65535, got %d", o.Port)
	}
	if o.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be positive, got %d", o.MaxConnections)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if o.MaxConnections > 0 {
		cfg.Server.MaxConnections = o.MaxConnections
	}
}

// portFlag implements flag.Value for -port; 0 means not set.
type portFlag struct {
	val int
}

func (p *portFlag) String() string {
	return strconv.Itoa(p.val)
}

func (p *portFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	p.val = v
	return nil
}

func (p *portFlag) port() int { return p.val }
