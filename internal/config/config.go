package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file accepted by Load.
const MaxConfigFileBytes = 64 << 10

// DriverConfig holds the pins of the stepper driver (A4988/DRV8825 style).
type DriverConfig struct {
	StepPin   int `yaml:"step_pin"`   // STEP line, must be a hardware PWM pin (BCM 12, 13, 18 or 19)
	DirPin    int `yaml:"dir_pin"`    // DIR line
	MS1Pin    int `yaml:"ms1_pin"`    // microstep select
	MS2Pin    int `yaml:"ms2_pin"`
	MS3Pin    int `yaml:"ms3_pin"`
	EnablePin int `yaml:"enable_pin"` // ENABLE pin (BCM). 0 = not used. Active LOW.
}

// EndstopConfig describes the limit switches at both ends of the rail.
type EndstopConfig struct {
	StartPin   int  `yaml:"start_pin"`   // switch at the start (left) end. 0 = not used.
	EndPin     int  `yaml:"end_pin"`     // switch at the far (right) end. 0 = not used.
	ActiveLow  bool `yaml:"active_low"`  // true when the switch pulls the line to ground
	DebounceMs int  `yaml:"debounce_ms"` // ignore triggers closer than this to the last accepted one
	PollMs     int  `yaml:"poll_ms"`     // edge register polling interval
}

// MotorConfig holds the mechanical constants and motion profiles.
type MotorConfig struct {
	StepsPerRev        int     `yaml:"steps_per_rev"`        // full steps per revolution
	PulleyDiameterMm   float64 `yaml:"pulley_diameter_mm"`   // belt pulley diameter
	DefaultFrequencyHz int     `yaml:"default_frequency_hz"` // untimed move speed (full steps)
	HomingFrequencyHz  int     `yaml:"homing_frequency_hz"`
	HomingResolution   int     `yaml:"homing_resolution"`
	ReleaseFrequencyHz int     `yaml:"release_frequency_hz"` // endstop release maneuver
	ReleaseResolution  int     `yaml:"release_resolution"`
	ReleaseSettleMs    int     `yaml:"release_settle_ms"`
	HomingTimeoutS     int     `yaml:"homing_timeout_s"` // give up homing after this long
}

// ServerConfig configures the socket server.
type ServerConfig struct {
	Port               int  `yaml:"port"`
	MaxConnections     int  `yaml:"max_connections"`
	TickMs             int  `yaml:"tick_ms"`              // sleep between two service ticks
	HandshakeTimeoutMs int  `yaml:"handshake_timeout_ms"` // upper bound for reading the upgrade request
	MaxMessageBytes    int  `yaml:"max_message_bytes"`
	StreamLogs         bool `yaml:"stream_logs"` // mirror debug output to connected clients
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Driver   DriverConfig   `yaml:"driver"`
	Endstops EndstopConfig  `yaml:"endstops"`
	Motor    MotorConfig    `yaml:"motor"`
	Server   ServerConfig   `yaml:"server"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file located in a
// directory called "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %s", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", len(data), MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Endstops.DebounceMs <= 0 {
		c.Endstops.DebounceMs = 750
	}
	if c.Endstops.PollMs <= 0 {
		c.Endstops.PollMs = 5
	}

	if c.Motor.StepsPerRev <= 0 {
		c.Motor.StepsPerRev = 200 // 1.8° motor
	}
	if c.Motor.PulleyDiameterMm <= 0 {
		c.Motor.PulleyDiameterMm = 10.2 // GT2 16T pulley
	}
	if c.Motor.DefaultFrequencyHz <= 0 {
		c.Motor.DefaultFrequencyHz = 800
	}
	if c.Motor.HomingFrequencyHz <= 0 {
		c.Motor.HomingFrequencyHz = 1000
	}
	if c.Motor.HomingResolution <= 0 {
		c.Motor.HomingResolution = 1
	}
	if c.Motor.ReleaseFrequencyHz <= 0 {
		c.Motor.ReleaseFrequencyHz = 1000
	}
	if c.Motor.ReleaseResolution <= 0 {
		c.Motor.ReleaseResolution = 4
	}
	if c.Motor.ReleaseSettleMs <= 0 {
		c.Motor.ReleaseSettleMs = 43
	}
	if c.Motor.HomingTimeoutS <= 0 {
		c.Motor.HomingTimeoutS = 120
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 80
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = 2
	}
	if c.Server.TickMs <= 0 {
		c.Server.TickMs = 10
	}
	if c.Server.HandshakeTimeoutMs <= 0 {
		c.Server.HandshakeTimeoutMs = 2000
	}
	if c.Server.MaxMessageBytes <= 0 {
		c.Server.MaxMessageBytes = 4096
	}
}

// Validate checks ranges once defaults are applied.
func (c *Config) Validate() error {
	if c.Driver.StepPin <= 0 {
		return fmt.Errorf("driver.step_pin is required")
	}
	if c.Driver.DirPin <= 0 {
		return fmt.Errorf("driver.dir_pin is required")
	}
	if c.Driver.MS1Pin <= 0 || c.Driver.MS2Pin <= 0 || c.Driver.MS3Pin <= 0 {
		return fmt.Errorf("driver.ms1_pin, ms2_pin and ms3_pin are required")
	}
	if math.IsNaN(c.Motor.PulleyDiameterMm) || math.IsInf(c.Motor.PulleyDiameterMm, 0) {
		return fmt.Errorf("motor.pulley_diameter_mm must be a finite number")
	}
	for name, hz := range map[string]int{
		"default_frequency_hz": c.Motor.DefaultFrequencyHz,
		"homing_frequency_hz":  c.Motor.HomingFrequencyHz,
		"release_frequency_hz": c.Motor.ReleaseFrequencyHz,
	} {
		if hz <= 1 || hz > 1000 {
			return fmt.Errorf("motor.%s must be between 2 and 1000, got %d", name, hz)
		}
	}
	for name, r := range map[string]int{
		"homing_resolution":  c.Motor.HomingResolution,
		"release_resolution": c.Motor.ReleaseResolution,
	} {
		if !validResolution(r) {
			return fmt.Errorf("motor.%s must be one of 1, 2, 4, 8, 16, got %d", name, r)
		}
	}
	if c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	return nil
}

func validResolution(r int) bool {
	switch r {
	case 1, 2, 4, 8, 16:
		return true
	}
	return false
}

// Addr returns the listen address of the socket server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// StepsPerMm returns the number of full steps needed to move the belt by 1 mm.
func (c *Config) StepsPerMm() float64 {
	return float64(c.Motor.StepsPerRev) / (math.Pi * c.Motor.PulleyDiameterMm)
}

// Debounce returns the endstop debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Endstops.DebounceMs) * time.Millisecond
}

// EndstopPoll returns the edge polling interval.
func (c *Config) EndstopPoll() time.Duration {
	return time.Duration(c.Endstops.PollMs) * time.Millisecond
}

// ReleaseSettle returns how long the release maneuver runs.
func (c *Config) ReleaseSettle() time.Duration {
	return time.Duration(c.Motor.ReleaseSettleMs) * time.Millisecond
}

// HomingTimeout returns the maximum duration of one homing run.
func (c *Config) HomingTimeout() time.Duration {
	return time.Duration(c.Motor.HomingTimeoutS) * time.Second
}

// Tick returns the pause between two server service ticks.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Server.TickMs) * time.Millisecond
}

// HandshakeTimeout returns the deadline for reading a client's upgrade request.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Server.HandshakeTimeoutMs) * time.Millisecond
}
