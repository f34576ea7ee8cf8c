package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/trichopi/internal/logic/geometry"
)

// MaxConfigFileBytes bounds how much of a config file Load will read.
const MaxConfigFileBytes = 1 << 20

// Transport kinds for the line protocol.
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
	TransportNone   = "none"
)

// DefaultSPPUUID is the Bluetooth Serial Port Profile service class.
const DefaultSPPUUID = "00001101-0000-1000-8000-00805F9B34FB"

// ServoConfig describes the PWM output driving the servo.
type ServoConfig struct {
	PWMPin       int     `yaml:"pwm_pin"`       // BCM numbering
	FrequencyHz  int     `yaml:"frequency"`     // PWM frequency, 50 Hz for hobby servos
	MinDuty      float64 `yaml:"min_duty"`      // duty cycle (%) at 0°
	MaxDuty      float64 `yaml:"max_duty"`      // duty cycle (%) at 180°
	MinPulseUs   int     `yaml:"min_pulse_us"`  // optional: pulse width at 0°, overrides min_duty
	MaxPulseUs   int     `yaml:"max_pulse_us"`  // optional: pulse width at 180°, overrides max_duty
	InitialAngle float64 `yaml:"initial_angle"` // position applied at start-up
	SettleMs     int     `yaml:"settle_ms"`     // wait after each move
	MockGPIO     bool    `yaml:"mock_gpio"`     // true=dev/test, false=real Raspberry Pi
}

// CalibrationConfig holds the sweep run by CALIBRAR.
type CalibrationConfig struct {
	SweepAngleFrom float64 `yaml:"sweep_angle_from"`
	SweepAngleTo   float64 `yaml:"sweep_angle_to"`
	SweepDelayS    float64 `yaml:"sweep_delay_s"`
	StepDeg        float64 `yaml:"step_deg"`
}

// LoggingConfig selects log destination and verbosity.
type LoggingConfig struct {
	LogFile    string `yaml:"logfile"`
	Level      string `yaml:"level"` // DEBUG, INFO, WARNING, ERROR, CRITICAL
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// BluetoothConfig identifies the advertised RFCOMM service.
type BluetoothConfig struct {
	ServiceName string `yaml:"service_name"`
	UUID        string `yaml:"uuid"`
}

// TransportConfig selects how the line protocol is reached.
type TransportConfig struct {
	Kind         string `yaml:"kind"`          // serial, tcp or none
	SerialDevice string `yaml:"serial_device"` // e.g. /dev/rfcomm0 bound by the bluetooth stack
	BaudRate     int    `yaml:"baud_rate"`
	TCPAddr      string `yaml:"tcp_addr"`
	RetryMs      int    `yaml:"retry_ms"` // pause between failed accepts
}

// HTTPConfig controls the alternate HTTP binding.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config aggregates all application configuration.
type Config struct {
	Servo         ServoConfig       `yaml:"servo"`
	Calibration   CalibrationConfig `yaml:"calibration"`
	Logging       LoggingConfig     `yaml:"logging"`
	Bluetooth     BluetoothConfig   `yaml:"bluetooth"`
	Transport     TransportConfig   `yaml:"transport"`
	HTTP          HTTPConfig        `yaml:"http"`
	FlightDataDir string            `yaml:"flight_data_dir"`
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
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

// Default returns the configuration used when every field is left unset.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Servo.PWMPin == 0 {
		c.Servo.PWMPin = 18
	}
	if c.Servo.FrequencyHz == 0 {
		c.Servo.FrequencyHz = 50
	}
	if c.Servo.MinDuty == 0 && c.Servo.MaxDuty == 0 {
		c.Servo.MinDuty = 2.5
		c.Servo.MaxDuty = 12.5
	}
	if c.Servo.InitialAngle == 0 {
		c.Servo.InitialAngle = 90
	}
	if c.Servo.SettleMs <= 0 {
		c.Servo.SettleMs = 100
	}

	// A zero range means the block was left out entirely.
	if c.Calibration.SweepAngleFrom == 0 && c.Calibration.SweepAngleTo == 0 {
		c.Calibration.SweepAngleTo = 180
	}
	if c.Calibration.SweepDelayS == 0 {
		c.Calibration.SweepDelayS = 0.5
	}
	if c.Calibration.StepDeg == 0 {
		c.Calibration.StepDeg = 10
	}

	if c.Logging.LogFile == "" {
		c.Logging.LogFile = "/var/log/trichogramma-service.log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}

	if c.Bluetooth.ServiceName == "" {
		c.Bluetooth.ServiceName = "TrichoPi"
	}
	if c.Bluetooth.UUID == "" {
		c.Bluetooth.UUID = DefaultSPPUUID
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportSerial
	}
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.SerialDevice == "" {
		c.Transport.SerialDevice = "/dev/rfcomm0"
	}
	if c.Transport.BaudRate <= 0 {
		c.Transport.BaudRate = 115200
	}
	if c.Transport.TCPAddr == "" {
		c.Transport.TCPAddr = ":5000"
	}
	if c.Transport.RetryMs <= 0 {
		c.Transport.RetryMs = 1000
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.FlightDataDir == "" {
		c.FlightDataDir = "/home/pi/flight_data"
	}
}

// Validate checks ranges that defaults cannot repair.
func (c *Config) Validate() error {
	s := c.Servo
	if s.PWMPin < 0 {
		return fmt.Errorf("servo.pwm_pin must be >= 0, got %d", s.PWMPin)
	}
	if s.FrequencyHz <= 0 || s.FrequencyHz > 450 {
		return fmt.Errorf("servo.frequency must be between 1 and 450 Hz, got %d", s.FrequencyHz)
	}
	if s.MinDuty < 0 || s.MaxDuty > 100 || s.MinDuty >= s.MaxDuty {
		return fmt.Errorf("servo duty bounds must satisfy 0 <= min_duty < max_duty <= 100, got %.2f..%.2f", s.MinDuty, s.MaxDuty)
	}
	if s.MinPulseUs != 0 || s.MaxPulseUs != 0 {
		if s.MinPulseUs < 500 || s.MaxPulseUs > 2500 || s.MinPulseUs >= s.MaxPulseUs {
			return fmt.Errorf("servo pulse bounds must satisfy 500 <= min_pulse_us < max_pulse_us <= 2500, got %d..%d", s.MinPulseUs, s.MaxPulseUs)
		}
	}
	if s.InitialAngle < 0 || s.InitialAngle > 180 {
		return fmt.Errorf("servo.initial_angle must be between 0 and 180, got %.2f", s.InitialAngle)
	}

	cal := c.Calibration
	if cal.SweepAngleFrom < 0 || cal.SweepAngleFrom > 180 {
		return fmt.Errorf("calibration.sweep_angle_from must be between 0 and 180, got %.2f", cal.SweepAngleFrom)
	}
	if cal.SweepAngleTo < 0 || cal.SweepAngleTo > 180 {
		return fmt.Errorf("calibration.sweep_angle_to must be between 0 and 180, got %.2f", cal.SweepAngleTo)
	}
	if err := geometry.ValidateStep(cal.StepDeg); err != nil {
		return fmt.Errorf("calibration.step_deg: %w", err)
	}
	if cal.SweepDelayS < 0 {
		return fmt.Errorf("calibration.sweep_delay_s must be >= 0, got %.2f", cal.SweepDelayS)
	}

	id, err := uuid.Parse(c.Bluetooth.UUID)
	if err != nil {
		return fmt.Errorf("bluetooth.uuid: %w", err)
	}
	c.Bluetooth.UUID = strings.ToUpper(id.String())

	switch c.Transport.Kind {
	case TransportSerial, TransportTCP, TransportNone:
	default:
		return fmt.Errorf("transport.kind must be serial, tcp or none, got %q", c.Transport.Kind)
	}
	return nil
}

// SettleDelay returns the pause applied after each successful move.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Servo.SettleMs) * time.Millisecond
}

// SweepDelay returns the pause between two calibration steps.
func (c *Config) SweepDelay() time.Duration {
	return time.Duration(c.Calibration.SweepDelayS * float64(time.Second))
}

// RetryInterval returns the pause between failed transport accepts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Transport.RetryMs) * time.Millisecond
}

// ErrNotFound is returned by Find when no candidate file exists.
var ErrNotFound = errors.New("configuration file not found")

// SearchPaths lists the locations Find tries, in order. The explicit path
// comes first when non-empty.
func SearchPaths(explicit string) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "..", "config.yaml"))
	}
	paths = append(paths, "/etc/trichogramma/config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "trichogramma-pi", "config.yaml"))
	}
	return paths
}

// Find returns the first existing path among candidates.
func Find(candidates []string) (string, error) {
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (tried %s)", ErrNotFound, strings.Join(candidates, ", "))
}
