package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/trichopi/internal/config"
	"github.com/cjeanneret/trichopi/internal/debug"
	"github.com/cjeanneret/trichopi/internal/flightdata"
	"github.com/cjeanneret/trichopi/internal/hw/gpio"
	"github.com/cjeanneret/trichopi/internal/hw/servo"
	"github.com/cjeanneret/trichopi/internal/lineproto"
	"github.com/cjeanneret/trichopi/internal/logic/calibration"
	"github.com/cjeanneret/trichopi/internal/logic/command"
	"github.com/cjeanneret/trichopi/internal/logic/motion"
	"github.com/cjeanneret/trichopi/internal/sysinfo"
	"github.com/cjeanneret/trichopi/internal/web"
)

// Version is reported by the HTTP index.
const Version = "1.0.0"

const serviceName = "Trichogramma Pi HTTP Server"

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "enable the HTTP binding on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", "", "path to config file (searched in the default locations when empty)")
	mock := flag.Bool("mock", false, "use the mock GPIO driver regardless of config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, path, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, webPort.port(), *mock)

	if err := run(ctx, cfg, path); err != nil {
		log.Fatalf("trichopi: %v", err)
	}
}

// run brings the service up, blocks until ctx is cancelled or a transport
// fails, then releases the hardware.
func run(ctx context.Context, cfg *config.Config, cfgPath string) (err error) {
	broadcaster := web.NewStatusBroadcaster()
	var extra []io.Writer
	if cfg.HTTP.Enabled {
		extra = append(extra, web.BroadcastWriter(broadcaster))
	}
	logger, logPath := debug.New(debug.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.LogFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Extra:      extra,
	})
	defer func() { err = multierr.Append(err, logger.Close()) }()

	logger.Section("Initialization")
	if cfgPath == "" {
		logger.Warn("No configuration file found, using defaults")
		cfgPath = "(defaults)"
	}
	logger.Value("Config path", cfgPath)
	logger.Value("Log file", logPath)
	logger.Value("Log level", cfg.Logging.Level)
	logger.Value("Mock GPIO", cfg.Servo.MockGPIO)
	logger.Value("Transport", cfg.Transport.Kind)
	logger.Value("Bluetooth service", cfg.Bluetooth.ServiceName)
	logger.Value("Bluetooth UUID", cfg.Bluetooth.UUID)

	probe := sysinfo.Default()
	device, ok := probe.DeviceModel()
	if ok {
		logger.Value("Device model", device)
	} else {
		device = "unknown"
	}
	if mac, ok := probe.BluetoothMAC(); ok {
		logger.Value("Bluetooth MAC", mac)
	}

	driver, derr := openPositionDriver(cfg, logger)
	if derr != nil {
		logger.Error("Servo unavailable, running in safe mode: %v", derr)
	}
	ctrl := motion.NewController(driver, motion.Options{
		SettleDelay:  cfg.SettleDelay(),
		InitialAngle: cfg.Servo.InitialAngle,
	}, logger.Named("motion"))

	routine := calibration.NewRoutine(ctrl, calibrationParams(cfg), logger.Named("calibration"))
	store := flightdata.NewStore(cfg.FlightDataDir)
	dispatcher := command.NewDispatcher(ctrl, routine, store, cfg.Servo.PWMPin, logger.Named("command"))

	defer func() {
		ctrl.StopSweep()
		routine.Wait()
		if serr := ctrl.Shutdown(); serr != nil {
			logger.Error("Shutdown: %v", serr)
			err = multierr.Append(err, serr)
		}
		logger.Info("Service stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)

	ln, err := newListener(gctx, cfg.Transport)
	if err != nil {
		return fmt.Errorf("open %s transport: %w", cfg.Transport.Kind, err)
	}
	if ln != nil {
		engine := lineproto.NewEngine(dispatcher, cfg.RetryInterval(), logger.Named("lineproto"))
		g.Go(func() error { return engine.Run(gctx, ln) })
	}

	if cfg.HTTP.Enabled {
		handlers := web.NewHandlers(ctrl, routine, broadcaster, web.ServiceInfo{
			Service:  serviceName,
			Version:  Version,
			Device:   device,
			ServoPin: cfg.Servo.PWMPin,
		}, logger.Named("web"))
		srv := web.NewServer(cfg.HTTP.Addr, handlers, logger.Named("web"))
		g.Go(func() error { return srv.Run(gctx) })
	}

	if ln == nil && !cfg.HTTP.Enabled {
		logger.Warn("No transport enabled, waiting for a signal")
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	logger.Section("Service ready")
	return g.Wait()
}

// loadConfig resolves the configuration file and loads it. When no file is
// found the defaults are returned with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.Find(config.SearchPaths(explicit))
	if errors.Is(err, config.ErrNotFound) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

// applyOverrides mutates cfg with the CLI flags. A zero port and a false mock
// leave the config untouched.
func applyOverrides(cfg *config.Config, webPort int, mock bool) {
	if webPort > 0 {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = fmt.Sprintf(":%d", webPort)
	}
	if mock {
		cfg.Servo.MockGPIO = true
	}
}

func servoConfig(cfg *config.Config) servo.Config {
	return servo.Config{
		Pin:         cfg.Servo.PWMPin,
		FrequencyHz: cfg.Servo.FrequencyHz,
		MinDuty:     cfg.Servo.MinDuty,
		MaxDuty:     cfg.Servo.MaxDuty,
		MinPulseUs:  cfg.Servo.MinPulseUs,
		MaxPulseUs:  cfg.Servo.MaxPulseUs,
	}
}

func calibrationParams(cfg *config.Config) calibration.Params {
	return calibration.Params{
		From:  cfg.Calibration.SweepAngleFrom,
		To:    cfg.Calibration.SweepAngleTo,
		Step:  cfg.Calibration.StepDeg,
		Delay: cfg.SweepDelay(),
	}
}

// openPositionDriver acquires the GPIO driver and sets up the servo PWM
// channel. On failure the returned interface is nil so the controller starts
// in safe mode.
func openPositionDriver(cfg *config.Config, logger *debug.Logger) (motion.PositionDriver, error) {
	g, err := gpio.NewDriver(cfg.Servo.MockGPIO, logger.Named("gpio"))
	if err != nil {
		return nil, fmt.Errorf("init GPIO: %w", err)
	}
	s, err := servo.New(g, servoConfig(cfg), logger.Named("servo"))
	if err != nil {
		return nil, multierr.Append(err, g.Close())
	}
	return s, nil
}

// newListener opens the line protocol transport. TransportNone yields a nil
// listener.
func newListener(ctx context.Context, t config.TransportConfig) (lineproto.Listener, error) {
	switch t.Kind {
	case config.TransportSerial:
		return lineproto.NewSerialListener(t.SerialDevice, lineproto.SerialOptions{BaudRate: t.BaudRate}, nil), nil
	case config.TransportTCP:
		ln, err := lineproto.ListenTCP(ctx, t.TCPAddr)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case config.TransportNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported transport kind: %s", t.Kind)
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
