package command

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/cjeanneret/trichopi/internal/debug"
	"github.com/cjeanneret/trichopi/internal/logic/geometry"
	"github.com/cjeanneret/trichopi/internal/logic/motion"
)

// Response tokens.
const (
	RespPong           = "PONG"
	RespCalibrationOK  = "CALIBRACAO_OK"
	RespOK             = "OK"
	RespStopped        = "STOPPED"
	RespDenied         = "DENIED"
	RespNoFiles        = "NO_FILES"
	prefixAngle        = "ANGLE:"
	prefixFiles        = "FILES:"
	ErrNotInitialized  = "ERR:SERVO_NOT_INITIALIZED"
	ErrFailedToMove    = "ERR:FAILED_TO_MOVE_SERVO"
	ErrInvalidFormat   = "ERR:INVALID_FORMAT"
	ErrInvalidAngle    = "ERR:INVALID_ANGLE"
	ErrUnknownCommand  = "ERR:UNKNOWN_COMMAND"
	ErrCalibration     = "ERR:CALIBRATION_FAILED"
	ErrInternal        = "ERR:INTERNAL_ERROR"
	bluetoothConnected = "connected"
)

// Motion is the subset of *motion.Controller the dispatcher uses.
type Motion interface {
	Initialized() bool
	Angle() float64
	SetAngle(angle float64) error
	StopSweep()
	IsSweeping() bool
}

// Calibrator starts an asynchronous calibration.
type Calibrator interface {
	Start() error
}

// FileLister lists the saved flight files.
type FileLister interface {
	List() ([]string, error)
}

// StatusReport is the STATUS payload.
type StatusReport struct {
	GPS              bool   `json:"gps"`
	Bluetooth        string `json:"bluetooth"`
	ServoPin         int    `json:"servo_pin"`
	ServoAngle       int    `json:"servo_angle"`
	ServoInitialized bool   `json:"servo_initialized"`
	Sweeping         bool   `json:"sweeping"`
}

// Dispatcher maps each Command to exactly one response line (without the
// trailing newline). It holds no state besides its collaborators.
type Dispatcher struct {
	motion   Motion
	calib    Calibrator
	files    FileLister
	servoPin int
	log      *debug.Logger
}

// NewDispatcher creates a Dispatcher. files may be nil, in which case LIST
// always answers NO_FILES.
func NewDispatcher(m Motion, cal Calibrator, files FileLister, servoPin int, log *debug.Logger) *Dispatcher {
	if log == nil {
		log = debug.Nop()
	}
	return &Dispatcher{motion: m, calib: cal, files: files, servoPin: servoPin, log: log}
}

// Dispatch parses line and handles the resulting command.
func (d *Dispatcher) Dispatch(line string) string {
	return d.Handle(Parse(line))
}

// Handle executes cmd and returns its response.
func (d *Dispatcher) Handle(cmd Command) string {
	switch cmd.Kind {
	case Ping:
		return RespPong
	case Status:
		return d.status()
	case Calibrate:
		return d.calibrate()
	case SetAngle:
		return d.setAngle(cmd)
	case GetAngle:
		return prefixAngle + strconv.Itoa(geometry.Truncate(d.motion.Angle()))
	case Stop:
		d.motion.StopSweep()
		return RespStopped
	case Shutdown:
		d.log.Warn("Remote shutdown attempt denied")
		return RespDenied
	case List:
		return d.list()
	default:
		d.log.Warn("Unknown command: %s", cmd.Raw)
		return ErrUnknownCommand
	}
}

// Status returns the current status report.
func (d *Dispatcher) Status() StatusReport {
	return StatusReport{
		GPS:              false,
		Bluetooth:        bluetoothConnected,
		ServoPin:         d.servoPin,
		ServoAngle:       geometry.Truncate(d.motion.Angle()),
		ServoInitialized: d.motion.Initialized(),
		Sweeping:         d.motion.IsSweeping(),
	}
}

func (d *Dispatcher) status() string {
	b, err := json.Marshal(d.Status())
	if err != nil {
		d.log.Error("Encoding status: %v", err)
		return ErrInternal
	}
	return string(b)
}

func (d *Dispatcher) calibrate() string {
	if !d.motion.Initialized() {
		return ErrNotInitialized
	}
	if err := d.calib.Start(); err != nil {
		if errors.Is(err, motion.ErrNotInitialized) {
			return ErrNotInitialized
		}
		d.log.Error("Calibration failed to start: %v", err)
		return ErrCalibration
	}
	return RespCalibrationOK
}

func (d *Dispatcher) setAngle(cmd Command) string {
	if !d.motion.Initialized() {
		return ErrNotInitialized
	}
	switch {
	case errors.Is(cmd.Err, geometry.ErrInvalidAngle):
		return ErrInvalidAngle
	case cmd.Err != nil:
		return ErrInvalidFormat
	}
	if err := d.motion.SetAngle(cmd.Angle); err != nil {
		if errors.Is(err, motion.ErrNotInitialized) {
			return ErrNotInitialized
		}
		d.log.Error("SET_ANGLE %.1f failed: %v", cmd.Angle, err)
		return ErrFailedToMove
	}
	return RespOK
}

func (d *Dispatcher) list() string {
	if d.files == nil {
		return RespNoFiles
	}
	files, err := d.files.List()
	if err != nil {
		d.log.Warn("Listing flight files: %v", err)
		return RespNoFiles
	}
	if len(files) == 0 {
		return RespNoFiles
	}
	return prefixFiles + strings.Join(files, ",")
}
