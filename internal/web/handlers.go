package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cjeanneret/trichopi/internal/debug"
	"github.com/cjeanneret/trichopi/internal/logic/geometry"
)

// Motion is the part of the motion controller exposed over HTTP.
type Motion interface {
	Initialized() bool
	Angle() float64
	SetAngle(angle float64) error
	StopSweep()
	IsSweeping() bool
}

// Calibrator runs a calibration and blocks until it is complete.
type Calibrator interface {
	Run(ctx context.Context) error
}

// ServiceInfo is reported by the index endpoint.
type ServiceInfo struct {
	Service  string
	Version  string
	Device   string
	ServoPin int
}

const maxBodyBytes = 1 << 16

var endpoints = map[string]string{
	"GET /ping":          "Connectivity check",
	"GET /status":        "System status",
	"GET /status/stream": "Live log and status events (SSE)",
	"GET /angle":         "Current servo angle",
	"POST /angle":        `Set servo angle (body: {"angle": NN})`,
	"POST /calibrate":    "Run calibration and wait for completion",
	"POST /stop":         "Stop any movement",
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Motion      Motion
	Calibrator  Calibrator
	Broadcaster *StatusBroadcaster
	Info        ServiceInfo
	log         *debug.Logger
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(m Motion, cal Calibrator, broadcaster *StatusBroadcaster, info ServiceInfo, log *debug.Logger) *Handlers {
	if log == nil {
		log = debug.Nop()
	}
	if broadcaster == nil {
		broadcaster = NewStatusBroadcaster()
	}
	return &Handlers{
		Motion:      m,
		Calibrator:  cal,
		Broadcaster: broadcaster,
		Info:        info,
		log:         log,
	}
}

type statusResponse struct {
	Status           string `json:"status"`
	ServoInitialized bool   `json:"servo_initialized"`
	ServoAngle       int    `json:"servo_angle"`
	ServoPin         int    `json:"servo_pin"`
	Sweeping         bool   `json:"sweeping"`
}

type angleResponse struct {
	Status string `json:"status"`
	Angle  int    `json:"angle"`
}

type messageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, messageResponse{Status: "ok", Message: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Status: "error", Message: msg})
}

func (h *Handlers) status() statusResponse {
	return statusResponse{
		Status:           "ok",
		ServoInitialized: h.Motion.Initialized(),
		ServoAngle:       geometry.Truncate(h.Motion.Angle()),
		ServoPin:         h.Info.ServoPin,
		Sweeping:         h.Motion.IsSweeping(),
	}
}

// ServeIndex describes the service (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   h.Info.Service,
		"version":   h.Info.Version,
		"device":    h.Info.Device,
		"endpoints": endpoints,
	})
}

// HandleNotFound answers every unknown path.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "endpoint not found")
}

// HandlePing handles GET /ping.
func (h *Handlers) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeOK(w, "PONG")
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// HandleGetAngle handles GET /angle.
func (h *Handlers) HandleGetAngle(w http.ResponseWriter, r *http.Request) {
	if !h.Motion.Initialized() {
		writeError(w, http.StatusInternalServerError, "servo not initialized")
		return
	}
	writeJSON(w, http.StatusOK, angleResponse{Status: "ok", Angle: geometry.Truncate(h.Motion.Angle())})
}

var (
	errAngleMissing = errors.New(`parameter "angle" is required`)
	errAngleInvalid = errors.New("invalid angle")
)

// parseAngleValue accepts a JSON number, truncated toward zero, or a string
// holding an integer.
func parseAngleValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errAngleMissing
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return math.Trunc(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return float64(n), nil
		}
	}
	return 0, errAngleInvalid
}

// HandleSetAngle handles POST /angle.
func (h *Handlers) HandleSetAngle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	var req struct {
		Angle json.RawMessage `json:"angle"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	if !h.Motion.Initialized() {
		writeError(w, http.StatusInternalServerError, "servo not initialized")
		return
	}

	angle, err := parseAngleValue(req.Angle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !geometry.InRange(angle) {
		writeError(w, http.StatusBadRequest, "angle must be between 0 and 180")
		return
	}

	if err := h.Motion.SetAngle(angle); err != nil {
		h.log.Error("POST /angle %.0f failed: %v", angle, err)
		writeError(w, http.StatusInternalServerError, "failed to move servo")
		return
	}
	writeJSON(w, http.StatusOK, angleResponse{Status: "ok", Angle: geometry.Truncate(angle)})
}

// HandleCalibrate handles POST /calibrate. It blocks until the calibration
// sweep is complete and the servo is back at the midpoint.
func (h *Handlers) HandleCalibrate(w http.ResponseWriter, r *http.Request) {
	if !h.Motion.Initialized() {
		writeError(w, http.StatusInternalServerError, "servo not initialized")
		return
	}
	h.Broadcaster.BroadcastMsg("Calibration started")
	if err := h.Calibrator.Run(r.Context()); err != nil {
		h.log.Error("Calibration failed: %v", err)
		h.Broadcaster.Broadcast("error", "Calibration failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "calibration failed: "+err.Error())
		return
	}
	h.Broadcaster.BroadcastMsg("Calibration complete")
	writeOK(w, "calibration complete")
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.Motion.Initialized() {
		writeError(w, http.StatusInternalServerError, "servo not initialized")
		return
	}
	h.Motion.StopSweep()
	writeOK(w, "movement stopped")
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment and a status snapshot to establish connection
	w.Write([]byte(": connected\n\n"))
	if snap, err := json.Marshal(h.status()); err == nil {
		w.Write([]byte("data: " + encodeEvent("status", string(snap)) + "\n\n"))
	}
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
