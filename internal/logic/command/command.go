// Package command parses line protocol commands and routes them to the
// motion controller.
package command

import (
	"regexp"
	"strings"

	"github.com/cjeanneret/trichopi/internal/logic/geometry"
)

// Kind identifies a protocol command.
type Kind int

const (
	Unknown Kind = iota
	Ping
	Status
	Calibrate
	SetAngle
	GetAngle
	Stop
	Shutdown
	List
)

var kindNames = [...]string{
	Unknown:   "UNKNOWN",
	Ping:      "PING",
	Status:    "STATUS",
	Calibrate: "CALIBRAR",
	SetAngle:  "SET_ANGLE",
	GetAngle:  "GET_ANGLE",
	Stop:      "STOP",
	Shutdown:  "SHUTDOWN",
	List:      "LIST",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[Unknown]
	}
	return kindNames[k]
}

// keywords maps the exact-match keywords to their kind. SET_ANGLE carries an
// argument and is matched by prefix instead.
var keywords = map[string]Kind{
	"PING":      Ping,
	"STATUS":    Status,
	"CALIBRAR":  Calibrate,
	"GET_ANGLE": GetAngle,
	"STOP":      Stop,
	"SHUTDOWN":  Shutdown,
	"LIST":      List,
}

var setAngleRe = regexp.MustCompile(`^SET_ANGLE\s*:\s*([0-9]+\.?[0-9]*)$`)

// Command is one parsed protocol line. Angle is set for a well-formed
// SET_ANGLE; Err holds the reason a SET_ANGLE argument was rejected
// (geometry.ErrInvalidFormat or geometry.ErrInvalidAngle).
type Command struct {
	Kind  Kind
	Raw   string // normalized line: trimmed and upper-cased
	Angle float64
	Err   error
}

// Normalize trims surrounding whitespace and upper-cases line.
func Normalize(line string) string {
	return strings.ToUpper(strings.TrimSpace(line))
}

// Parse turns a raw line into a Command. It never fails: anything it does not
// recognise becomes an Unknown command.
func Parse(line string) Command {
	raw := Normalize(line)
	if k, ok := keywords[raw]; ok {
		return Command{Kind: k, Raw: raw}
	}
	if strings.HasPrefix(raw, "SET_ANGLE") {
		return parseSetAngle(raw)
	}
	return Command{Kind: Unknown, Raw: raw}
}

func parseSetAngle(raw string) Command {
	cmd := Command{Kind: SetAngle, Raw: raw}
	m := setAngleRe.FindStringSubmatch(raw)
	if m == nil {
		cmd.Err = geometry.ErrInvalidFormat
		return cmd
	}
	angle, err := geometry.Parse(m[1])
	if err != nil {
		cmd.Err = err
		return cmd
	}
	cmd.Angle = angle
	return cmd
}
