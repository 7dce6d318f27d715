package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
)

// ErrCommand is the parent of every command decoding error.
var ErrCommand = errors.New("command error")

// Error codes sent back to clients.
const (
	CodeMissingPayload    = "missing_payload"
	CodeMissingAction     = "missing_action"
	CodeActionNotFound    = "action_not_found"
	CodeMotorLocked       = "motor_locked"
	CodeInvalidDirection  = "invalid_direction"
	CodeInvalidResolution = "invalid_resolution"
	CodeInvalidDistance   = "invalid_distance"
	CodeSpeedOutOfRange   = "speed_out_of_range"
	CodeMissingValue      = "missing_value"
	CodeWrongCommand      = "wrong_command"
	CodeInternalError     = "internal_error"
)

// CommandError carries the code reported to the client.
type CommandError struct {
	Code string
}

func (e *CommandError) Error() string { return "command: " + e.Code }

func (e *CommandError) Unwrap() error { return ErrCommand }

func commandError(code string) error {
	return &CommandError{Code: code}
}

// Command is one decoded client request.
type Command interface {
	Action() string
}

// MoveCommand moves the dolly. Without Distance it homes towards the
// edge in Direction.
type MoveCommand struct {
	Direction stepper.Direction
	Distance  *float64 // mm
	Time      *float64 // s
}

type StopCommand struct{}

// DriverCommand programs resolution and direction on the driver.
type DriverCommand struct {
	Resolution int
	Direction  stepper.Direction
}

type ResolutionCommand struct {
	Resolution int
}

// SpeedCommand sets the full-step frequency of untimed moves.
type SpeedCommand struct {
	FrequencyHz int
}

type StatusCommand struct{}

type CalibrateCommand struct{}

func (MoveCommand) Action() string       { return "move" }
func (StopCommand) Action() string       { return "stop" }
func (DriverCommand) Action() string     { return "driver" }
func (ResolutionCommand) Action() string { return "resolution" }
func (SpeedCommand) Action() string      { return "speed" }
func (StatusCommand) Action() string     { return "status" }
func (CalibrateCommand) Action() string  { return "calibrate" }

type rawCommand struct {
	Action    *string         `json:"action"`
	Direction json.RawMessage `json:"direction"`
	Distance  *float64        `json:"distance"`
	Time      *float64        `json:"time"`
	Value     *int            `json:"value"`
}

// DecodeCommand parses a client message. Errors are *CommandError.
func DecodeCommand(payload []byte) (Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, commandError(CodeMissingPayload)
	}
	var raw rawCommand
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, commandError(CodeWrongCommand)
	}
	if raw.Action == nil || *raw.Action == "" {
		return nil, commandError(CodeMissingAction)
	}

	switch *raw.Action {
	case "move":
		dir, err := parseDirection(raw.Direction)
		if err != nil {
			return nil, err
		}
		if raw.Distance == nil && raw.Time != nil {
			return nil, commandError(CodeInvalidDistance)
		}
		if raw.Distance != nil && *raw.Distance <= 0 {
			return nil, commandError(CodeInvalidDistance)
		}
		return MoveCommand{Direction: dir, Distance: raw.Distance, Time: raw.Time}, nil
	case "stop":
		return StopCommand{}, nil
	case "driver":
		if raw.Value == nil {
			return nil, commandError(CodeMissingValue)
		}
		dir, err := parseDirection(raw.Direction)
		if err != nil {
			return nil, err
		}
		return DriverCommand{Resolution: *raw.Value, Direction: dir}, nil
	case "resolution":
		if raw.Value == nil {
			return nil, commandError(CodeMissingValue)
		}
		return ResolutionCommand{Resolution: *raw.Value}, nil
	case "speed":
		if raw.Value == nil {
			return nil, commandError(CodeMissingValue)
		}
		return SpeedCommand{FrequencyHz: *raw.Value}, nil
	case "status":
		return StatusCommand{}, nil
	case "calibrate":
		return CalibrateCommand{}, nil
	}
	return nil, commandError(CodeActionNotFound)
}

// parseDirection accepts "left"/"right" or the driver levels 0/1.
func parseDirection(raw json.RawMessage) (stepper.Direction, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, commandError(CodeInvalidDirection)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		switch strings.ToLower(name) {
		case "left", "0":
			return stepper.Left, nil
		case "right", "1":
			return stepper.Right, nil
		}
		return 0, commandError(CodeInvalidDirection)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, commandError(CodeInvalidDirection)
	}
	switch stepper.Direction(n) {
	case stepper.Left:
		return stepper.Left, nil
	case stepper.Right:
		return stepper.Right, nil
	}
	return 0, commandError(CodeInvalidDirection)
}
