package web

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
	"github.com/cjeanneret/SlideGo/internal/logic/motion"
	"github.com/cjeanneret/SlideGo/internal/logic/slider"
)

// Slider is the set of operations commands are dispatched to.
type Slider interface {
	GotoStart(ctx context.Context) error
	GotoEnd(ctx context.Context) error
	MoveDolly(ctx context.Context, distanceMm float64, dir stepper.Direction, timeS *float64) error
	Stop() error
	Calibrate(ctx context.Context) error
	SetDriver(resolution int, dir stepper.Direction) error
	SetResolution(resolution int) error
	SetSpeed(hz int) error
	Status() slider.Status
}

// Response is the reply to one command. The status payload, when set, is
// flattened next to the "status" field.
type Response struct {
	Result  string `json:"status"`
	Message string `json:"message,omitempty"`
	*slider.Status
}

func okResponse() Response {
	return Response{Result: "ok"}
}

func errorResponse(code string) Response {
	return Response{Result: "error", Message: code}
}

// Dispatcher maps decoded commands to slider operations.
type Dispatcher struct {
	slider Slider
}

// NewDispatcher creates a dispatcher for s.
func NewDispatcher(s Slider) *Dispatcher {
	return &Dispatcher{slider: s}
}

// Handle decodes payload and dispatches it.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) Response {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		debug.Verbose("Rejected message %q: %v", payload, err)
		return errorResponse(errorCode(err))
	}
	return d.Dispatch(ctx, cmd)
}

// Dispatch runs cmd against the slider.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) Response {
	debug.PrintStruct("Command "+cmd.Action(), cmd)

	var err error
	switch c := cmd.(type) {
	case MoveCommand:
		switch {
		case c.Distance != nil:
			err = d.slider.MoveDolly(ctx, *c.Distance, c.Direction, c.Time)
		case c.Direction == stepper.Left:
			err = d.slider.GotoStart(ctx)
		default:
			err = d.slider.GotoEnd(ctx)
		}
	case StopCommand:
		err = d.slider.Stop()
	case DriverCommand:
		err = d.slider.SetDriver(c.Resolution, c.Direction)
	case ResolutionCommand:
		err = d.slider.SetResolution(c.Resolution)
	case SpeedCommand:
		err = d.slider.SetSpeed(c.FrequencyHz)
	case CalibrateCommand:
		err = d.slider.Calibrate(ctx)
	case StatusCommand:
		st := d.slider.Status()
		return Response{Result: "ok", Status: &st}
	default:
		err = fmt.Errorf("%w: unhandled action %q", ErrCommand, cmd.Action())
	}

	if err != nil {
		code := errorCode(err)
		if code == CodeInternalError {
			debug.Error(fmt.Errorf("%s: %w", cmd.Action(), err))
		} else {
			debug.Live("Command %s refused: %s", cmd.Action(), code)
		}
		return errorResponse(code)
	}
	return okResponse()
}

// errorCode maps an operation error to its wire code.
func errorCode(err error) string {
	var cerr *CommandError
	switch {
	case errors.As(err, &cerr):
		return cerr.Code
	case errors.Is(err, motion.ErrLockHeld):
		return CodeMotorLocked
	case errors.Is(err, motion.ErrSpeedOutOfRange):
		return CodeSpeedOutOfRange
	case errors.Is(err, motion.ErrInvalidDistance):
		return CodeInvalidDistance
	case errors.Is(err, stepper.ErrInvalidResolution):
		return CodeInvalidResolution
	}
	return CodeInternalError
}
