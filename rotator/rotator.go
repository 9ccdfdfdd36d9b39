package rotator

import (
	"fmt"
	"time"
)

type Kind int

const (
	ChangeAzimuth Kind = iota
	ChangeElevation
	GetAzimuth
	GetElevation
	PresetCall
	PresetSet
	PresetClear
)

func (k Kind) String() string {
	switch k {
	case ChangeAzimuth:
		return "ChangeAzimuth"
	case ChangeElevation:
		return "ChangeElevation"
	case GetAzimuth:
		return "GetAzimuth"
	case GetElevation:
		return "GetElevation"
	case PresetCall:
		return "PresetCall"
	case PresetSet:
		return "PresetSet"
	case PresetClear:
		return "PresetClear"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Command is a single request to a rotator. Only the payload field matching
// Kind is meaningful; use the constructors below to build one.
//
// Elevation 0 points at the horizon and 90 at the zenith.
type Command struct {
	Kind      Kind
	Azimuth   float64
	Elevation float64
	Preset    byte
}

func SetAzimuth(az float64) Command   { return Command{Kind: ChangeAzimuth, Azimuth: az} }
func SetElevation(el float64) Command { return Command{Kind: ChangeElevation, Elevation: el} }
func QueryAzimuth() Command           { return Command{Kind: GetAzimuth} }
func QueryElevation() Command         { return Command{Kind: GetElevation} }
func CallPreset(idx byte) Command     { return Command{Kind: PresetCall, Preset: idx} }
func SavePreset(idx byte) Command     { return Command{Kind: PresetSet, Preset: idx} }
func ClearPreset(idx byte) Command    { return Command{Kind: PresetClear, Preset: idx} }

func (c Command) String() string {
	switch c.Kind {
	case ChangeAzimuth:
		return fmt.Sprintf("%v(%.2f)", c.Kind, c.Azimuth)
	case ChangeElevation:
		return fmt.Sprintf("%v(%.2f)", c.Kind, c.Elevation)
	case PresetCall, PresetSet, PresetClear:
		return fmt.Sprintf("%v(%d)", c.Kind, c.Preset)
	}
	return c.Kind.String()
}

// Result is the outcome of a Command. Azimuth is set for GetAzimuth and
// Elevation for GetElevation; other kinds only report Success.
type Result struct {
	Success   bool
	Azimuth   float64
	Elevation float64
}

type Callback func(Result)

// Handler serves commands synchronously; it is what a text-protocol server
// calls for every parsed command.
type Handler func(Command) Result

type Controller interface {
	Start()
	Terminate()
	// Request queues cmd and reports whether it was accepted. cb is called
	// exactly once for accepted commands and never for rejected ones.
	Request(cmd Command, cb Callback) bool
	// Done is closed once the controller can no longer serve requests.
	Done() <-chan struct{}
}

// RequestSync submits cmd and waits for its result. A timeout of 0 waits
// until the result arrives or the controller exits. ok is false if the
// command was rejected, timed out, or the controller exited first; the
// command itself is never retracted.
func RequestSync(c Controller, cmd Command, timeout time.Duration) (res Result, ok bool) {
	// Buffered so a callback firing after we gave up never blocks.
	ch := make(chan Result, 1)
	if !c.Request(cmd, func(r Result) { ch <- r }) {
		return Result{}, false
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case res = <-ch:
		return res, true
	case <-expired:
		return Result{}, false
	case <-c.Done():
		select {
		case res = <-ch:
			return res, true
		default:
			return Result{}, false
		}
	}
}
