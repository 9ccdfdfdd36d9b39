package pelco

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// Default slew rate in degrees/second
	defaultSlewRate = 30
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
)

// Simulator emulates a pan-tilt head on the other end of a transport. It
// follows set and preset commands at a fixed slew rate and answers
// position queries.
type Simulator struct {
	conn io.ReadWriteCloser

	mu sync.Mutex
	// pan and tilt are in device degrees; tilt counts down from zenith.
	pan, tilt       float64
	cmdPan, cmdTilt float64
	slewRate        float64
	presets         map[byte][2]float64
	frames          []Frame
	// Verbose logs every frame.
	Verbose bool
}

func NewSimulator(conn io.ReadWriteCloser) *Simulator {
	return &Simulator{
		conn:     conn,
		slewRate: defaultSlewRate,
		presets:  make(map[byte][2]float64),
	}
}

// NewPipeSimulator returns a simulator and the client end of an in-memory
// connection to it.
func NewPipeSimulator() (*Simulator, net.Conn) {
	a, b := net.Pipe()
	return NewSimulator(a), b
}

// SetSlewRate sets the speed of both axes in degrees/second. Zero leaves
// the head stuck where it is.
func (s *Simulator) SetSlewRate(degPerSec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slewRate = degPerSec
}

// SetPosition moves the head instantly and makes it the current target.
func (s *Simulator) SetPosition(pan, tilt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pan, s.tilt = pan, tilt
	s.cmdPan, s.cmdTilt = pan, tilt
}

func (s *Simulator) Position() (pan, tilt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pan, s.tilt
}

// Frames returns every frame received so far.
func (s *Simulator) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step()
		}
	})
	g.Go(s.reader)
	return g.Wait()
}

func (s *Simulator) reader() error {
	var f Frame
	for {
		if _, err := io.ReadFull(s.conn, f[:]); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		if s.Verbose {
			log.Printf("srv->sim: %v", f)
		}
		if !f.Valid() {
			log.Printf("sim: dropping invalid frame %v", f)
			continue
		}
		reply, ok := s.handle(f)
		if !ok {
			continue
		}
		if s.Verbose {
			log.Printf("sim->srv: %v", reply)
		}
		if _, err := s.conn.Write(reply[:]); err != nil {
			return err
		}
	}
}

// handle applies f and returns the reply to send, if any.
func (s *Simulator) handle(f Frame) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	switch f.Command() {
	case CmdSetPan:
		s.cmdPan = f.Degrees()
	case CmdSetTilt:
		s.cmdTilt = f.Degrees()
	case CmdQueryPan:
		return AngleFrame(CmdPanReport, s.pan), true
	case CmdQueryTilt:
		return AngleFrame(CmdTiltReport, s.tilt), true
	case CmdPresetSet:
		s.presets[byte(f.Data())] = [2]float64{s.pan, s.tilt}
	case CmdPresetClear:
		delete(s.presets, byte(f.Data()))
	case CmdPresetCall:
		if p, ok := s.presets[byte(f.Data())]; ok {
			s.cmdPan, s.cmdTilt = p[0], p[1]
		}
	default:
		log.Printf("sim: unknown command %#02x", f.Command())
	}
	return Frame{}, false
}

// approach moves cur toward target by at most max degrees. Pan takes the
// short way around the circle.
func approach(cur, target, max float64, circular bool) float64 {
	move := target - cur
	if circular {
		move = math.Remainder(move, 360)
	}
	if math.Abs(move) <= max {
		return cur + move
	}
	if move < 0 {
		return cur - max
	}
	return cur + max
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := s.slewRate * stepSize.Seconds()
	s.pan = math.Mod(approach(s.pan, s.cmdPan, max, true)+360, 360)
	s.tilt = approach(s.tilt, s.cmdTilt, max, false)
}
