// Package pelco drives a pan-tilt head that speaks fixed 7 byte frames
// over TCP or a serial line.
package pelco

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"time"

	"github.com/by6dx/rotator_bridge/internal/jobqueue"
	"github.com/by6dx/rotator_bridge/rotator"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChangeMargin      = 7 * time.Second
	DefaultSampleInterval    = 1 * time.Second
	DefaultVelocityMargin    = 5.0
	DefaultKeepAliveInterval = 5 * time.Second
)

type Config struct {
	// Network is "tcp" (the default) or "serial".
	Network string
	// Address is host:port for tcp, or the device path for serial.
	Address string
	// Baud is only used for serial; it defaults to 9600.
	Baud int

	Offset rotator.Offset

	// SmartSink suppresses repeated position requests while the head is
	// still moving toward them.
	SmartSink bool
	// ChangeMargin is how long after a new target a repeat of it is
	// considered redundant.
	ChangeMargin time.Duration
	// SampleInterval separates the two position samples of a check.
	SampleInterval time.Duration
	// VelocityMargin is the total movement in degrees below which the
	// head is considered stuck and the request is replayed.
	VelocityMargin float64

	// KeepAlive periodically re-sends the last targeted position so the
	// head does not return home when idle.
	KeepAlive         bool
	KeepAliveInterval time.Duration

	// Dial, if set, replaces the transport selected by Network.
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)
}

type StatusCallback func(status Status)

type Status struct {
	Connected bool
	Exited    bool

	// Last positions requested by clients, before offsets.
	AzimuthTargeted   bool
	ElevationTargeted bool
	TargetAz          float64
	TargetEl          float64

	// Last positions read back from the head, after offsets.
	AzPos float64
	ElPos float64

	Sampling   bool
	FramesSent uint64
	Suppressed uint64
	Replays    uint64
	KeepAlives uint64
}

type job struct {
	cmd rotator.Command
	cb  rotator.Callback
}

// Rotator implements rotator.Controller. A single worker goroutine owns the
// transport and runs queued commands one at a time, in submission order.
type Rotator struct {
	cfg  Config
	jobs *jobqueue.Queue[job]
	sink smartSink

	// conn is only used by the worker.
	conn io.ReadWriteCloser

	startOnce  sync.Once
	exitOnce   sync.Once
	cancel     context.CancelFunc
	exited     chan struct{}
	terminated chan struct{}

	statusCallback StatusCallback
	mu             sync.Mutex
	status         Status
}

var _ rotator.Controller = (*Rotator)(nil)

func New(cfg Config, statusCallback StatusCallback) *Rotator {
	if cfg.ChangeMargin <= 0 {
		cfg.ChangeMargin = DefaultChangeMargin
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.VelocityMargin <= 0 {
		cfg.VelocityMargin = DefaultVelocityMargin
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	r := &Rotator{
		cfg:            cfg,
		jobs:           jobqueue.New[job](),
		exited:         make(chan struct{}),
		terminated:     make(chan struct{}),
		statusCallback: statusCallback,
	}
	r.sink = smartSink{
		enabled:        cfg.SmartSink,
		changeMargin:   cfg.ChangeMargin,
		sampleInterval: cfg.SampleInterval,
		velocityMargin: cfg.VelocityMargin,
		lastAz:         math.NaN(),
		lastEl:         math.NaN(),
	}
	return r
}

// Start connects and runs the worker in the background. A failed
// connection is only visible through Done and rejected requests.
func (r *Rotator) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go func() {
			defer close(r.terminated)
			if err := r.run(ctx); err != nil {
				log.Printf("pelco: worker exited: %v", err)
			}
		}()
	})
}

// Terminate stops the worker, waits for it and closes the transport.
func (r *Rotator) Terminate() {
	started := true
	r.startOnce.Do(func() {
		started = false
		close(r.terminated)
	})
	if started {
		r.cancel()
	}
	<-r.terminated
	r.markExited()
	r.sink.stop()
}

func (r *Rotator) Done() <-chan struct{} {
	return r.exited
}

func (r *Rotator) Request(cmd rotator.Command, cb rotator.Callback) bool {
	return r.request(cmd, cb, false)
}

// request queues cmd. internal requests come from the controller itself
// and skip smart-sink interception.
func (r *Rotator) request(cmd rotator.Command, cb rotator.Callback, internal bool) bool {
	select {
	case <-r.exited:
		log.Printf("pelco: worker closed, rejecting %v", cmd)
		return false
	default:
	}
	if !internal && r.intercept(cmd, cb) {
		return true
	}
	r.jobs.Push(job{cmd: cmd, cb: cb})
	return true
}

func (r *Rotator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Rotator) updateStatus(update func(s *Status)) {
	r.mu.Lock()
	update(&r.status)
	status := r.status
	r.mu.Unlock()
	if r.statusCallback != nil {
		r.statusCallback(status)
	}
}

func (r *Rotator) markExited() {
	r.exitOnce.Do(func() {
		close(r.exited)
		r.updateStatus(func(s *Status) {
			s.Connected = false
			s.Exited = true
		})
	})
}

func (r *Rotator) run(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		r.markExited()
		return fmt.Errorf("opening %q: %w", r.cfg.Address, err)
	}
	log.Printf("opened %q", r.cfg.Address)
	r.conn = conn
	r.updateStatus(func(s *Status) { s.Connected = true })

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the transport is what unblocks a worker stuck on I/O.
		<-ctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error {
		return r.work(ctx)
	})
	if r.cfg.KeepAlive {
		g.Go(func() error {
			r.keepAlive(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (r *Rotator) work(ctx context.Context) error {
	defer r.markExited()
	for {
		if ctx.Err() != nil {
			return nil
		}
		j, ok := r.jobs.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.jobs.Ready():
			}
			continue
		}
		res, err := r.execute(j.cmd)
		j.cb(res)
		if err != nil {
			if ctx.Err() != nil {
				// Terminate closed the transport under us.
				return nil
			}
			return fmt.Errorf("%v: %w", j.cmd, err)
		}
	}
}

var presetCommands = map[rotator.Kind]byte{
	rotator.PresetCall:  CmdPresetCall,
	rotator.PresetSet:   CmdPresetSet,
	rotator.PresetClear: CmdPresetClear,
}

// execute runs one command on the wire. A non-nil error means the
// transport is unusable.
func (r *Rotator) execute(cmd rotator.Command) (rotator.Result, error) {
	offset := r.cfg.Offset
	switch cmd.Kind {
	case rotator.ChangeAzimuth:
		if err := r.send(AngleFrame(CmdSetPan, offset.DeviceAzimuth(cmd.Azimuth))); err != nil {
			return rotator.Result{}, err
		}
	case rotator.ChangeElevation:
		if err := r.send(AngleFrame(CmdSetTilt, offset.DeviceTilt(cmd.Elevation))); err != nil {
			return rotator.Result{}, err
		}
	case rotator.GetAzimuth:
		reply, err := r.query(CmdQueryPan)
		if err != nil {
			return rotator.Result{}, err
		}
		az := offset.ClientAzimuth(reply.Degrees())
		r.updateStatus(func(s *Status) { s.AzPos = az })
		return rotator.Result{Success: true, Azimuth: az}, nil
	case rotator.GetElevation:
		reply, err := r.query(CmdQueryTilt)
		if err != nil {
			return rotator.Result{}, err
		}
		el := offset.ClientElevation(reply.Degrees())
		r.updateStatus(func(s *Status) { s.ElPos = el })
		return rotator.Result{Success: true, Elevation: el}, nil
	case rotator.PresetCall, rotator.PresetSet, rotator.PresetClear:
		if err := r.send(PresetFrame(presetCommands[cmd.Kind], cmd.Preset)); err != nil {
			return rotator.Result{}, err
		}
	default:
		log.Printf("pelco: unknown command %v; ignoring", cmd)
		return rotator.Result{}, nil
	}
	return rotator.Result{Success: true}, nil
}

func (r *Rotator) send(f Frame) error {
	if _, err := r.conn.Write(f[:]); err != nil {
		return fmt.Errorf("sending %v: %w", f, err)
	}
	r.updateStatus(func(s *Status) { s.FramesSent++ })
	return nil
}

func (r *Rotator) query(cmd byte) (Frame, error) {
	var reply Frame
	if err := r.send(QueryFrame(cmd)); err != nil {
		return reply, err
	}
	if _, err := io.ReadFull(r.conn, reply[:]); err != nil {
		return reply, fmt.Errorf("reading reply to %#02x: %w", cmd, err)
	}
	if !reply.Valid() {
		log.Printf("pelco: reply %v to %#02x failed checksum", reply, cmd)
	}
	return reply, nil
}
