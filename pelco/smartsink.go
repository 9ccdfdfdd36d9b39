package pelco

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/by6dx/rotator_bridge/rotator"
)

// smartSink tracks requested targets and decides when a repeated target is
// redundant. At most one sampling cycle runs at a time; it is guarded by
// sampling, which only the cycle that set it clears.
type smartSink struct {
	enabled        bool
	changeMargin   time.Duration
	sampleInterval time.Duration
	velocityMargin float64

	sampling      atomic.Bool
	targetChanged atomic.Bool

	mu sync.Mutex
	// lastAz and lastEl are NaN until first requested.
	lastAz, lastEl float64
	lastChange     time.Time
	timer          *time.Timer
	stopped        bool
}

type sample struct {
	az, el float64
}

// targets returns the last requested position of each axis.
func (s *smartSink) targets() (az, el float64, hasAz, hasEl bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAz, s.lastEl, !math.IsNaN(s.lastAz), !math.IsNaN(s.lastEl)
}

// record stores value as the axis target and reports whether it repeats
// a target set less than changeMargin ago.
func (s *smartSink) record(last *float64, value float64) (repeat bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	repeat = value == *last && now.Sub(s.lastChange) < s.changeMargin
	if value != *last {
		s.targetChanged.Store(true)
		s.lastChange = now
	}
	*last = value
	return repeat
}

func (s *smartSink) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

// intercept records position requests and swallows redundant ones,
// answering them with a synthetic success. It reports whether cmd was
// swallowed.
func (r *Rotator) intercept(cmd rotator.Command, cb rotator.Callback) bool {
	s := &r.sink
	var repeat bool
	switch cmd.Kind {
	case rotator.ChangeAzimuth:
		repeat = s.record(&s.lastAz, cmd.Azimuth)
		r.updateStatus(func(st *Status) {
			st.AzimuthTargeted = true
			st.TargetAz = cmd.Azimuth
		})
	case rotator.ChangeElevation:
		repeat = s.record(&s.lastEl, cmd.Elevation)
		r.updateStatus(func(st *Status) {
			st.ElevationTargeted = true
			st.TargetEl = cmd.Elevation
		})
	default:
		return false
	}
	if !s.enabled || !repeat {
		return false
	}
	if s.sampling.CompareAndSwap(false, true) {
		s.targetChanged.Store(false)
		r.updateStatus(func(st *Status) { st.Sampling = true })
		r.checkMotion(cmd)
	}
	r.updateStatus(func(st *Status) { st.Suppressed++ })
	cb(rotator.Result{Success: true})
	return true
}

// checkMotion samples the position twice, sampleInterval apart, and
// replays cmd if the head barely moved and no new target arrived.
func (r *Rotator) checkMotion(cmd rotator.Command) {
	s := &r.sink
	r.samplePosition(func(before sample, ok bool) {
		if !ok {
			r.finishSampling()
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			// Terminated; the sampling flag stays set for good.
			return
		}
		s.timer = time.AfterFunc(s.sampleInterval, func() {
			r.samplePosition(func(after sample, ok bool) {
				defer r.finishSampling()
				if !ok {
					return
				}
				deltaAz := rotator.AzimuthDistance(after.az, before.az)
				deltaEl := rotator.ElevationDistance(after.el, before.el)
				replay := deltaAz+deltaEl < s.velocityMargin
				log.Printf("pelco: smart-sink deltaAz=%.2f deltaEl=%.2f replay=%v", deltaAz, deltaEl, replay)
				if !replay || s.targetChanged.Load() {
					return
				}
				if r.request(cmd, func(rotator.Result) {}, true) {
					r.updateStatus(func(st *Status) { st.Replays++ })
				}
			})
		})
	})
}

func (r *Rotator) finishSampling() {
	r.sink.sampling.Store(false)
	r.updateStatus(func(st *Status) { st.Sampling = false })
}

// samplePosition queues an azimuth then an elevation query and passes both
// to done, which is called exactly once.
func (r *Rotator) samplePosition(done func(sample, bool)) {
	ok := r.request(rotator.QueryAzimuth(), func(az rotator.Result) {
		if !az.Success {
			done(sample{}, false)
			return
		}
		ok := r.request(rotator.QueryElevation(), func(el rotator.Result) {
			done(sample{az: az.Azimuth, el: el.Elevation}, el.Success)
		}, true)
		if !ok {
			done(sample{}, false)
		}
	}, true)
	if !ok {
		done(sample{}, false)
	}
}
