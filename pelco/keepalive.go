package pelco

import (
	"context"
	"log"
	"time"

	"github.com/by6dx/rotator_bridge/rotator"
)

// keepAlive re-sends the last targeted position every KeepAliveInterval
// through the normal request path. It gives up on the first failure.
func (r *Rotator) keepAlive(ctx context.Context) {
	log.Printf("pelco: keep-alive started")
	t := time.NewTicker(r.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		az, el, hasAz, hasEl := r.sink.targets()
		var cmds []rotator.Command
		if hasAz {
			cmds = append(cmds, rotator.SetAzimuth(az))
		}
		if hasEl {
			cmds = append(cmds, rotator.SetElevation(el))
		}
		for _, cmd := range cmds {
			if _, ok := rotator.RequestSync(r, cmd, 0); !ok {
				if ctx.Err() == nil {
					log.Printf("pelco: keep-alive exited due to error")
				}
				return
			}
		}
		if len(cmds) > 0 {
			r.updateStatus(func(s *Status) { s.KeepAlives++ })
		}
	}
}
