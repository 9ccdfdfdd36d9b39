package pelco

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tarm/serial"
)

const dialTimeout = 5 * time.Second

func (r *Rotator) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if r.cfg.Dial != nil {
		return r.cfg.Dial(ctx)
	}
	switch r.cfg.Network {
	case "", "tcp":
		dialer := &net.Dialer{
			Timeout: dialTimeout,
		}
		conn, err := dialer.DialContext(ctx, "tcp", r.cfg.Address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "serial":
		baud := r.cfg.Baud
		if baud == 0 {
			baud = 9600
		}
		s, err := serial.OpenPort(&serial.Config{Name: r.cfg.Address, Baud: baud})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported network %q", r.cfg.Network)
}
