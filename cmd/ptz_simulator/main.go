// Command ptz_simulator pretends to be a pan-tilt head on a TCP port or a
// serial line, for testing the bridge without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/by6dx/rotator_bridge/pelco"
	"github.com/tarm/serial"
)

var (
	addr       = flag.String("addr", "127.0.0.1:4196", "address to listen on")
	serialPort = flag.String("serial", "", "serve a single head on this serial port instead of TCP")
	baud       = flag.Int("baud", 9600, "serial baud rate")
	slewRate   = flag.Float64("slew_rate", 30, "head speed in degrees/second")
	verbose    = flag.Bool("verbose", false, "log every frame")
)

func serve(ctx context.Context, conn io.ReadWriteCloser) error {
	sim := pelco.NewSimulator(conn)
	sim.SetSlewRate(*slewRate)
	sim.Verbose = *verbose
	return sim.Run(ctx)
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serialPort != "" {
		port, err := serial.OpenPort(&serial.Config{Name: *serialPort, Baud: *baud})
		if err != nil {
			log.Fatalf("opening %q: %v", *serialPort, err)
		}
		log.Printf("opened %q", *serialPort)
		if err := serve(ctx, port); err != nil && ctx.Err() == nil {
			log.Fatal(err)
		}
		return
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing socket")
		ln.Close()
	}()
	log.Printf("Listening on %v", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("failed to accept: %v", err)
			continue
		}
		log.Printf("accepted connection from %v", conn.RemoteAddr())
		go func() {
			if err := serve(ctx, conn); err != nil && ctx.Err() == nil {
				log.Printf("%v: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
