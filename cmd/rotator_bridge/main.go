package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/by6dx/rotator_bridge/internal/config"
	"github.com/by6dx/rotator_bridge/internal/mqtt"
	"github.com/by6dx/rotator_bridge/pelco"
	"github.com/by6dx/rotator_bridge/rotator"
	"github.com/by6dx/rotator_bridge/rotctld"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "YAML configuration file; flags given explicitly override it")

	rotctldHost = flag.String("rotctld-tcp-host", "0.0.0.0", "TCP host to bind for rotctld clients")
	rotctldPort = flag.Int("rotctld-tcp-port", 4533, "TCP port to bind for rotctld clients")
	rotatorHost = flag.String("rotator-tcp-host", "192.168.3.136", "TCP host of rotator")
	rotatorPort = flag.Int("rotator-tcp-port", 4196, "TCP port of rotator")
	aziOffset   = flag.Float64("sink-azi-offset", -9, "azimuth offset of rotator in degrees")
	eleOffset   = flag.Float64("sink-ele-offset", 0, "elevation offset of rotator in degrees")

	disableSmartSink   = flag.Bool("disable-smart-sink", false, "disable suppression of repeated position commands")
	disableKeepAlive   = flag.Bool("disable-sink-keepalive", false, "disable periodic replay of the last position")
	disableWorkaround  = flag.Bool("disable-workaround-for-gpredict", false, "require a newline after every rotctld command")
	disablePresetReset = flag.Bool("disable-preset-reset", false, "do not clear the self-test and auto-zero presets at startup")

	statusAddr = flag.String("status-addr", "127.0.0.1:8502", "address for the status HTTP server; empty disables it")
	mqttBroker = flag.String("mqtt-broker", "", "MQTT broker URL for status publishing")
)

// Time allowed for one command to reach the head and complete.
const requestTimeout = time.Second

// applyFlags copies explicitly set flags over cfg.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rotctld-tcp-host":
			cfg.Rotctld.Host = *rotctldHost
		case "rotctld-tcp-port":
			cfg.Rotctld.Port = *rotctldPort
		case "rotator-tcp-host":
			cfg.Rotator.Network = "tcp"
			cfg.Rotator.Host = *rotatorHost
		case "rotator-tcp-port":
			cfg.Rotator.Network = "tcp"
			cfg.Rotator.Port = *rotatorPort
		case "sink-azi-offset":
			cfg.Rotator.AzimuthOffset = *aziOffset
		case "sink-ele-offset":
			cfg.Rotator.ElevationOffset = *eleOffset
		case "disable-smart-sink":
			cfg.SmartSink.Enabled = !*disableSmartSink
		case "disable-sink-keepalive":
			cfg.KeepAlive.Enabled = !*disableKeepAlive
		case "disable-workaround-for-gpredict":
			cfg.Rotctld.GpredictWorkaround = !*disableWorkaround
		case "disable-preset-reset":
			cfg.PresetReset = !*disablePresetReset
		case "status-addr":
			cfg.Status.Addr = *statusAddr
		case "mqtt-broker":
			cfg.MQTT.Broker = *mqttBroker
		}
	})
}

// requestHandler forwards each command to c and waits up to timeout for
// the result. Failures become an unsuccessful Result.
func requestHandler(c rotator.Controller, timeout time.Duration) rotator.Handler {
	return func(cmd rotator.Command) rotator.Result {
		switch cmd.Kind {
		case rotator.ChangeAzimuth, rotator.ChangeElevation:
			log.Printf("pipeline: requested %v", cmd)
		}
		res, ok := rotator.RequestSync(c, cmd, timeout)
		if !ok {
			log.Printf("pipeline: error while processing %v", cmd)
			return rotator.Result{}
		}
		return res
	}
}

var presetResets = []struct {
	preset byte
	what   string
}{
	{156, "power-on self test"},
	{130, "automatic zero-returning"},
}

func resetPresets(c rotator.Controller) {
	for _, p := range presetResets {
		res, ok := rotator.RequestSync(c, rotator.ClearPreset(p.preset), requestTimeout)
		if ok && res.Success {
			log.Printf("pipeline: %s disabled", p.what)
		} else {
			log.Printf("pipeline: error while disabling %s", p.what)
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var publisher *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		var err error
		publisher, err = mqtt.Connect(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Interval: cfg.MQTT.Interval,
		})
		if err != nil {
			return err
		}
	}

	var status *Server
	sink := pelco.New(cfg.PelcoController(), func(st pelco.Status) {
		status.statusCallback(st)
	})
	handler := requestHandler(sink, requestTimeout)
	status = NewServer(handler)
	if publisher != nil {
		status.publish = func(st pelco.Status) { publisher.Update(st) }
	}

	source := rotctld.New(cfg.RotctldServer())
	source.SetRequestHandler(handler)

	sink.Start()
	defer sink.Terminate()
	if err := source.Start(); err != nil {
		return err
	}
	defer source.Terminate()

	if cfg.PresetReset {
		resetPresets(sink)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-sink.Done():
			log.Printf("pipeline: rotator controller stopped; position commands will fail until restart")
		case <-ctx.Done():
			return nil
		}
		// rotctld clients stay connected and get failed results.
		<-ctx.Done()
		return nil
	})
	if publisher != nil {
		g.Go(func() error { return publisher.Run(ctx) })
	}
	if cfg.Status.Addr != "" {
		srv := &http.Server{
			Handler:      status.Router(),
			Addr:         cfg.Status.Addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			log.Printf("Listening on %v", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func main() {
	flag.Parse()
	log.Print("Rotator Bridge for BY6DX")

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
		log.Printf("loaded %s", *configPath)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}
