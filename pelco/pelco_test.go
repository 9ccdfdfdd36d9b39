package pelco

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/by6dx/rotator_bridge/rotator"
	"github.com/google/go-cmp/cmp"
)

func startRotator(t *testing.T, cfg Config) (*Rotator, *Simulator) {
	t.Helper()
	sim, conn := NewPipeSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)
	cfg.Dial = func(context.Context) (io.ReadWriteCloser, error) {
		return conn, nil
	}
	r := New(cfg, nil)
	r.Start()
	t.Cleanup(func() {
		r.Terminate()
		cancel()
	})
	return r, sim
}

// waitFrames polls until sim has received at least n frames.
func waitFrames(t *testing.T, sim *Simulator, n int) []Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		frames := sim.Frames()
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d frames, want %d: %v", len(frames), n, frames)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func commandBytes(frames []Frame) []byte {
	var out []byte
	for _, f := range frames {
		out = append(out, f.Command())
	}
	return out
}

func mustSync(t *testing.T, c rotator.Controller, cmd rotator.Command) rotator.Result {
	t.Helper()
	res, ok := rotator.RequestSync(c, cmd, 5*time.Second)
	if !ok {
		t.Fatalf("%v: request failed", cmd)
	}
	if !res.Success {
		t.Fatalf("%v: unsuccessful result", cmd)
	}
	return res
}

func TestAzimuthRoundTrip(t *testing.T) {
	r, sim := startRotator(t, Config{Offset: rotator.Offset{Azimuth: -9}})
	sim.SetSlewRate(0)

	mustSync(t, r, rotator.SetAzimuth(10))
	frames := waitFrames(t, sim, 1)
	if diff := cmp.Diff(AngleFrame(CmdSetPan, 1.0), frames[0]); diff != "" {
		t.Errorf("unexpected frame: got(-)/want(+):\n%s", diff)
	}
	if got := frames[0].Data(); got != 100 {
		t.Errorf("sent %d, want 100", got)
	}

	sim.SetPosition(1.0, 0)
	res := mustSync(t, r, rotator.QueryAzimuth())
	if res.Azimuth != 10 {
		t.Errorf("GetAzimuth = %v, want 10", res.Azimuth)
	}
}

func TestAzimuthWrap(t *testing.T) {
	r, sim := startRotator(t, Config{Offset: rotator.Offset{Azimuth: 20}})
	sim.SetSlewRate(0)
	mustSync(t, r, rotator.SetAzimuth(350))
	frames := waitFrames(t, sim, 1)
	if got := frames[0].Data(); got != 1000 {
		t.Errorf("sent %d, want 1000", got)
	}
}

func TestElevation(t *testing.T) {
	r, sim := startRotator(t, Config{Offset: rotator.Offset{Elevation: 2}})
	sim.SetSlewRate(0)

	mustSync(t, r, rotator.SetElevation(30))
	frames := waitFrames(t, sim, 1)
	if diff := cmp.Diff(AngleFrame(CmdSetTilt, 58), frames[0]); diff != "" {
		t.Errorf("unexpected frame: got(-)/want(+):\n%s", diff)
	}

	sim.SetPosition(0, 45)
	res := mustSync(t, r, rotator.QueryElevation())
	if want := 90 - (45.0 - 2); res.Elevation != want {
		t.Errorf("GetElevation = %v, want %v", res.Elevation, want)
	}
}

func TestPresets(t *testing.T) {
	r, sim := startRotator(t, Config{})
	mustSync(t, r, rotator.SavePreset(3))
	mustSync(t, r, rotator.ClearPreset(130))
	mustSync(t, r, rotator.CallPreset(156))
	frames := waitFrames(t, sim, 3)
	want := []Frame{
		PresetFrame(CmdPresetSet, 3),
		PresetFrame(CmdPresetClear, 130),
		PresetFrame(CmdPresetCall, 156),
	}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("unexpected frames: got(-)/want(+):\n%s", diff)
	}
}

func TestPresetRecallMovesHead(t *testing.T) {
	r, sim := startRotator(t, Config{})
	sim.SetSlewRate(1000)
	sim.SetPosition(40, 20)
	mustSync(t, r, rotator.SavePreset(1))
	sim.SetPosition(100, 60)
	mustSync(t, r, rotator.CallPreset(1))
	deadline := time.Now().Add(2 * time.Second)
	for {
		pan, tilt := sim.Position()
		if pan == 40 && tilt == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("head at %v,%v, want 40,20", pan, tilt)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestsRunInOrder(t *testing.T) {
	r, sim := startRotator(t, Config{})
	sim.SetSlewRate(0)

	const n = 50
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		if !r.Request(rotator.SetAzimuth(float64(i)), func(res rotator.Result) {
			defer wg.Done()
			if !res.Success {
				t.Errorf("request %d failed", i)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}) {
			t.Fatalf("request %d rejected", i)
		}
	}
	wg.Wait()

	frames := waitFrames(t, sim, n)
	var want, sent []int
	for i := 0; i < n; i++ {
		want = append(want, i)
		sent = append(sent, int(frames[i].Data()/100))
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("callbacks out of order: got(-)/want(+):\n%s", diff)
	}
	if diff := cmp.Diff(want, sent); diff != "" {
		t.Errorf("frames out of order: got(-)/want(+):\n%s", diff)
	}
}

func TestConcurrentRequests(t *testing.T) {
	r, sim := startRotator(t, Config{})
	sim.SetSlewRate(0)
	sim.SetPosition(123.45, 10)

	const clients, each = 8, 10
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				res, ok := rotator.RequestSync(r, rotator.QueryAzimuth(), 5*time.Second)
				if !ok || !res.Success {
					t.Errorf("query failed: %v %+v", ok, res)
					return
				}
				if res.Azimuth != 123.45 {
					t.Errorf("GetAzimuth = %v, want 123.45", res.Azimuth)
				}
			}
		}()
	}
	wg.Wait()
	if got := len(sim.Frames()); got != clients*each {
		t.Errorf("device saw %d frames, want %d", got, clients*each)
	}
}

func TestConnectFailure(t *testing.T) {
	r := New(Config{
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			return nil, errors.New("connection refused")
		},
	}, nil)
	r.Start()
	defer r.Terminate()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("controller did not exit after failing to connect")
	}
	if r.Request(rotator.QueryAzimuth(), func(rotator.Result) {
		t.Errorf("callback called for rejected request")
	}) {
		t.Errorf("Request accepted after connect failure")
	}
	if st := r.Status(); !st.Exited || st.Connected {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestTransferFailureStopsWorker(t *testing.T) {
	client, device := net.Pipe()
	r := New(Config{
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			return client, nil
		},
	}, nil)
	r.Start()
	defer r.Terminate()
	device.Close()

	res, ok := rotator.RequestSync(r, rotator.QueryAzimuth(), 5*time.Second)
	if ok && res.Success {
		t.Errorf("query succeeded on a closed transport")
	}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("worker still running after transfer failure")
	}
	if r.Request(rotator.QueryAzimuth(), func(rotator.Result) {}) {
		t.Errorf("Request accepted after transfer failure")
	}
}

func TestTerminateReleasesRequestSync(t *testing.T) {
	// Nobody reads the device end, so the first write blocks the worker.
	client, device := net.Pipe()
	defer device.Close()
	r := New(Config{
		Dial: func(context.Context) (io.ReadWriteCloser, error) {
			return client, nil
		},
	}, nil)
	r.Start()

	first := make(chan rotator.Result, 1)
	r.Request(rotator.SetAzimuth(1), func(res rotator.Result) { first <- res })

	errc := make(chan bool, 1)
	go func() {
		_, ok := rotator.RequestSync(r, rotator.QueryAzimuth(), time.Minute)
		errc <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	r.Terminate()

	select {
	case ok := <-errc:
		if ok {
			t.Errorf("RequestSync returned a result after Terminate")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("RequestSync still blocked after Terminate")
	}
	select {
	case res := <-first:
		if res.Success {
			t.Errorf("interrupted write reported success")
		}
	case <-time.After(time.Second):
		t.Errorf("in-flight request never completed")
	}
	if r.Request(rotator.QueryAzimuth(), func(rotator.Result) {}) {
		t.Errorf("Request accepted after Terminate")
	}
}

func TestTerminateWithoutStart(t *testing.T) {
	r := New(Config{}, nil)
	r.Terminate()
	if r.Request(rotator.QueryAzimuth(), func(rotator.Result) {}) {
		t.Errorf("Request accepted after Terminate")
	}
}

func TestStatusCallback(t *testing.T) {
	sim, conn := NewPipeSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)
	sim.SetSlewRate(0)
	sim.SetPosition(200, 0)

	var (
		mu   sync.Mutex
		last Status
	)
	r := New(Config{
		Dial: func(context.Context) (io.ReadWriteCloser, error) { return conn, nil },
	}, func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		last = s
	})
	r.Start()
	defer r.Terminate()

	mustSync(t, r, rotator.SetAzimuth(15))
	mustSync(t, r, rotator.QueryAzimuth())

	want := Status{
		Connected:       true,
		AzimuthTargeted: true,
		TargetAz:        15,
		AzPos:           200,
		FramesSent:      2,
	}
	if diff := cmp.Diff(want, r.Status()); diff != "" {
		t.Errorf("unexpected status: got(-)/want(+):\n%s", diff)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("unexpected last callback: got(-)/want(+):\n%s", diff)
	}
}
