package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/go-cmp/cmp"
)

type doneToken struct {
	mqtt.Token
	err error
}

func (t doneToken) Wait() bool   { return true }
func (t doneToken) Error() error { return t.err }

type message struct {
	Topic    string
	Retained bool
	Payload  string
}

type fakeClient struct {
	mqtt.Client
	err error

	mu           sync.Mutex
	published    []message
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, message{topic, retained, string(payload.([]byte))})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.published...)
}

type status struct {
	Azimuth float64 `json:"azimuth"`
}

func TestFlushCoalesces(t *testing.T) {
	c := &fakeClient{}
	p := NewPublisher(c, Config{Topic: "bridge/status"})

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	p.Update(status{Azimuth: 1})
	p.Update(status{Azimuth: 2})
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	want := []message{{"bridge/status", true, `{"azimuth":2}`}}
	if diff := cmp.Diff(want, c.messages()); diff != "" {
		t.Errorf("unexpected messages: got(-)/want(+):\n%s", diff)
	}
}

func TestFlushError(t *testing.T) {
	c := &fakeClient{err: errors.New("not connected")}
	p := NewPublisher(c, Config{Topic: "bridge/status"})
	p.Update(status{})
	if err := p.Flush(); err == nil {
		t.Errorf("Flush succeeded with a failing client")
	}
}

func TestRun(t *testing.T) {
	c := &fakeClient{}
	p := NewPublisher(c, Config{Topic: "t", Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	p.Update(status{Azimuth: 42})
	deadline := time.Now().Add(2 * time.Second)
	for len(c.messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("nothing published")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		t.Errorf("client not disconnected")
	}
}
