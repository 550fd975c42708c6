package channels

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage
	connected  atomic.Bool

	mu   sync.Mutex
	sent []string
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}
func (f *fakeChannel) Disconnect() error {
	f.connected.Store(false)
	return nil
}
func (f *fakeChannel) Send(_ context.Context, to string, msg *OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+msg.Content)
	return nil
}
func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }
func (f *fakeChannel) IsConnected() bool                { return f.connected.Load() }
func (f *fakeChannel) Health() HealthStatus             { return HealthStatus{Connected: f.connected.Load()} }

func TestManager_MergesAndRoutes(t *testing.T) {
	t.Parallel()
	a, b := newFakeChannel("a"), newFakeChannel("b")
	m := NewManager(nil)
	if err := m.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(b); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakeChannel("a")); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a.in <- &IncomingMessage{ID: "1", Channel: "a"}
	b.in <- &IncomingMessage{ID: "2", Channel: "b"}
	seen := map[string]bool{}
	for range 2 {
		select {
		case msg := <-m.Messages():
			seen[msg.Channel] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged message")
		}
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("seen = %v", seen)
	}

	if err := m.Send(context.Background(), "b", "42", &OutgoingMessage{Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(b.sent) != 1 || b.sent[0] != "42:hi" {
		t.Errorf("b.sent = %v", b.sent)
	}
	if err := m.Send(context.Background(), "zzz", "1", &OutgoingMessage{}); err == nil {
		t.Error("expected error for unknown channel")
	}
	if names := m.Names(); len(names) != 2 || names[0] != "a" {
		t.Errorf("names = %v", names)
	}

	m.Stop()
	if a.IsConnected() || b.IsConnected() {
		t.Error("channels still connected after Stop")
	}
	if _, ok := <-m.Messages(); ok {
		t.Error("message stream not closed")
	}
}

func TestManager_StartFailures(t *testing.T) {
	t.Parallel()
	broken := newFakeChannel("broken")
	broken.connectErr = errors.New("bad token")
	m := NewManager(nil)
	m.Register(broken)
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error when no channel connects")
	}
	if err := m.Send(context.Background(), "broken", "1", &OutgoingMessage{}); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("err = %v", err)
	}

	ok := newFakeChannel("ok")
	m2 := NewManager(nil)
	m2.Register(broken)
	m2.Register(ok)
	if err := m2.Start(context.Background()); err != nil {
		t.Errorf("Start with one healthy channel: %v", err)
	}
	m2.Stop()

	empty := NewManager(nil)
	if err := empty.Start(context.Background()); err != nil {
		t.Errorf("empty Start: %v", err)
	}
}
