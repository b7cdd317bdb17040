package relay

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats-server/v2/server"

	"github.com/linnemanlabs/corerecon/internal/hub"
)

func startTestNATSServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("server.NewServer: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	return ns, ns.ClientURL()
}

func TestNATS_TwoInstances(t *testing.T) {
	t.Parallel()

	_, url := startTestNATSServer(t)
	dial := NATSDialer(NATSConfig{URL: url, Name: "corerecon-test", ReconnectWait: 50 * time.Millisecond}, log.Nop())

	mk := func(id string) *instance {
		h := hub.New(log.Nop(), nil)
		conn := &recConn{}
		if err := h.Registry().Subscribe(hub.NewClient(conn), "alerts"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		r := New(h, dial, Config{InstanceID: id, ReconnectInterval: 50 * time.Millisecond}, log.Nop(), nil)
		return &instance{hub: h, relay: r, conn: conn}
	}

	a, b := mk("A"), mk("B")
	runRelay(t, a.relay)
	runRelay(t, b.relay)

	ev := hub.Event{Type: hub.EventAlertCreated, Payload: map[string]any{"id": "X"}, Timestamp: "2026-03-01T12:00:00Z"}
	if _, err := a.relay.Publish(context.Background(), "alerts", ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want, _ := hub.Encode(ev)
	waitFor(t, func() bool { return len(b.conn.received()) == 1 })
	if got := b.conn.received()[0]; got != string(want) {
		t.Fatalf("instance B received %q, want %q", got, want)
	}

	// Give a self-echo time to arrive; it must be dropped.
	time.Sleep(100 * time.Millisecond)
	if got := a.conn.received(); len(got) != 1 {
		t.Fatalf("instance A received %d messages, want 1", len(got))
	}
	if got := b.conn.received(); len(got) != 1 {
		t.Fatalf("instance B received %d messages, want 1", len(got))
	}
}

func TestNATS_DialFailure(t *testing.T) {
	t.Parallel()

	dial := NATSDialer(NATSConfig{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil)
	if _, err := dial(context.Background()); err == nil {
		t.Fatal("expected dial error for closed port")
	}
}
