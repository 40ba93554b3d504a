package natspub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/MrWong99/novarelay/internal/events"
	"github.com/MrWong99/novarelay/internal/events/natspub"
)

// startServer runs an in-process NATS server on a random loopback port.
func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready within 5s")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestPublisher_PublishesOnKindSubject(t *testing.T) {
	t.Parallel()
	ns := startServer(t)

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()
	s, err := sub.SubscribeSync("novarelay.events.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	p, err := natspub.Connect(natspub.Config{URL: ns.ClientURL(), Subject: "novarelay.events"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer p.Close()

	ev := events.New(events.KindHangup, "call-7")
	ev.CallerID = "5551234567"
	if err := p.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	msg, err := s.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if msg.Subject != "novarelay.events.session.hangup" {
		t.Errorf("subject = %q, want novarelay.events.session.hangup", msg.Subject)
	}
	var got events.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != ev.ID || got.SessionID != "call-7" || got.CallerID != "5551234567" || got.Kind != events.KindHangup {
		t.Errorf("got %+v, want %+v", got, ev)
	}
}

func TestConnect_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  natspub.Config
	}{
		{name: "missing url", cfg: natspub.Config{Subject: "x"}},
		{name: "missing subject", cfg: natspub.Config{URL: "nats://127.0.0.1:4222"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := natspub.Connect(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestConnect_Unreachable(t *testing.T) {
	t.Parallel()
	_, err := natspub.Connect(natspub.Config{
		URL:            "nats://127.0.0.1:1",
		Subject:        "novarelay.events",
		ConnectTimeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected connect error")
	}
}
