package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeSender struct {
	name      string
	sent      []string
	broadcast int
	err       error
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, userID string, msg Message) error {
	f.sent = append(f.sent, userID+"|"+msg.Content)
	return f.err
}

type fakeBroadcaster struct{ fakeSender }

func (f *fakeBroadcaster) Broadcast(ctx context.Context, msg Message) error {
	f.broadcast++
	return f.err
}

func TestSendRoutesByPrefix(t *testing.T) {
	g := New(0)
	tg := &fakeSender{name: "telegram"}
	dc := &fakeSender{name: "discord"}
	g.Register(tg)
	g.Register(dc)

	res := g.Send(context.Background(), "telegram:12345", Message{Content: "hello", Priority: PriorityNormal, Source: SourceAgent})
	if !res.Success || res.Channel != "telegram" {
		t.Fatalf("Send = %+v, want success on telegram", res)
	}
	if len(tg.sent) != 1 || len(dc.sent) != 0 {
		t.Errorf("delivery went to the wrong sender: tg=%v dc=%v", tg.sent, dc.sent)
	}
}

func TestSendMissingPrefixFailsWithoutInvokingSenders(t *testing.T) {
	g := New(0)
	s := &fakeSender{name: "telegram"}
	g.Register(s)

	res := g.Send(context.Background(), "noprefix", Message{Content: "x"})
	if res.Success || res.Error == "" {
		t.Fatalf("Send = %+v, want failure with error", res)
	}
	if len(s.sent) != 0 {
		t.Error("sender was invoked for an unroutable user id")
	}
}

func TestSendUnknownChannel(t *testing.T) {
	g := New(0)
	res := g.Send(context.Background(), "matrix:room1", Message{Content: "x"})
	if res.Success || !strings.Contains(res.Error, "matrix") {
		t.Fatalf("Send = %+v, want descriptive failure", res)
	}
}

func TestSendSenderErrorIsReportedNotThrown(t *testing.T) {
	g := New(0)
	g.Register(&fakeSender{name: "discord", err: errors.New("api down")})

	res := g.Send(context.Background(), "discord:42", Message{Content: "x"})
	if res.Success || res.Error != "api down" {
		t.Fatalf("Send = %+v, want failure carrying the sender error", res)
	}
}

func TestRegisterLastWriteWinsAndUnregisterIdempotent(t *testing.T) {
	g := New(0)
	first := &fakeSender{name: "telegram"}
	second := &fakeSender{name: "telegram"}
	g.Register(first)
	g.Register(second)

	g.Send(context.Background(), "telegram:1", Message{Content: "x"})
	if len(first.sent) != 0 || len(second.sent) != 1 {
		t.Errorf("last-registered sender did not win: first=%v second=%v", first.sent, second.sent)
	}

	g.Unregister("telegram")
	g.Unregister("telegram")
	if res := g.Send(context.Background(), "telegram:1", Message{Content: "x"}); res.Success {
		t.Error("send succeeded after unregister")
	}
}

func TestBroadcastOnlyReachesBroadcasters(t *testing.T) {
	g := New(0)
	plain := &fakeSender{name: "telegram"}
	capable := &fakeBroadcaster{fakeSender{name: "discord"}}
	failing := &fakeBroadcaster{fakeSender{name: "feed", err: errors.New("down")}}
	g.Register(plain)
	g.Register(capable)
	g.Register(failing)

	results := g.Broadcast(context.Background(), Message{Content: "announcement", Source: SourceSystem})
	if len(results) != 2 {
		t.Fatalf("Broadcast results = %+v, want 2 (broadcasters only)", results)
	}
	byChannel := map[string]SendResult{}
	for _, r := range results {
		byChannel[r.Channel] = r
	}
	if !byChannel["discord"].Success {
		t.Errorf("discord broadcast = %+v, want success", byChannel["discord"])
	}
	if byChannel["feed"].Success || byChannel["feed"].Error != "down" {
		t.Errorf("feed broadcast = %+v, want reported failure", byChannel["feed"])
	}
	if capable.broadcast != 1 {
		t.Errorf("broadcast count = %d, want 1", capable.broadcast)
	}
}

func TestRateLimiterCancellation(t *testing.T) {
	// Burst of 1 per minute: the second send must wait, and a cancelled
	// context turns the wait into a reported failure.
	g := New(1)
	g.Register(&fakeSender{name: "telegram"})

	ctx, cancel := context.WithCancel(context.Background())
	if res := g.Send(ctx, "telegram:1", Message{Content: "a"}); !res.Success {
		t.Fatalf("first send = %+v, want success", res)
	}
	cancel()
	if res := g.Send(ctx, "telegram:1", Message{Content: "b"}); res.Success {
		t.Fatalf("second send = %+v, want rate-limited failure", res)
	}
}
