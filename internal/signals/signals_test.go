package signals

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
)

func testPolicy() Policy {
	return Policy{TopicPrefix: "signal:", PayloadMaxBytes: 4096}
}

func TestSend_RejectsOutsidePrefix(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	_, err := s.Send(context.Background(), "chat:foo", map[string]any{}, "")
	var pv *PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("err = %v, want *PolicyViolation", err)
	}
}

func TestSend_RejectsOversizedPayload(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, Policy{TopicPrefix: "signal:", PayloadMaxBytes: 10})

	_, err := s.Send(context.Background(), "signal:t/e", map[string]any{"x": "way too long for the cap"}, "")
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSendWait_RoundTrip(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	done := make(chan WaitResult, 1)
	go func() {
		r, err := s.Wait(context.Background(), "signal:t/done", "", 1000, "")
		if err != nil {
			t.Error(err)
			return
		}
		done <- r
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Send(context.Background(), "signal:t/done", map[string]any{"ok": true}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case r := <-done:
		if r.TimedOut || r.Message == nil {
			t.Fatalf("result = %+v, want a delivered message", r)
		}
		if r.Message.Payload["ok"] != true {
			t.Errorf("payload = %+v, want ok=true", r.Message.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestWait_TimesOutWithNoSend(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	r, err := s.Wait(context.Background(), "signal:t/never", "", 80, "")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !r.TimedOut {
		t.Fatalf("result = %+v, want TimedOut", r)
	}
}

func TestWaitAny_ReportsFiringTopic(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	topics := []string{"signal:t/a", "signal:t/b"}
	res := make(chan WaitResult, 1)
	go func() {
		r, err := s.WaitAny(context.Background(), topics, nil, 1000, "")
		if err != nil {
			t.Error(err)
			return
		}
		res <- r
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Send(context.Background(), "signal:t/b", map[string]any{"which": "b"}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case r := <-res:
		if r.Message == nil || r.Message.Topic != "signal:t/b" {
			t.Fatalf("result = %+v, want topic signal:t/b", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestWaitAll_WaitsForEveryTopic(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	topics := []string{"signal:t/0/done", "signal:t/1/done"}
	res := make(chan map[string]WaitResult, 1)
	go func() {
		r, err := s.WaitAll(context.Background(), topics, nil, 2000, "")
		if err != nil {
			t.Error(err)
			return
		}
		res <- r
	}()

	time.Sleep(30 * time.Millisecond)
	if _, err := s.Send(context.Background(), "signal:t/0/done", map[string]any{}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Send(context.Background(), "signal:t/1/done", map[string]any{}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case r := <-res:
		for _, topic := range topics {
			if wr, ok := r[topic]; !ok || wr.TimedOut {
				t.Errorf("result[%s] = %+v, want a delivered message", topic, wr)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for WaitAll")
	}
}

func TestWaitAll_TimesOutWhenOneMissing(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	topics := []string{"signal:t/0/done", "signal:t/1/done"}
	if _, err := s.Send(context.Background(), "signal:t/0/done", map[string]any{}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	r, err := s.WaitAll(context.Background(), topics, nil, 100, "")
	if err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if r["signal:t/0/done"].TimedOut {
		t.Error("topic 0 should have been delivered, not timed out")
	}
	if !r["signal:t/1/done"].TimedOut {
		t.Error("topic 1 should have timed out")
	}
}

func TestWait_EmitsSignalRecvVisibilityEvent(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	if _, err := s.Send(context.Background(), "signal:t/recv", map[string]any{"ok": true}, "c1"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := s.Wait(context.Background(), "signal:t/recv", "", 500, "c1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	msgs, err := b.Read(context.Background(), bus.ReadRequest{Topic: envelope.StreamTopic("c1"), LastCursor: "0", Limit: 10})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	var sawSend, sawRecv bool
	for _, m := range msgs {
		body := string(m.Payload)
		if strings.Contains(body, "signal_send") {
			sawSend = true
		}
		if strings.Contains(body, "signal_recv") {
			sawRecv = true
		}
	}
	if !sawSend {
		t.Error("expected a signal_send visibility event on the conversation stream")
	}
	if !sawRecv {
		t.Error("expected a signal_recv visibility event on the conversation stream")
	}
}

func TestWait_NoConversationIDEmitsNoVisibilityEvent(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	if _, err := s.Send(context.Background(), "signal:t/quiet", map[string]any{"ok": true}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Wait(context.Background(), "signal:t/quiet", "", 500, ""); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	msgs, err := b.Read(context.Background(), bus.ReadRequest{Topic: envelope.StreamTopic("c1"), LastCursor: "0", Limit: 10})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no visibility events without a conversation_id, got %d", len(msgs))
	}
}

func TestSend_RedactsSensitiveKeysOnReceipt(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	s := New(b, testPolicy())

	if _, err := s.Send(context.Background(), "signal:t/secret", map[string]any{"token": "abc", "note": "ok"}, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	r, err := s.Wait(context.Background(), "signal:t/secret", "", 200, "")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if r.Message.Payload["token"] == "abc" {
		t.Error("expected token to be redacted")
	}
	if r.Message.Payload["note"] != "ok" {
		t.Errorf("note = %v, want unchanged", r.Message.Payload["note"])
	}
}
