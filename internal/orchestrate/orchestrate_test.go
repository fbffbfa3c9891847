package orchestrate

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/signals"
)

func TestRun_FansOutNChildren(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	o := New(b, nil, Config{})

	res, err := o.Run(context.Background(), Split{
		ParentConversationID: "p1",
		Task:                 "do the thing",
		N:                    3,
		TargetAgent:          "worker-A",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ConversationIDs) != 3 || len(res.DoneTopics) != 3 {
		t.Fatalf("result = %+v, want 3 children", res)
	}
	seen := map[string]bool{}
	for _, id := range res.ConversationIDs {
		if seen[id] {
			t.Errorf("duplicate child conversation id %q", id)
		}
		seen[id] = true
	}

}

func TestRun_PublishesToAgentAndConversationTopics(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	o := New(b, nil, Config{})

	res, err := o.Run(context.Background(), Split{
		ParentConversationID: "p1",
		Task:                 "do the thing",
		N:                    1,
		TargetAgent:          "worker-A",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	childTopic := envelope.ChatConversationTopic(res.ConversationIDs[0])
	msgs, err := b.Read(context.Background(), bus.ReadRequest{Topic: childTopic, LastCursor: "0"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d entries on %s, want 1", len(msgs), childTopic)
	}
	env, err := envelope.Unmarshal(msgs[0].Payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Recipient != "agent:worker-A" {
		t.Errorf("Recipient = %q, want agent:worker-A", env.Recipient)
	}

	agentTopic := envelope.ChatAgentTopic("worker-A")
	agentMsgs, err := b.Read(context.Background(), bus.ReadRequest{Topic: agentTopic, LastCursor: "0"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(agentMsgs) != 1 {
		t.Fatalf("got %d entries on %s, want 1", len(agentMsgs), agentTopic)
	}
}

func TestRun_RejectsMismatchedResponsibilitiesLength(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	o := New(b, nil, Config{})

	_, err := o.Run(context.Background(), Split{
		ParentConversationID: "p1",
		Task:                 "x",
		N:                    2,
		Responsibilities:     []string{"only one"},
		TargetAgent:          "worker-A",
	})
	if err == nil {
		t.Fatal("expected error for mismatched responsibilities length")
	}
}

func TestRun_EnforcesAllowedPathRoots(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	o := New(b, nil, Config{AllowedPathRoots: []string{"repo/src/**"}})

	_, err := o.Run(context.Background(), Split{
		ParentConversationID: "p1",
		Task:                 "x",
		N:                    1,
		AllowedPaths:         []string{"repo/secrets/keys.txt"},
		TargetAgent:          "worker-A",
	})
	var pv *PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("err = %v, want *PolicyViolation", err)
	}
}

func TestRun_AllowsCoveredPaths(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	o := New(b, nil, Config{AllowedPathRoots: []string{"repo/src/**"}})

	_, err := o.Run(context.Background(), Split{
		ParentConversationID: "p1",
		Task:                 "x",
		N:                    1,
		AllowedPaths:         []string{"repo/src/main.go"},
		TargetAgent:          "worker-A",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_WaitAggregatesDoneSignals(t *testing.T) {
	b := bus.NewInProcessBus()
	defer b.Close()
	sig := signals.New(b, signals.Policy{TopicPrefix: "signal:"})
	o := New(b, sig, Config{})

	resCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := o.Run(context.Background(), Split{
			ParentConversationID: "p1",
			Task:                 "x",
			N:                    2,
			TargetAgent:          "worker-A",
			Wait:                 true,
			TimeoutMS:            2000,
		})
		if err != nil {
			errCh <- err
			return
		}
		resCh <- res
	}()

	// Give Run a moment to allocate children and start waiting, then
	// simulate the Worker-side completion signal for each child.
	time.Sleep(80 * time.Millisecond)

	select {
	case err := <-errCh:
		t.Fatalf("Run failed before children were known: %v", err)
	default:
	}

	// We don't have the done topics yet in this goroutine ordering, so
	// rely on the deterministic naming scheme instead.
	for i := 0; i < 2; i++ {
		topic := "signal:orchestrate/p1/" + strconv.Itoa(i) + "/done"
		if _, err := sig.Send(context.Background(), topic, map[string]any{"output_digest": "abc"}, ""); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	select {
	case res := <-resCh:
		if res.WaitResults == nil {
			t.Fatal("expected WaitResults to be populated")
		}
		for _, topic := range res.DoneTopics {
			if res.WaitResults[topic].TimedOut {
				t.Errorf("topic %s timed out, want delivered", topic)
			}
		}
	case err := <-errCh:
		t.Fatalf("Run: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for orchestrate_split to return")
	}
}

