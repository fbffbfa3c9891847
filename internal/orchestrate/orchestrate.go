// Package orchestrate implements orchestrate_split: deterministic fan-out
// of one task to N child conversations of the same agent, with optional
// signal-based fan-in. Grounded on the teacher's parent/child task
// bookkeeping (tasks.Task's ParentTaskID/DependsOn) and the supervised
// fan-out-then-validate shape of agent/coordinator.go, generalized from
// "sub-agent task" to "child conversation."
package orchestrate

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/dohr-michael/ozzie/internal/bus"
	"github.com/dohr-michael/ozzie/internal/envelope"
	"github.com/dohr-michael/ozzie/internal/ingress"
	"github.com/dohr-michael/ozzie/internal/signals"
)

// PolicyViolation is returned when a requested allowed_paths entry isn't
// covered by any pattern in the configured root allowlist.
type PolicyViolation struct {
	Path string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("orchestrate: path %q is outside the allowed roots", e.Path)
}

// Config governs path-allowlist enforcement for the allowed_paths hint.
// A nil/empty AllowedPathRoots disables enforcement.
type Config struct {
	AllowedPathRoots []string // doublestar glob patterns, e.g. "repo/**"
}

// WorkerSignaler adapts Signals to worker.DoneSignaler, so a Worker
// configured with ORCHESTRATE_AUTO_DONE can emit the child completion
// signal spec.md §4.6 describes without depending on this package.
type WorkerSignaler struct {
	Signals *signals.Signals
}

func (w WorkerSignaler) SignalDone(ctx context.Context, doneTopic, outputDigest string) error {
	_, err := w.Signals.Send(ctx, doneTopic, map[string]any{"output_digest": outputDigest}, "")
	return err
}

// Orchestrator implements orchestrate_split.
type Orchestrator struct {
	bus     bus.Bus
	signals *signals.Signals
	cfg     Config
}

// New builds an Orchestrator. sig may be nil when wait=true is never used.
func New(b bus.Bus, sig *signals.Signals, cfg Config) *Orchestrator {
	return &Orchestrator{bus: b, signals: sig, cfg: cfg}
}

// Split describes one call to orchestrate_split.
type Split struct {
	ParentConversationID string
	ParentAgent          string // the agent:<name> that is splitting the task; used as envelope sender
	Task                 string
	N                    int
	Responsibilities     []string // optional, len 0 or N: per-child task refinement
	AllowedPaths         []string // optional, enforced against cfg.AllowedPathRoots
	TargetAgent          string
	TimeoutMS            int
	Wait                 bool
}

// Result is what orchestrate_split returns.
type Result struct {
	ConversationIDs []string
	DoneTopics      []string
	WaitResults     map[string]signals.WaitResult // nil unless Wait was requested
}

// Run executes one orchestrate_split call.
func (o *Orchestrator) Run(ctx context.Context, s Split) (Result, error) {
	if s.N <= 0 {
		return Result{}, fmt.Errorf("orchestrate: n must be positive, got %d", s.N)
	}
	if len(s.Responsibilities) != 0 && len(s.Responsibilities) != s.N {
		return Result{}, fmt.Errorf("orchestrate: responsibilities has %d entries, want 0 or %d", len(s.Responsibilities), s.N)
	}
	if err := o.checkAllowedPaths(s.AllowedPaths); err != nil {
		return Result{}, err
	}

	result := Result{
		ConversationIDs: make([]string, s.N),
		DoneTopics:      make([]string, s.N),
	}

	for i := 0; i < s.N; i++ {
		childConversationID := uuid.New().String()
		doneTopic := envelope.SignalTopic(fmt.Sprintf("orchestrate/%s/%d", s.ParentConversationID, i), "done")

		content := s.Task
		if len(s.Responsibilities) == s.N {
			content = fmt.Sprintf("%s\n\nYour responsibility: %s", s.Task, s.Responsibilities[i])
		}

		metadata := map[string]any{
			"orchestrate": map[string]any{
				"parent_id":  s.ParentConversationID,
				"done_topic": doneTopic,
			},
		}
		if len(s.AllowedPaths) > 0 {
			metadata["orchestrate"].(map[string]any)["allowed_paths"] = s.AllowedPaths
		}
		if len(s.Responsibilities) == s.N {
			metadata["orchestrate"].(map[string]any)["responsibilities"] = s.Responsibilities[i]
		}

		sender := s.ParentAgent
		if sender == "" {
			sender = "agent:" + s.TargetAgent
		}
		env := envelope.New("", childConversationID, sender, "agent:"+s.TargetAgent, envelope.TypeMessage, content, metadata)
		if _, err := ingress.Publish(ctx, o.bus, env); err != nil {
			return Result{}, fmt.Errorf("publish child %d: %w", i, err)
		}

		result.ConversationIDs[i] = childConversationID
		result.DoneTopics[i] = doneTopic
	}

	if s.Wait {
		if o.signals == nil {
			return result, fmt.Errorf("orchestrate: wait=true requires a signals helper")
		}
		waitResults, err := o.signals.WaitAll(ctx, result.DoneTopics, nil, s.TimeoutMS, s.ParentConversationID)
		if err != nil {
			return result, err
		}
		result.WaitResults = waitResults
	}

	return result, nil
}

func (o *Orchestrator) checkAllowedPaths(paths []string) error {
	if len(o.cfg.AllowedPathRoots) == 0 {
		return nil
	}
	for _, p := range paths {
		covered := false
		for _, root := range o.cfg.AllowedPathRoots {
			if ok, _ := doublestar.Match(root, p); ok {
				covered = true
				break
			}
		}
		if !covered {
			return &PolicyViolation{Path: p}
		}
	}
	return nil
}
