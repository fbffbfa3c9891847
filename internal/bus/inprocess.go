package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InProcessBus is a pure-memory Bus: a map from topic name to an ordered
// log of entries, guarded by one mutex and a condition variable so
// block_ms readers suspend until the next publish instead of polling.
// Grounded on the same mutex+cond+ring idiom used elsewhere in this
// codebase for in-memory fan-out, generalized here to a cursor-addressable
// append log with optional consumer-group offsets.
type InProcessBus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	topics  map[string]*topicLog
	closed  bool
	groups  map[groupKey]*groupState
	seq     uint64
}

type topicLog struct {
	entries []Message
}

// entriesOrNil lets callers read the length of a possibly-absent topic
// without a separate nil check; a topic with no publishes yet is simply
// empty, not an error.
func (l *topicLog) entriesOrNil() []Message {
	if l == nil {
		return nil
	}
	return l.entries
}

type groupKey struct {
	topic string
	group string
}

// groupState tracks, for one (topic, group) pair, the next unread offset
// and the set of entries claimed but not yet acked, each with the time it
// was claimed so a stale claim becomes eligible for redelivery.
type groupState struct {
	nextOffset int
	pending    map[string]pendingEntry // cursor -> entry
}

type pendingEntry struct {
	index     int
	claimedAt time.Time
}

// claimTimeout is how long an entry can sit claimed-but-unacked before it
// becomes eligible for redelivery to another consumer in the same group.
const claimTimeout = 30 * time.Second

// NewInProcessBus creates an empty in-process bus.
func NewInProcessBus() *InProcessBus {
	b := &InProcessBus{
		topics: make(map[string]*topicLog),
		groups: make(map[groupKey]*groupState),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *InProcessBus) cursorFor(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (b *InProcessBus) Publish(_ context.Context, topic, id string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusUnavailable
	}
	b.seq++
	cursor := b.cursorFor(b.seq)
	log, ok := b.topics[topic]
	if !ok {
		log = &topicLog{}
		b.topics[topic] = log
	}
	log.entries = append(log.entries, Message{ID: id, Topic: topic, Payload: payload, Cursor: cursor})
	b.cond.Broadcast()
	return cursor, nil
}

func (b *InProcessBus) Read(ctx context.Context, req ReadRequest) ([]Message, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(time.Duration(req.BlockMS) * time.Millisecond)

	// Wake any blocked Wait() if the caller's context is cancelled first.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stopWatch:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	// For a live-tail read (no LastCursor), the starting offset is the
	// log length at the moment this call began — resolved once, here —
	// so a message published while this call is parked in cond.Wait is
	// still at-or-after that offset on the next retry. Recomputing "the
	// current tail" on every retry would make the anchor chase the log
	// forever and never observe anything appended during the wait.
	anchor := -1
	if req.Group == "" && req.LastCursor == "" {
		anchor = len(b.topics[req.Topic].entriesOrNil())
	}

	for {
		if b.closed {
			return nil, ErrBusUnavailable
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var msgs []Message
		var err error
		if req.Group != "" {
			msgs, err = b.readGroupLocked(req, limit)
		} else if anchor >= 0 {
			msgs, err = b.readFromIndexLocked(req.Topic, anchor, limit)
		} else {
			msgs, err = b.readTailLocked(req, limit)
		}
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || req.BlockMS <= 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
}

// readTailLocked returns entries strictly after req.LastCursor. It is only
// used when a cursor is actually supplied; a live-tail read (no cursor)
// goes through readFromIndexLocked against an anchor resolved once per
// Read call, not recomputed on every retry.
func (b *InProcessBus) readTailLocked(req ReadRequest, limit int) ([]Message, error) {
	log, ok := b.topics[req.Topic]
	if !ok {
		return nil, nil
	}
	start, err := b.indexAfterCursor(log, req.LastCursor)
	if err != nil {
		return nil, err
	}
	return sliceFrom(log.entries, start, limit), nil
}

// readFromIndexLocked returns up to limit entries starting at a fixed
// index, used for live-tail reads whose anchor was resolved once before
// entering the retry loop (matching the "no replay by default" contract
// the Gateway relies on for a connection with no Last-Event-ID).
func (b *InProcessBus) readFromIndexLocked(topic string, start, limit int) ([]Message, error) {
	log, ok := b.topics[topic]
	if !ok {
		return nil, nil
	}
	return sliceFrom(log.entries, start, limit), nil
}

func sliceFrom(entries []Message, start, limit int) []Message {
	if start >= len(entries) {
		return nil
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]Message, end-start)
	copy(out, entries[start:end])
	return out
}

// indexAfterCursor returns the index of the first entry strictly after
// cursor. Since this backend retains the full log in memory, any cursor
// lexically between two retained entries (or before the first) resolves
// the same way a backend with retention would treat an evicted cursor —
// positioned just after it — rather than erroring.
func (b *InProcessBus) indexAfterCursor(log *topicLog, cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	for i, e := range log.entries {
		if e.Cursor == cursor {
			return i + 1, nil
		}
		if e.Cursor > cursor {
			return i, nil
		}
	}
	return len(log.entries), nil
}

// readGroupLocked delivers entries not yet claimed by req.Group, preferring
// first to reclaim anything past claimTimeout (at-least-once redelivery),
// then to hand out fresh entries starting at the group's offset.
func (b *InProcessBus) readGroupLocked(req ReadRequest, limit int) ([]Message, error) {
	log, ok := b.topics[req.Topic]
	if !ok {
		return nil, nil
	}
	key := groupKey{topic: req.Topic, group: req.Group}
	gs, ok := b.groups[key]
	if !ok {
		gs = &groupState{pending: make(map[string]pendingEntry)}
		b.groups[key] = gs
	}

	var out []Message
	now := time.Now()

	// Reclaim stale pending entries first.
	for cursor, pe := range gs.pending {
		if len(out) >= limit {
			break
		}
		if now.Sub(pe.claimedAt) >= claimTimeout {
			out = append(out, log.entries[pe.index])
			gs.pending[cursor] = pendingEntry{index: pe.index, claimedAt: now}
		}
	}
	if len(out) >= limit {
		return out, nil
	}

	for gs.nextOffset < len(log.entries) && len(out) < limit {
		e := log.entries[gs.nextOffset]
		gs.pending[e.Cursor] = pendingEntry{index: gs.nextOffset, claimedAt: now}
		out = append(out, e)
		gs.nextOffset++
	}
	return out, nil
}

func (b *InProcessBus) Ack(_ context.Context, topic, group, cursor string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey{topic: topic, group: group}
	gs, ok := b.groups[key]
	if !ok {
		return nil
	}
	delete(gs.pending, cursor)
	return nil
}

func (b *InProcessBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}
