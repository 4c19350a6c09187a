package gapqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"duskline/internal/domain"
	"duskline/internal/pipeline"
)

// retryMax is GAP_QUEUE_RETRY_MAX: per-job attempts before the job is left
// at the head of its conversation's queue for a later drain.
const retryMax = 3

// retryInterval is the fixed pause between per-job retry attempts.
const retryInterval = 2 * time.Second

// offlineBackoffCap bounds how long a conversation's drain is throttled
// after exhausting retries, so a long outage never permanently starves a
// conversation once the relay comes back.
const offlineBackoffCap = 5 * time.Minute

// offlineBackoffBase is the starting throttle applied after the first
// exhausted-retries drain failure for a conversation; it doubles on each
// consecutive failure up to offlineBackoffCap.
const offlineBackoffBase = 2 * time.Second

// Submitter is the live coordinator's enqueue surface; gap-filled items
// rejoin the same commit/rollback-gated decrypt path as any live packet.
type Submitter interface {
	Submit(ctx context.Context, item domain.ReplayItem) error
}

// Job identifies one missing counter to fetch and replay.
type Job struct {
	ConversationID domain.ConversationID
	SenderDeviceID domain.DeviceID
	TargetCounter  uint64
}

func (j Job) key() string {
	return fmt.Sprintf("%s|%s|%d", j.ConversationID, j.SenderDeviceID, j.TargetCounter)
}

// Queue is the bounded per-conversation gap-fill FIFO (spec §4.9).
type Queue struct {
	relay       domain.RelayClient
	coordinator Submitter
	self        domain.PeerKey

	mu       sync.Mutex
	jobs     map[domain.ConversationID][]Job
	seen     map[string]bool
	throttle map[domain.ConversationID]*limiterState
}

type limiterState struct {
	limiter  *rate.Limiter
	nextWait time.Duration
}

// New constructs a Queue. self identifies this device, used to classify
// fetched packets into ReplayItems the same way the live/replay paths do.
func New(relay domain.RelayClient, coordinator Submitter, self domain.PeerKey) *Queue {
	return &Queue{
		relay:       relay,
		coordinator: coordinator,
		self:        self,
		jobs:        make(map[domain.ConversationID][]Job),
		seen:        make(map[string]bool),
		throttle:    make(map[domain.ConversationID]*limiterState),
	}
}

// Enqueue adds job to its conversation's FIFO, sorted by TargetCounter,
// deduplicating an already-queued (conversation, sender, counter) triple.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[job.key()] {
		return
	}
	q.seen[job.key()] = true
	list := append(q.jobs[job.ConversationID], job)
	sort.Slice(list, func(i, j int) bool { return list[i].TargetCounter < list[j].TargetCounter })
	q.jobs[job.ConversationID] = list
}

// ProbeMaxCounter asks the relay for the highest counter it holds for
// senderDeviceID in conversationID, so callers can compute and enqueue every
// gap between the local processed counter and the server's max (spec §4.9).
func (q *Queue) ProbeMaxCounter(ctx context.Context, conversationID domain.ConversationID, senderDeviceID domain.DeviceID) (uint64, error) {
	max, err := q.relay.FetchMaxCounter(ctx, conversationID, senderDeviceID)
	if err != nil {
		return 0, fmt.Errorf("gapqueue: probe max counter: %w", err)
	}
	return max, nil
}

// conversationIDs returns a stable snapshot of conversations with pending
// work, so DrainAll's fan-out doesn't race Enqueue calls arriving mid-drain.
func (q *Queue) conversationIDs() []domain.ConversationID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]domain.ConversationID, 0, len(q.jobs))
	for id, jobs := range q.jobs {
		if len(jobs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// DrainAll drains every conversation with pending jobs in parallel; within
// one conversation, jobs are always fetched and submitted strictly in
// TargetCounter order (spec §4.9 "serial within conversation, parallel
// across conversations").
func (q *Queue) DrainAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, convID := range q.conversationIDs() {
		convID := convID
		g.Go(func() error { return q.drainConversation(gctx, convID) })
	}
	return g.Wait()
}

func (q *Queue) drainConversation(ctx context.Context, convID domain.ConversationID) error {
	if ls := q.throttleFor(convID); ls != nil {
		if err := ls.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		job, ok := q.peek(convID)
		if !ok {
			return nil
		}
		if err := q.runJobWithRetry(ctx, job); err != nil {
			q.applyBackoff(convID)
			return fmt.Errorf("gapqueue: conversation %s stalled at counter %d: %w", convID, job.TargetCounter, err)
		}
		q.resetBackoff(convID)
		q.pop(convID)
	}
}

func (q *Queue) runJobWithRetry(ctx context.Context, job Job) error {
	var lastErr error
	for attempt := 0; attempt < retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := q.runJob(ctx, job); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("gapqueue: exhausted %d attempts: %w", retryMax, lastErr)
}

func (q *Queue) runJob(ctx context.Context, job Job) error {
	packet, ok, err := q.relay.FetchByCounter(ctx, job.ConversationID, job.TargetCounter, job.SenderDeviceID)
	if err != nil {
		return fmt.Errorf("fetch by counter: %w", err)
	}
	if !ok {
		return fmt.Errorf("counter %d not yet available", job.TargetCounter)
	}
	item, err := pipeline.Classify(packet, q.self)
	if err != nil {
		// Not a replayable item (fallback marker, missing DR marker): treat
		// the gap as resolved rather than retrying forever on a packet that
		// will never classify cleanly.
		return nil
	}
	return q.coordinator.Submit(ctx, item)
}

func (q *Queue) peek(convID domain.ConversationID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.jobs[convID]
	if len(list) == 0 {
		return Job{}, false
	}
	return list[0], true
}

func (q *Queue) pop(convID domain.ConversationID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.jobs[convID]
	if len(list) == 0 {
		return
	}
	delete(q.seen, list[0].key())
	q.jobs[convID] = list[1:]
}

func (q *Queue) throttleFor(convID domain.ConversationID) *limiterState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.throttle[convID]
}

// applyBackoff doubles the conversation's throttle interval (capped at
// offlineBackoffCap) after a drain attempt exhausts its per-job retries,
// so a prolonged outage doesn't spin DrainAll against a dead relay.
func (q *Queue) applyBackoff(convID domain.ConversationID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ls, ok := q.throttle[convID]
	if !ok {
		ls = &limiterState{nextWait: offlineBackoffBase}
		q.throttle[convID] = ls
	} else {
		ls.nextWait *= 2
		if ls.nextWait > offlineBackoffCap {
			ls.nextWait = offlineBackoffCap
		}
	}
	ls.limiter = rate.NewLimiter(rate.Every(ls.nextWait), 1)
	ls.limiter.Allow() // drain the initial burst token so the next Wait actually blocks
}

// resetBackoff clears a conversation's throttle once it drains cleanly.
func (q *Queue) resetBackoff(convID domain.ConversationID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.throttle, convID)
}
