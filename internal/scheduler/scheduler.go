// Package scheduler owns the recurring pull, compact-check, and
// upload-drain tasks, plus on-demand sync_now and coordinated shutdown.
// The min-heap of next-fire-times is adapted directly from the teacher's
// processmgr scheduler, generalized from int64 process ids to string task
// names.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// taskEvent is one scheduled task's next fire time.
type taskEvent struct {
	name  string
	when  time.Time
	index int
}

type eventHeap []*taskEvent

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *eventHeap) Push(x any) {
	ev := x.(*taskEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}

type heapScheduler struct {
	h       eventHeap
	entries map[string]*taskEvent
}

func newHeapScheduler() *heapScheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &heapScheduler{h: h, entries: make(map[string]*taskEvent)}
}

func (s *heapScheduler) push(name string, when time.Time) {
	if old, ok := s.entries[name]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, name)
	}
	ev := &taskEvent{name: name, when: when}
	s.entries[name] = ev
	heap.Push(&s.h, ev)
}

func (s *heapScheduler) next() (name string, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	ev := s.h[0]
	return ev.name, ev.when, true
}

func (s *heapScheduler) pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*taskEvent)
	delete(s.entries, ev.name)
}

const (
	taskPull         = "pull"
	taskCompactCheck = "compact_check"

	compactCheckInterval = 5 * time.Minute
	shutdownGrace        = 10 * time.Second
	maxBackoffMultiplier = 8
)

// SyncErrorFunc reports a per-task failure as a sync-error event (spec.md
// §7's "Scheduler converts per-task failures into sync-error events").
type SyncErrorFunc func(kind, detail string)

// PullFunc runs one pull tick (puller.SyncNow). CompactFunc evaluates
// compaction thresholds and runs the compactor if due. DrainFunc flushes
// the oplog writer's pending upload queue.
type PullFunc func(ctx context.Context) error
type CompactFunc func(ctx context.Context) error
type DrainFunc func(ctx context.Context)

// Scheduler drives the three recurring tasks from spec.md §4.7 plus
// manual sync_now requests.
type Scheduler struct {
	log          *zap.Logger
	pullInterval time.Duration
	pull         PullFunc
	compactCheck CompactFunc
	drain        DrainFunc

	syncNowCh chan chan error
	uploadCh  chan struct{}

	onSyncError     SyncErrorFunc
	pullBackoffMult int
}

// New constructs a Scheduler. pullInterval must already satisfy the
// 5s-3600s bound from the configuration schema.
func New(log *zap.Logger, pullInterval time.Duration, pull PullFunc, compactCheck CompactFunc, drain DrainFunc) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		log:             log.Named("scheduler"),
		pullInterval:    pullInterval,
		pull:            pull,
		compactCheck:    compactCheck,
		drain:           drain,
		syncNowCh:       make(chan chan error),
		uploadCh:        make(chan struct{}, 1),
		pullBackoffMult: 1,
	}
}

// SetSyncErrorHandler installs fn to receive a sync-error event whenever a
// scheduled pull or compact-check tick fails, per spec.md §7. fn must not
// block.
func (s *Scheduler) SetSyncErrorHandler(fn SyncErrorFunc) {
	s.onSyncError = fn
}

// reportError forwards kind/detail to the installed sync-error handler, if
// any.
func (s *Scheduler) reportError(kind, detail string) {
	if s.onSyncError != nil {
		s.onSyncError(kind, detail)
	}
}

// nextPullInterval applies the current backoff multiplier (doubled on
// failure, reset on success, capped at 8x per spec.md §7) to the
// configured pull interval.
func (s *Scheduler) nextPullInterval() time.Duration {
	return s.pullInterval * time.Duration(s.pullBackoffMult)
}

// NotifyUploadPending wakes the upload-drain task, which then calls the
// DrainFunc once. Multiple notifications before the task runs coalesce
// into one drain.
func (s *Scheduler) NotifyUploadPending() {
	select {
	case s.uploadCh <- struct{}{}:
	default:
	}
}

// SyncNow requests an immediate pull and blocks until it completes.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.syncNowCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the scheduler's main loop. It blocks until ctx is cancelled, at
// which point it flushes the upload queue with a bounded grace period
// before returning.
func (s *Scheduler) Run(ctx context.Context) {
	sched := newHeapScheduler()
	now := time.Now()
	sched.push(taskPull, now.Add(s.pullInterval))
	sched.push(taskCompactCheck, now.Add(compactCheckInterval))

	timer := time.NewTimer(s.pullInterval)
	defer timer.Stop()
	s.armTimer(timer, sched)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return

		case reply := <-s.syncNowCh:
			err := s.pull(ctx)
			s.recordPullOutcome(err)
			reply <- err
			sched.push(taskPull, time.Now().Add(s.nextPullInterval()))
			s.armTimer(timer, sched)

		case <-s.uploadCh:
			s.drain(ctx)

		case <-timer.C:
			name, _, ok := sched.next()
			if !ok {
				continue
			}
			sched.pop()
			switch name {
			case taskPull:
				err := s.pull(ctx)
				s.recordPullOutcome(err)
				sched.push(taskPull, time.Now().Add(s.nextPullInterval()))
			case taskCompactCheck:
				if err := s.compactCheck(ctx); err != nil {
					s.log.Warn("compact check failed", zap.Error(err))
					s.reportError("BackendTransient", fmt.Sprintf("compact check: %v", err))
				}
				sched.push(taskCompactCheck, time.Now().Add(compactCheckInterval))
			}
			s.armTimer(timer, sched)
		}
	}
}

// recordPullOutcome doubles the pull backoff multiplier (capped at 8x) on
// failure and resets it to 1x on success, per spec.md §7, and forwards a
// sync-error event on failure.
func (s *Scheduler) recordPullOutcome(err error) {
	if err == nil {
		s.pullBackoffMult = 1
		return
	}
	s.log.Warn("pull failed", zap.Error(err), zap.Int("backoff_multiplier", s.pullBackoffMult))
	s.reportError("Network", fmt.Sprintf("pull: %v", err))
	if s.pullBackoffMult < maxBackoffMultiplier {
		s.pullBackoffMult *= 2
	}
}

func (s *Scheduler) armTimer(timer *time.Timer, sched *heapScheduler) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	_, when, ok := sched.next()
	if !ok {
		return
	}
	d := time.Until(when)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.drain(ctx)
	s.log.Info(fmt.Sprintf("scheduler shut down, flushed upload queue within %s grace period", shutdownGrace))
}
