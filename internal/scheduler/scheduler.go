// Package scheduler delivers queued callbacks at their due time from a single
// loop goroutine.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"persona-chat/internal/metrics"
)

const defaultTaskTimeout = 30 * time.Second

var (
	ErrQueueFull = errors.New("scheduler: background queue full")
	ErrClosed    = errors.New("scheduler: closed")
)

// Class decides whether a task can be cancelled.
type Class int

const (
	// Foreground tasks are bound to the conversation view and dropped by
	// CancelForeground.
	Foreground Class = iota
	// Background tasks run to completion even after the view goes away.
	Background
)

func (c Class) String() string {
	if c == Background {
		return "background"
	}
	return "foreground"
}

// Task is one callback. Delay is relative to the moment it is scheduled. Run
// receives a context that expires after the scheduler's task timeout; for
// foreground tasks CancelForeground cancels it as well.
type Task struct {
	ConversationID string
	Class          Class
	Delay          time.Duration
	Name           string
	Run            func(ctx context.Context)
}

type item struct {
	task  Task
	due   time.Time
	seq   uint64
	ctx   context.Context
	index int
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type foreground struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler runs every callback on one goroutine, in (due, enqueue) order.
type Scheduler struct {
	logger      *slog.Logger
	now         func() time.Time
	bg          *semaphore.Weighted
	taskTimeout time.Duration

	mu      sync.Mutex
	queue   taskHeap
	seq     uint64
	views   map[string]*foreground
	pending map[string]int
	idle    map[string]chan struct{}
	closed  bool

	base    context.Context
	stop    context.CancelFunc
	wake    chan struct{}
	stopped chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTaskTimeout bounds each task run. Non-positive values keep the default.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// New starts a scheduler. maxBackground caps background tasks queued or
// running at once across all conversations.
func New(maxBackground int, logger *slog.Logger, opts ...Option) *Scheduler {
	if maxBackground <= 0 {
		maxBackground = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:      logger,
		now:         time.Now,
		bg:          semaphore.NewWeighted(int64(maxBackground)),
		taskTimeout: defaultTaskTimeout,
		views:       make(map[string]*foreground),
		pending:     make(map[string]int),
		idle:        make(map[string]chan struct{}),
		base:        base,
		stop:        stop,
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// Schedule enqueues one task.
func (s *Scheduler) Schedule(t Task) error {
	return s.ScheduleAll([]Task{t})
}

// ScheduleAll enqueues tasks atomically: either every task is queued or none
// is. Background capacity is reserved for the whole batch up front.
func (s *Scheduler) ScheduleAll(tasks []Task) error {
	var bgCount int64
	for _, t := range tasks {
		if t.Run == nil {
			return errors.New("scheduler: task run must not be nil")
		}
		if t.Class == Background {
			bgCount++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if bgCount > 0 && !s.bg.TryAcquire(bgCount) {
		return ErrQueueFull
	}

	now := s.now()
	for _, t := range tasks {
		ctx := s.base
		if t.Class == Foreground {
			ctx = s.viewContext(t.ConversationID)
		}
		s.seq++
		heap.Push(&s.queue, &item{task: t, due: now.Add(t.Delay), seq: s.seq, ctx: ctx})
		s.pending[t.ConversationID]++
		metrics.QueuedTasks.WithLabelValues(t.Class.String()).Inc()
	}
	s.signal()
	return nil
}

func (s *Scheduler) viewContext(conversationID string) context.Context {
	v, ok := s.views[conversationID]
	if !ok || v.ctx.Err() != nil {
		ctx, cancel := context.WithCancel(s.base)
		v = &foreground{ctx: ctx, cancel: cancel}
		s.views[conversationID] = v
	}
	return v.ctx
}

// CancelForeground drops every queued foreground task of the conversation
// and cancels the context of one that is running. Background tasks are not
// touched. It returns the number of tasks dropped.
func (s *Scheduler) CancelForeground(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.views[conversationID]; ok {
		v.cancel()
		delete(s.views, conversationID)
	}
	kept := s.queue[:0]
	dropped := 0
	for _, it := range s.queue {
		if it.task.ConversationID == conversationID && it.task.Class == Foreground {
			dropped++
			s.doneLocked(it.task)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	for i, it := range s.queue {
		it.index = i
	}
	heap.Init(&s.queue)
	if dropped > 0 {
		s.signal()
	}
	return dropped
}

// Pending returns the number of queued or running tasks of a conversation.
func (s *Scheduler) Pending(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[conversationID]
}

// Wait blocks until the conversation has no queued or running task.
func (s *Scheduler) Wait(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.pending[conversationID] == 0 {
		s.mu.Unlock()
		return nil
	}
	ch, ok := s.idle[conversationID]
	if !ok {
		ch = make(chan struct{})
		s.idle[conversationID] = ch
	}
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for the queue to drain. If ctx ends
// first, remaining tasks are abandoned and ctx's error is returned.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.signal()
	s.mu.Unlock()

	select {
	case <-s.stopped:
		s.stop()
		return nil
	case <-ctx.Done():
		s.stop()
		<-s.stopped
		return ctx.Err()
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		if s.base.Err() != nil {
			return
		}
		s.mu.Lock()
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		var (
			next *item
			wait time.Duration = -1
		)
		if len(s.queue) > 0 {
			if d := s.queue[0].due.Sub(s.now()); d <= 0 {
				next = heap.Pop(&s.queue).(*item)
			} else {
				wait = d
			}
		}
		s.mu.Unlock()

		if next != nil {
			s.run(next)
			continue
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-s.wake:
		case <-fire:
		case <-s.base.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) run(it *item) {
	defer func() {
		s.mu.Lock()
		s.doneLocked(it.task)
		s.mu.Unlock()
	}()
	if it.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", "conversation_id", it.task.ConversationID, "task", it.task.Name, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(it.ctx, s.taskTimeout)
	defer cancel()
	it.task.Run(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("scheduled task exceeded its timeout", "conversation_id", it.task.ConversationID, "task", it.task.Name, "timeout", s.taskTimeout)
	}
}

func (s *Scheduler) doneLocked(t Task) {
	if t.Class == Background {
		s.bg.Release(1)
	}
	metrics.QueuedTasks.WithLabelValues(t.Class.String()).Dec()
	s.pending[t.ConversationID]--
	if s.pending[t.ConversationID] > 0 {
		return
	}
	delete(s.pending, t.ConversationID)
	if ch, ok := s.idle[t.ConversationID]; ok {
		close(ch)
		delete(s.idle, t.ConversationID)
	}
}
