package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/pivoxlog"
	"github.com/pivox-go/pivox/internal/ratelimit"
	"github.com/pivox-go/pivox/internal/resource"
	"github.com/pivox-go/pivox/internal/retrypolicy"
)

// defaultResourceCheckInterval is the default resource-sampling cadence.
const defaultResourceCheckInterval = 5 * time.Second

// defaultResourceThreshold is the adaptive-concurrency trigger level.
const defaultResourceThreshold = 0.8

// defaultDomainConcurrency bounds how many tasks for one domain may run
// at once, independent of the global adaptive level.
const defaultDomainConcurrency = 4

// Config bundles Scheduler's construction-time dependencies and tunables.
type Config struct {
	Limiter             *ratelimit.Limiter
	Monitor             *resource.Monitor
	RetryPolicy         retrypolicy.Policy
	MinLevel            int
	MaxLevel            int
	DomainConcurrency   int
	ResourceCheckEvery  time.Duration
	ResourceThreshold   float64
	Logger              *slog.Logger
}

// Scheduler runs tasks with bounded overall and per-domain concurrency,
// respecting priority and dependency ordering.
type Scheduler struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	handles    map[string]*Handle
	ready      *taskQueue
	blocked    map[string]*Task // tasks waiting on dependencies
	domainSems map[string]chan struct{}
	nextSeq    uint64

	limiter     *ratelimit.Limiter
	monitor     *resource.Monitor
	policy      retrypolicy.Policy
	domainCap   int
	threshold   float64
	checkEvery  time.Duration
	minLevel    int
	maxLevel    int
	level       atomic.Int64
	active      atomic.Int64

	wakeCh chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc

	log *slog.Logger
}

// New constructs a Scheduler. Limiter and Monitor are required; the rest
// fall back to package defaults when zero.
func New(cfg Config) *Scheduler {
	if cfg.MinLevel <= 0 {
		cfg.MinLevel = 1
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = 32
	}
	if cfg.DomainConcurrency <= 0 {
		cfg.DomainConcurrency = defaultDomainConcurrency
	}
	if cfg.ResourceCheckEvery <= 0 {
		cfg.ResourceCheckEvery = defaultResourceCheckInterval
	}
	if cfg.ResourceThreshold <= 0 {
		cfg.ResourceThreshold = defaultResourceThreshold
	}
	if cfg.RetryPolicy.MaxBackoff == 0 {
		cfg.RetryPolicy = retrypolicy.Default()
	}

	s := &Scheduler{
		tasks:      make(map[string]*Task),
		handles:    make(map[string]*Handle),
		ready:      newTaskQueue(),
		blocked:    make(map[string]*Task),
		domainSems: make(map[string]chan struct{}),
		limiter:    cfg.Limiter,
		monitor:    cfg.Monitor,
		policy:     cfg.RetryPolicy,
		domainCap:  cfg.DomainConcurrency,
		threshold:  cfg.ResourceThreshold,
		checkEvery: cfg.ResourceCheckEvery,
		minLevel:   cfg.MinLevel,
		maxLevel:   cfg.MaxLevel,
		wakeCh:     make(chan struct{}, 1),
		log:        pivoxlog.OrNop(cfg.Logger),
	}
	s.level.Store(int64(cfg.MaxLevel))
	return s
}

// Enqueue admits task into the scheduler: immediately ready if it has no
// pending dependencies, otherwise held until every dependency reaches a
// terminal status.
func (s *Scheduler) Enqueue(task *Task) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.createdAt = time.Now()
	task.seq = s.nextSeq
	s.nextSeq++
	task.Status = Queued

	handle := &Handle{taskID: task.ID, done: make(chan struct{})}
	s.tasks[task.ID] = task
	s.handles[task.ID] = handle

	if s.dependenciesTerminalLocked(task) {
		s.ready.push(task)
	} else {
		s.blocked[task.ID] = task
	}

	s.wake()
	return handle
}

func (s *Scheduler) dependenciesTerminalLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		depTask, ok := s.tasks[dep]
		if !ok || !depTask.Status.terminal() {
			return false
		}
	}
	return true
}

// Cancel marks a task cancelled. If it is already executing the work
// function's context is not forcibly interrupted and its eventual outcome
// is discarded; a not-yet-started task is prevented from running.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status.terminal() {
		return
	}
	task.Status = Cancelled
	delete(s.blocked, taskID)
	s.finishLocked(task, nil)
}

// CancelAll cancels every task that has not yet reached a terminal
// status.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id, t := range s.tasks {
		if !t.Status.terminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
}

// finishLocked records a task's terminal outcome and re-evaluates any
// blocked tasks that depended on it. Caller holds s.mu.
func (s *Scheduler) finishLocked(task *Task, err error) {
	handle, ok := s.handles[task.ID]
	if ok {
		handle.err = err
		close(handle.done)
	}

	for id, blocked := range s.blocked {
		if s.dependenciesTerminalLocked(blocked) {
			delete(s.blocked, id)
			s.ready.push(blocked)
		}
	}
}

func (s *Scheduler) domainSemFor(domain string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.domainSems[domain]
	if !ok {
		sem = make(chan struct{}, s.domainCap)
		s.domainSems[domain] = sem
	}
	return sem
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start begins dispatching ready tasks and sampling the resource monitor
// for adaptive concurrency, both until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.dispatchLoop(ctx)
	go s.adaptiveConcurrencyLoop(ctx)
}

// Stop halts dispatching and waits for in-flight tasks to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
			s.dispatchReady(ctx)
		case <-ticker.C:
			s.dispatchReady(ctx)
		}
	}
}

// dispatchReady pops ready tasks in priority order and starts each one
// that has both a free global slot and a free domain slot. A task whose
// domain is at capacity is set aside rather than stalling dispatch for
// every other domain; it is returned to the queue once the pass ends.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	var domainCapped []*Task

	for {
		if s.active.Load() >= s.level.Load() {
			break
		}

		s.mu.Lock()
		task := s.ready.pop()
		s.mu.Unlock()
		if task == nil {
			break
		}

		sem := s.domainSemFor(task.Domain)
		select {
		case sem <- struct{}{}:
		default:
			domainCapped = append(domainCapped, task)
			continue
		}

		s.active.Add(1)
		s.wg.Add(1)
		go s.run(ctx, task, sem)
	}

	if len(domainCapped) > 0 {
		s.mu.Lock()
		for _, task := range domainCapped {
			s.ready.push(task)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(ctx context.Context, task *Task, sem chan struct{}) {
	defer s.wg.Done()
	defer func() {
		<-sem
		s.active.Add(-1)
		s.wake()
	}()

	s.mu.Lock()
	if task.Status == Cancelled {
		s.mu.Unlock()
		return
	}
	task.Status = Executing
	s.mu.Unlock()

	if s.limiter != nil {
		if err := s.limiter.WaitForPermission(ctx, task.Domain); err != nil {
			s.finish(task, err)
			return
		}
	}

	err := task.Work(ctx)
	if err == nil {
		s.finish(task, nil)
		return
	}

	kind := kindOf(err)
	if !s.policy.Retryable(kind) || s.policy.MaxRetriesReached(task.RetryCount) {
		s.finish(task, err)
		return
	}

	task.RetryCount++
	backoff := s.policy.Backoff(task.RetryCount - 1)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		s.finish(task, ctx.Err())
		return
	}

	s.mu.Lock()
	if task.Status == Cancelled {
		s.mu.Unlock()
		return
	}
	task.Status = Queued
	s.ready.push(task)
	s.mu.Unlock()
	s.wake()
}

func kindOf(err error) pivoxerr.Kind {
	var pe *pivoxerr.ProxyError
	if asProxyError(err, &pe) {
		return pe.Kind
	}
	return pivoxerr.KindDestinationHTTP
}

func asProxyError(err error, target **pivoxerr.ProxyError) bool {
	for err != nil {
		if pe, ok := err.(*pivoxerr.ProxyError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *Scheduler) finish(task *Task, err error) {
	s.mu.Lock()
	if task.Status == Cancelled {
		// Cancel already closed the handle; this outcome is discarded.
		s.mu.Unlock()
		return
	}
	if err != nil {
		task.Status = Failed
	} else {
		task.Status = Completed
	}
	s.finishLocked(task, err)
	s.mu.Unlock()
}

// adaptiveConcurrencyLoop samples the resource monitor every checkEvery
// and rescales the global concurrency level: ×0.8 when over threshold,
// ×1.2 when both usages are under 70% of threshold, clamped to
// [minLevel, maxLevel].
func (s *Scheduler) adaptiveConcurrencyLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.monitor == nil {
		return
	}

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rescale(s.monitor.Latest())
		}
	}
}

func (s *Scheduler) rescale(sample resource.Sample) {
	current := s.level.Load()
	next := current

	if sample.CPUUsage > s.threshold || sample.MemoryUsage > s.threshold {
		next = int64(math.Round(float64(current) * 0.8))
	} else if sample.CPUUsage < 0.7*s.threshold && sample.MemoryUsage < 0.7*s.threshold {
		next = int64(math.Round(float64(current) * 1.2))
	}

	if next < int64(s.minLevel) {
		next = int64(s.minLevel)
	}
	if next > int64(s.maxLevel) {
		next = int64(s.maxLevel)
	}
	if next != current {
		s.level.Store(next)
		s.wake()
	}
}
