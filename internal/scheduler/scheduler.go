// Package scheduler runs bounded sets of repeating per-transaction jobs:
// processor status polling, device state republishing and terminal
// keep-alives. Jobs are keyed (kind, id), timer driven, and in-memory only;
// a restart forgets them.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	KindPoll      Kind = "poll"
	KindRepublish Kind = "republish"
	KindKeepAlive Kind = "keepalive"
)

// Verdict is the outcome of one tick.
type Verdict int

const (
	// Continue reschedules the next tick.
	Continue Verdict = iota
	// Done deregisters the job.
	Done
	// Failed reschedules while the job is under its timeout, else stops it.
	Failed
)

// Action runs one tick. ticks is the number of completed ticks before this
// one. The context is cancelled when the job is stopped or replaced.
type Action func(ctx context.Context, ticks int) Verdict

// Spec describes a job's cadence and behavior.
type Spec struct {
	Interval time.Duration
	// Timeout is the absolute lifetime; zero means unbounded. When it fires
	// the job is deregistered and OnTimeout runs. The timeout itself never
	// mutates any transaction.
	Timeout   time.Duration
	Action    Action
	OnTimeout func(ctx context.Context)
}

type job struct {
	kind      Kind
	id        string
	spec      Spec
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by the engine mutex
	ticker     *time.Timer
	deadline   *time.Timer
	lastAction time.Time
	ticks      int
}

// Engine owns the job registry. The registry mutex covers registration and
// timer bookkeeping only; tick actions run on their own goroutines outside
// the lock.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[Kind]map[string]*job
	caps map[Kind]int
}

type Option func(*Engine)

// WithCap bounds the number of concurrently active jobs of a kind. Kinds
// without a cap are unbounded.
func WithCap(kind Kind, n int) Option {
	return func(e *Engine) { e.caps[kind] = n }
}

func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger: logger,
		now:    time.Now,
		jobs:   make(map[Kind]map[string]*job),
		caps:   make(map[Kind]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start registers and schedules a job. It returns false when the kind is at
// capacity. An existing (kind, id) job is stopped and replaced; replacement
// never counts against capacity.
func (e *Engine) Start(ctx context.Context, kind Kind, id string, spec Spec) bool {
	e.mu.Lock()
	byID := e.jobs[kind]
	if byID == nil {
		byID = make(map[string]*job)
		e.jobs[kind] = byID
	}
	old := byID[id]
	if old == nil {
		if limit, ok := e.caps[kind]; ok && len(byID) >= limit {
			e.mu.Unlock()
			e.logger.Warn("job rejected at capacity", "kind", kind, "id", id, "cap", limit)
			return false
		}
	} else {
		e.stopLocked(old)
	}

	jctx, cancel := context.WithCancel(ctx)
	j := &job{
		kind:      kind,
		id:        id,
		spec:      spec,
		startedAt: e.now(),
		ctx:       jctx,
		cancel:    cancel,
	}
	byID[id] = j
	j.ticker = time.AfterFunc(spec.Interval, func() { e.tick(j) })
	if spec.Timeout > 0 {
		j.deadline = time.AfterFunc(spec.Timeout, func() { e.expire(j) })
	}
	e.mu.Unlock()

	e.logger.Debug("job started", "kind", kind, "id", id, "interval", spec.Interval, "timeout", spec.Timeout)
	return true
}

// StartWithRetry retries a capacity-rejected Start a bounded number of times,
// waiting backoff between attempts.
func (e *Engine) StartWithRetry(ctx context.Context, kind Kind, id string, spec Spec, retries int, backoff time.Duration) bool {
	for attempt := 0; ; attempt++ {
		if e.Start(ctx, kind, id, spec) {
			return true
		}
		if attempt >= retries {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}

// Stop deregisters a job. It reports whether the job was active.
func (e *Engine) Stop(kind Kind, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.jobs[kind][id]
	if j == nil {
		return false
	}
	e.stopLocked(j)
	return true
}

// StopAll stops every job of the given kinds, or every job when none are
// given.
func (e *Engine) StopAll(kinds ...Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(kinds) == 0 {
		for kind := range e.jobs {
			kinds = append(kinds, kind)
		}
	}
	for _, kind := range kinds {
		for _, j := range e.jobs[kind] {
			e.stopLocked(j)
		}
	}
}

// Active reports whether a (kind, id) job is registered.
func (e *Engine) Active(kind Kind, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[kind][id] != nil
}

// JobInfo is a point-in-time snapshot of one job.
type JobInfo struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	LastAction time.Time `json:"last_action"`
	Ticks      int       `json:"ticks"`
}

// Stats returns the active count and per-job snapshots for a kind.
func (e *Engine) Stats(kind Kind) []JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]JobInfo, 0, len(e.jobs[kind]))
	for _, j := range e.jobs[kind] {
		infos = append(infos, JobInfo{ID: j.id, StartedAt: j.startedAt, LastAction: j.lastAction, Ticks: j.ticks})
	}
	return infos
}

// stopLocked removes j from the registry and disarms its timers. Caller holds
// the mutex.
func (e *Engine) stopLocked(j *job) {
	if e.jobs[j.kind][j.id] != j {
		return
	}
	delete(e.jobs[j.kind], j.id)
	j.ticker.Stop()
	if j.deadline != nil {
		j.deadline.Stop()
	}
	j.cancel()
}

// tick runs one action. Results are discarded when the job was stopped or
// replaced while the action was in flight; the registry re-check under the
// lock is what makes a racing Stop safe.
func (e *Engine) tick(j *job) {
	e.mu.Lock()
	if e.jobs[j.kind][j.id] != j {
		e.mu.Unlock()
		return
	}
	ticks := j.ticks
	e.mu.Unlock()

	verdict := j.spec.Action(j.ctx, ticks)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs[j.kind][j.id] != j {
		return
	}
	j.ticks++
	j.lastAction = e.now()

	switch verdict {
	case Done:
		e.stopLocked(j)
	case Failed:
		if j.spec.Timeout > 0 && e.now().Sub(j.startedAt) >= j.spec.Timeout {
			e.logger.Warn("job stopped after repeated errors", "kind", j.kind, "id", j.id, "ticks", j.ticks)
			e.stopLocked(j)
			return
		}
		j.ticker.Reset(j.spec.Interval)
	default:
		j.ticker.Reset(j.spec.Interval)
	}
}

// expire handles the absolute deadline: deregister, then notify.
func (e *Engine) expire(j *job) {
	e.mu.Lock()
	if e.jobs[j.kind][j.id] != j {
		e.mu.Unlock()
		return
	}
	e.stopLocked(j)
	e.mu.Unlock()

	e.logger.Info("job timed out", "kind", j.kind, "id", j.id, "ticks", j.ticks)
	if j.spec.OnTimeout != nil {
		j.spec.OnTimeout(context.WithoutCancel(j.ctx))
	}
}
