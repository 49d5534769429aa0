package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"sales-crm/pkg/utils"
)

var (
	ErrUnknownJob = errors.New("workers: unknown job")
	ErrJobRunning = errors.New("workers: job already running")
	ErrJobPanic   = errors.New("workers: job panicked")
)

// Stats is what one run of a job processed.
type Stats struct {
	Processed int
	Failed    int
}

// Job is a named periodic task. Exactly one of Interval and Cron is set.
type Job struct {
	Name     string
	Interval time.Duration
	Cron     string
	Run      func(ctx context.Context) (Stats, error)
}

// Locker serializes a job across processes. Within one process the
// runner's own guard is enough.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// RedisLocker holds one owner-tokened Redis slot per job name. The token
// is kept so Unlock never frees a slot that expired and was taken over.
type RedisLocker struct {
	client redis.Scripter
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisLocker(client redis.Scripter, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "crm:worker:"
	}
	return &RedisLocker{client: client, prefix: prefix, tokens: map[string]string{}}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token, ok, err := utils.AcquireSlot(ctx, l.client, l.prefix+name, ttl)
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	l.tokens[name] = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	released, err := utils.ReleaseSlot(ctx, l.client, l.prefix+name, token)
	if err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("workers: slot %s expired before release", name)
	}
	return nil
}

// Metrics are the worker and escalation series exported on /metrics.
type Metrics struct {
	Runs         *prometheus.CounterVec
	Skips        *prometheus.CounterVec
	ItemFailures *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	Escalations  *prometheus.CounterVec
}

// NewMetrics registers the worker metrics on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_worker_runs_total",
			Help: "Background job runs by result.",
		}, []string{"job", "result"}),
		Skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_worker_skips_total",
			Help: "Background job ticks skipped because a run was in progress.",
		}, []string{"job", "reason"}),
		ItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_worker_item_failures_total",
			Help: "Items a job failed to process.",
		}, []string{"job"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crm_worker_run_duration_seconds",
			Help:    "Background job run duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_escalations_total",
			Help: "Escalations raised by the escalation job.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Skips, m.ItemFailures, m.Duration, m.Escalations)
	}
	return m
}

// Runner schedules jobs. A job never overlaps itself: a tick that arrives
// while the previous run is still going is skipped.
type Runner struct {
	log     *slog.Logger
	metrics *Metrics
	locker  Locker
	lockTTL time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	ordered []*entry
}

type entry struct {
	job     Job
	sched   cron.Schedule
	running atomic.Bool
}

func NewRunner(log *slog.Logger, metrics *Metrics) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Runner{
		log:     log,
		metrics: metrics,
		lockTTL: 10 * time.Minute,
		clock:   time.Now,
		jobs:    map[string]*entry{},
	}
}

// WithLocker enables cross-process locking. ttl bounds how long a crashed
// holder can keep others out.
func (r *Runner) WithLocker(l Locker, ttl time.Duration) *Runner {
	r.locker = l
	if ttl > 0 {
		r.lockTTL = ttl
	}
	return r
}

func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

func (r *Runner) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("workers: job needs a name and a run func")
	}
	if (j.Interval > 0) == (j.Cron != "") {
		return fmt.Errorf("workers: job %s needs exactly one of interval or cron", j.Name)
	}
	e := &entry{job: j}
	if j.Cron != "" {
		s, err := cron.ParseStandard(j.Cron)
		if err != nil {
			return fmt.Errorf("workers: job %s: %w", j.Name, err)
		}
		e.sched = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[j.Name]; dup {
		return fmt.Errorf("workers: job %s already registered", j.Name)
	}
	r.jobs[j.Name] = e
	r.ordered = append(r.ordered, e)
	return nil
}

func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.ordered))
	for _, e := range r.ordered {
		out = append(out, e.job.Name)
	}
	return out
}

// Run blocks until ctx is cancelled and all in-flight runs have returned.
func (r *Runner) Run(ctx context.Context) {
	r.mu.Lock()
	list := append([]*entry(nil), r.ordered...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range list {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.loop(ctx, e)
		}(e)
	}
	r.log.Info("workers started", "jobs", len(list))
	wg.Wait()
	r.log.Info("workers stopped")
}

// RunOnce runs a job immediately, as an admin trigger would.
func (r *Runner) RunOnce(ctx context.Context, name string) (Stats, error) {
	r.mu.Lock()
	e, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return Stats{}, ErrUnknownJob
	}
	return r.execute(ctx, e)
}

func (r *Runner) loop(ctx context.Context, e *entry) {
	if e.sched == nil {
		t := time.NewTicker(e.job.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.tick(ctx, e)
			}
		}
	}
	for {
		now := r.clock()
		timer := time.NewTimer(e.sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.tick(ctx, e)
		}
	}
}

func (r *Runner) tick(ctx context.Context, e *entry) {
	if _, err := r.execute(ctx, e); err != nil && !errors.Is(err, ErrJobRunning) {
		r.log.Error("worker run failed", "job", e.job.Name, "err", err)
	}
}

func (r *Runner) execute(ctx context.Context, e *entry) (Stats, error) {
	name := e.job.Name
	if !e.running.CompareAndSwap(false, true) {
		r.metrics.Skips.WithLabelValues(name, "running").Inc()
		r.log.Debug("worker tick skipped, previous run in progress", "job", name)
		return Stats{}, ErrJobRunning
	}
	defer e.running.Store(false)

	if r.locker != nil {
		ok, err := r.locker.TryLock(ctx, name, r.lockTTL)
		if err != nil {
			return Stats{}, fmt.Errorf("workers: lock %s: %w", name, err)
		}
		if !ok {
			r.metrics.Skips.WithLabelValues(name, "locked").Inc()
			r.log.Debug("worker tick skipped, held by another process", "job", name)
			return Stats{}, ErrJobRunning
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(ctx), name); err != nil {
				r.log.Warn("worker unlock failed", "job", name, "err", err)
			}
		}()
	}

	start := time.Now()
	stats, err := runJob(ctx, e.job)
	r.metrics.Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if stats.Failed > 0 {
		r.metrics.ItemFailures.WithLabelValues(name).Add(float64(stats.Failed))
	}
	if err != nil {
		r.metrics.Runs.WithLabelValues(name, "error").Inc()
		return stats, err
	}
	r.metrics.Runs.WithLabelValues(name, "ok").Inc()
	r.log.Info("worker run", "job", name, "processed", stats.Processed, "failed", stats.Failed, "duration_ms", time.Since(start).Milliseconds())
	return stats, nil
}

// runJob turns a panic in j.Run into an ErrJobPanic error so one bad sweep
// cannot take down the ticker loop or the process.
func runJob(ctx context.Context, j Job) (stats Stats, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v\n%s", ErrJobPanic, j.Name, p, debug.Stack())
		}
	}()
	return j.Run(ctx)
}
