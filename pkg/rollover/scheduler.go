package rollover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/tally/pkg/storage/postgres"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownJob is returned by RunNow for an unregistered job name
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunNow when another instance holds the job lock
	ErrJobRunning = errors.New("job already running")
)

// Job is a named unit of scheduled work. Run returns a JSON-friendly summary.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (interface{}, error)
}

// Locker provides cross-instance mutual exclusion. Acquire reports false
// without error when another holder owns key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// RedisLocker implements Locker with SET NX on Redis
type RedisLocker struct {
	client *postgres.RedisClient
	owner  string
}

// NewRedisLocker creates a locker identifying this instance by owner, or a
// random id when owner is empty
func NewRedisLocker(client *postgres.RedisClient, owner string) *RedisLocker {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &RedisLocker{client: client, owner: owner}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := l.client.TryLock(ctx, key, l.owner, ttl)
	if errors.Is(err, postgres.ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lock.Release, true, nil
}

// Scheduler runs jobs on cron schedules. Every run, scheduled or manual, is
// guarded by the locker so one instance runs a job at a time.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	timeout time.Duration
	log     logrus.FieldLogger

	mu   sync.RWMutex
	jobs map[string]Job
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithLocker sets the cross-instance lock. Without one, jobs only exclude
// themselves within this process.
func WithLocker(l Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

// WithLockTTL bounds how long a crashed instance can hold a job lock. It is
// raised past the job timeout when shorter.
func WithLockTTL(ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithJobTimeout bounds a single run
func WithJobTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithSchedulerLogger(log logrus.FieldLogger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

// NewScheduler creates a UTC scheduler
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		lockTTL: 35 * time.Minute,
		timeout: 30 * time.Minute,
		log:     logrus.StandardLogger(),
		jobs:    make(map[string]Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = newLocalLocker()
	}
	// a lock that expires mid-run would let another instance start the job
	if s.lockTTL <= s.timeout {
		s.log.WithFields(logrus.Fields{
			"lock_ttl": s.lockTTL,
			"timeout":  s.timeout,
		}).Warn("job lock TTL raised above the job timeout")
		s.lockTTL = s.timeout + time.Minute
	}

	cronLog := cron.PrintfLogger(s.log)
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	return s
}

// Register adds a job. An empty schedule registers it for manual runs only.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if job.Schedule != "" {
		if _, err := s.cron.AddFunc(job.Schedule, func() { s.tick(job.Name) }); err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names, sorted
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) tick(name string) {
	log := s.log.WithField("job", name)
	if _, err := s.RunNow(context.Background(), name); err != nil {
		if errors.Is(err, ErrJobRunning) {
			log.Debug("job locked by another instance, skipping tick")
			return
		}
		log.WithError(err).Error("scheduled job failed")
	}
}

// RunNow runs a job immediately under its lock
func (s *Scheduler) RunNow(ctx context.Context, name string) (interface{}, error) {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	release, acquired, err := s.locker.Acquire(ctx, "tally:jobs:"+name, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for job %s: %w", name, err)
	}
	if !acquired {
		return nil, ErrJobRunning
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			s.log.WithError(err).WithField("job", name).Warn("failed to release job lock")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return job.Run(ctx)
}

// Start begins firing schedules in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", s.Jobs()).Info("job scheduler started")
}

// Stop halts the schedules and waits for running jobs or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// localLocker excludes concurrent runs of a job within one process
type localLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLocalLocker() *localLocker {
	return &localLocker{held: make(map[string]bool)}
}

func (l *localLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, true, nil
}

// RolloverJob wraps Runner.RunRollover
func RolloverJob(r *Runner, schedule string) Job {
	return Job{
		Name:     "rollover",
		Schedule: schedule,
		Run: func(ctx context.Context) (interface{}, error) {
			return r.RunRollover(ctx, time.Now().UTC())
		},
	}
}

// ExpiryJob wraps Runner.RunExpiry
func ExpiryJob(r *Runner, schedule string) Job {
	return Job{
		Name:     "expiry",
		Schedule: schedule,
		Run: func(ctx context.Context) (interface{}, error) {
			return r.RunExpiry(ctx, time.Now().UTC())
		},
	}
}
