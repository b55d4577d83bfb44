package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lmsBack/internal/installments/dispatch"
	"lmsBack/internal/installments/repo"
)

// Logger is a minimal logger interface required by the scheduler.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Store lists due work and claims retries.
type Store interface {
	ListDuePending(ctx context.Context, horizon time.Time, limit int) ([]repo.ScheduleEntry, error)
	ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]repo.ScheduleEntry, error)
	ListRetryable(ctx context.Context, now time.Time, maxRetries, limit int) ([]repo.ScheduleEntry, error)
	ClaimRetry(ctx context.Context, id string, retryCount int, now time.Time) error
}

// Dispatcher is the subset of dispatch.Dispatcher the scheduler drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, entryID string, chargeImmediately bool) (dispatch.Result, error)
	MarkOverdue(ctx context.Context, entryID string) error
}

// Report summarises one run.
type Report struct {
	Retried    int      `json:"retried"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
	Dispatched int      `json:"dispatched"`
	Overdue    int      `json:"overdue"`
}

type tally struct {
	mu sync.Mutex
	r  Report
}

func (t *tally) add(fn func(r *Report)) {
	t.mu.Lock()
	fn(&t.r)
	t.mu.Unlock()
}

func (t *tally) errorf(format string, args ...interface{}) {
	t.add(func(r *Report) { r.Errors = append(r.Errors, fmt.Sprintf(format, args...)) })
}

// Scheduler rediscovers due, overdue and retryable entries from the store on every run.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	lock       Locker
	logger     Logger
	cfg        Config
	now        func() time.Time
	rng        *rand.Rand
}

// New creates a scheduler. A nil lock falls back to an in-process lock.
func New(store Store, dispatcher Dispatcher, lock Locker, logger Logger, cfg Config) *Scheduler {
	if lock == nil {
		lock = NewLocalLock()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		lock:       lock,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		rng:        rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// RunOnce performs one run. Entries are processed in three phases: pending
// entries inside the invoice lead time are dispatched, dispatched entries past
// their grace period become overdue, and failed or overdue entries whose retry
// time has come are charged again. Once the run budget is spent no further
// entries are claimed.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return Report{Errors: []string{}}, err
	}
	defer release()

	start := s.now()
	deadline := start.Add(s.cfg.GetRunBudget())
	limiter := rate.NewLimiter(rate.Inf, 1)
	if iv := s.cfg.GetGatewayInterval(); iv > 0 {
		limiter = rate.NewLimiter(rate.Every(iv), 1)
	}
	t := &tally{r: Report{Errors: []string{}}}

	if err := s.dispatchDue(ctx, start, deadline, limiter, t); err != nil {
		t.errorf("list due entries: %v", err)
	}
	if err := s.markOverdue(ctx, deadline, t); err != nil {
		t.errorf("list stale entries: %v", err)
	}
	if err := s.retryFailed(ctx, deadline, limiter, t); err != nil {
		t.errorf("list retryable entries: %v", err)
	}

	r := t.r
	s.logger.Infof("retry run: dispatched=%d overdue=%d retried=%d failed=%d errors=%d in %s",
		r.Dispatched, r.Overdue, r.Retried, r.Failed, len(r.Errors), s.now().Sub(start))
	return r, ctx.Err()
}

func (s *Scheduler) expired(deadline time.Time) bool {
	return s.cfg.GetRunBudget() > 0 && s.now().After(deadline)
}

func (s *Scheduler) dispatchDue(ctx context.Context, now, deadline time.Time, limiter *rate.Limiter, t *tally) error {
	entries, err := s.store.ListDuePending(ctx, now.Add(s.cfg.GetInvoiceLead()), s.cfg.GetBatchSize())
	if err != nil {
		return err
	}
	return s.fanOut(ctx, entries, deadline, func(e repo.ScheduleEntry) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		res, err := s.dispatcher.Dispatch(ctx, e.ID, !e.DueDate.After(now))
		switch {
		case errors.Is(err, dispatch.ErrClaimLost), errors.Is(err, dispatch.ErrInvalidState):
			return
		case err != nil:
			t.errorf("dispatch %s: %v", e.ID, err)
		case res.Outcome == dispatch.OutcomeFailed:
			t.add(func(r *Report) { r.Dispatched++; r.Failed++ })
		default:
			t.add(func(r *Report) { r.Dispatched++ })
		}
	})
}

func (s *Scheduler) markOverdue(ctx context.Context, deadline time.Time, t *tally) error {
	entries, err := s.store.ListStaleDispatched(ctx, s.now().Add(-s.cfg.GetOverdueGrace()), s.cfg.GetBatchSize())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if ctx.Err() != nil || s.expired(deadline) {
			return nil
		}
		err := s.dispatcher.MarkOverdue(ctx, e.ID)
		switch {
		case errors.Is(err, dispatch.ErrClaimLost):
		case err != nil:
			t.errorf("mark overdue %s: %v", e.ID, err)
		default:
			t.add(func(r *Report) { r.Overdue++ })
		}
	}
	return nil
}

func (s *Scheduler) retryFailed(ctx context.Context, deadline time.Time, limiter *rate.Limiter, t *tally) error {
	now := s.now()
	entries, err := s.store.ListRetryable(ctx, now, s.cfg.GetMaxRetries(), s.cfg.GetBatchSize())
	if err != nil {
		return err
	}
	return s.fanOut(ctx, entries, deadline, func(e repo.ScheduleEntry) {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.store.ClaimRetry(ctx, e.ID, e.RetryCount, s.now()); err != nil {
			if !errors.Is(err, repo.ErrStaleState) {
				t.errorf("claim retry %s: %v", e.ID, err)
			}
			return
		}
		// A claimed retry has consumed an attempt and must reach the gateway.
		res, err := s.dispatcher.Dispatch(context.WithoutCancel(ctx), e.ID, true)
		switch {
		case errors.Is(err, dispatch.ErrClaimLost), errors.Is(err, dispatch.ErrInvalidState):
		case err != nil:
			t.errorf("retry %s: %v", e.ID, err)
			t.add(func(r *Report) { r.Retried++; r.Failed++ })
		case res.Outcome == dispatch.OutcomeFailed:
			t.add(func(r *Report) { r.Retried++; r.Failed++ })
		default:
			t.add(func(r *Report) { r.Retried++ })
		}
	})
}

// fanOut runs fn for every entry with at most GetWorkers in flight and stops
// handing out entries once ctx is done or the budget is spent.
func (s *Scheduler) fanOut(ctx context.Context, entries []repo.ScheduleEntry, deadline time.Time, fn func(repo.ScheduleEntry)) error {
	var g errgroup.Group
	workers := s.cfg.GetWorkers()
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, e := range entries {
		if ctx.Err() != nil || s.expired(deadline) {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || s.expired(deadline) {
				return nil
			}
			fn(e)
			return nil
		})
	}
	return g.Wait()
}

// jitter returns a start delay in [0, tick). Each scheduler has its own seed.
func (s *Scheduler) jitter(tick time.Duration) time.Duration {
	return time.Duration(s.rng.Int63n(int64(tick)))
}

// Run triggers RunOnce every tick until ctx is done. The first run is delayed
// by a random fraction of tick so that several instances do not fire together.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.jitter(tick)):
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		report, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrRunInProgress):
			s.logger.Infof("retry run skipped: another run holds the lock")
		case err != nil:
			s.logger.Errorf("retry run failed: %v", err)
		}
		for _, msg := range report.Errors {
			s.logger.Errorf("retry run: %s", msg)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
