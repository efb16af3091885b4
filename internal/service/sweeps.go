package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/httprouter/internal/lock"
	"github.com/LeventeLantos/httprouter/internal/metrics"
	"github.com/LeventeLantos/httprouter/internal/model"
	"github.com/LeventeLantos/httprouter/internal/repo"
)

const (
	DefaultSweepLimit = 100
	DefaultStaleAfter = 2 * time.Minute
	DefaultSweepLease = 300 * time.Second
)

// Job names, also used as metric labels.
const (
	JobResend = "resend"
	JobBulk   = "bulk"
	JobQueue  = "queue"
)

type SweepConfig struct {
	// Limit caps each category of the resend sweep and the batches admitted per run.
	Limit int
	// StaleAfter is the minimum age of a Queued message before the resend
	// sweep picks it up. Zero selects every Queued message.
	StaleAfter time.Duration
	ChunkSize  int
	Lease      time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Limit <= 0 {
		c.Limit = DefaultSweepLimit
	}
	if c.StaleAfter < 0 {
		c.StaleAfter = 0
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Lease <= 0 {
		c.Lease = DefaultSweepLease
	}
	return c
}

// Admitter is the host framework's queue admission check for a Processing message.
type Admitter interface {
	Admit(ctx context.Context, m model.Message) bool
}

type AdmitFunc func(ctx context.Context, m model.Message) bool

func (f AdmitFunc) Admit(ctx context.Context, m model.Message) bool { return f(ctx, m) }

// AdmitAll accepts every message.
var AdmitAll = AdmitFunc(func(context.Context, model.Message) bool { return true })

// Sweeper holds the periodic entry points. Each runs under its own lease so
// overlapping invocations skip instead of duplicating work.
type Sweeper struct {
	store        repo.Store
	locks        lock.Locker
	single       *Dispatcher
	chunks       *ChunkDispatcher
	bulkBackends []string
	admit        Admitter
	cfg          SweepConfig
	now          func() time.Time
}

func NewSweeper(
	store repo.Store,
	locks lock.Locker,
	single *Dispatcher,
	chunks *ChunkDispatcher,
	bulkBackends []string,
	admit Admitter,
	cfg SweepConfig,
) *Sweeper {
	if admit == nil {
		admit = AdmitAll
	}
	return &Sweeper{
		store:        store,
		locks:        locks,
		single:       single,
		chunks:       chunks,
		bulkBackends: bulkBackends,
		admit:        admit,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
	}
}

type ResendResult struct {
	Errored  int
	Stale    int
	Outcomes map[Outcome]int
}

// ResendErrored dispatches up to Limit Errored messages, then up to Limit
// stale Queued ones. Remaining work is left for later sweeps.
func (s *Sweeper) ResendErrored(ctx context.Context) (ResendResult, error) {
	res := ResendResult{Outcomes: make(map[Outcome]int)}

	err := s.guard(ctx, JobResend, lock.ResendKey, func(ctx context.Context, g lock.Guard) error {
		errored, err := s.store.ListOutgoing(ctx, repo.OutgoingQuery{
			Status: model.Errored,
			Limit:  s.cfg.Limit,
		})
		if err != nil {
			return fmt.Errorf("list errored: %w", err)
		}
		res.Errored = s.dispatchAll(ctx, g, errored, res.Outcomes)
		slog.Info("resent errored messages", "count", res.Errored)

		q := repo.OutgoingQuery{Status: model.Queued, Limit: s.cfg.Limit}
		if s.cfg.StaleAfter > 0 {
			q.UpdatedBefore = s.now().Add(-s.cfg.StaleAfter)
		}
		stale, err := s.store.ListOutgoing(ctx, q)
		if err != nil {
			return fmt.Errorf("list stale queued: %w", err)
		}
		res.Stale = s.dispatchAll(ctx, g, stale, res.Outcomes)
		slog.Info("resent pending messages", "count", res.Stale)

		metrics.AddSweepItems(JobResend, res.Errored+res.Stale)
		return nil
	})
	return res, err
}

// dispatchAll renews the sweep lease after every message and stops early
// once the lease is lost.
func (s *Sweeper) dispatchAll(ctx context.Context, g lock.Guard, msgs []model.Message, outcomes map[Outcome]int) int {
	n := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		out, err := s.single.Dispatch(ctx, m.ID)
		if err != nil {
			slog.Error("dispatch failed", "message_id", m.ID, "err", err)
		} else {
			outcomes[out]++
			n++
		}
		if err := lock.Extend(ctx, g, s.cfg.Lease); err != nil {
			slog.Warn("sweep lease lost, stopping", "err", err)
			break
		}
	}
	return n
}

type BulkResult struct {
	Backend  string
	BatchID  int64
	Chunk    ChunkResult
	Closed   bool
	Fallback Outcome
}

// SendBatches works, once per bulk backend, the oldest Queued batch with work
// for that backend: send a chunk if any member is Queued for it, close the
// batch if every member is resolved, or otherwise dispatch one Errored member
// individually. A batch whose remaining members can no longer be sent keeps
// its Queued status and does not hold back later batches.
func (s *Sweeper) SendBatches(ctx context.Context) ([]BulkResult, error) {
	var results []BulkResult

	err := s.guard(ctx, JobBulk, lock.BulkKey, func(ctx context.Context, g lock.Guard) error {
		var errs []error
		for _, backend := range s.bulkBackends {
			r, err := s.sendBatch(ctx, backend)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
			} else {
				results = append(results, r)
			}
			if err := lock.Extend(ctx, g, s.cfg.Lease); err != nil {
				errs = append(errs, fmt.Errorf("renew bulk lease: %w", err))
				break
			}
		}
		metrics.AddSweepItems(JobBulk, len(results))
		return errors.Join(errs...)
	})
	return results, err
}

func (s *Sweeper) sendBatch(ctx context.Context, backend string) (BulkResult, error) {
	batch, err := s.store.NextBatch(ctx, backend)
	if err != nil {
		return BulkResult{}, err
	}
	res := BulkResult{Backend: backend, BatchID: batch.ID}

	chunk, err := s.store.ListBatchMessages(ctx, repo.BatchQuery{
		BatchID: batch.ID,
		Backend: backend,
		Status:  model.Queued,
		Limit:   s.cfg.ChunkSize,
	})
	if err != nil {
		return res, fmt.Errorf("pull chunk for batch %d: %w", batch.ID, err)
	}
	if len(chunk) > 0 {
		res.Chunk, err = s.chunks.Send(ctx, chunk)
		return res, err
	}

	resolved, err := s.store.BatchResolved(ctx, batch.ID)
	if err != nil {
		return res, err
	}
	if resolved {
		if err := s.store.UpdateBatchStatus(ctx, batch.ID, model.Sent); err != nil {
			return res, fmt.Errorf("close batch %d: %w", batch.ID, err)
		}
		slog.Info("batch sent", "batch_id", batch.ID)
		res.Closed = true
		return res, nil
	}

	retry, err := s.store.ListBatchMessages(ctx, repo.BatchQuery{
		BatchID: batch.ID,
		Backend: backend,
		Status:  model.Errored,
		Limit:   1,
	})
	if err != nil {
		return res, err
	}
	if len(retry) == 0 {
		return res, nil
	}

	res.Fallback, err = s.single.Dispatch(ctx, retry[0].ID)
	return res, err
}

// QueueBatches admits Processing members of Queued batches, at most ChunkSize
// messages per call. Rejected messages are cancelled.
func (s *Sweeper) QueueBatches(ctx context.Context) (int, error) {
	admitted := 0

	err := s.guard(ctx, JobQueue, lock.QueueKey, func(ctx context.Context, _ lock.Guard) error {
		batches, err := s.store.ListBatches(ctx, model.Queued, s.cfg.Limit)
		if err != nil {
			return fmt.Errorf("list queued batches: %w", err)
		}

		budget := s.cfg.ChunkSize
		for _, b := range batches {
			if budget <= 0 {
				break
			}
			msgs, err := s.store.ListBatchMessages(ctx, repo.BatchQuery{
				BatchID: b.ID,
				Status:  model.Processing,
				Limit:   budget,
			})
			if err != nil {
				return fmt.Errorf("list processing in batch %d: %w", b.ID, err)
			}
			budget -= len(msgs)

			var ok, rejected []int64
			for _, m := range msgs {
				if s.admit.Admit(ctx, m) {
					ok = append(ok, m.ID)
				} else {
					rejected = append(rejected, m.ID)
				}
			}

			n, err := s.store.TransitionStatus(ctx, ok, []model.Status{model.Processing}, model.Queued)
			if err != nil {
				return err
			}
			admitted += n
			if _, err := s.store.TransitionStatus(ctx, rejected, []model.Status{model.Processing}, model.Cancelled); err != nil {
				return err
			}
		}

		metrics.AddSweepItems(JobQueue, admitted)
		return nil
	})
	return admitted, err
}

// guard runs fn under the sweep lease; contention is logged and swallowed.
func (s *Sweeper) guard(ctx context.Context, job, key string, fn func(ctx context.Context, g lock.Guard) error) error {
	err := lock.WithGuard(ctx, s.locks, key, s.cfg.Lease, fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		slog.Info("sweep already running elsewhere", "job", job)
		metrics.IncSweepSkipped(job)
		return nil
	}
	return err
}
