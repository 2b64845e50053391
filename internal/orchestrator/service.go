package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/credit"
	"github.com/partscout/partscout/internal/pipeline"
	"github.com/partscout/partscout/internal/progress"
	"github.com/partscout/partscout/internal/store"
	"github.com/partscout/partscout/pkg/models"
)

// ErrorInsufficientCredit is the error_detail recorded on jobs rejected for
// lack of credit.
const ErrorInsufficientCredit = "insufficient_credit"

// snapshotTTL bounds how long a cached job snapshot outlives its last write.
const snapshotTTL = 30 * time.Minute

// Config tunes job execution. MaxRetries bounds re-runs after transient
// pipeline failures and is independent of the progress channel's reconnect
// budget.
type Config struct {
	JobCost        int64
	MaxRetries     int
	RetryBackoff   time.Duration
	OverallTimeout time.Duration
}

// Service owns the job lifecycle: it reserves credit, creates the job row,
// drives the external pipeline in a background goroutine, and publishes a
// progress update per stage transition. Every triggered job ends in exactly
// one terminal state, with its credit reservation settled or refunded.
type Service struct {
	store   store.Store
	ledger  credit.Ledger
	invoker pipeline.Invoker
	hub     *progress.Hub
	cache   cache.Cache
	cfg     Config
	wg      sync.WaitGroup
}

// NewService creates a job orchestrator. Zero config fields get defaults.
func NewService(st store.Store, ledger credit.Ledger, invoker pipeline.Invoker, hub *progress.Hub, ca cache.Cache, cfg Config) *Service {
	if cfg.JobCost <= 0 {
		cfg.JobCost = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 10 * time.Minute
	}
	return &Service{
		store:   st,
		ledger:  ledger,
		invoker: invoker,
		hub:     hub,
		cache:   ca,
		cfg:     cfg,
	}
}

// TriggerJob creates a job, reserves its credit, and dispatches the pipeline
// in a background goroutine. It returns immediately; callers observe the run
// through the progress channel or by polling the job.
//
// If the owner cannot cover the job cost, the job is created and immediately
// failed with error_detail insufficient_credit, and the pipeline is never
// invoked. That is not an error at this level: the returned job carries the
// outcome.
func (s *Service) TriggerJob(ctx context.Context, ownerID uuid.UUID, keyword, imageRef string) (*models.Job, error) {
	if keyword == "" {
		return nil, fmt.Errorf("keyword is required")
	}

	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Keyword:   keyword,
		ImageRef:  imageRef,
		Stage:     pipeline.StageQueued,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	_ = s.cache.SetJobSnapshot(ctx, job, snapshotTTL)

	txn, err := s.ledger.Reserve(ctx, ownerID, s.cfg.JobCost, "job "+job.ID.String())
	if errors.Is(err, credit.ErrInsufficientCredit) {
		return s.failJob(ctx, job.ID, job.Stage, ErrorInsufficientCredit)
	}
	if err != nil {
		_, _ = s.failJob(ctx, job.ID, job.Stage, "credit reservation failed")
		return nil, fmt.Errorf("reserving credit: %w", err)
	}
	_ = s.cache.Delete(ctx, cache.BalanceKey(ownerID))

	job, err = s.store.UpdateJob(ctx, job.ID, store.WithCreditTxnID(txn.ID))
	if err != nil {
		// The reservation must not leak if the job row cannot track it.
		_, _ = s.ledger.Refund(context.WithoutCancel(ctx), txn.ID, "job update failed")
		_ = s.cache.Delete(context.WithoutCancel(ctx), cache.BalanceKey(ownerID))
		return nil, fmt.Errorf("attaching credit txn: %w", err)
	}
	_ = s.cache.SetJobSnapshot(ctx, job, snapshotTTL)

	s.wg.Add(1)
	go s.runJob(job, txn.ID)

	return job, nil
}

// Shutdown blocks until all in-flight jobs reach a terminal state or ctx
// expires.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runJob drives one job through the pipeline, retrying transient failures
// within the retry budget. It recovers from panics and always leaves the job
// terminal with its reservation closed.
func (s *Service) runJob(job *models.Job, reserveTxnID uuid.UUID) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OverallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in runJob", "error", r, "job_id", job.ID)
			s.finishFailed(context.Background(), job, reserveTxnID, fmt.Sprintf("panic: %v", r))
		}
	}()

	updated, err := s.store.UpdateJob(ctx, job.ID, store.WithStatus(models.JobStatusRunning))
	if err != nil {
		slog.Error("failed to mark job running", "job_id", job.ID, "error", err)
		s.finishFailed(context.Background(), job, reserveTxnID, "internal error")
		return
	}
	job = updated
	_ = s.cache.SetJobSnapshot(ctx, job, snapshotTTL)
	s.publishStage(job, pipeline.StageLabel(job.Stage))

	req := pipeline.RunRequest{JobID: job.ID, Keyword: job.Keyword, ImageRef: job.ImageRef}
	delay := s.cfg.RetryBackoff

	for {
		outcome := s.attempt(ctx, job, req)

		switch {
		case outcome.succeeded:
			s.finishCompleted(ctx, job, reserveTxnID, outcome.resultRef)
			return

		case ctx.Err() != nil:
			// The overall deadline is final regardless of how the attempt
			// classified its failure.
			s.finishFailed(context.Background(), job, reserveTxnID, "pipeline run timed out")
			return

		case outcome.transient && job.Attempts < s.cfg.MaxRetries:
			next, err := s.rearm(ctx, job, reserveTxnID)
			if err != nil {
				detail := "credit reservation failed"
				if errors.Is(err, credit.ErrInsufficientCredit) {
					detail = ErrorInsufficientCredit
				}
				s.finishFailed(ctx, job, reserveTxnID, detail)
				return
			}
			job = next.job
			reserveTxnID = next.reserveTxnID
			slog.Info("retrying job after transient failure",
				"job_id", job.ID, "attempt", job.Attempts, "error", outcome.detail)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.finishFailed(context.Background(), job, reserveTxnID, "pipeline run timed out")
				return
			}
			delay *= 2

		default:
			s.finishFailed(ctx, job, reserveTxnID, outcome.detail)
			return
		}
	}
}

type attemptOutcome struct {
	succeeded bool
	transient bool
	resultRef string
	detail    string
}

// attempt runs the pipeline once, persisting and publishing each stage
// transition as events arrive.
func (s *Service) attempt(ctx context.Context, job *models.Job, req pipeline.RunRequest) attemptOutcome {
	events, err := s.invoker.Run(ctx, req)
	if err != nil {
		return attemptOutcome{
			transient: errors.Is(err, pipeline.ErrPipelineUnreachable) || errors.Is(err, pipeline.ErrPipelineTimeout),
			detail:    err.Error(),
		}
	}

	for ev := range events {
		if ev.Failed() {
			return attemptOutcome{transient: ev.Transient, detail: ev.Error}
		}
		if ev.Final {
			return attemptOutcome{succeeded: true, resultRef: ev.ResultRef}
		}
		if err := s.advanceTo(ctx, job, ev); err != nil {
			slog.Warn("ignoring out-of-order stage event",
				"job_id", job.ID, "stage", ev.Stage, "error", err)
		}
	}

	// Defensive: the invoker contract says the stream always ends with a
	// final event.
	return attemptOutcome{transient: true, detail: "pipeline stream ended unexpectedly"}
}

// advanceTo walks the state machine forward until the job's stage matches the
// event's, persists the result, and publishes one update for the target stage.
// Events for stages at or behind the current one are duplicates and dropped.
func (s *Service) advanceTo(ctx context.Context, job *models.Job, ev pipeline.StageEvent) error {
	target := pipeline.StageIndex(ev.Stage)
	if target < 0 {
		return fmt.Errorf("unknown stage %q", ev.Stage)
	}
	if target <= pipeline.StageIndex(job.Stage) {
		return nil
	}

	stage := job.Stage
	var tr pipeline.Transition
	for pipeline.StageIndex(stage) < target {
		var err error
		tr, err = pipeline.Next(stage, pipeline.Advance())
		if err != nil {
			return err
		}
		stage = tr.Stage
	}

	updated, err := s.store.UpdateJob(ctx, job.ID, store.WithStage(tr.Stage, tr.ProgressPercent))
	if err != nil {
		return fmt.Errorf("persisting stage: %w", err)
	}
	*job = *updated
	_ = s.cache.SetJobSnapshot(ctx, job, snapshotTTL)

	message := ev.Message
	if message == "" {
		message = pipeline.StageLabel(job.Stage)
	}
	s.publishStage(job, message)
	return nil
}

// rearmed is the state of a job after a transient failure: reset to the
// initial stage with a fresh credit reservation.
type rearmed struct {
	job          *models.Job
	reserveTxnID uuid.UUID
}

// rearm closes the current attempt's reservation as consumed, reserves credit
// for the next attempt, and resets the job. Each attempt owns exactly one
// reservation.
func (s *Service) rearm(ctx context.Context, job *models.Job, reserveTxnID uuid.UUID) (rearmed, error) {
	if _, err := s.ledger.Settle(ctx, reserveTxnID, "attempt consumed, retrying"); err != nil {
		return rearmed{}, fmt.Errorf("settling attempt: %w", err)
	}

	txn, err := s.ledger.Reserve(ctx, job.OwnerID, s.cfg.JobCost, "job "+job.ID.String()+" retry")
	if err != nil {
		return rearmed{}, err
	}
	_ = s.cache.Delete(ctx, cache.BalanceKey(job.OwnerID))

	updated, err := s.store.UpdateJob(ctx, job.ID,
		store.AsRetry(),
		store.WithStatus(models.JobStatusRunning),
		store.WithCreditTxnID(txn.ID),
	)
	if err != nil {
		_, _ = s.ledger.Refund(context.WithoutCancel(ctx), txn.ID, "retry update failed")
		_ = s.cache.Delete(context.WithoutCancel(ctx), cache.BalanceKey(job.OwnerID))
		return rearmed{}, fmt.Errorf("resetting job: %w", err)
	}
	_ = s.cache.SetJobSnapshot(ctx, updated, snapshotTTL)

	s.publishStage(updated, "Retrying")
	return rearmed{job: updated, reserveTxnID: txn.ID}, nil
}

func (s *Service) finishCompleted(ctx context.Context, job *models.Job, reserveTxnID uuid.UUID, resultRef string) {
	if _, err := s.ledger.Settle(ctx, reserveTxnID, "job completed"); err != nil {
		slog.Error("failed to settle reservation", "job_id", job.ID, "error", err)
	}

	updated, err := s.store.UpdateJob(ctx, job.ID,
		store.WithStage(pipeline.StageCompleted, pipeline.ProgressFor(pipeline.StageCompleted)),
		store.WithStatus(models.JobStatusCompleted),
		store.WithResultRef(resultRef),
	)
	if err != nil {
		slog.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		updated = job
	} else {
		_ = s.cache.SetJobSnapshot(ctx, updated, snapshotTTL)
	}

	s.hub.Publish(models.ProgressUpdate{
		JobID:           job.ID,
		Stage:           pipeline.StageCompleted,
		Message:         pipeline.StageLabel(pipeline.StageCompleted),
		Status:          models.ProgressCompleted,
		ProgressPercent: 100,
		ResultRef:       resultRef,
		Timestamp:       updated.UpdatedAt,
	})
	slog.Info("job completed", "job_id", job.ID, "attempts", updated.Attempts)
}

// finishFailed refunds the open reservation and records the terminal failure.
// The refund happens only here: a job that exhausts its retries refunds the
// last attempt's reservation, never the earlier settled ones.
func (s *Service) finishFailed(ctx context.Context, job *models.Job, reserveTxnID uuid.UUID, detail string) {
	if _, err := s.ledger.Refund(ctx, reserveTxnID, detail); err != nil {
		slog.Error("failed to refund reservation", "job_id", job.ID, "error", err)
	}
	_ = s.cache.Delete(ctx, cache.BalanceKey(job.OwnerID))
	if _, err := s.failJob(ctx, job.ID, job.Stage, detail); err != nil {
		slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	slog.Warn("job failed", "job_id", job.ID, "error", detail)
}

// failJob moves a job to the failed status and publishes the terminal error
// update.
func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, stage, detail string) (*models.Job, error) {
	tr, err := pipeline.Next(stage, pipeline.Fail(detail))
	if err != nil {
		tr = pipeline.Transition{Stage: pipeline.StageFailed, Terminal: true, Failed: true}
	}

	job, err := s.store.UpdateJob(ctx, jobID,
		store.WithStage(tr.Stage, tr.ProgressPercent),
		store.WithStatus(models.JobStatusFailed),
		store.WithErrorDetail(detail),
	)
	if err != nil {
		return nil, err
	}
	_ = s.cache.SetJobSnapshot(ctx, job, snapshotTTL)

	s.hub.Publish(models.ProgressUpdate{
		JobID:           job.ID,
		Stage:           pipeline.StageFailed,
		Message:         detail,
		Status:          models.ProgressError,
		ProgressPercent: job.ProgressPercent,
		Timestamp:       job.UpdatedAt,
	})
	return job, nil
}

func (s *Service) publishStage(job *models.Job, message string) {
	s.hub.Publish(models.ProgressUpdate{
		JobID:           job.ID,
		Stage:           job.Stage,
		Message:         message,
		Status:          models.ProgressInProgress,
		ProgressPercent: job.ProgressPercent,
		Timestamp:       job.UpdatedAt,
	})
}
