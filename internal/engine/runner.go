package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genengine/internal/domain"
	"genengine/internal/providers/moderation"
	"genengine/internal/providers/video"
	"genengine/internal/queue"
)

const maxErrorMessage = 500

// Runner pulls job ids off the queue and hands them to a fixed set of
// workers. Every claimed id is acked after processing; a job that did not
// reach a terminal or retryable state is picked up again by the reconciler.
type Runner struct {
	e            *Engine
	workers      int
	claimTimeout time.Duration
	logger       zerolog.Logger
}

// NewRunner builds the worker pool. It needs a generator and a storage persister.
func (e *Engine) NewRunner() (*Runner, error) {
	if e.generator == nil {
		return nil, errors.New("engine: runner requires a generator")
	}
	if e.storage == nil {
		return nil, errors.New("engine: runner requires a storage persister")
	}
	return &Runner{
		e:            e,
		workers:      e.cfg.Workers,
		claimTimeout: e.cfg.ClaimTimeout,
		logger:       e.logger.With().Str("component", "runner").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (r *Runner) Run(ctx context.Context) error {
	ids := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for id := range ids {
				r.handle(ctx, worker, id)
			}
		}(i)
	}
	r.logger.Info().Int("workers", r.workers).Msg("runner started")

	defer func() {
		close(ids)
		wg.Wait()
		r.logger.Info().Msg("runner stopped")
	}()

	for {
		id, err := r.e.queue.Claim(ctx, r.claimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			r.logger.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case ids <- id:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) handle(ctx context.Context, worker int, id string) {
	log := r.logger.With().Int("worker", worker).Str("job_id", id).Logger()
	if err := r.e.Process(ctx, id); err != nil {
		log.Error().Err(err).Msg("process failed")
	}
	if err := r.e.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

// Process runs one delivery of jobID: moderation gate, generation, storage
// and the resulting transition. Deliveries of jobs that are no longer
// pending are ignored, which makes duplicate dispatch harmless.
func (e *Engine) Process(ctx context.Context, jobID string) error {
	job, err := e.jobs.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.Debug().Str("job_id", jobID).Msg("job vanished before processing")
		return nil
	}
	if err != nil {
		return wrap("load job", err)
	}
	if job.Status != domain.JobStatusPending {
		e.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("skipping delivery")
		return nil
	}
	log := e.logger.With().Str("job_id", job.ID).Str("user_id", job.OwnerID).Logger()

	if job.ModerationStatus != domain.ModerationApproved {
		verdict := e.moderate(ctx, job, log)
		if verdict.Flagged {
			_, err := e.rejectModeration(context.WithoutCancel(ctx), job.ID, verdict.Categories)
			return err
		}
		if _, err := e.jobs.ApproveModeration(ctx, job.ID, e.now()); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				return nil
			}
			return wrap("approve "+job.ID, err)
		}
	}

	now := e.now()
	job, err = e.jobs.StartProcessing(ctx, job.ID, now, now.Add(e.cfg.MaxProcessingDuration))
	if errors.Is(err, domain.ErrStaleTransition) {
		log.Debug().Msg("job already started elsewhere")
		return nil
	}
	if err != nil {
		return wrap("start "+jobID, err)
	}
	log.Info().Str("model", job.Model).Int("retry_count", job.RetryCount).Msg("processing")

	resultURL, err := e.attempt(ctx, job, log)
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("attempt failed")
		_, fErr := e.fail(settleCtx, job.ID, truncate(err.Error(), maxErrorMessage))
		return fErr
	}
	_, err = e.complete(settleCtx, job.ID, resultURL)
	return err
}

// moderate consults the checker. Checker errors approve the job.
func (e *Engine) moderate(ctx context.Context, job *domain.Job, log zerolog.Logger) moderation.Verdict {
	if e.moderation == nil {
		return moderation.Verdict{}
	}
	verdict, err := e.moderation.Check(ctx, job.Prompt)
	if err != nil {
		log.Warn().Err(err).Msg("moderation unavailable, approving")
		return moderation.Verdict{}
	}
	return verdict
}

// attempt generates and persists one clip. Panics inside collaborators are
// turned into a retryable failure so the job never stays stuck in processing.
func (e *Engine) attempt(ctx context.Context, job *domain.Job, log zerolog.Logger) (resultURL string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("attempt panicked")
			err = fmt.Errorf("%w: panic: %v", domain.ErrProviderFailure, rec)
		}
	}()

	actx, cancel := context.WithTimeout(ctx, e.cfg.MaxProcessingDuration)
	defer cancel()

	res, err := e.generator.Generate(actx, video.GenerateRequest{
		JobID:           job.ID,
		Model:           job.Model,
		Prompt:          job.Prompt,
		DurationSeconds: job.DurationSeconds,
		Params:          job.Params,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: interrupted by shutdown", domain.ErrProviderFailure)
		}
		return "", fmt.Errorf("%w: generate: %v", domain.ErrProviderFailure, err)
	}
	if res == nil || res.URL == "" {
		return "", fmt.Errorf("%w: generate: empty result", domain.ErrProviderFailure)
	}

	key := fmt.Sprintf("videos/%s/%s.mp4", job.OwnerID, job.ID)
	durable, err := e.storage.Persist(actx, key, res.URL)
	if err != nil {
		return "", fmt.Errorf("%w: persist: %v", domain.ErrProviderFailure, err)
	}
	return durable, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
