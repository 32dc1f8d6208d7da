// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/checkarr/checkarr/internal/changelog"
	"github.com/checkarr/checkarr/internal/log"
)

// idlePoll is how long the worker sleeps when the queue stays empty and
// no wake arrives; it is also the batch finalization boundary.
const idlePoll = 2 * time.Second

// Checker runs one channel through the check pipeline. The pipeline
// implements it.
type Checker interface {
	CheckChannel(ctx context.Context, channelID int) (changelog.ChannelCheck, error)
}

// Worker drains the queue with a single goroutine, consolidating every
// contiguous run of work into one changelog batch.
type Worker struct {
	queue   *Queue
	checker Checker
	clog    *changelog.Log
	logger  zerolog.Logger

	running atomic.Bool
	// globalBatch flags the next batch as a global-action batch.
	globalBatch atomic.Bool
}

// NewWorker wires the worker to its queue, pipeline and changelog.
func NewWorker(q *Queue, checker Checker, clog *changelog.Log) *Worker {
	return &Worker{
		queue:   q,
		checker: checker,
		clog:    clog,
		logger:  log.WithComponent("queue.worker"),
	}
}

// SetGlobalBatch marks whether batches opened from now on belong to a
// global action.
func (w *Worker) SetGlobalBatch(global bool) {
	w.globalBatch.Store(global)
}

// Running reports whether the worker loop is alive, for readiness.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Run drains the queue until the context ends. The first dequeue after
// idle opens a batch; going empty finalizes it.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	var batch *changelog.Batch
	for {
		channelID, ok := w.queue.pop()
		if !ok {
			if batch != nil {
				batch.Finalize(ctx, w.clog)
				batch = nil
			}
			select {
			case <-ctx.Done():
				return
			case <-w.queue.wake:
			case <-time.After(idlePoll):
			}
			continue
		}

		if batch == nil {
			batch = changelog.NewBatch(w.globalBatch.Load())
			w.logger.Info().
				Str("event", "worker.batch_started").
				Str(log.FieldBatchID, batch.ID()).
				Msg("check batch started")
		}

		w.runOne(log.ContextWithBatchID(ctx, batch.ID()), channelID, batch)

		if ctx.Err() != nil {
			batch.Finalize(ctx, w.clog)
			return
		}
	}
}

func (w *Worker) runOne(ctx context.Context, channelID int, batch *changelog.Batch) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			w.queue.markFailed(channelID, reason)
			batch.Add(changelog.ChannelCheck{ChannelID: channelID, Success: false, Error: reason})
			w.logger.Error().
				Str("event", "worker.panic").
				Int(log.FieldChannelID, channelID).
				Str("reason", reason).
				Msg("channel check panicked")
		}
	}()

	check, err := w.checker.CheckChannel(ctx, channelID)
	if err != nil {
		w.queue.markFailed(channelID, err.Error())
		check.ChannelID = channelID
		check.Success = false
		check.Error = err.Error()
		batch.Add(check)
		w.logger.Warn().
			Str("event", "worker.check_failed").
			Int(log.FieldChannelID, channelID).
			Err(err).
			Msg("channel check failed")
		return
	}

	w.queue.markCompleted(channelID)
	check.ChannelID = channelID
	check.Success = true
	batch.Add(check)
}

// Drain waits until the queue is idle or the context ends, used by the
// global action to run the queue to completion.
func (w *Worker) Drain(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.queue.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
