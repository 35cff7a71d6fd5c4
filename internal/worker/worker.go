// Package worker implements the per-candidate harvest loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/freshness"
	"github.com/JakeFAU/oflc-harvester/internal/pipeline"
)

const defaultContentType = "application/octet-stream"

var tracer = otel.Tracer("github.com/JakeFAU/oflc-harvester/internal/worker")

// Decider decides whether a known artifact must be fetched again.
type Decider interface {
	Decide(ctx context.Context, identity string, prior *crawler.Record) freshness.Verdict
}

// Committer downloads and commits one candidate.
type Committer interface {
	Commit(ctx context.Context, cand crawler.Candidate) (pipeline.Result, error)
}

// Config controls Worker behavior.
type Config struct {
	// StorageRoot is stripped from storage paths to form mirror object names.
	StorageRoot string
}

// Worker consumes work items and runs the freshness check and commit for each.
type Worker struct {
	queue     crawler.Queue
	limiter   crawler.Limiter
	decider   Decider
	committer Committer
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. limiter, blobStore and publisher may be nil.
func New(
	queue crawler.Queue,
	limiter crawler.Limiter,
	decider Decider,
	committer Committer,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		limiter:   limiter,
		decider:   decider,
		committer: committer,
		blobStore: blobStore,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes items until the queue is closed and drained, passing every
// outcome to emit. It stops early, returning the error, when the context ends
// or a commit could not be persisted to the manifest.
func (w *Worker) Run(ctx context.Context, emit func(crawler.Outcome)) error {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		outcome := w.Process(ctx, item)
		emit(outcome)
		if outcome.Err != nil && errors.Is(outcome.Err, crawler.ErrPersistence) {
			return outcome.Err
		}
	}
}

// Process handles a single work item inside a span.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) crawler.Outcome {
	ctx, span := tracer.Start(ctx, "harvest.artifact", trace.WithAttributes(
		attribute.String("artifact.identity", item.Candidate.Identity),
		attribute.String("artifact.program", item.Candidate.Program),
		attribute.String("artifact.period", item.Candidate.Period),
	))
	defer span.End()

	out := w.process(ctx, item)
	span.SetAttributes(
		attribute.String("artifact.outcome", string(out.Status)),
		attribute.String("artifact.reason", out.Reason),
		attribute.Int64("artifact.bytes", out.Bytes),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, "artifact failed")
	}
	return out
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) crawler.Outcome {
	cand := item.Candidate
	out := crawler.Outcome{Identity: cand.Identity}

	if item.Prior != nil {
		if err := w.wait(ctx, cand.Identity); err != nil {
			return failed(out, err)
		}
	}
	verdict := w.decider.Decide(ctx, cand.Identity, item.Prior)
	out.Reason = verdict.Reason
	if verdict.Decision == crawler.DecisionSkip {
		out.Status = crawler.OutcomeSkipped
		w.logger.Debug("artifact unchanged",
			zap.String("identity", cand.Identity),
			zap.String("reason", verdict.Reason),
		)
		return out
	}

	if err := w.wait(ctx, cand.Identity); err != nil {
		return failed(out, err)
	}
	res, err := w.committer.Commit(ctx, cand)
	if err != nil {
		w.logger.Error("artifact commit failed",
			zap.String("identity", cand.Identity),
			zap.String("path", cand.StoragePath),
			zap.Error(err),
		)
		return failed(out, err)
	}

	out.Status = crawler.OutcomeFetched
	out.Bytes = res.Bytes
	out.Record = &res.Record
	w.logger.Info("artifact fetched",
		zap.String("identity", cand.Identity),
		zap.String("program", cand.Program),
		zap.String("period", cand.Period),
		zap.String("reason", verdict.Reason),
		zap.Int64("bytes", res.Bytes),
	)
	w.afterCommit(ctx, res)
	return out
}

// afterCommit mirrors and announces a committed artifact. Failures are
// logged only; the local commit stands.
func (w *Worker) afterCommit(ctx context.Context, res pipeline.Result) {
	rec := res.Record
	var uri string
	if w.blobStore != nil {
		var err error
		uri, err = w.mirror(ctx, rec, res.Meta.ContentType)
		if err != nil {
			w.logger.Warn("mirror upload failed", zap.String("identity", rec.Identity), zap.Error(err))
		}
	}
	if w.publisher == nil {
		return
	}
	event := crawler.CommitEvent{
		Identity:    rec.Identity,
		StoragePath: rec.StoragePath,
		ObjectURI:   uri,
		ContentHash: rec.ContentHash,
		Program:     rec.Program,
		Period:      rec.Period,
		Bytes:       res.Bytes,
		FetchedAt:   rec.FetchedAt,
	}
	if _, err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("commit notification failed", zap.String("identity", rec.Identity), zap.Error(err))
	}
}

func (w *Worker) mirror(ctx context.Context, rec crawler.Record, contentType string) (string, error) {
	rel := rec.StoragePath
	if w.cfg.StorageRoot != "" {
		if r, err := filepath.Rel(w.cfg.StorageRoot, rec.StoragePath); err == nil {
			rel = r
		}
	}
	if contentType == "" {
		contentType = defaultContentType
	}
	f, err := os.Open(rec.StoragePath)
	if err != nil {
		return "", fmt.Errorf("open committed artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	uri, err := w.blobStore.PutObject(ctx, filepath.ToSlash(rel), contentType, f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) wait(ctx context.Context, url string) error {
	if w.limiter == nil {
		return nil
	}
	if err := w.limiter.Wait(ctx, url); err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrFetch, err)
	}
	return nil
}

func failed(out crawler.Outcome, err error) crawler.Outcome {
	out.Status = crawler.OutcomeFailed
	out.Err = err
	if out.Reason == "" {
		out.Reason = err.Error()
	}
	return out
}
