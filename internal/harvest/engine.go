// Package harvest runs one end-to-end pass: discover links on the index page,
// turn them into candidates, and drive each through freshness and commit.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/classify"
	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/freshness"
	"github.com/JakeFAU/oflc-harvester/internal/metrics"
)

// Run statuses reported to metrics and the run recorder.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var tracer = otel.Tracer("github.com/JakeFAU/oflc-harvester/internal/harvest")

var (
	// ErrRunInProgress is returned when Run is called while another run is active.
	ErrRunInProgress = errors.New("harvest run already in progress")
	// ErrArtifactFailures is returned when FailOnArtifactError is set and at
	// least one candidate failed.
	ErrArtifactFailures = errors.New("one or more artifacts failed")
)

// Discoverer lists the anchors on the index page.
type Discoverer interface {
	Discover(ctx context.Context, indexURL string) ([]crawler.Link, error)
}

// Classifier buckets a link into (program, period).
type Classifier interface {
	Classify(in classify.Input) (classify.Result, error)
}

// Dispatcher drives work items through the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []crawler.WorkItem, emit func(crawler.Outcome)) error
}

// Config controls a harvest pass.
type Config struct {
	IndexURL    string
	StorageRoot string
	// FailOnArtifactError makes per-candidate failures fail the run so the
	// orchestrator retries it.
	FailOnArtifactError bool
}

// Engine wires the harvest stages together.
type Engine struct {
	cfg        Config
	discoverer Discoverer
	classifier Classifier
	store      crawler.ManifestStore
	dispatcher Dispatcher
	recorder   crawler.RunRecorder
	clock      crawler.Clock
	ids        crawler.IDGenerator
	logger     *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	last    *crawler.Summary
}

// New constructs an Engine. recorder may be nil.
func New(
	cfg Config,
	discoverer Discoverer,
	classifier Classifier,
	store crawler.ManifestStore,
	dispatcher Dispatcher,
	recorder crawler.RunRecorder,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Engine{
		cfg:        cfg,
		discoverer: discoverer,
		classifier: classifier,
		store:      store,
		dispatcher: dispatcher,
		recorder:   recorder,
		clock:      clock,
		ids:        ids,
		logger:     logger,
	}
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Last returns the summary of the most recent finished run.
func (e *Engine) Last() (crawler.Summary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return crawler.Summary{}, false
	}
	return *e.last, true
}

// Run performs one harvest pass. The returned error is the run's exit
// signal: discovery and manifest persistence failures are always fatal;
// per-candidate failures are fatal only with FailOnArtifactError.
func (e *Engine) Run(ctx context.Context) (crawler.Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return crawler.Summary{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	summary := crawler.Summary{StartedAt: e.clock.Now().UTC()}
	runID, err := e.ids.NewID()
	if err != nil {
		return summary, fmt.Errorf("run id: %w", err)
	}
	summary.RunID = runID
	ctx, span := tracer.Start(ctx, "harvest.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.String("run.index_url", e.cfg.IndexURL))

	logger := e.logger.With(zap.String("run_id", runID))
	logger.Info("harvest started", zap.String("index_url", e.cfg.IndexURL))

	runErr := e.run(ctx, logger, &summary)
	e.finish(ctx, logger, &summary, runErr)

	span.SetAttributes(
		attribute.Int("run.candidates", summary.Candidates),
		attribute.Int("run.fetched", summary.Fetched),
		attribute.Int("run.skipped", summary.Skipped),
		attribute.Int("run.failed", summary.Failed),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "harvest failed")
	}
	return summary, runErr
}

func (e *Engine) run(ctx context.Context, logger *zap.Logger, summary *crawler.Summary) error {
	links, err := e.discoverer.Discover(ctx, e.cfg.IndexURL)
	if err != nil {
		if !errors.Is(err, crawler.ErrDiscovery) {
			err = fmt.Errorf("%w: %w", crawler.ErrDiscovery, err)
		}
		return err
	}
	summary.Discovered = len(links)

	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	metrics.ObserveManifestLoad(string(snap.Source), len(snap.Records))
	if snap.Degraded() {
		summary.Degraded = true
		logger.Error("manifest unrecoverable, continuing with an empty manifest")
	}

	items, rejected := e.plan(logger, links, snap.Records)
	summary.Rejected = rejected
	summary.Candidates = len(items)
	logger.Info("candidates planned",
		zap.Int("discovered", len(links)),
		zap.Int("candidates", len(items)),
		zap.Int("rejected", rejected),
	)

	programs := make(map[string]string, len(items))
	for _, it := range items {
		programs[it.Candidate.Identity] = it.Candidate.Program
	}
	newIdentities := 0
	emit := func(o crawler.Outcome) {
		summary.Add(o)
		metrics.ObserveArtifact(programs[o.Identity], string(o.Status), o.Bytes)
		metrics.ObserveFreshness(o.Reason)
		if o.Reason == freshness.ReasonProbeFailed {
			metrics.ObserveProbeFallback()
		}
		if o.Status == crawler.OutcomeFetched {
			if _, known := snap.Records[o.Identity]; !known {
				newIdentities++
			}
		}
	}
	if err := e.dispatcher.Dispatch(ctx, items, emit); err != nil {
		return err
	}
	metrics.SetManifestEntries(len(snap.Records) + newIdentities)

	if e.cfg.FailOnArtifactError && summary.Failed > 0 {
		return fmt.Errorf("%w: %d failed", ErrArtifactFailures, summary.Failed)
	}
	return nil
}

// plan turns discovered links into work items. Links are normalized, filtered
// by the classifier, deduplicated by identity (first occurrence wins), and
// dropped when their storage path already belongs to another identity.
func (e *Engine) plan(logger *zap.Logger, links []crawler.Link, known crawler.Manifest) ([]crawler.WorkItem, int) {
	var (
		items    []crawler.WorkItem
		rejected int
		seen     = make(map[string]struct{}, len(links))
		claimed  = make(map[string]string, len(links))
	)
	for id, rec := range known {
		if rec.StoragePath != "" {
			claimed[crawler.NormalizePath(rec.StoragePath)] = id
		}
	}

	for _, link := range links {
		identity := crawler.NormalizeIdentity(link.Href, link.Base)
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}

		filename := crawler.FilenameFromIdentity(identity)
		res, err := e.classifier.Classify(classify.Input{
			URL:       identity,
			Filename:  filename,
			LinkText:  link.Text,
			TableText: link.TableText,
			Heading:   link.Heading,
		})
		if err != nil {
			rejected++
			logger.Debug("link rejected", zap.String("identity", identity), zap.Error(err))
			continue
		}

		cand := crawler.Candidate{
			Identity:    identity,
			Program:     res.Program,
			Period:      res.Period,
			Filename:    filename,
			StoragePath: crawler.StoragePath(e.cfg.StorageRoot, res.Program, res.Period, filename),
		}
		key := crawler.NormalizePath(cand.StoragePath)
		if owner, ok := claimed[key]; ok && owner != identity {
			rejected++
			logger.Warn("storage path already owned by another identity",
				zap.String("identity", identity),
				zap.String("owner", owner),
				zap.String("path", cand.StoragePath),
			)
			continue
		}
		claimed[key] = identity

		item := crawler.WorkItem{Candidate: cand}
		if rec, ok := known[identity]; ok {
			prior := rec
			item.Prior = &prior
		}
		items = append(items, item)
	}
	return items, rejected
}

func (e *Engine) finish(ctx context.Context, logger *zap.Logger, summary *crawler.Summary, runErr error) {
	summary.FinishedAt = e.clock.Now().UTC()
	status := StatusSucceeded
	if runErr != nil {
		status = StatusFailed
		summary.Error = runErr.Error()
	}
	metrics.ObserveRun(status, summary.FinishedAt.Sub(summary.StartedAt), summary.FinishedAt)

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("discovered", summary.Discovered),
		zap.Int("candidates", summary.Candidates),
		zap.Int("fetched", summary.Fetched),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("rejected", summary.Rejected),
		zap.Bool("degraded", summary.Degraded),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if runErr != nil {
		logger.Error("harvest finished", append(fields, zap.Error(runErr))...)
	} else {
		logger.Info("harvest finished", fields...)
	}

	if e.recorder != nil {
		// The run outcome must be recorded even when ctx was canceled.
		if err := e.recorder.RecordRun(context.WithoutCancel(ctx), *summary); err != nil {
			logger.Warn("record run failed", zap.Error(err))
		}
	}

	snapshot := *summary
	e.mu.Lock()
	e.last = &snapshot
	e.mu.Unlock()
}
