package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/freshness"
	"github.com/JakeFAU/oflc-harvester/internal/pipeline"
	pubmem "github.com/JakeFAU/oflc-harvester/internal/publisher/memory"
	"github.com/JakeFAU/oflc-harvester/internal/queue/memory"
	blobmem "github.com/JakeFAU/oflc-harvester/internal/storage/memory"
)

type fakeDecider struct {
	verdict freshness.Verdict
	calls   int
}

func (f *fakeDecider) Decide(context.Context, string, *crawler.Record) freshness.Verdict {
	f.calls++
	return f.verdict
}

// fakeCommitter writes the body straight to the storage path.
type fakeCommitter struct {
	err   error
	calls int
}

func (f *fakeCommitter) Commit(_ context.Context, cand crawler.Candidate) (pipeline.Result, error) {
	f.calls++
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	if err := os.MkdirAll(filepath.Dir(cand.StoragePath), 0o750); err != nil {
		return pipeline.Result{}, err
	}
	if err := os.WriteFile(cand.StoragePath, []byte("body"), 0o600); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{
		Record: crawler.Record{
			Identity:    cand.Identity,
			Program:     cand.Program,
			Period:      cand.Period,
			StoragePath: cand.StoragePath,
			ContentHash: "abc123",
			FetchedAt:   time.Unix(100, 0).UTC(),
		},
		Bytes: 4,
		Meta:  crawler.ResponseMeta{StatusCode: 200, ContentType: "text/csv"},
	}, nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, any) (string, error) {
	return "", errors.New("topic not found")
}

type recordingLimiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (l *recordingLimiter) Wait(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, url)
	return l.err
}

func testCandidate(root string) crawler.Candidate {
	return crawler.Candidate{
		Identity:    "https://example.com/files/LCA_FY2023.csv",
		Program:     "LCA Program",
		Period:      "2023",
		Filename:    "LCA_FY2023.csv",
		StoragePath: filepath.Join(root, "LCA Program", "2023", "LCA_FY2023.csv"),
	}
}

func TestProcess_FetchMirrorsAndPublishes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blobs := blobmem.NewBlobStore()
	pub := pubmem.New()
	limiter := &recordingLimiter{}
	decider := &fakeDecider{verdict: freshness.Verdict{Decision: crawler.DecisionFetch, Reason: freshness.ReasonNoRecord}}
	w := New(nil, limiter, decider, &fakeCommitter{}, blobs, pub, Config{StorageRoot: root}, zap.NewNop())

	out := w.Process(context.Background(), crawler.WorkItem{Candidate: testCandidate(root)})
	require.NoError(t, out.Err)
	assert.Equal(t, crawler.OutcomeFetched, out.Status)
	assert.Equal(t, freshness.ReasonNoRecord, out.Reason)
	assert.EqualValues(t, 4, out.Bytes)
	require.NotNil(t, out.Record)

	data, ct, ok := blobs.Get("LCA Program/2023/LCA_FY2023.csv")
	require.True(t, ok)
	assert.Equal(t, "body", string(data))
	assert.Equal(t, "text/csv", ct)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	ev, ok := msgs[0].(crawler.CommitEvent)
	require.True(t, ok)
	assert.Equal(t, "abc123", ev.ContentHash)
	assert.Equal(t, "memory://LCA Program/2023/LCA_FY2023.csv", ev.ObjectURI)

	// No prior record: only the download is throttled.
	assert.Len(t, limiter.urls, 1)
}

func TestProcess_SkipDoesNotCommit(t *testing.T) {
	t.Parallel()

	committer := &fakeCommitter{}
	limiter := &recordingLimiter{}
	decider := &fakeDecider{verdict: freshness.Verdict{Decision: crawler.DecisionSkip, Reason: freshness.ReasonETagMatch}}
	w := New(nil, limiter, decider, committer, nil, nil, Config{}, nil)

	prior := &crawler.Record{Identity: "x"}
	out := w.Process(context.Background(), crawler.WorkItem{Candidate: testCandidate(t.TempDir()), Prior: prior})
	assert.Equal(t, crawler.OutcomeSkipped, out.Status)
	assert.Equal(t, freshness.ReasonETagMatch, out.Reason)
	assert.Zero(t, committer.calls)
	assert.Len(t, limiter.urls, 1)
}

func TestProcess_SideEffectFailuresDoNotFailOutcome(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	decider := &fakeDecider{verdict: freshness.Verdict{Decision: crawler.DecisionFetch}}
	w := New(nil, nil, decider, &fakeCommitter{}, nil, failingPublisher{}, Config{StorageRoot: root}, nil)

	out := w.Process(context.Background(), crawler.WorkItem{Candidate: testCandidate(root)})
	assert.Equal(t, crawler.OutcomeFetched, out.Status)
	assert.NoError(t, out.Err)
}

func TestProcess_LimiterErrorFailsCandidate(t *testing.T) {
	t.Parallel()

	committer := &fakeCommitter{}
	limiter := &recordingLimiter{err: context.Canceled}
	decider := &fakeDecider{verdict: freshness.Verdict{Decision: crawler.DecisionFetch}}
	w := New(nil, limiter, decider, committer, nil, nil, Config{}, nil)

	out := w.Process(context.Background(), crawler.WorkItem{Candidate: testCandidate(t.TempDir())})
	assert.Equal(t, crawler.OutcomeFailed, out.Status)
	assert.ErrorIs(t, out.Err, crawler.ErrFetch)
	assert.Zero(t, committer.calls)
}

func TestRun_DrainsQueueAndContinuesPastFetchErrors(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), crawler.WorkItem{Candidate: crawler.Candidate{Identity: id}}))
	}
	q.Close()

	decider := &fakeDecider{verdict: freshness.Verdict{Decision: crawler.DecisionFetch}}
	committer := &fakeCommitter{err: crawler.ErrFetch}
	w := New(q, nil, decider, committer, nil, nil, Config{}, nil)

	var outcomes []crawler.Outcome
	err := w.Run(context.Background(), func(o crawler.Outcome) { outcomes = append(outcomes, o) })
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, crawler.OutcomeFailed, o.Status)
	}
}

func TestRun_StopsOnPersistenceError(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Enqueue(context.Background(), crawler.WorkItem{Candidate: crawler.Candidate{Identity: id}}))
	}
	q.Close()

	decider := &fakeDecider{verdict: freshness.Verdict{Decision: crawler.DecisionFetch}}
	committer := &fakeCommitter{err: crawler.ErrPersistence}
	w := New(q, nil, decider, committer, nil, nil, Config{}, nil)

	var outcomes []crawler.Outcome
	err := w.Run(context.Background(), func(o crawler.Outcome) { outcomes = append(outcomes, o) })
	require.ErrorIs(t, err, crawler.ErrPersistence)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, 1, committer.calls)
}

func TestRun_ContextCanceled(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := New(q, nil, &fakeDecider{}, &fakeCommitter{}, nil, nil, Config{}, nil)
	err := w.Run(ctx, func(crawler.Outcome) {})
	require.ErrorIs(t, err, context.Canceled)
}
