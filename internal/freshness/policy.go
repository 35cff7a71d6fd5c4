// Package freshness decides whether a known artifact needs to be fetched again.
package freshness

import (
	"context"
	"errors"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

// Reasons attached to freshness verdicts.
const (
	ReasonNoRecord          = "no-record"
	ReasonFileMissing       = "file-missing"
	ReasonETagMatch         = "etag-match"
	ReasonLastModifiedMatch = "last-modified-match"
	ReasonChanged           = "changed"
	ReasonProbeFailed       = "probe-failed"
)

// Verdict is the outcome of a freshness check.
type Verdict struct {
	Decision crawler.Decision
	Reason   string
	// Probe holds the HEAD response when one was obtained.
	Probe *crawler.ResponseMeta
	// ProbeErr is set when the HEAD request failed at the transport level.
	ProbeErr error
}

// Policy combines the prior manifest record, the local filesystem, and a
// HEAD probe into a fetch or skip decision.
type Policy struct {
	prober crawler.Prober
	logger *zap.Logger
	stat   func(string) (os.FileInfo, error)
}

// New constructs a Policy.
func New(prober crawler.Prober, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{prober: prober, logger: logger, stat: os.Stat}
}

// Decide returns FETCH unless the prior record is present, its file exists,
// and the remote ETag or Last-Modified matches what was recorded. No probe is
// sent when the record or its file is missing. A probe that fails at the
// transport level is treated as unchanged.
func (p *Policy) Decide(ctx context.Context, identity string, prior *crawler.Record) Verdict {
	if prior == nil {
		return Verdict{Decision: crawler.DecisionFetch, Reason: ReasonNoRecord}
	}

	if !p.exists(prior.StoragePath) {
		return Verdict{Decision: crawler.DecisionFetch, Reason: ReasonFileMissing}
	}

	meta, err := p.prober.Probe(ctx, identity)
	if err != nil {
		p.logger.Warn("freshness probe failed, keeping local copy",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return Verdict{Decision: crawler.DecisionSkip, Reason: ReasonProbeFailed, ProbeErr: err}
	}

	v := Verdict{Probe: &meta}
	switch {
	case meta.OK() && meta.ETag != "" && prior.ETag != "" && meta.ETag == prior.ETag:
		v.Decision, v.Reason = crawler.DecisionSkip, ReasonETagMatch
	case meta.OK() && meta.LastModified != "" && prior.LastModified != "" && meta.LastModified == prior.LastModified:
		v.Decision, v.Reason = crawler.DecisionSkip, ReasonLastModifiedMatch
	default:
		v.Decision, v.Reason = crawler.DecisionFetch, ReasonChanged
	}
	return v
}

func (p *Policy) exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := p.stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("stat artifact", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	return info.Mode().IsRegular()
}
