// Package collyfetcher implements the artifact Fetcher and Prober using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds a full body download.
	Timeout time.Duration
	// ProbeTimeout bounds a HEAD request.
	ProbeTimeout time.Duration
	// MaxBodyBytes caps downloads; zero means unlimited.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher and crawler.Prober.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher sharing one pooled transport across requests.
// Clones share the collector's HTTP client, so per-call timeouts travel on
// the request context; the client timeout is only a ceiling for requests
// colly issues without one, such as robots.txt.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	transport := &teeTransport{base: newHTTPTransport()}
	c.WithTransport(transport)
	c.SetRequestTimeout(max(cfg.Timeout, cfg.ProbeTimeout))
	// Bodies are bounded by the sink, not by colly's silent truncation.
	c.MaxBodySize = 0

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch downloads url and streams the raw response bytes into dst. Transport
// errors, non-2xx statuses, short bodies and bodies over MaxBodyBytes are
// reported as crawler.ErrFetch; dst may then hold a partial body.
func (f *Fetcher) Fetch(ctx context.Context, url string, dst io.Writer) (crawler.ResponseMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	sink := &bodySink{dst: dst, limit: int64(f.cfg.MaxBodyBytes)}
	collector := f.buildCollector(withSink(ctx, sink))

	// Colly may still report an error once the body was fully received,
	// e.g. from gzip sniffing on the empty body it is handed; the sink is
	// authoritative for artifact GETs.
	visitErr := runCollector(ctx, func() error { return collector.Visit(url) })
	meta := sink.meta()
	switch {
	case sink.err != nil:
		return meta, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, sink.err)
	case meta.StatusCode == 0:
		if visitErr == nil {
			visitErr = errors.New("no response")
		}
		return meta, fmt.Errorf("%w: %s: %w", crawler.ErrFetch, url, visitErr)
	case !meta.OK():
		return meta, fmt.Errorf("%w: %s: unexpected status %d", crawler.ErrFetch, url, meta.StatusCode)
	case !sink.complete:
		if visitErr == nil {
			visitErr = errors.New("body not read")
		}
		return meta, fmt.Errorf("%w: %s: incomplete body: %w", crawler.ErrFetch, url, visitErr)
	}
	return meta, nil
}

// Probe issues a HEAD request. A response with any status is returned
// without error so callers can inspect it; only transport failures error.
func (f *Fetcher) Probe(ctx context.Context, url string) (crawler.ResponseMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	var (
		meta     crawler.ResponseMeta
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	configureCollectorHooks(collector, &meta, &fetchErr)

	err := runCollector(ctx, func() error { return collector.Head(url) })
	if meta.StatusCode != 0 {
		return meta, nil
	}
	if err == nil {
		err = fetchErr
	}
	if err == nil {
		err = fmt.Errorf("no response")
	}
	return meta, fmt.Errorf("probe %s: %w", url, err)
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// HEAD and GET of the same artifact happen in one run.
	collector.AllowURLRevisit = true
	return collector
}

func configureCollectorHooks(hooks collectorHooks, meta *crawler.ResponseMeta, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*meta = responseMeta(r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*meta = responseMeta(r)
		}
		*fetchErr = err
	})
}

func responseMeta(r *colly.Response) crawler.ResponseMeta {
	meta := crawler.ResponseMeta{StatusCode: r.StatusCode}
	if r.Request != nil && r.Request.URL != nil {
		meta.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		meta.ETag = r.Headers.Get("ETag")
		meta.LastModified = r.Headers.Get("Last-Modified")
		meta.ContentType = r.Headers.Get("Content-Type")
		if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil {
			meta.ContentLength = n
		}
	}
	if meta.ContentLength == 0 {
		meta.ContentLength = int64(len(r.Body))
	}
	return meta
}

// runCollector executes visit. When ctx ends first it still waits for visit
// to return, so callbacks never outlive the call; the request carries ctx and
// aborts promptly.
func runCollector(ctx context.Context, visit func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		<-done
		return fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
