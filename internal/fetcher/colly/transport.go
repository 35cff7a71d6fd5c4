package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

type sinkKey struct{}

// bodySink receives the raw wire bytes of one artifact GET. Colly only ever
// sees an empty body, so neither its charset conversion nor its gzip sniffing
// touches what is written to dst, and the body is never held in memory.
type bodySink struct {
	dst   io.Writer
	limit int64

	// Populated from the final response of the redirect chain.
	status int
	header http.Header
	url    string

	written  int64
	complete bool
	err      error
}

func withSink(ctx context.Context, s *bodySink) context.Context {
	return context.WithValue(ctx, sinkKey{}, s)
}

func sinkFrom(ctx context.Context) *bodySink {
	s, _ := ctx.Value(sinkKey{}).(*bodySink)
	return s
}

// meta reports what the final response carried.
func (s *bodySink) meta() crawler.ResponseMeta {
	meta := crawler.ResponseMeta{StatusCode: s.status, URL: s.url}
	if s.header != nil {
		meta.ETag = s.header.Get("ETag")
		meta.LastModified = s.header.Get("Last-Modified")
		meta.ContentType = s.header.Get("Content-Type")
	}
	if s.complete {
		meta.ContentLength = s.written
	}
	return meta
}

// drain copies the body into dst, enforcing the byte limit and the
// advertised Content-Length.
func (s *bodySink) drain(body io.Reader, contentLength int64) {
	src := body
	if s.limit > 0 {
		src = io.LimitReader(body, s.limit+1)
	}
	n, err := io.Copy(s.dst, src)
	s.written = n
	switch {
	case err != nil:
		s.err = fmt.Errorf("copy body after %d bytes: %w", n, err)
	case s.limit > 0 && n > s.limit:
		s.err = fmt.Errorf("%w: more than %d bytes", crawler.ErrBodyTooLarge, s.limit)
	case contentLength >= 0 && n != contentLength:
		s.err = fmt.Errorf("short body: got %d of %d bytes", n, contentLength)
	default:
		s.complete = true
	}
}

// teeTransport hands successful response bodies of requests carrying a
// bodySink to that sink. Requests without one (probes, robots.txt) pass
// through untouched.
type teeTransport struct {
	base http.RoundTripper
}

func (t *teeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	sink := sinkFrom(req.Context())
	if sink == nil {
		return resp, nil
	}
	sink.status = resp.StatusCode
	sink.header = resp.Header.Clone()
	sink.url = req.URL.String()
	// Redirect and error bodies are left to the client.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}
	resp.Body = &sinkBody{ReadCloser: resp.Body, sink: sink, contentLength: resp.ContentLength}
	return resp, nil
}

// sinkBody drains into the sink on first Read and then reports EOF, or the
// sink's error so the caller aborts.
type sinkBody struct {
	io.ReadCloser
	sink          *bodySink
	contentLength int64
	drained       bool
}

func (b *sinkBody) Read(_ []byte) (int, error) {
	if !b.drained {
		b.drained = true
		b.sink.drain(b.ReadCloser, b.contentLength)
	}
	if b.sink.err != nil {
		return 0, b.sink.err
	}
	return 0, io.EOF
}
