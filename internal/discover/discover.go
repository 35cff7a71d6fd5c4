// Package discover scrapes the index page for candidate artifact links.
//
// Each anchor is returned with the structural context around it (its table
// cell, row and column headers, and the nearest preceding heading) so the
// classifier can attribute it to a program without re-parsing the page.
package discover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

const headingSelector = "h1, h2, h3, h4, h5, h6, strong, b"

// Config controls how the index page is retrieved.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Discoverer fetches one index page and extracts its anchors.
type Discoverer struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Discoverer.
func New(cfg Config, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Discoverer{cfg: cfg, logger: logger}
}

// Discover returns every anchor with an href on indexURL, in document order.
// Any failure to retrieve or parse the page wraps crawler.ErrDiscovery.
func (d *Discoverer) Discover(ctx context.Context, indexURL string) ([]crawler.Link, error) {
	var (
		links   []crawler.Link
		pageErr error
	)

	collector := colly.NewCollector()
	collector.Context = ctx
	collector.IgnoreRobotsTxt = !d.cfg.RespectRobots
	collector.AllowURLRevisit = true
	// colly truncates silently at MaxBodySize; the limit is enforced by
	// the transport instead so an oversized page fails the run.
	collector.MaxBodySize = 0
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	collector.SetRequestTimeout(d.cfg.Timeout)
	transport := d.cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if d.cfg.MaxBodyBytes > 0 {
		transport = &limitTransport{base: transport, limit: int64(d.cfg.MaxBodyBytes)}
	}
	collector.WithTransport(transport)

	collector.OnResponse(func(r *colly.Response) {
		ct := strings.ToLower(r.Headers.Get("Content-Type"))
		if ct != "" && !strings.Contains(ct, "html") {
			pageErr = fmt.Errorf("unexpected content type %q", ct)
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		links = append(links, linkFromSelection(e.DOM, e.Request.URL.String()))
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			pageErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		pageErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(indexURL)
	}()
	select {
	case <-ctx.Done():
		// Callbacks may still be running; wait so they never outlive Discover.
		<-done
		return nil, fmt.Errorf("%w: %s: %w", crawler.ErrDiscovery, indexURL, ctx.Err())
	case err := <-done:
		if pageErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrDiscovery, indexURL, pageErr)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", crawler.ErrDiscovery, indexURL, err)
		}
	}

	d.logger.Info("index page scraped",
		zap.String("url", indexURL),
		zap.Int("links", len(links)),
	)
	return links, nil
}

// limitTransport fails response bodies that run past limit instead of
// letting them be cut short.
type limitTransport struct {
	base  http.RoundTripper
	limit int64
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: t.limit, limit: t.limit}
	return resp, nil
}

type limitedBody struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, fmt.Errorf("%w: more than %d bytes", crawler.ErrBodyTooLarge, b.limit)
	}
	// Allow one byte past the limit so an overrun is observable.
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, fmt.Errorf("%w: more than %d bytes", crawler.ErrBodyTooLarge, b.limit)
	}
	return n, err
}

// linkFromSelection captures an anchor and its surrounding context.
func linkFromSelection(a *goquery.Selection, base string) crawler.Link {
	href, _ := a.Attr("href")
	return crawler.Link{
		Href:      href,
		Base:      base,
		Text:      cleanText(a.Text()),
		TableText: tableContext(a),
		Heading:   precedingHeading(a),
	}
}

// tableContext joins the row header, the column header and the anchor's own
// cell. It is empty for anchors outside tables.
func tableContext(a *goquery.Selection) string {
	cell := a.Closest("td, th")
	if cell.Length() == 0 {
		return ""
	}
	var parts []string
	add := func(s string) {
		s = cleanText(s)
		if s == "" {
			return
		}
		for _, p := range parts {
			if p == s {
				return
			}
		}
		parts = append(parts, s)
	}

	row := cell.Closest("tr")
	add(row.Children().First().Text())

	if header := row.Closest("table").Find("tr").First(); header.Length() > 0 && !header.IsSelection(row) {
		add(header.Children().Eq(cell.Index()).Text())
	}
	add(cell.Text())
	return strings.Join(parts, " ")
}

// precedingHeading walks backwards through siblings, then up through
// ancestors, returning the nearest heading-like element before the anchor.
func precedingHeading(a *goquery.Selection) string {
	for cur := a; cur.Length() > 0 && !cur.Is("body, html"); cur = cur.Parent() {
		var found string
		cur.PrevAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
			if sib.Is(headingSelector) {
				found = cleanText(sib.Text())
			} else if nested := sib.Find(headingSelector).Last(); nested.Length() > 0 {
				found = cleanText(nested.Text())
			}
			return found == ""
		})
		if found != "" {
			return found
		}
	}
	return ""
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
