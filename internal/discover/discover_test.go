package discover

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

const indexPage = `<html><body>
<h2>Disclosure Data</h2>
<h3>PERM Program</h3>
<p><a href="/docs/PERM_FY2023.xlsx">FY 2023</a></p>
<table>
  <tr><th>Program</th><th>FY2022</th></tr>
  <tr><td>LCA Program</td><td><a href="files/LCA_Disclosure_Data_FY2022.xlsx">Q4</a></td></tr>
</table>
<div><strong>H-2A Program</strong>
  <ul><li><a href="https://example.com/h2a/H-2A_FY21.xlsx">download</a></li></ul>
</div>
</body></html>`

func TestDiscoverExtractsLinksWithContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexPage))
	}))
	t.Cleanup(srv.Close)

	d := New(Config{UserAgent: "test"}, zap.NewNop())
	links, err := d.Discover(context.Background(), srv.URL+"/performance")
	require.NoError(t, err)
	require.Len(t, links, 3)

	assert.Equal(t, "/docs/PERM_FY2023.xlsx", links[0].Href)
	assert.Equal(t, "PERM Program", links[0].Heading)
	assert.Empty(t, links[0].TableText)
	assert.Equal(t, srv.URL+"/performance", links[0].Base)

	assert.Equal(t, "LCA Program FY2022 Q4", links[1].TableText)
	assert.Equal(t, "PERM Program", links[1].Heading)

	assert.Equal(t, "H-2A Program", links[2].Heading)
	assert.Equal(t, "download", links[2].Text)
}

func TestDiscoverFailuresWrapErrDiscovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "not html",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/pdf")
				_, _ = w.Write([]byte("%PDF-1.4"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			_, err := New(Config{}, nil).Discover(context.Background(), srv.URL)
			require.Error(t, err)
			assert.ErrorIs(t, err, crawler.ErrDiscovery)
		})
	}
}

func TestDiscoverPageOverLimitFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexPage))
	}))
	t.Cleanup(srv.Close)

	// The cut would land after the first anchor, which used to yield a
	// partial link set and a successful run.
	cut := strings.Index(indexPage, "<table>")
	links, err := New(Config{MaxBodyBytes: cut}, nil).Discover(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrDiscovery)
	assert.ErrorIs(t, err, crawler.ErrBodyTooLarge)
	assert.Empty(t, links)

	links, err = New(Config{MaxBodyBytes: len(indexPage)}, nil).Discover(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, links, 3)
}

func TestDiscoverCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}, nil).Discover(ctx, srv.URL)
	require.ErrorIs(t, err, crawler.ErrDiscovery)
}

func TestPrecedingHeadingPrefersNearest(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<body>
<h2>Outer</h2>
<section><b>Inner</b><p>text</p><span><a href="x.csv">x</a></span></section>
</body>`))
	require.NoError(t, err)

	link := linkFromSelection(doc.Find("a").First(), "https://example.com/")
	assert.Equal(t, "Inner", link.Heading)
	assert.Equal(t, "x.csv", link.Href)
}

func TestTableContextSkipsDuplicateCells(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<table>
<tr><td><a href="a.pdf">Layout</a></td></tr>
</table>`))
	require.NoError(t, err)

	assert.Equal(t, "Layout", tableContext(doc.Find("a").First()))
}
