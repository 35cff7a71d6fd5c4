package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if harvestArtifactsTotal == nil || harvestBytesTotal == nil ||
		httpRequestsTotal == nil || manifestEntries == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveArtifact(t *testing.T) {
	Init()

	before := testutil.ToFloat64(harvestArtifactsTotal.WithLabelValues("PERM Program", "fetched"))
	ObserveArtifact("PERM Program", "fetched", 2048)
	ObserveArtifact("PERM Program", "fetched", 0)
	if got := testutil.ToFloat64(harvestArtifactsTotal.WithLabelValues("PERM Program", "fetched")); got != before+2 {
		t.Errorf("expected artifacts counter +2, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(harvestBytesTotal.WithLabelValues("PERM Program")); got < 2048 {
		t.Errorf("expected bytes counter to include 2048, got %f", got)
	}
}

func TestObserveRunSetsLastSuccess(t *testing.T) {
	Init()

	finished := time.Unix(1_700_000_000, 0)
	ObserveRun("succeeded", 3*time.Second, finished)
	if got := testutil.ToFloat64(harvestLastSuccess); got != float64(finished.Unix()) {
		t.Errorf("expected last success %d, got %f", finished.Unix(), got)
	}
	ObserveRun("failed", time.Second, finished.Add(time.Hour))
	if got := testutil.ToFloat64(harvestLastSuccess); got != float64(finished.Unix()) {
		t.Errorf("failed run must not move last success, got %f", got)
	}
}

func TestObserveManifestAndReconcile(t *testing.T) {
	Init()

	ObserveManifestLoad("backup", 12)
	if got := testutil.ToFloat64(manifestEntries); got != 12 {
		t.Errorf("expected manifest entries 12, got %f", got)
	}
	ObserveReconcile(2, 5)
	if got := testutil.ToFloat64(reconcileOrphans); got != 5 {
		t.Errorf("expected orphans gauge 5, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
