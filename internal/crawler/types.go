package crawler

import (
	"time"
)

// PeriodUnknown is recorded when no year token can be extracted from a filename.
const PeriodUnknown = "unknown"

// StatusActive marks a record written by a successful commit.
const StatusActive = "active"

// Decision is the freshness verdict for a candidate.
type Decision string

// Freshness decisions.
const (
	DecisionFetch Decision = "fetch"
	DecisionSkip  Decision = "skip"
)

// OutcomeStatus summarizes what happened to a candidate during a run.
type OutcomeStatus string

// Per-candidate outcome values reported in run summaries.
const (
	OutcomeFetched OutcomeStatus = "fetched"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Link is a raw anchor discovered on the index page together with the
// structural context that surrounded it at discovery time.
type Link struct {
	// Href is the attribute value exactly as published.
	Href string
	// Base is the URL of the page the anchor was found on.
	Base string
	// Text is the anchor's own visible text.
	Text string
	// TableText is the text of the enclosing table cell and its row header, if any.
	TableText string
	// Heading is the text of the nearest heading preceding the anchor.
	Heading string
}

// Candidate is a classified, normalized artifact ready for the freshness check.
type Candidate struct {
	Identity    string `json:"identity"`
	Program     string `json:"program"`
	Period      string `json:"period"`
	Filename    string `json:"filename"`
	StoragePath string `json:"storage_path"`
}

// Record is the durable manifest entry for one identity.
type Record struct {
	Identity     string    `json:"identity"`
	Program      string    `json:"program"`
	Period       string    `json:"period"`
	Filename     string    `json:"filename"`
	StoragePath  string    `json:"storage_path"`
	ContentHash  string    `json:"content_hash"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	Status       string    `json:"status,omitempty"`
}

// Manifest maps canonical identities to their records.
type Manifest map[string]Record

// Clone returns a shallow copy safe to mutate independently.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OwnerOf returns the identity whose record claims storagePath, if any.
func (m Manifest) OwnerOf(storagePath string) (string, bool) {
	for id, rec := range m {
		if rec.StoragePath == storagePath {
			return id, true
		}
	}
	return "", false
}

// ResponseMeta carries the response metadata the pipeline cares about.
type ResponseMeta struct {
	URL           string
	StatusCode    int
	ETag          string
	LastModified  string
	ContentType   string
	ContentLength int64
}

// OK reports whether the status code is a 2xx success.
func (m ResponseMeta) OK() bool {
	return m.StatusCode >= 200 && m.StatusCode < 300
}

// WorkItem pairs a candidate with the manifest record that existed for its
// identity when the run started.
type WorkItem struct {
	Candidate Candidate
	Prior     *Record
}

// Outcome is the per-candidate result emitted by workers.
type Outcome struct {
	Identity string
	Status   OutcomeStatus
	Reason   string
	Bytes    int64
	Record   *Record
	Err      error
}

// Summary aggregates a single harvest run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Discovered int       `json:"discovered"`
	Rejected   int       `json:"rejected"`
	Candidates int       `json:"candidates"`
	Fetched    int       `json:"fetched"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Degraded   bool      `json:"degraded"`
	Error      string    `json:"error,omitempty"`
}

// Add folds an outcome into the summary counters.
func (s *Summary) Add(o Outcome) {
	switch o.Status {
	case OutcomeFetched:
		s.Fetched++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// CommitEvent is published after an artifact is committed.
type CommitEvent struct {
	Identity    string    `json:"identity"`
	StoragePath string    `json:"storage_path"`
	ObjectURI   string    `json:"object_uri,omitempty"`
	ContentHash string    `json:"content_hash"`
	Program     string    `json:"program"`
	Period      string    `json:"period"`
	Bytes       int64     `json:"bytes"`
	FetchedAt   time.Time `json:"fetched_at"`
}
