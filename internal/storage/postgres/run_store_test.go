package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

func sampleSummary() crawler.Summary {
	start := time.Unix(1700000000, 0).UTC()
	return crawler.Summary{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Discovered: 12,
		Rejected:   2,
		Candidates: 10,
		Fetched:    3,
		Skipped:    7,
	}
}

func TestRecordRunInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)

	s := sampleSummary()
	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(
			s.RunID,
			s.StartedAt,
			s.FinishedAt,
			"succeeded",
			s.Discovered,
			s.Rejected,
			s.Candidates,
			s.Fetched,
			s.Skipped,
			s.Failed,
			s.Degraded,
			(*string)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunFailedStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	s := sampleSummary()
	s.Error = "discovery: index unreachable"
	msg := s.Error
	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(
			s.RunID, s.StartedAt, s.FinishedAt, "failed",
			s.Discovered, s.Rejected, s.Candidates, s.Fetched, s.Skipped, s.Failed,
			s.Degraded, &msg,
		).
		WillReturnError(errors.New("connection reset"))

	err = store.RecordRun(context.Background(), s)
	require.ErrorContains(t, err, "insert run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)
	require.Error(t, store.RecordRun(context.Background(), crawler.Summary{}))
}

func TestRecentRunsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)

	s := sampleSummary()
	msg := "boom"
	rows := pgxmock.NewRows([]string{
		"run_id", "started_at", "finished_at", "discovered", "rejected", "candidates",
		"fetched", "skipped", "failed", "degraded", "error_message",
	}).
		AddRow(s.RunID, s.StartedAt, s.FinishedAt, s.Discovered, s.Rejected, s.Candidates,
			s.Fetched, s.Skipped, s.Failed, s.Degraded, (*string)(nil)).
		AddRow("run-0", s.StartedAt.Add(-time.Hour), s.FinishedAt.Add(-time.Hour), 0, 0, 0,
			0, 0, 0, false, &msg)

	mock.ExpectQuery("SELECT run_id").WithArgs(5).WillReturnRows(rows)

	runs, err := store.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, s.RunID, runs[0].RunID)
	require.Equal(t, 3, runs[0].Fetched)
	require.Empty(t, runs[0].Error)
	require.Equal(t, "boom", runs[1].Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRunStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunStoreWithPool(nil, "harvest_runs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; drop table x")
	require.Error(t, err)

	_, err = NewRunStore(context.Background(), RunStoreConfig{})
	require.ErrorContains(t, err, "dsn is required")
}
