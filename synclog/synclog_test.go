package synclog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/hub/errors"
	qtest "github.com/teranos/hub/internal/testing"
	hubsync "github.com/teranos/hub/sync"
)

func attempt(id, peer string, outcome hubsync.Outcome, started time.Time, merged int) *hubsync.Result {
	return &hubsync.Result{
		AttemptID:        id,
		Peer:             peer,
		Outcome:          outcome,
		StartedAt:        started,
		FinishedAt:       started.Add(1500 * time.Millisecond),
		DivergencePrefix: []byte("0017"),
		Fetched:          merged + 1,
		Merged:           merged,
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, attempt("a1", "alpha", hubsync.OutcomeSynced, base, 4)))
	require.NoError(t, s.Record(ctx, attempt("a2", "alpha", hubsync.OutcomeFailed, base.Add(time.Minute), 0)))
	require.NoError(t, s.Record(ctx, attempt("b1", "beta", hubsync.OutcomeNotNeeded, base.Add(2*time.Minute), 0)))

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b1", all[0].AttemptID, "newest first")
	assert.Equal(t, hubsync.OutcomeNotNeeded, all[0].Outcome)

	alpha, err := s.Recent(ctx, "alpha", 1)
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, "a2", alpha[0].AttemptID)
	assert.Equal(t, []byte("0017"), alpha[0].DivergencePrefix)
	assert.True(t, alpha[0].StartedAt.Equal(base.Add(time.Minute)))
	assert.Equal(t, 1500*time.Millisecond, alpha[0].Duration())
}

func TestStats(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, attempt("a1", "alpha", hubsync.OutcomeSynced, base, 4)))
	require.NoError(t, s.Record(ctx, attempt("a2", "alpha", hubsync.OutcomeSynced, base.Add(time.Minute), 6)))
	require.NoError(t, s.Record(ctx, attempt("b1", "beta", hubsync.OutcomeFailed, base, 0)))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Attempts)
	assert.Equal(t, 10, st.Merged)
	assert.Equal(t, map[string]int{"synced": 2, "failed": 1}, st.ByOutcome)

	require.Len(t, st.Peers, 2)
	alpha := st.Peers[0]
	assert.Equal(t, "alpha", alpha.Peer)
	assert.Equal(t, 2, alpha.Attempts)
	assert.Equal(t, 2, alpha.Synced)
	assert.Equal(t, 10, alpha.Merged)
	require.NotNil(t, alpha.LastAttemptAt)
	assert.Equal(t, 1, st.Peers[1].Failed)
}

func TestPruneKeepsTotals(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, attempt("old", "alpha", hubsync.OutcomeSynced, base, 1)))
	require.NoError(t, s.Record(ctx, attempt("new", "alpha", hubsync.OutcomeSynced, base.Add(time.Hour), 1)))

	n, err := s.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].AttemptID)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Peers[0].Attempts)
}

func TestRecordAsEngineRecorder(t *testing.T) {
	var r hubsync.Recorder = NewStore(qtest.CreateTestDB(t))
	assert.NoError(t, r.Record(context.Background(), attempt("x", "", hubsync.OutcomeInterrupted, time.Now(), 0)))
}

func TestRecord_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db)
	r := attempt("m1", "alpha", hubsync.OutcomeSynced, time.Now(), 3)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sync_attempts`).
		WithArgs("m1", "alpha", "synced", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1500), "0017",
			4, 3, 0, 0, 0, 0, "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO peer_stats`).
		WithArgs("alpha", 1, 0, 3, "synced", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Record(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRollsBack_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sync_attempts`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = NewStore(db).Record(context.Background(), attempt("m1", "alpha", hubsync.OutcomeSynced, time.Now(), 0))
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT outcome, COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"outcome", "count", "merged"}).
			AddRow("synced", 5, 40).
			AddRow("failed", 2, 0))
	mock.ExpectQuery(`FROM peer_stats`).
		WillReturnRows(sqlmock.NewRows([]string{"peer", "attempts", "synced", "failed", "merged", "last_outcome", "last_attempt_at"}).
			AddRow("alpha", 7, 5, 2, 40, "failed", nil))

	st, err := NewStore(db).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, st.Attempts)
	assert.Equal(t, 40, st.Merged)
	require.Len(t, st.Peers, 1)
	assert.Nil(t, st.Peers[0].LastAttemptAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
