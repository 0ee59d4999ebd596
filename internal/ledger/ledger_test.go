package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/ledger"
	"payline/internal/migrate"
)

func newTestLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	l := ledger.New(conn)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return l, context.Background()
}

func taskPayout(userID string) ledger.RecordInput {
	return ledger.RecordInput{
		OrgID:      "org-1",
		SourceType: domain.SourceTask,
		SourceID:   "task-1",
		UserID:     userID,
		Gross:      150,
		Deductions: 10,
		Details:    map[string]any{"r": 0.7},
		ActorID:    "tester",
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	l, ctx := newTestLedger(t)

	first, created, err := l.Record(ctx, taskPayout("worker-1"))
	require.NoError(t, err)
	require.True(t, created)
	require.InDelta(t, 140, first.NetAmount, 1e-9)
	require.Equal(t, domain.PayoutPending, first.Status)

	second, created, err := l.Record(ctx, taskPayout("worker-1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	_, err = l.RecordStrict(ctx, taskPayout("worker-1"))
	require.ErrorIs(t, err, ledger.ErrDuplicatePayout)
}

func TestConcurrentRetriesProduceOneRow(t *testing.T) {
	l, ctx := newTestLedger(t)

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _, err := l.Record(ctx, taskPayout("worker-1"))
			if err == nil {
				ids <- p.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	require.Len(t, seen, 1)
}

func TestDifferentUsersGetOwnRows(t *testing.T) {
	l, ctx := newTestLedger(t)

	_, created, err := l.Record(ctx, taskPayout("worker-1"))
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = l.Record(ctx, taskPayout("qc-1"))
	require.NoError(t, err)
	require.True(t, created)
}

func TestStatusTransitionsAreMonotone(t *testing.T) {
	l, ctx := newTestLedger(t)

	p, _, err := l.Record(ctx, taskPayout("worker-1"))
	require.NoError(t, err)

	// Cannot pay before approving.
	_, err = l.MarkPaid(ctx, p.ID, "tester")
	var ite ledger.InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	p, err = l.Approve(ctx, p.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.PayoutApproved, p.Status)

	// Approving again is a backward move.
	_, err = l.Approve(ctx, p.ID, "tester")
	require.ErrorAs(t, err, &ite)

	p, err = l.MarkPaid(ctx, p.ID, "tester")
	require.NoError(t, err)
	require.Equal(t, domain.PayoutPaid, p.Status)

	_, err = l.Approve(ctx, p.ID, "tester")
	require.ErrorAs(t, err, &ite)
}

func TestRecordRejectsBadAmounts(t *testing.T) {
	l, ctx := newTestLedger(t)

	in := taskPayout("worker-1")
	in.Gross = -5
	_, _, err := l.Record(ctx, in)
	require.Error(t, err)

	in = taskPayout("worker-1")
	in.Deductions = 500
	_, _, err = l.Record(ctx, in)
	require.Error(t, err)

	in = taskPayout("worker-1")
	in.SourceType = "mystery"
	_, _, err = l.Record(ctx, in)
	require.Error(t, err)
}
