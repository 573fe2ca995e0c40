package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"castplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &Entry{})
	return NewService(ServiceParams{DB: db})
}

func strptr(s string) *string { return &s }

func TestNewService(t *testing.T) {
	svc := newTestService(t)
	require.NotNil(t, svc.entries)
}

func TestPostDebitValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: 0, Reason: ReasonProcessAudio})
	require.Error(t, err)

	_, err = svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: -3, Reason: ReasonProcessAudio})
	require.Error(t, err)

	_, err = svc.PostDebit(ctx, PostParams{UserID: "", Minutes: 1, Reason: ReasonProcessAudio})
	require.Error(t, err)

	_, err = svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: 1, Reason: Reason("BOGUS")})
	require.Error(t, err)
}

func TestPostDebitDecreasesBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: 7, Reason: ReasonProcessAudio})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, DirectionDebit, entry.Direction)

	balance, err := svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, -7, balance)
}

func TestPostDebitIdempotentByCorrelationID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.PostDebit(ctx, PostParams{
		UserID: "u1", Minutes: 5, Reason: ReasonProcessAudio, CorrelationID: strptr("job:E1"),
	})
	require.NoError(t, err)
	require.NotNil(t, first)

	dup, err := svc.PostDebit(ctx, PostParams{
		UserID: "u1", Minutes: 5, Reason: ReasonProcessAudio, CorrelationID: strptr("job:E1"),
	})
	require.NoError(t, err)
	require.Nil(t, dup)

	count, err := svc.entries.Count(ctx, &Entry{UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	balance, err := svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, -5, balance)
}

func TestPostDebitConcurrentSameCorrelationID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := svc.PostDebit(ctx, PostParams{
				UserID: "u1", Minutes: 5, Reason: ReasonProcessAudio, CorrelationID: strptr("job:race"),
			})
			require.NoError(t, err)
			if entry != nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)

	count, err := svc.entries.Count(ctx, &Entry{UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	balance, err := svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, -5, balance)
}

func TestPostDebitDistinctCorrelationIDs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	episodeID := strptr("ep1")

	for _, corr := range []string{"job:a", "job:b"} {
		entry, err := svc.PostDebit(ctx, PostParams{
			UserID: "u1", EpisodeID: episodeID, Minutes: 3, Reason: ReasonProcessAudio, CorrelationID: strptr(corr),
		})
		require.NoError(t, err)
		require.NotNil(t, entry)
	}

	count, err := svc.entries.Count(ctx, &Entry{UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestPostCreditNeverDeduplicated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		entry, err := svc.PostCredit(ctx, PostParams{
			UserID: "u1", Minutes: 10, Reason: ReasonManualAdjust, CorrelationID: strptr("adjust:1"),
		})
		require.NoError(t, err)
		require.NotNil(t, entry)
	}

	count, err := svc.entries.Count(ctx, &Entry{UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	balance, err := svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 20, balance)
}

func TestDebitThenManualAdjustScenario(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.PostDebit(ctx, PostParams{
		UserID: "u1", Minutes: 5, Reason: ReasonProcessAudio, CorrelationID: strptr("job:E1"),
	})
	require.NoError(t, err)
	require.NotNil(t, entry)

	balance, err := svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, -5, balance)

	dup, err := svc.PostDebit(ctx, PostParams{
		UserID: "u1", Minutes: 5, Reason: ReasonProcessAudio, CorrelationID: strptr("job:E1"),
	})
	require.NoError(t, err)
	require.Nil(t, dup)

	balance, err = svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, -5, balance)

	credit, err := svc.PostCredit(ctx, PostParams{
		UserID: "u1", Minutes: 5, Reason: ReasonManualAdjust,
	})
	require.NoError(t, err)
	require.NotNil(t, credit)

	balance, err = svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, balance)

	count, err := svc.entries.Count(ctx, &Entry{UserID: "u1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestBalanceIsolatedPerUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: 4, Reason: ReasonProcessAudio})
	require.NoError(t, err)
	_, err = svc.PostCredit(ctx, PostParams{UserID: "u2", Minutes: 9, Reason: ReasonManualAdjust})
	require.NoError(t, err)

	b1, err := svc.BalanceMinutes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, -4, b1)

	b2, err := svc.BalanceMinutes(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, 9, b2)
}

func TestMonthMinutesUsedWindow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: 12, Reason: ReasonProcessAudio})
	require.NoError(t, err)
	_, err = svc.PostCredit(ctx, PostParams{UserID: "u1", Minutes: 2, Reason: ReasonRefundError})
	require.NoError(t, err)

	now := time.Now().UTC()

	used, err := svc.MonthMinutesUsed(ctx, "u1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 10, used)

	// A window that predates every entry reads as zero, never negative.
	used, err = svc.MonthMinutesUsed(ctx, "u1", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, used)
}

func TestUserLedgerNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.PostDebit(ctx, PostParams{UserID: "u1", Minutes: i + 1, Reason: ReasonProcessAudio})
		require.NoError(t, err)
	}

	rows, err := svc.UserLedger(ctx, "u1", 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Greater(t, rows[0].ID, rows[1].ID)
	require.Equal(t, 3, rows[0].Minutes)

	rest, err := svc.UserLedger(ctx, "u1", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, 1, rest[0].Minutes)
}
