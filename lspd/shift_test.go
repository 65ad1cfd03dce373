package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestDB returns a migrated sqlite DBI in a temp directory
func newTestDB(t testing.TB) DBI {
	t.Helper()
	dbfile := filepath.Join(t.TempDir(), fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile)
	require.NoError(t, err)
	require.NoError(t, configureSQLite(context.Background(), db, slog.Default()))
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

// fixedClock returns a now func that can be moved forward in tests
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestClockStore(t testing.TB) (ClockStore, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	return NewClockStore(newTestDB(t), clock.Now), clock
}

func TestClockStore_InsertFindClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)

	rec, err := store.FindOpen(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	id, err := store.InsertOpen(ctx, "u1", "Officer One", clock.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err = store.FindOpen(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "Officer One", rec.SubjectName)
	assert.True(t, rec.Open())
	assert.True(t, clock.Now().Equal(rec.ClockInAt))

	clock.Advance(time.Hour)
	require.NoError(t, store.Close(ctx, id, clock.Now(), ShiftClosedBySubject))

	rec, err = store.FindOpen(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	err = store.Close(ctx, id, clock.Now(), ShiftClosedBySubject)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestClockStore_OneOpenShiftPerSubject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)

	_, err := store.InsertOpen(ctx, "u1", "One", clock.Now())
	require.NoError(t, err)

	_, err = store.InsertOpen(ctx, "u1", "One", clock.Now().Add(time.Second))
	require.Error(t, err)

	var se *StorageError
	require.True(t, errors.As(err, &se), "expected *StorageError, got %T", err)
	assert.True(t, se.Conflict())
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// only the translated sentinel counts, not the driver's wording
	wording := &StorageError{Op: "insert_open", Err: errors.New("UNIQUE constraint failed")}
	assert.False(t, wording.Conflict())

	// other subjects are unaffected
	_, err = store.InsertOpen(ctx, "u2", "Two", clock.Now())
	require.NoError(t, err)
}

func TestClockStore_ClosedShiftsDontBlockNewOnes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)

	for i := 0; i < 3; i++ {
		id, err := store.InsertOpen(ctx, "u1", "One", clock.Now())
		require.NoError(t, err)
		clock.Advance(time.Minute)
		require.NoError(t, store.Close(ctx, id, clock.Now(), ShiftClosedBySubject))
	}

	open, err := store.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestClockStore_ListClosedInRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newTestClockStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	add := func(subject string, in time.Time, d time.Duration, closeIt bool) {
		t.Helper()
		id, err := store.InsertOpen(ctx, subject, subject, in)
		require.NoError(t, err)
		if closeIt {
			require.NoError(t, store.Close(ctx, id, in.Add(d), ShiftClosedBySubject))
		}
	}

	add("late", base.Add(48*time.Hour), time.Hour, true)
	add("early", base.Add(2*time.Hour), time.Hour, true)
	add("start-edge", base, time.Hour, true)
	add("outside", base.Add(-time.Second), time.Hour, true)
	add("open", base.Add(3*time.Hour), 0, false)

	recs, err := store.ListClosedInRange(ctx, base, base.Add(48*time.Hour))
	require.NoError(t, err)

	var subjects []string
	for _, r := range recs {
		assert.False(t, r.Open())
		subjects = append(subjects, r.SubjectID)
	}
	assert.Equal(t, []string{"start-edge", "early", "late"}, subjects)
}

func TestClockStore_ListOpenOlderThan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)
	threshold := 12 * time.Hour
	now := clock.Now()

	_, err := store.InsertOpen(ctx, "exact", "exact", now.Add(-threshold))
	require.NoError(t, err)
	_, err = store.InsertOpen(ctx, "older", "older", now.Add(-threshold-time.Hour))
	require.NoError(t, err)
	_, err = store.InsertOpen(ctx, "younger", "younger", now.Add(-threshold+time.Second))
	require.NoError(t, err)

	closedID, err := store.InsertOpen(ctx, "closed", "closed", now.Add(-2*threshold))
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, closedID, now, ShiftClosedBySubject))

	recs, err := store.ListOpenOlderThan(ctx, threshold)
	require.NoError(t, err)

	var subjects []string
	for _, r := range recs {
		subjects = append(subjects, r.SubjectID)
	}
	assert.ElementsMatch(t, []string{"exact", "older"}, subjects)
}

func TestClockStore_ClearAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)

	subjects := []string{"a", "b", "c"}
	for _, s := range subjects {
		_, err := store.InsertOpen(ctx, s, s, clock.Now())
		require.NoError(t, err)
	}
	closedID, err := store.InsertOpen(ctx, "d", "d", clock.Now())
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, closedID, clock.Now(), ShiftClosedBySubject))

	n, err := store.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	for _, s := range append(subjects, "d") {
		rec, findErr := store.FindOpen(ctx, s)
		require.NoError(t, findErr)
		assert.Nil(t, rec, s)
	}
}

func TestClockStore_MarkNotified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)

	id, err := store.InsertOpen(ctx, "u1", "One", clock.Now())
	require.NoError(t, err)
	require.NoError(t, store.MarkNotified(ctx, id, clock.Now()))

	rec, err := store.FindOpen(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec.OverdueNotifiedAt)
	assert.True(t, rec.OverdueNotifiedAt.Equal(clock.Now()))
}

func TestClockStore_StorageErrorOnClosedDB(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	store := NewClockStore(db, nil)

	sqlDB, err := db.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = store.FindOpen(ctx, "u1")
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "find_open", se.Op)
	assert.False(t, se.Conflict())
}

func TestShiftRecord_Duration(t *testing.T) {
	t.Parallel()
	in := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	out := in.Add(90 * time.Minute)

	open := ShiftRecord{ClockInAt: in}
	assert.Equal(t, 30*time.Minute, open.Duration(in.Add(30*time.Minute)))
	assert.Equal(t, time.Duration(0), open.Duration(in.Add(-time.Minute)))

	closed := ShiftRecord{ClockInAt: in, ClockOutAt: &out}
	assert.Equal(t, 90*time.Minute, closed.Duration(in.Add(24*time.Hour)))
}
