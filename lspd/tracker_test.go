package lspd

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func newTestTracker(t testing.TB) (*ShiftTracker, ClockStore, *fixedClock) {
	t.Helper()
	store, clock := newTestClockStore(t)
	return NewShiftTracker(store, nil), store, clock
}

func TestShiftTracker_ClockInTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker, _, clock := newTestTracker(t)

	rec, err := tracker.ClockIn(ctx, "u1", "One", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, rec)

	clock.Advance(time.Second)
	existing, err := tracker.ClockIn(ctx, "u1", "One", clock.Now())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	require.NotNil(t, existing)
	assert.Equal(t, rec.ID, existing.ID)
}

func TestShiftTracker_ClockOutWithoutClockIn(t *testing.T) {
	t.Parallel()
	tracker, _, clock := newTestTracker(t)

	rec, d, err := tracker.ClockOut(context.Background(), "nobody", clock.Now())
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Nil(t, rec)
	assert.Zero(t, d)
}

func TestShiftTracker_ClockOutDuration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker, store, clock := newTestTracker(t)

	_, err := tracker.ClockIn(ctx, "u1", "One", clock.Now())
	require.NoError(t, err)

	clock.Advance(3661 * time.Second)
	rec, d, err := tracker.ClockOut(ctx, "u1", clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3661*time.Second, d)
	assert.Equal(t, "1h 1m 1s", FormatDuration(d))
	require.NotNil(t, rec.ClockOutAt)
	assert.Equal(t, ShiftClosedBySubject, rec.ClosedBy)

	open, err := store.FindOpen(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, open)

	_, _, err = tracker.ClockOut(ctx, "u1", clock.Now())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestShiftTracker_InterleavedSubjects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker, store, clock := newTestTracker(t)

	subjects := []string{"a", "b", "c"}
	for round := 0; round < 4; round++ {
		for i, s := range subjects {
			clock.Advance(time.Minute)
			var err error
			if (round+i)%2 == 0 {
				_, err = tracker.ClockIn(ctx, s, s, clock.Now())
				if err != nil {
					assert.ErrorIs(t, err, ErrAlreadyOpen)
				}
			} else {
				_, _, err = tracker.ClockOut(ctx, s, clock.Now())
				if err != nil {
					assert.ErrorIs(t, err, ErrNotOpen)
				}
			}
		}
		assertOneOpenPerSubject(t, store)
	}
}

func TestShiftTracker_ConcurrentClockIn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker, store, clock := newTestTracker(t)
	now := clock.Now()

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.ClockIn(ctx, "u1", "One", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var started int
	for err := range results {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyOpen)
	}
	assert.Equal(t, 1, started)
	assertOneOpenPerSubject(t, store)
}

// blindStore never reports an open shift, so every clock-in reaches
// the insert and has to be rejected by the unique index.
type blindStore struct {
	ClockStore
}

func (blindStore) FindOpen(context.Context, string) (*ShiftRecord, error) {
	return nil, nil
}

func TestShiftTracker_ConflictMapsToAlreadyOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, clock := newTestClockStore(t)
	tracker := NewShiftTracker(blindStore{ClockStore: store}, nil)

	_, err := tracker.ClockIn(ctx, "u1", "One", clock.Now())
	require.NoError(t, err)

	_, err = tracker.ClockIn(ctx, "u1", "One", clock.Now())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

// failingStore returns a StorageError from every call
type failingStore struct {
	ClockStore
	err error
}

func (f failingStore) FindOpen(context.Context, string) (*ShiftRecord, error) {
	return nil, &StorageError{Op: "find_open", Err: f.err}
}

func (f failingStore) ListOpenOlderThan(context.Context, time.Duration) ([]ShiftRecord, error) {
	return nil, &StorageError{Op: "list_open_older_than", Err: f.err}
}

func (f failingStore) ListClosedInRange(context.Context, time.Time, time.Time) (
	[]ShiftRecord,
	error,
) {
	return nil, &StorageError{Op: "list_closed_in_range", Err: f.err}
}

func TestShiftTracker_StorageErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	tracker := NewShiftTracker(failingStore{err: boom}, nil)

	_, err := tracker.ClockIn(context.Background(), "u1", "One", time.Now())
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAlreadyOpen)

	_, _, err = tracker.ClockOut(context.Background(), "u1", time.Now())
	require.ErrorAs(t, err, &se)
	assert.NotErrorIs(t, err, ErrNotOpen)
}

func TestShiftTracker_ForceCloseRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker, _, clock := newTestTracker(t)

	rec, err := tracker.ClockIn(ctx, "u1", "One", clock.Now())
	require.NoError(t, err)
	stale := *rec

	clock.Advance(time.Hour)
	_, _, err = tracker.ClockOut(ctx, "u1", clock.Now())
	require.NoError(t, err)

	_, err = tracker.ForceClose(ctx, &stale, clock.Now(), ShiftClosedByMonitor)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0h 0m 0s"},
		{59 * time.Second, "0h 0m 59s"},
		{time.Hour, "1h 0m 0s"},
		{3661 * time.Second, "1h 1m 1s"},
		{26*time.Hour + 30*time.Second, "26h 0m 30s"},
		{1500 * time.Millisecond, "0h 0m 1s"},
		{-time.Minute, "0h 0m 0s"},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprint(tc.d), func(t *testing.T) {
				assert.Equal(t, tc.want, FormatDuration(tc.d))
			},
		)
	}
}

func assertOneOpenPerSubject(t testing.TB, store ClockStore) {
	t.Helper()
	open, err := store.ListOpen(context.Background())
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, r := range open {
		assert.False(t, seen[r.SubjectID], "multiple open shifts for %s", r.SubjectID)
		seen[r.SubjectID] = true
	}
}
