package incremental

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	return NewDatabase(zerolog.Nop())
}

func TestFunctionMemoizesWithinRevision(t *testing.T) {
	db := testDB(t)
	in := NewInputs(db)
	calls := 0
	sq := NewFunction(db, func(ctx *QueryCtx, _ *Database, key KeyID) (int, error) {
		calls++
		v := in.Read(ctx, key, 0).(int)
		return v * 2, nil
	})

	key := in.New(21)

	err := db.Attach(func(ctx *QueryCtx) error {
		v, err := sq.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, 42, v)
		return nil
	})
	require.NoError(t, err)

	err = db.Attach(func(ctx *QueryCtx) error {
		v, err := sq.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, 42, v)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, calls, "second Get should shallow-hit without recomputing")
}

func TestInputChangeInvalidatesDependent(t *testing.T) {
	db := testDB(t)
	in := NewInputs(db)
	calls := 0
	sq := NewFunction(db, func(ctx *QueryCtx, _ *Database, key KeyID) (int, error) {
		calls++
		v := in.Read(ctx, key, 0).(int)
		return v * 2, nil
	})

	key := in.New(10)

	err := db.Attach(func(ctx *QueryCtx) error {
		v, err := sq.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, 20, v)
		return nil
	})
	require.NoError(t, err)

	_, err = in.Set(key, 0, 100)
	require.NoError(t, err)

	err = db.Attach(func(ctx *QueryCtx) error {
		v, err := sq.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, 200, v)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 2, calls, "changed input should force re-execution")
}

func TestUnrelatedFieldChangeDoesNotInvalidate(t *testing.T) {
	db := testDB(t)
	in := NewInputs(db)
	calls := 0
	readsFieldZero := NewFunction(db, func(ctx *QueryCtx, _ *Database, key KeyID) (int, error) {
		calls++
		return in.Read(ctx, key, 0).(int), nil
	})

	key := in.New(1, 2)

	run := func() int {
		var out int
		err := db.Attach(func(ctx *QueryCtx) error {
			v, err := readsFieldZero.Get(ctx, key)
			require.NoError(t, err)
			out = v
			return nil
		})
		require.NoError(t, err)
		return out
	}

	require.Equal(t, 1, run())
	_, err := in.Set(key, 1, 999)
	require.NoError(t, err)
	require.Equal(t, 1, run())
	require.Equal(t, 1, calls, "field 1 changing must not invalidate a query that only reads field 0")
}

func TestCyclePanicsWithoutRecovery(t *testing.T) {
	db := testDB(t)
	var fn *Function[int, int]
	fn = NewFunction(db, func(ctx *QueryCtx, _ *Database, key int) (int, error) {
		return fn.Get(ctx, key)
	})

	err := db.Attach(func(ctx *QueryCtx) error {
		_, err := fn.Get(ctx, 0)
		return err
	})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestCycleFallbackSettles(t *testing.T) {
	db := testDB(t)

	// a(key) calls b(key), which calls back into a(key): a genuine
	// self-referential cycle (not merely mutual recursion that bottoms
	// out). §4.7 requires every participant to declare CycleFallback
	// before the cycle is broken via fixpoint, so both a and b opt in
	// here; a's Fallback(false) guess is what the settle loop starts
	// from.
	var a, b *Function[int, bool]
	a = NewFunction(db, func(ctx *QueryCtx, _ *Database, n int) (bool, error) {
		v, err := b.Get(ctx, n)
		return v, err
	}, WithCycleFallback[int, bool](func(int) bool { return false }),
		WithEq[int, bool](func(x, y bool) bool { return x == y }))

	b = NewFunction(db, func(ctx *QueryCtx, _ *Database, n int) (bool, error) {
		v, err := a.Get(ctx, n)
		return !v, err
	}, WithCycleFallback[int, bool](func(int) bool { return false }),
		WithEq[int, bool](func(x, y bool) bool { return x == y }))

	err := db.Attach(func(ctx *QueryCtx) error {
		v, err := a.Get(ctx, 0)
		require.NoError(t, err)
		require.True(t, v, "a's fallback(false) fed through b's negation should settle to true")
		return nil
	})
	require.NoError(t, err)
}

// TestCyclePanicsWhenAnyParticipantDeclaresPanic exercises §4.7's
// all-or-nothing vote: a cycle is only broken by fixpoint when every
// participant declares CycleFallback. Here b is left at the
// zero-value default (CyclePanic), so even though a opts into
// fallback, the cycle must still unwind as a CycleError.
func TestCyclePanicsWhenAnyParticipantDeclaresPanic(t *testing.T) {
	db := testDB(t)

	var a, b *Function[int, bool]
	a = NewFunction(db, func(ctx *QueryCtx, _ *Database, n int) (bool, error) {
		v, err := b.Get(ctx, n)
		return v, err
	}, WithCycleFallback[int, bool](func(int) bool { return false }),
		WithEq[int, bool](func(x, y bool) bool { return x == y }))

	b = NewFunction(db, func(ctx *QueryCtx, _ *Database, n int) (bool, error) {
		v, err := a.Get(ctx, n)
		return !v, err
	})

	err := db.Attach(func(ctx *QueryCtx) error {
		_, err := a.Get(ctx, 0)
		return err
	})
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestVolatileFunctionReexecutesEveryRevision(t *testing.T) {
	db := testDB(t)
	calls := 0
	clock := NewFunction(db, func(ctx *QueryCtx, _ *Database, _ KeyID) (int, error) {
		ctx.ReportUntrackedRead()
		calls++
		return calls, nil
	}, WithVolatile[KeyID, int]())

	run := func() int {
		var out int
		err := db.Attach(func(ctx *QueryCtx) error {
			v, err := clock.Get(ctx, 0)
			require.NoError(t, err)
			out = v
			return nil
		})
		require.NoError(t, err)
		return out
	}

	require.Equal(t, 1, run())
	require.Equal(t, 1, run(), "same revision must still shallow-hit even for a volatile query")

	_, err := db.AdvanceRevision()
	require.NoError(t, err)

	require.Equal(t, 2, run(), "a volatile query must re-execute after a revision advance")
}

func TestTrackedStructIdentityStableAcrossReexecution(t *testing.T) {
	db := testDB(t)
	in := NewInputs(db)
	ts := NewTrackedStructs(db)

	build := NewFunction(db, func(ctx *QueryCtx, _ *Database, key KeyID) (TrackedID, error) {
		label := in.Read(ctx, key, 0).(string)
		return ts.Update(ctx, label)
	})

	key := in.New("alpha")

	var firstID TrackedID
	err := db.Attach(func(ctx *QueryCtx) error {
		id, err := build.Get(ctx, key)
		require.NoError(t, err)
		firstID = id
		return nil
	})
	require.NoError(t, err)

	_, err = in.Set(key, 0, "alpha") // same value: Inputs.Set never compares, so changedAt still bumps
	require.NoError(t, err)

	var secondID TrackedID
	err = db.Attach(func(ctx *QueryCtx) error {
		id, err := build.Get(ctx, key)
		require.NoError(t, err)
		secondID = id
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, firstID, secondID, "same constructor position must reuse the tracked struct identity")
}

// TestConcurrentFetchRunsUserFunctionExactlyOnce exercises invariant 5:
// under concurrent fetch(K) by N goroutines on a fresh key, the user
// function runs exactly once. The compute function blocks on release
// after incrementing calls, so any goroutine that reaches Get while
// the first is still in flight must join it via singleflight rather
// than invoking compute a second time; any goroutine that reaches Get
// only after release closes instead shallow-hits the now-cached entry.
// Either way compute never runs twice.
func TestConcurrentFetchRunsUserFunctionExactlyOnce(t *testing.T) {
	db := testDB(t)
	in := NewInputs(db)
	key := in.New(21)

	var calls int64
	release := make(chan struct{})
	sq := NewFunction(db, func(ctx *QueryCtx, _ *Database, k KeyID) (int, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		v := in.Read(ctx, k, 0).(int)
		return v * 2, nil
	})

	const n = 8
	results := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = db.Attach(func(ctx *QueryCtx) error {
				v, err := sq.Get(ctx, key)
				results[i] = v
				return err
			})
		}(i)
	}

	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, 42, results[i])
	}
	require.EqualValues(t, 1, calls, "N concurrent fetches of a fresh key must run the user function exactly once")
}

// TestTrackedStructCreationOutsideQueryIsFatal exercises S5: creating a
// tracked struct with no active query on the calling QueryCtx is a
// fatal programmer error naming exactly what went wrong.
func TestTrackedStructCreationOutsideQueryIsFatal(t *testing.T) {
	db := testDB(t)
	ts := NewTrackedStructs(db)

	ctx := db.Runtime().NewQueryCtx()
	_, err := ts.Update(ctx, "label")

	require.Error(t, err)
	var fatal *FatalProgrammerError
	require.ErrorAs(t, err, &fatal)
	require.Contains(t, err.Error(), "cannot create a tracked struct disambiguator outside of a tracked function")
}

// TestCancellationUnwindsActiveFetchAndLetsAdvanceRevisionProceed
// exercises S6: thread A is mid-fetch when thread B requests
// AdvanceRevision; A observes the pending cancellation at its next
// checkpoint and unwinds with Cancelled, which lets B's
// AdvanceRevision proceed.
func TestCancellationUnwindsActiveFetchAndLetsAdvanceRevisionProceed(t *testing.T) {
	db := testDB(t)
	rt := db.Runtime()

	started := make(chan struct{})
	proceed := make(chan struct{})

	inner := NewFunction(db, func(ctx *QueryCtx, _ *Database, _ int) (int, error) {
		return 1, nil
	})
	outer := NewFunction(db, func(ctx *QueryCtx, _ *Database, _ int) (int, error) {
		close(started)
		<-proceed
		// The checkpoint: Get's first act is checkCancelled, so this
		// nested read is where A must observe B's pending request.
		return inner.Get(ctx, 0)
	})

	fetchErrCh := make(chan error, 1)
	go func() {
		fetchErrCh <- db.Attach(func(ctx *QueryCtx) error {
			_, err := outer.Get(ctx, 0)
			return err
		})
	}()

	<-started // A now holds an active query, blocked inside outer's compute

	advanceRevCh := make(chan Revision, 1)
	advanceErrCh := make(chan error, 1)
	go func() {
		r, err := db.AdvanceRevision()
		advanceRevCh <- r
		advanceErrCh <- err
	}()

	for !rt.cancelRequested.Load() {
		runtime.Gosched()
	}
	close(proceed)

	fetchErr := <-fetchErrCh
	require.Error(t, fetchErr)
	var cancelled *Cancelled
	require.ErrorAs(t, fetchErr, &cancelled)

	require.NoError(t, <-advanceErrCh)
	require.EqualValues(t, 2, <-advanceRevCh)
}
