package buffer

import (
	"context"
	"errors"
	"pagedb/catalog"
	"pagedb/catalog/db_types"
	"pagedb/disk/structures"
	"pagedb/heap"
	"pagedb/locker"
	"pagedb/telemetry"
	"pagedb/transaction"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

type poolFixture struct {
	pool *BufferPool
	file *heap.File
	txns *transaction.Registry
	desc *structures.TupleDesc
}

func newPoolFixture(t *testing.T, capacity, numPages int, opts Options) *poolFixture {
	desc := structures.NewTupleDesc([]db_types.Type{db_types.IntType, db_types.IntType}, []string{"a", "b"})
	f, err := heap.NewInMemory(uuid.New().String(), desc, testPageSize, make([]byte, numPages*testPageSize))
	require.NoError(t, err)

	c := catalog.NewCatalog()
	_, err = c.AddTable(f, "", "")
	require.NoError(t, err)

	txns := transaction.NewRegistry()
	opts.Capacity = capacity
	opts.Files = c
	opts.Txns = txns
	if opts.Backoff == nil {
		opts.Backoff = NoBackoff{}
	}

	return &poolFixture{pool: NewBufferPool(opts), file: f, txns: txns, desc: desc}
}

func (f *poolFixture) pid(pageNo int) structures.PageID {
	return structures.NewPageID(f.file.ID(), pageNo)
}

func (f *poolFixture) tuple(t *testing.T, a, b int32) *structures.Tuple {
	tup := structures.NewTuple(f.desc)
	require.NoError(t, tup.SetField(0, db_types.NewIntField(a)))
	require.NoError(t, tup.SetField(1, db_types.NewIntField(b)))
	return tup
}

func TestBufferPool_GetPage(t *testing.T) {
	ctx := context.Background()

	t.Run("second request is served from cache", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := telemetry.New(reg)
		require.NoError(t, err)

		f := newPoolFixture(t, 4, 2, Options{Metrics: m})
		tid := f.txns.Begin()

		p1, err := f.pool.GetPage(ctx, tid, f.pid(0), transaction.ReadOnly)
		require.NoError(t, err)
		p2, err := f.pool.GetPage(ctx, tid, f.pid(0), transaction.ReadOnly)
		require.NoError(t, err)

		assert.Same(t, p1, p2)
		assert.True(t, f.pool.HoldsLock(tid, f.pid(0)))
		assert.Equal(t, 1, f.pool.NumCached())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	})

	t.Run("page outside of file", func(t *testing.T) {
		f := newPoolFixture(t, 4, 1, Options{})
		tid := f.txns.Begin()

		_, err := f.pool.GetPage(ctx, tid, f.pid(3), transaction.ReadOnly)
		assert.ErrorIs(t, err, heap.ErrInvalidPage)
	})

	t.Run("unknown table", func(t *testing.T) {
		f := newPoolFixture(t, 4, 1, Options{})
		tid := f.txns.Begin()

		_, err := f.pool.GetPage(ctx, tid, structures.NewPageID(f.file.ID()+1, 0), transaction.ReadOnly)
		assert.ErrorIs(t, err, catalog.ErrNoSuchTable)
	})

	t.Run("completed transaction is rejected", func(t *testing.T) {
		f := newPoolFixture(t, 4, 1, Options{})
		tid := f.txns.Begin()
		require.NoError(t, f.pool.TransactionComplete(tid, true))

		_, err := f.pool.GetPage(ctx, tid, f.pid(0), transaction.ReadOnly)
		assert.ErrorIs(t, err, transaction.ErrNotActive)
		assert.ErrorIs(t, f.pool.TransactionComplete(tid, true), transaction.ErrNotActive)
		assert.ErrorIs(t, f.pool.TransactionComplete(tid, false), transaction.ErrNotActive)
	})
}

func TestBufferPool_Eviction(t *testing.T) {
	ctx := context.Background()

	t.Run("clean page is evicted instead of dirty one", func(t *testing.T) {
		f := newPoolFixture(t, 2, 3, Options{})
		tid := f.txns.Begin()

		p0, err := f.pool.GetPage(ctx, tid, f.pid(0), transaction.ReadWrite)
		require.NoError(t, err)
		p0.MarkDirty(true, tid)

		_, err = f.pool.GetPage(ctx, tid, f.pid(1), transaction.ReadOnly)
		require.NoError(t, err)
		_, err = f.pool.GetPage(ctx, tid, f.pid(2), transaction.ReadOnly)
		require.NoError(t, err)

		assert.True(t, f.pool.IsCached(f.pid(0)))
		assert.False(t, f.pool.IsCached(f.pid(1)))
		assert.True(t, f.pool.IsCached(f.pid(2)))
	})

	t.Run("all dirty", func(t *testing.T) {
		f := newPoolFixture(t, 2, 3, Options{})
		tid := f.txns.Begin()

		for i := 0; i < 2; i++ {
			p, err := f.pool.GetPage(ctx, tid, f.pid(i), transaction.ReadWrite)
			require.NoError(t, err)
			p.MarkDirty(true, tid)
		}

		_, err := f.pool.GetPage(ctx, tid, f.pid(2), transaction.ReadOnly)
		assert.ErrorIs(t, err, ErrCacheFull)
		assert.Equal(t, 2, f.pool.NumCached())
	})
}

func TestBufferPool_Commit_Should_Write_Changes(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 0, Options{})

	tid := f.txns.Begin()
	tup := f.tuple(t, 1, 2)
	require.NoError(t, f.pool.InsertTuple(ctx, tid, f.file.ID(), tup))
	require.Equal(t, 1, f.file.NumPages())

	cached, err := f.pool.GetPage(ctx, tid, f.pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	dirtier, dirty := cached.IsDirty()
	require.True(t, dirty)
	assert.Equal(t, tid, dirtier)

	// nothing reaches the disk before commit
	onDisk, err := f.file.ReadPage(f.pid(0))
	require.NoError(t, err)
	assert.Empty(t, onDisk.Tuples())

	require.NoError(t, f.pool.TransactionComplete(tid, true))

	_, dirty = cached.IsDirty()
	assert.False(t, dirty)
	assert.False(t, f.pool.HoldsLock(tid, f.pid(0)))

	onDisk, err = f.file.ReadPage(f.pid(0))
	require.NoError(t, err)
	require.Len(t, onDisk.Tuples(), 1)
	assert.True(t, tup.Equals(onDisk.Tuples()[0]))

	before, err := cached.BeforeImage()
	require.NoError(t, err)
	assert.Equal(t, onDisk.PageData(), before.PageData())
}

func TestBufferPool_Abort_Should_Restore_Committed_State(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 0, Options{})

	t1 := f.txns.Begin()
	committed := f.tuple(t, 1, 1)
	require.NoError(t, f.pool.InsertTuple(ctx, t1, f.file.ID(), committed))
	require.NoError(t, f.pool.TransactionComplete(t1, true))

	t2 := f.txns.Begin()
	require.NoError(t, f.pool.InsertTuple(ctx, t2, f.file.ID(), f.tuple(t, 2, 2)))
	require.NoError(t, f.pool.DeleteTuple(ctx, t2, committed))
	require.NoError(t, f.pool.TransactionComplete(t2, false))
	assert.False(t, f.pool.HoldsLock(t2, f.pid(0)))

	t3 := f.txns.Begin()
	p, err := f.pool.GetPage(ctx, t3, f.pid(0), transaction.ReadOnly)
	require.NoError(t, err)

	_, dirty := p.IsDirty()
	assert.False(t, dirty)
	require.Len(t, p.Tuples(), 1)
	assert.True(t, p.Tuples()[0].GetField(0).Equals(db_types.NewIntField(1)))

	onDisk, err := f.file.ReadPage(f.pid(0))
	require.NoError(t, err)
	assert.Equal(t, onDisk.PageData(), p.PageData())
}

func TestBufferPool_Deadlock_Should_Abort_Exactly_One(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 2, Options{Backoff: FixedBackoff{Interval: time.Millisecond}})

	a, b := f.txns.Begin(), f.txns.Begin()
	_, err := f.pool.GetPage(ctx, a, f.pid(0), transaction.ReadWrite)
	require.NoError(t, err)
	_, err = f.pool.GetPage(ctx, b, f.pid(1), transaction.ReadWrite)
	require.NoError(t, err)

	errs := [2]error{}
	wg := sync.WaitGroup{}
	wg.Add(2)

	run := func(i int, tid transaction.TxnID, pageNo int) {
		defer wg.Done()
		_, errs[i] = f.pool.GetPage(ctx, tid, f.pid(pageNo), transaction.ReadWrite)
		if errs[i] != nil {
			assert.NoError(t, f.pool.TransactionComplete(tid, false))
			return
		}
		assert.NoError(t, f.pool.TransactionComplete(tid, true))
	}

	go run(0, a, 1)
	go run(1, b, 0)
	wg.Wait()

	aborted := 0
	for _, err := range errs {
		if err != nil {
			aborted++
			assert.ErrorIs(t, err, ErrTransactionAborted)
			assert.ErrorIs(t, err, locker.ErrDeadlock)
		}
	}
	assert.Equal(t, 1, aborted)
	assert.Empty(t, f.txns.Active())
}

func TestBufferPool_Lock_Wait_Limits(t *testing.T) {
	ctx := context.Background()

	t.Run("attempts are bounded", func(t *testing.T) {
		f := newPoolFixture(t, 4, 1, Options{MaxLockAttempts: 3})
		a, b := f.txns.Begin(), f.txns.Begin()

		_, err := f.pool.GetPage(ctx, a, f.pid(0), transaction.ReadWrite)
		require.NoError(t, err)

		_, err = f.pool.GetPage(ctx, b, f.pid(0), transaction.ReadOnly)
		assert.ErrorIs(t, err, ErrTransactionAborted)
		assert.ErrorIs(t, err, ErrLockTimeout)

		_, waiting := f.pool.LockManager().WaitingFor(b)
		assert.False(t, waiting)
	})

	t.Run("context cancellation", func(t *testing.T) {
		f := newPoolFixture(t, 4, 1, Options{Backoff: FixedBackoff{Interval: time.Hour}})
		a, b := f.txns.Begin(), f.txns.Begin()

		_, err := f.pool.GetPage(ctx, a, f.pid(0), transaction.ReadWrite)
		require.NoError(t, err)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = f.pool.GetPage(cctx, b, f.pid(0), transaction.ReadWrite)
		assert.ErrorIs(t, err, ErrTransactionAborted)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("waiter proceeds after holder commits", func(t *testing.T) {
		f := newPoolFixture(t, 4, 1, Options{Backoff: FixedBackoff{Interval: time.Millisecond}})
		a, b := f.txns.Begin(), f.txns.Begin()

		_, err := f.pool.GetPage(ctx, a, f.pid(0), transaction.ReadWrite)
		require.NoError(t, err)

		done := make(chan error)
		go func() {
			_, err := f.pool.GetPage(ctx, b, f.pid(0), transaction.ReadOnly)
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, f.pool.TransactionComplete(a, true))
		assert.NoError(t, <-done)
		assert.True(t, f.pool.HoldsLock(b, f.pid(0)))
	})
}

func TestBufferPool_ReleasePage(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 1, Options{})
	tid := f.txns.Begin()

	assert.ErrorIs(t, f.pool.ReleasePage(tid, f.pid(0)), ErrIllegalRelease)

	_, err := f.pool.GetPage(ctx, tid, f.pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, f.pool.ReleasePage(tid, f.pid(0)))
	assert.False(t, f.pool.HoldsLock(tid, f.pid(0)))
}

func TestBufferPool_Flush_And_Discard(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 0, Options{})
	tid := f.txns.Begin()

	require.NoError(t, f.pool.InsertTuple(ctx, tid, f.file.ID(), f.tuple(t, 5, 5)))
	require.NoError(t, f.pool.FlushAllPages())

	onDisk, err := f.file.ReadPage(f.pid(0))
	require.NoError(t, err)
	assert.Len(t, onDisk.Tuples(), 1)

	f.pool.DiscardPage(f.pid(0))
	assert.False(t, f.pool.IsCached(f.pid(0)))
	assert.Equal(t, 0, f.pool.NumCached())
}

func TestBufferPool_Concurrent_Inserts(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 8, 0, Options{Backoff: FixedBackoff{Interval: time.Millisecond}})

	n := 20
	var committed atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tid := f.txns.Begin()
			if err := f.pool.InsertTuple(ctx, tid, f.file.ID(), f.tuple(t, int32(i), 0)); err != nil {
				assert.True(t, errors.Is(err, ErrTransactionAborted), err)
				assert.NoError(t, f.pool.TransactionComplete(tid, false))
				return
			}
			if assert.NoError(t, f.pool.TransactionComplete(tid, true)) {
				committed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// concurrent appends may spread the tuples over several pages
	total := 0
	for i := 0; i < f.file.NumPages(); i++ {
		onDisk, err := f.file.ReadPage(f.pid(i))
		require.NoError(t, err)
		total += len(onDisk.Tuples())
	}
	assert.Equal(t, int(committed.Load()), total)
	assert.Positive(t, committed.Load())
}

func TestBufferPool_Mutual_Exclusion(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 1, Options{})

	// readers add 1, writers add 10000
	var activity int32
	wg := sync.WaitGroup{}
	worker := func(perm transaction.Permission, iterations int) {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			tid := f.txns.Begin()
			if _, err := f.pool.GetPage(ctx, tid, f.pid(0), perm); err != nil {
				assert.NoError(t, f.pool.TransactionComplete(tid, false))
				continue
			}

			delta := int32(1)
			if perm == transaction.ReadWrite {
				delta = 10000
			}
			n := atomic.AddInt32(&activity, delta)
			if perm == transaction.ReadWrite {
				assert.Equal(t, int32(10000), n)
			} else {
				assert.Less(t, n, int32(10000))
			}
			atomic.AddInt32(&activity, -delta)
			assert.NoError(t, f.pool.TransactionComplete(tid, true))
		}
	}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go worker(transaction.ReadWrite, 200)
	}
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go worker(transaction.ReadOnly, 200)
	}
	wg.Wait()
}

func TestBufferPool_FlushAllPages_Should_Keep_Abort_Possible(t *testing.T) {
	ctx := context.Background()
	f := newPoolFixture(t, 4, 0, Options{})

	t1 := f.txns.Begin()
	require.NoError(t, f.pool.InsertTuple(ctx, t1, f.file.ID(), f.tuple(t, 1, 1)))
	require.NoError(t, f.pool.TransactionComplete(t1, true))

	t2 := f.txns.Begin()
	require.NoError(t, f.pool.InsertTuple(ctx, t2, f.file.ID(), f.tuple(t, 2, 2)))
	require.NoError(t, f.pool.FlushAllPages())

	cached, err := f.pool.GetPage(ctx, t2, f.pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	dirtier, dirty := cached.IsDirty()
	assert.True(t, dirty)
	assert.Equal(t, t2, dirtier)

	onDisk, err := f.file.ReadPage(f.pid(0))
	require.NoError(t, err)
	assert.Len(t, onDisk.Tuples(), 2)

	require.NoError(t, f.pool.TransactionComplete(t2, false))

	// both the cache and the disk are back to the committed image
	onDisk, err = f.file.ReadPage(f.pid(0))
	require.NoError(t, err)
	require.Len(t, onDisk.Tuples(), 1)
	assert.True(t, onDisk.Tuples()[0].GetField(0).Equals(db_types.NewIntField(1)))

	t3 := f.txns.Begin()
	p, err := f.pool.GetPage(ctx, t3, f.pid(0), transaction.ReadOnly)
	require.NoError(t, err)
	_, dirty = p.IsDirty()
	assert.False(t, dirty)
	assert.Equal(t, onDisk.PageData(), p.PageData())
}
