package buffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"pagedb/common"
	"pagedb/disk/pages"
	"pagedb/disk/structures"
	"pagedb/heap"
	"pagedb/locker"
	"pagedb/telemetry"
	"pagedb/transaction"

	"go.uber.org/zap"
)

var (
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrLockTimeout        = errors.New("lock request exhausted its attempts")
	ErrIllegalRelease     = errors.New("releasing a lock that is not held")
)

// FileResolver finds the heap file of a table.
type FileResolver interface {
	DbFile(tableID uint32) (*heap.File, error)
}

type Options struct {
	// Capacity is the maximum number of cached pages.
	Capacity int

	// Backoff is used between attempts of a blocked lock request. Defaults to FixedBackoff with
	// common.DefaultLockRetryInterval.
	Backoff Backoff

	// MaxLockAttempts bounds the attempts of a single lock request, zero means unbounded.
	MaxLockAttempts int

	Files FileResolver

	// Txns is consulted to reject requests of completed transactions. When nil any transaction id is accepted.
	Txns *transaction.Registry

	// LockManager is created when nil.
	LockManager *locker.LockManager

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// BufferPool caches pages of heap files and is the only way transactions access them. Every page handed out is
// protected by a strict two phase lock of the requesting transaction. Dirty pages are never evicted and are written
// back only when their transaction commits, aborting transactions get their pages re-read from disk.
type BufferPool struct {
	cache       *PageCache
	locks       *locker.LockManager
	files       FileResolver
	txns        *transaction.Registry
	backoff     Backoff
	maxAttempts int
	loadLocks   *common.KeyMutex[structures.PageID]
	logger      *zap.Logger
	metrics     *telemetry.Metrics
}

var _ heap.PageFetcher = &BufferPool{}

func NewBufferPool(opts Options) *BufferPool {
	logger := common.LoggerOrNop(opts.Logger)

	backoff := opts.Backoff
	if backoff == nil {
		backoff = FixedBackoff{Interval: common.DefaultLockRetryInterval}
	}

	locks := opts.LockManager
	if locks == nil {
		locks = locker.NewLockManager(logger, opts.Metrics)
	}

	return &BufferPool{
		cache:       NewPageCache(opts.Capacity),
		locks:       locks,
		files:       opts.Files,
		txns:        opts.Txns,
		backoff:     backoff,
		maxAttempts: opts.MaxLockAttempts,
		loadLocks:   common.NewKeyMutex[structures.PageID](),
		logger:      logger,
		metrics:     opts.Metrics,
	}
}

func (b *BufferPool) checkActive(tid transaction.TxnID) error {
	if b.txns != nil && !b.txns.IsActive(tid) {
		return fmt.Errorf("txn %d: %w", tid, transaction.ErrNotActive)
	}
	return nil
}

// GetPage returns the page after acquiring a shared lock for ReadOnly or an exclusive lock for ReadWrite. It blocks
// while the lock is held by others. If waiting would close a deadlock, the attempts are exhausted or ctx is done, it
// fails with ErrTransactionAborted and the caller must complete tid with an abort.
func (b *BufferPool) GetPage(ctx context.Context, tid transaction.TxnID, pid structures.PageID, perm transaction.Permission) (*pages.HeapPage, error) {
	if err := b.checkActive(tid); err != nil {
		return nil, err
	}

	if err := b.acquire(ctx, tid, pid, locker.ModeFor(perm)); err != nil {
		return nil, err
	}

	// a page is loaded at most once even if several shared holders miss at the same time
	release := b.loadLocks.Lock(pid)
	defer release()

	if p, ok := b.cache.Get(pid); ok {
		b.metrics.Hit()
		return p, nil
	}

	b.metrics.Miss()
	file, err := b.files.DbFile(pid.TableID)
	if err != nil {
		return nil, err
	}

	p, err := file.ReadPage(pid)
	if err != nil {
		return nil, err
	}

	if err := b.cachePage(p); err != nil {
		return nil, err
	}

	return p, nil
}

func (b *BufferPool) acquire(ctx context.Context, tid transaction.TxnID, pid structures.PageID, mode locker.LockMode) error {
	for attempt := 0; ; attempt++ {
		if b.locks.Acquire(tid, pid, mode) {
			return nil
		}

		if b.locks.DetectDeadlock(tid, pid) {
			return fmt.Errorf("txn %d waiting for %v lock on %v: %w: %w", tid, mode, pid, ErrTransactionAborted, locker.ErrDeadlock)
		}

		if b.maxAttempts > 0 && attempt+1 >= b.maxAttempts {
			b.locks.ClearWait(tid)
			b.metrics.LockTimedOut()
			return fmt.Errorf("txn %d waiting for %v lock on %v: %w: %w", tid, mode, pid, ErrTransactionAborted, ErrLockTimeout)
		}

		if err := b.backoff.Wait(ctx, attempt); err != nil {
			b.locks.ClearWait(tid)
			return fmt.Errorf("txn %d waiting for %v lock on %v: %w: %w", tid, mode, pid, ErrTransactionAborted, err)
		}
	}
}

// cachePage puts p into the cache, writing back the evicted page if there is one. Under the no-steal policy the
// evicted page is always clean so the write back does nothing.
func (b *BufferPool) cachePage(p *pages.HeapPage) error {
	evicted, err := b.cache.Put(p.ID(), p)
	if err != nil {
		b.metrics.RejectedFull()
		return err
	}

	if evicted != nil {
		b.metrics.Evicted()
		b.logger.Debug("page evicted", zap.Stringer("page", evicted.ID()))
		if err := b.flushPage(evicted); err != nil {
			return err
		}
	}

	b.metrics.Resident(b.cache.Len())
	return nil
}

// ReleasePage drops tid's lock on pid before the transaction ends. It breaks two phase locking and should only be
// used for pages tid did not modify.
func (b *BufferPool) ReleasePage(tid transaction.TxnID, pid structures.PageID) error {
	if !b.locks.Release(tid, pid) {
		return fmt.Errorf("txn %d page %v: %w", tid, pid, ErrIllegalRelease)
	}
	return nil
}

func (b *BufferPool) HoldsLock(tid transaction.TxnID, pid structures.PageID) bool {
	return b.locks.HoldsLock(tid, pid)
}

// InsertTuple adds t to the table on behalf of tid and marks the modified pages dirty.
func (b *BufferPool) InsertTuple(ctx context.Context, tid transaction.TxnID, tableID uint32, t *structures.Tuple) error {
	if err := b.checkActive(tid); err != nil {
		return err
	}

	file, err := b.files.DbFile(tableID)
	if err != nil {
		return err
	}

	modified, err := file.InsertTuple(ctx, tid, t, b)
	if err != nil {
		return err
	}

	return b.markDirty(tid, modified...)
}

// DeleteTuple removes t from the table its record id points to and marks the page dirty.
func (b *BufferPool) DeleteTuple(ctx context.Context, tid transaction.TxnID, t *structures.Tuple) error {
	if err := b.checkActive(tid); err != nil {
		return err
	}

	if t.RecordID == nil {
		return heap.ErrNoRecordID
	}

	file, err := b.files.DbFile(t.RecordID.PageID.TableID)
	if err != nil {
		return err
	}

	p, err := file.DeleteTuple(ctx, tid, t, b)
	if err != nil {
		return err
	}

	return b.markDirty(tid, p)
}

// markDirty tags the pages and makes sure they are resident, since a page might have been evicted between the
// modification and the tagging while it was still clean.
func (b *BufferPool) markDirty(tid transaction.TxnID, modified ...*pages.HeapPage) error {
	for _, p := range modified {
		p.MarkDirty(true, tid)
		if err := b.cachePage(p); err != nil {
			return err
		}
	}
	return nil
}

// TransactionComplete commits or aborts tid and releases all its locks. Commit writes the pages dirtied by tid and
// makes their current content the new before image. A failed commit leaves tid running with its locks, the caller
// must abort it. Abort re-reads the pages from disk and always ends tid, pages that cannot be re-read are dropped from
// the cache and the read errors are returned. Completing a transaction twice returns transaction.ErrNotActive.
func (b *BufferPool) TransactionComplete(tid transaction.TxnID, commit bool) error {
	if err := b.checkActive(tid); err != nil {
		return err
	}

	var revertErr error
	if commit {
		if err := b.FlushPages(tid); err != nil {
			return err
		}
	} else {
		revertErr = b.revert(tid)
	}

	b.locks.ReleaseAll(tid)

	active := 0
	if b.txns != nil {
		if err := b.txns.End(tid); err != nil {
			return err
		}
		active = len(b.txns.Active())
	}

	b.metrics.TxnCompleted(commit, active)
	b.logger.Debug("transaction completed", zap.Uint64("txn", uint64(tid)), zap.Bool("commit", commit))
	return revertErr
}

func (b *BufferPool) revert(tid transaction.TxnID) error {
	var errs []error
	for _, p := range b.cache.Pages() {
		if dirtier, dirty := p.IsDirty(); !dirty || dirtier != tid {
			continue
		}

		if err := b.cache.Reload(p.ID(), func(structures.PageID) (*pages.HeapPage, error) { return b.restore(p) }); err != nil {
			b.logger.Warn("dropping page that could not be reverted", zap.Stringer("page", p.ID()), zap.Error(err))
			b.cache.Remove(p.ID())
			errs = append(errs, err)
			continue
		}
		b.metrics.Reloaded()
	}

	b.metrics.Resident(b.cache.Len())
	return errors.Join(errs...)
}

// restore returns the committed image of p. It is normally the disk image, but if FlushAllPages wrote p while it was
// dirty the disk holds uncommitted data and the before image is written back.
func (b *BufferPool) restore(p *pages.HeapPage) (*pages.HeapPage, error) {
	file, err := b.files.DbFile(p.ID().TableID)
	if err != nil {
		return nil, err
	}

	onDisk, err := file.ReadPage(p.ID())
	if err != nil {
		return nil, err
	}

	before, err := p.BeforeImage()
	if err != nil {
		return nil, err
	}

	if bytes.Equal(onDisk.PageData(), before.PageData()) {
		return onDisk, nil
	}

	if err := file.WritePage(before); err != nil {
		return nil, err
	}
	return before, nil
}

// FlushPages writes every page dirtied by tid and snapshots its before image.
func (b *BufferPool) FlushPages(tid transaction.TxnID) error {
	for _, p := range b.cache.Pages() {
		if dirtier, dirty := p.IsDirty(); !dirty || dirtier != tid {
			continue
		}

		if err := b.flushPage(p); err != nil {
			return err
		}
		p.MarkDirty(false, 0)
		p.SetBeforeImage()
	}

	return nil
}

// FlushAllPages writes every dirty page including the ones of running transactions. Dirty tags are kept, so those
// transactions can still commit or abort their pages.
func (b *BufferPool) FlushAllPages() error {
	for _, p := range b.cache.Pages() {
		if err := b.flushPage(p); err != nil {
			return err
		}
	}
	return nil
}

// flushPage writes p if it is dirty. The dirty tag is left to the caller.
func (b *BufferPool) flushPage(p *pages.HeapPage) error {
	if _, dirty := p.IsDirty(); !dirty {
		return nil
	}

	file, err := b.files.DbFile(p.ID().TableID)
	if err != nil {
		return err
	}

	if err := file.WritePage(p); err != nil {
		return err
	}

	b.metrics.Flushed()
	return nil
}

// DiscardPage drops pid from the cache without writing it.
func (b *BufferPool) DiscardPage(pid structures.PageID) {
	b.cache.Remove(pid)
	b.metrics.Resident(b.cache.Len())
}

func (b *BufferPool) Capacity() int {
	return b.cache.Cap()
}

func (b *BufferPool) NumCached() int {
	return b.cache.Len()
}

func (b *BufferPool) IsCached(pid structures.PageID) bool {
	return b.cache.Contains(pid)
}

func (b *BufferPool) LockManager() *locker.LockManager {
	return b.locks
}
