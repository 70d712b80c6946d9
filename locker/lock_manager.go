package locker

import (
	"errors"
	"fmt"
	"pagedb/common"
	"pagedb/disk/structures"
	"pagedb/telemetry"
	"pagedb/transaction"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang-collections/collections/stack"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

var ErrDeadlock = errors.New("deadlock detected")

type LockMode int

const (
	SharedLock LockMode = iota
	ExclusiveLock
)

func (m LockMode) String() string {
	switch m {
	case SharedLock:
		return "shared"
	case ExclusiveLock:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// ModeFor maps a page permission to the lock mode protecting it.
func ModeFor(perm transaction.Permission) LockMode {
	if perm == transaction.ReadWrite {
		return ExclusiveLock
	}
	return SharedLock
}

type LockState struct {
	TxnID transaction.TxnID
	Mode  LockMode
}

// LockManager is the bookkeeping side of strict two phase page locking. It never blocks, a request either is granted
// or the requester is recorded as waiting for the page and must retry. A transaction waits for at most one page.
type LockManager struct {
	mu      deadlock.Mutex
	owners  map[structures.PageID]map[transaction.TxnID]LockMode
	held    map[transaction.TxnID]mapset.Set[structures.PageID]
	waiting map[transaction.TxnID]structures.PageID
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewLockManager(logger *zap.Logger, metrics *telemetry.Metrics) *LockManager {
	return &LockManager{
		owners:  map[structures.PageID]map[transaction.TxnID]LockMode{},
		held:    map[transaction.TxnID]mapset.Set[structures.PageID]{},
		waiting: map[transaction.TxnID]structures.PageID{},
		logger:  common.LoggerOrNop(logger),
		metrics: metrics,
	}
}

// AcquireShared grants a shared lock if nobody holds the page exclusively or if tid already holds any lock on it.
func (lm *LockManager) AcquireShared(tid transaction.TxnID, pid structures.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	owners := lm.owners[pid]
	if mode, ok := owners[tid]; ok {
		// own exclusive lock satisfies a shared request
		lm.grant(tid, pid, mode)
		return true
	}

	for _, mode := range owners {
		if mode == ExclusiveLock {
			lm.wait(tid, pid)
			return false
		}
	}

	lm.grant(tid, pid, SharedLock)
	return true
}

// AcquireExclusive grants an exclusive lock if the page is free or tid is its sole holder, upgrading a shared lock in
// place.
func (lm *LockManager) AcquireExclusive(tid transaction.TxnID, pid structures.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	owners := lm.owners[pid]
	if _, ok := owners[tid]; len(owners) == 0 || (ok && len(owners) == 1) {
		lm.grant(tid, pid, ExclusiveLock)
		return true
	}

	lm.wait(tid, pid)
	return false
}

// Acquire dispatches on mode.
func (lm *LockManager) Acquire(tid transaction.TxnID, pid structures.PageID, mode LockMode) bool {
	if mode == ExclusiveLock {
		return lm.AcquireExclusive(tid, pid)
	}
	return lm.AcquireShared(tid, pid)
}

func (lm *LockManager) grant(tid transaction.TxnID, pid structures.PageID, mode LockMode) {
	owners, ok := lm.owners[pid]
	if !ok {
		owners = map[transaction.TxnID]LockMode{}
		lm.owners[pid] = owners
	}
	owners[tid] = mode

	pages, ok := lm.held[tid]
	if !ok {
		pages = mapset.NewThreadUnsafeSet[structures.PageID]()
		lm.held[tid] = pages
	}
	pages.Add(pid)

	delete(lm.waiting, tid)
	lm.metrics.LockGranted(mode.String())
}

func (lm *LockManager) wait(tid transaction.TxnID, pid structures.PageID) {
	if prev, ok := lm.waiting[tid]; !ok || prev != pid {
		lm.metrics.LockWaited()
	}
	lm.waiting[tid] = pid
}

// Release drops tid's lock on pid. It returns false if tid held no lock on pid.
func (lm *LockManager) Release(tid transaction.TxnID, pid structures.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	return lm.release(tid, pid)
}

func (lm *LockManager) release(tid transaction.TxnID, pid structures.PageID) bool {
	owners := lm.owners[pid]
	if _, ok := owners[tid]; !ok {
		return false
	}

	delete(owners, tid)
	if len(owners) == 0 {
		delete(lm.owners, pid)
	}

	if pages, ok := lm.held[tid]; ok {
		pages.Remove(pid)
		if pages.Cardinality() == 0 {
			delete(lm.held, tid)
		}
	}

	return true
}

// ReleaseAll drops every lock of tid and its wait record.
func (lm *LockManager) ReleaseAll(tid transaction.TxnID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if pages, ok := lm.held[tid]; ok {
		for _, pid := range pages.ToSlice() {
			lm.release(tid, pid)
		}
	}

	delete(lm.waiting, tid)
}

// ClearWait forgets that tid waits for a page, used when a blocked request is abandoned.
func (lm *LockManager) ClearWait(tid transaction.TxnID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.waiting, tid)
}

// DetectDeadlock reports whether tid waiting for pid closes a cycle in the wait-for graph, i.e. whether some other
// holder of pid transitively waits for a page held by tid. When a deadlock is found tid's wait record is cleared
// so that the other transactions of the cycle stop seeing it.
func (lm *LockManager) DetectDeadlock(tid transaction.TxnID, pid structures.PageID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	held, ok := lm.held[tid]
	if !ok || held.Cardinality() == 0 {
		return false
	}

	visited := mapset.NewThreadUnsafeSet[transaction.TxnID]()
	s := stack.New()
	for owner := range lm.owners[pid] {
		if owner != tid {
			s.Push(owner)
		}
	}

	for s.Len() > 0 {
		curr := s.Pop().(transaction.TxnID)
		if !visited.Add(curr) {
			continue
		}

		waitsFor, ok := lm.waiting[curr]
		if !ok {
			continue
		}

		if held.Contains(waitsFor) {
			delete(lm.waiting, tid)
			lm.metrics.DeadlockDetected()
			lm.logger.Warn("deadlock detected",
				zap.Uint64("txn", uint64(tid)),
				zap.Stringer("page", pid),
				zap.Uint64("blocker", uint64(curr)),
				zap.Stringer("blocker_page", waitsFor))
			return true
		}

		for owner := range lm.owners[waitsFor] {
			if owner != tid && !visited.Contains(owner) {
				s.Push(owner)
			}
		}
	}

	return false
}

// LockState returns tid's lock on pid if it has one.
func (lm *LockManager) LockState(tid transaction.TxnID, pid structures.PageID) (LockState, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	mode, ok := lm.owners[pid][tid]
	return LockState{TxnID: tid, Mode: mode}, ok
}

func (lm *LockManager) HoldsLock(tid transaction.TxnID, pid structures.PageID) bool {
	_, ok := lm.LockState(tid, pid)
	return ok
}

// Holders returns the locks on pid ordered by transaction id.
func (lm *LockManager) Holders(pid structures.PageID) []LockState {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	res := make([]LockState, 0, len(lm.owners[pid]))
	for tid, mode := range lm.owners[pid] {
		res = append(res, LockState{TxnID: tid, Mode: mode})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].TxnID < res[j].TxnID })
	return res
}

func (lm *LockManager) PagesHeldBy(tid transaction.TxnID) []structures.PageID {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pages, ok := lm.held[tid]
	if !ok {
		return nil
	}
	return pages.ToSlice()
}

func (lm *LockManager) WaitingFor(tid transaction.TxnID) (structures.PageID, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pid, ok := lm.waiting[tid]
	return pid, ok
}
