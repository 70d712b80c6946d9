package transaction

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrNotActive is returned when a transaction that already completed, or was never started, is used.
var ErrNotActive = errors.New("transaction is not active")

// TxnID identifies a transaction. Zero is never handed out.
type TxnID uint64

// Permission is the access level requested for a page.
type Permission int

const (
	ReadOnly Permission = iota
	ReadWrite
)

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "READ_ONLY"
	case ReadWrite:
		return "READ_WRITE"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// Registry hands out transaction ids and keeps track of running transactions.
type Registry struct {
	counter atomic.Uint64
	actives mapset.Set[TxnID]
	endLock sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		actives: mapset.NewSet[TxnID](),
	}
}

func (r *Registry) Begin() TxnID {
	id := TxnID(r.counter.Add(1))
	r.actives.Add(id)
	return id
}

func (r *Registry) IsActive(tid TxnID) bool {
	return r.actives.Contains(tid)
}

// End marks tid as completed. Ending a transaction twice returns ErrNotActive.
func (r *Registry) End(tid TxnID) error {
	r.endLock.Lock()
	defer r.endLock.Unlock()

	if !r.actives.Contains(tid) {
		return fmt.Errorf("txn %d: %w", tid, ErrNotActive)
	}

	r.actives.Remove(tid)
	return nil
}

// Active returns running transactions in ascending order.
func (r *Registry) Active() []TxnID {
	res := r.actives.ToSlice()
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
