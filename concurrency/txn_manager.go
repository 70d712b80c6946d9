package concurrency

import (
	"context"
	"errors"
	"fmt"
	"pagedb/buffer"
	"pagedb/common"
	"pagedb/telemetry"
	"pagedb/transaction"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("transaction manager is closed")

// TxnManager keeps track of running transactions.
type TxnManager interface {
	Begin() (transaction.TxnID, error)
	Commit(transaction.TxnID) error
	Abort(transaction.TxnID) error

	// Run executes fn in a fresh transaction, committing when it returns nil and aborting otherwise or when the
	// commit fails. Deadlock victims are retried up to retries times.
	Run(ctx context.Context, retries int, fn func(tid transaction.TxnID) error) error

	BlockNewTransactions()
	ResumeNewTransactions()

	ActiveTransactions() []transaction.TxnID
	Close(ctx context.Context) error
}

var _ TxnManager = &TxnManagerImpl{}

type TxnManagerImpl struct {
	txns    *transaction.Registry
	pool    *buffer.BufferPool
	newTxn  *deadlock.RWMutex
	closed  bool
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewTxnManager(pool *buffer.BufferPool, txns *transaction.Registry, logger *zap.Logger, metrics *telemetry.Metrics) *TxnManagerImpl {
	return &TxnManagerImpl{
		txns:    txns,
		pool:    pool,
		newTxn:  &deadlock.RWMutex{},
		logger:  common.LoggerOrNop(logger),
		metrics: metrics,
	}
}

func (t *TxnManagerImpl) Begin() (transaction.TxnID, error) {
	t.newTxn.RLock()
	defer t.newTxn.RUnlock()

	if t.closed {
		return 0, ErrClosed
	}

	id := t.txns.Begin()
	t.metrics.TxnStarted(len(t.txns.Active()))
	return id, nil
}

// Commit forces the pages dirtied by id to disk before releasing its locks.
func (t *TxnManagerImpl) Commit(id transaction.TxnID) error {
	return t.pool.TransactionComplete(id, true)
}

func (t *TxnManagerImpl) Abort(id transaction.TxnID) error {
	return t.pool.TransactionComplete(id, false)
}

func (t *TxnManagerImpl) Run(ctx context.Context, retries int, fn func(tid transaction.TxnID) error) error {
	for attempt := 0; ; attempt++ {
		id, err := t.Begin()
		if err != nil {
			return err
		}

		err = fn(id)
		if err == nil {
			err = t.Commit(id)
			if err == nil {
				return nil
			}
			// a failed commit keeps its locks until it is aborted
			return errors.Join(err, t.Abort(id))
		}

		if abortErr := t.Abort(id); abortErr != nil {
			return errors.Join(err, abortErr)
		}

		if !errors.Is(err, buffer.ErrTransactionAborted) || attempt >= retries || ctx.Err() != nil {
			return err
		}

		t.logger.Debug("retrying aborted transaction", zap.Uint64("txn", uint64(id)), zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (t *TxnManagerImpl) BlockNewTransactions() {
	t.newTxn.Lock()
}

func (t *TxnManagerImpl) ResumeNewTransactions() {
	t.newTxn.Unlock()
}

func (t *TxnManagerImpl) ActiveTransactions() []transaction.TxnID {
	return t.txns.Active()
}

// Close rejects new transactions and waits until the running ones complete or ctx is done.
func (t *TxnManagerImpl) Close(ctx context.Context) error {
	t.BlockNewTransactions()
	t.closed = true
	t.ResumeNewTransactions()

	ticker := time.NewTicker(common.DefaultLockRetryInterval)
	defer ticker.Stop()

	for {
		active := t.txns.Active()
		if len(active) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d transactions still running: %w", len(active), ctx.Err())
		case <-ticker.C:
		}
	}
}
