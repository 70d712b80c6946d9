package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"pagedb/buffer"
	"pagedb/catalog"
	"pagedb/common"
	"pagedb/concurrency"
	"pagedb/disk/structures"
	"pagedb/heap"
	"pagedb/telemetry"
	"pagedb/transaction"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DB wires one catalog, lock manager and buffer pool together. Several instances can live in the same process.
type DB struct {
	cfg     common.Config
	ctl     *catalog.Catalog
	pool    *buffer.BufferPool
	Tm      concurrency.TxnManager
	metrics *telemetry.Metrics
	l       *zap.Logger
}

// Open builds a database from cfg. logger may be nil. Metrics are registered on reg when it is not nil.
func Open(cfg common.Config, logger *zap.Logger, reg prometheus.Registerer) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = common.LoggerOrNop(logger)

	var metrics *telemetry.Metrics
	if reg != nil {
		m, err := telemetry.New(reg)
		if err != nil {
			return nil, err
		}
		metrics = m
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
		}
	}

	var backoff buffer.Backoff = buffer.NoBackoff{}
	if cfg.LockRetryInterval > 0 {
		backoff = buffer.FixedBackoff{Interval: cfg.LockRetryInterval}
	}

	txns := transaction.NewRegistry()
	ctl := catalog.NewCatalog()
	pool := buffer.NewBufferPool(buffer.Options{
		Capacity:        cfg.PoolPages,
		Backoff:         backoff,
		MaxLockAttempts: cfg.MaxLockAttempts,
		Files:           ctl,
		Txns:            txns,
		Logger:          logger,
		Metrics:         metrics,
	})

	logger.Info("database opened",
		zap.Int("page_size", cfg.PageSize),
		zap.Int("pool_pages", cfg.PoolPages),
		zap.String("data_dir", cfg.DataDir))

	return &DB{
		cfg:     cfg,
		ctl:     ctl,
		pool:    pool,
		Tm:      concurrency.NewTxnManager(pool, txns, logger, metrics),
		metrics: metrics,
		l:       logger,
	}, nil
}

func (d *DB) Catalog() *catalog.Catalog {
	return d.ctl
}

func (d *DB) Pool() *buffer.BufferPool {
	return d.pool
}

func (d *DB) Config() common.Config {
	return d.cfg
}

func (d *DB) Begin() (transaction.TxnID, error) {
	return d.Tm.Begin()
}

func (d *DB) Commit(tid transaction.TxnID) error {
	return d.Tm.Commit(tid)
}

func (d *DB) Abort(tid transaction.TxnID) error {
	return d.Tm.Abort(tid)
}

// CreateTable opens or creates the heap file at path and registers it. Relative paths are resolved against the data
// directory. An empty name is replaced by a generated one, the final name is returned with the table id.
func (d *DB) CreateTable(name string, desc *structures.TupleDesc, path string) (uint32, string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.cfg.DataDir, path)
	}

	f, err := heap.Open(path, desc, d.cfg.PageSize, d.l)
	if err != nil {
		return 0, "", err
	}

	name, err = d.ctl.AddTable(f, name, "")
	if err != nil {
		return 0, "", errors.Join(err, f.Close())
	}

	d.l.Info("table created", zap.String("name", name), zap.Uint32("table", f.ID()), zap.String("path", path))
	return f.ID(), name, nil
}

// CreateMemTable registers a table that lives only in memory.
func (d *DB) CreateMemTable(name string, desc *structures.TupleDesc) (uint32, error) {
	f, err := heap.NewInMemory(name, desc, d.cfg.PageSize, nil)
	if err != nil {
		return 0, err
	}

	if _, err := d.ctl.AddTable(f, name, ""); err != nil {
		return 0, err
	}
	return f.ID(), nil
}

// Scan returns every tuple of the table as seen by tid.
func (d *DB) Scan(ctx context.Context, tid transaction.TxnID, tableID uint32) ([]*structures.Tuple, error) {
	f, err := d.ctl.DbFile(tableID)
	if err != nil {
		return nil, err
	}

	it := f.Iterator(ctx, tid, d.pool)
	if err := it.Open(); err != nil {
		return nil, err
	}
	defer it.Close()

	var res []*structures.Tuple
	for {
		ok, err := it.HasNext()
		if err != nil {
			return nil, err
		}
		if !ok {
			return res, nil
		}

		t, err := it.Next()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
}

func (d *DB) Metrics() *telemetry.Metrics {
	return d.metrics
}

// Close waits for running transactions, syncs every table and closes its file. Since commits force their pages
// nothing is left in the pool that has to be written.
func (d *DB) Close(ctx context.Context) error {
	// block new transactions and wait until all active transactions are done
	if err := d.Tm.Close(ctx); err != nil {
		return err
	}

	var errs []error
	for _, id := range d.ctl.TableIDs() {
		f, err := d.ctl.DbFile(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, f.Sync())
	}
	errs = append(errs, d.ctl.Close())

	d.l.Info("database closed")
	return errors.Join(errs...)
}
