package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"pagedb/buffer"
	"pagedb/db"
	"pagedb/disk/structures"
	"pagedb/transaction"
	"strconv"
	"strings"
)

const autocommitRetries = 10

var (
	errQuit       = errors.New("quit")
	errNoTxn      = errors.New("no open transaction")
	errTxnOpen    = errors.New("a transaction is already open")
	errBadCommand = errors.New("bad command")
)

// session runs commands against one table. Commands outside of begin/commit run in their own transaction.
type session struct {
	db      *db.DB
	tableID uint32
	out     io.Writer
	tid     transaction.TxnID
}

func newSession(d *db.DB, tableID uint32, out io.Writer) *session {
	return &session{db: d, tableID: tableID, out: out}
}

func (s *session) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "help":
		s.help()
		return nil
	case "exit", "quit":
		return errQuit
	case "begin":
		return s.begin()
	case "commit":
		return s.complete(true)
	case "abort", "rollback":
		return s.complete(false)
	case "insert":
		return s.run(ctx, func(tid transaction.TxnID) error { return s.insert(ctx, tid, rest) })
	case "delete":
		return s.run(ctx, func(tid transaction.TxnID) error { return s.delete(ctx, tid, rest) })
	case "scan":
		return s.run(ctx, func(tid transaction.TxnID) error { return s.scan(ctx, tid) })
	case "inspect":
		return s.run(ctx, func(tid transaction.TxnID) error { return s.inspect(ctx, tid) })
	case "stats":
		s.stats()
		return nil
	default:
		return fmt.Errorf("%q: %w", cmd, errBadCommand)
	}
}

func (s *session) help() {
	fmt.Fprintln(s.out, `commands:
  begin | commit | abort
  insert <v1,v2,...>
  delete <page> <slot>
  scan
  inspect
  stats
  exit`)
}

func (s *session) begin() error {
	if s.tid != 0 {
		return errTxnOpen
	}

	tid, err := s.db.Begin()
	if err != nil {
		return err
	}

	s.tid = tid
	fmt.Fprintf(s.out, "txn %d started\n", tid)
	return nil
}

func (s *session) complete(commit bool) error {
	if s.tid == 0 {
		return errNoTxn
	}

	tid := s.tid
	s.tid = 0
	if !commit {
		return s.db.Abort(tid)
	}

	if err := s.db.Commit(tid); err != nil {
		fmt.Fprintln(s.out, "commit failed, transaction aborted")
		return errors.Join(err, s.db.Abort(tid))
	}
	return nil
}

// run executes fn in the open transaction, or in a retried transaction of its own when none is open. An open
// transaction that gets aborted by the pool is rolled back and closed.
func (s *session) run(ctx context.Context, fn func(tid transaction.TxnID) error) error {
	if s.tid == 0 {
		return s.db.Tm.Run(ctx, autocommitRetries, fn)
	}

	err := fn(s.tid)
	if errors.Is(err, buffer.ErrTransactionAborted) {
		abortErr := s.db.Abort(s.tid)
		s.tid = 0
		fmt.Fprintln(s.out, "transaction aborted")
		return errors.Join(err, abortErr)
	}
	return err
}

func (s *session) desc() (*structures.TupleDesc, error) {
	return s.db.Catalog().TupleDesc(s.tableID)
}

func (s *session) insert(ctx context.Context, tid transaction.TxnID, values string) error {
	desc, err := s.desc()
	if err != nil {
		return err
	}

	t, err := parseTuple(desc, values)
	if err != nil {
		return err
	}

	if err := s.db.Pool().InsertTuple(ctx, tid, s.tableID, t); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "inserted at %v\n", t.RecordID)
	return nil
}

func (s *session) delete(ctx context.Context, tid transaction.TxnID, args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return fmt.Errorf("delete wants <page> <slot>: %w", errBadCommand)
	}

	pageNo, err := strconv.Atoi(fields[0])
	if err != nil {
		return err
	}
	slot, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}

	p, err := s.db.Pool().GetPage(ctx, tid, structures.NewPageID(s.tableID, pageNo), transaction.ReadWrite)
	if err != nil {
		return err
	}

	if slot < 0 || slot >= p.NumSlots() || p.Tuple(slot) == nil {
		return fmt.Errorf("slot %d of page %d is empty: %w", slot, pageNo, errBadCommand)
	}

	t := p.Tuple(slot)
	if err := s.db.Pool().DeleteTuple(ctx, tid, t); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "deleted %d/%d\n", pageNo, slot)
	return nil
}

func (s *session) scan(ctx context.Context, tid transaction.TxnID) error {
	tuples, err := s.db.Scan(ctx, tid, s.tableID)
	if err != nil {
		return err
	}

	desc, err := s.desc()
	if err != nil {
		return err
	}

	fmt.Fprintln(s.out, desc.String())
	for _, t := range tuples {
		fmt.Fprintf(s.out, "%v\t%v\n", t.RecordID, t)
	}
	fmt.Fprintf(s.out, "(%d rows)\n", len(tuples))
	return nil
}

// inspect prints slot usage of every page.
func (s *session) inspect(ctx context.Context, tid transaction.TxnID) error {
	f, err := s.db.Catalog().DbFile(s.tableID)
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "table %d at %s, %d pages of %d bytes\n", f.ID(), f.Path(), f.NumPages(), f.PageSize())
	for i := 0; i < f.NumPages(); i++ {
		p, err := s.db.Pool().GetPage(ctx, tid, structures.NewPageID(f.ID(), i), transaction.ReadOnly)
		if err != nil {
			return err
		}

		free := p.NumEmptySlots()
		fmt.Fprintf(s.out, "page %d: %d used, %d free\n", i, p.NumSlots()-free, free)
	}
	return nil
}

func (s *session) stats() {
	pool := s.db.Pool()
	fmt.Fprintf(s.out, "cached pages: %d/%d\n", pool.NumCached(), pool.Capacity())
	fmt.Fprintf(s.out, "active transactions: %v\n", s.db.Tm.ActiveTransactions())
	if s.tid != 0 {
		fmt.Fprintf(s.out, "open transaction: %d\n", s.tid)
	}
}
