package heap

import (
	"context"
	"errors"
	"pagedb/disk/structures"
	"pagedb/transaction"
)

var ErrIteratorClosed = errors.New("iterator is not open")

// Iterator scans every tuple of a heap file in page and slot order, reading pages through a PageFetcher with read
// only permission.
type Iterator struct {
	file    *File
	ctx     context.Context
	tid     transaction.TxnID
	fetcher PageFetcher

	open    bool
	pageNo  int
	tuples  []*structures.Tuple
	current int
}

func (f *File) Iterator(ctx context.Context, tid transaction.TxnID, fetcher PageFetcher) *Iterator {
	return &Iterator{
		file:    f,
		ctx:     ctx,
		tid:     tid,
		fetcher: fetcher,
	}
}

func (it *Iterator) Open() error {
	it.open = true
	it.pageNo = -1
	it.tuples = nil
	it.current = 0
	return nil
}

// HasNext loads pages until a tuple is found or the file is exhausted.
func (it *Iterator) HasNext() (bool, error) {
	if !it.open {
		return false, ErrIteratorClosed
	}

	for it.current >= len(it.tuples) {
		if it.pageNo+1 >= it.file.NumPages() {
			return false, nil
		}

		it.pageNo++
		p, err := it.fetcher.GetPage(it.ctx, it.tid, structures.NewPageID(it.file.ID(), it.pageNo), transaction.ReadOnly)
		if err != nil {
			return false, err
		}

		it.tuples = p.Tuples()
		it.current = 0
	}

	return true, nil
}

func (it *Iterator) Next() (*structures.Tuple, error) {
	ok, err := it.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoMoreTuples
	}

	t := it.tuples[it.current]
	it.current++
	return t, nil
}

func (it *Iterator) Rewind() error {
	return it.Open()
}

func (it *Iterator) Close() {
	it.open = false
	it.tuples = nil
}

var ErrNoMoreTuples = errors.New("no more tuples")
