package heap

import (
	"context"
	"io"
	"pagedb/disk/pages"
	"pagedb/disk/structures"
	"pagedb/transaction"
)

// PageFetcher hands out pages under a lock of the requested permission. Heap files never read pages directly when
// modifying them, they go through a PageFetcher so that locking and caching stay in one place.
type PageFetcher interface {
	GetPage(ctx context.Context, tid transaction.TxnID, pid structures.PageID, perm transaction.Permission) (*pages.HeapPage, error)
}

// backend is the byte store behind a heap file. *os.File and *memfile.File satisfy it.
type backend interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}
