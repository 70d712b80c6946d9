package heap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"pagedb/common"
	"pagedb/disk/pages"
	"pagedb/disk/structures"
	"pagedb/transaction"
	"path/filepath"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

var (
	ErrInvalidPage = errors.New("page does not belong to heap file")
	ErrIO          = errors.New("heap file io failed")
	ErrNoRecordID  = errors.New("tuple has no record id")
	ErrCorruptFile = errors.New("heap file length is not a multiple of page size")
)

// File is a table stored as consecutive fixed-size pages without any file header. Page i lives at offset
// i*pageSize. The page count only grows.
type File struct {
	id       uint32
	path     string
	desc     *structures.TupleDesc
	pageSize int
	store    backend
	sync     func() error
	logger   *zap.Logger

	mu       sync.Mutex
	numPages int
}

// TableID derives the id of the table stored at path. It is stable across restarts as long as the absolute path is.
func TableID(path string) (uint32, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	return murmur3.Sum32([]byte(abs)), nil
}

// Open opens or creates the heap file at path.
func Open(path string, desc *structures.TupleDesc, pageSize int, logger *zap.Logger) (*File, error) {
	logger = common.LoggerOrNop(logger)

	id, err := TableID(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, ErrIO, err)
	}

	stats, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w: %w", path, ErrIO, err)
	}

	if stats.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("%s has %d bytes: %w", path, stats.Size(), ErrCorruptFile)
	}

	hf := &File{
		id:       id,
		path:     path,
		desc:     desc,
		pageSize: pageSize,
		store:    f,
		sync:     f.Sync,
		logger:   logger,
		numPages: int(stats.Size() / int64(pageSize)),
	}

	logger.Debug("heap file opened", zap.String("path", path), zap.Uint32("table", id), zap.Int("pages", hf.numPages))
	return hf, nil
}

// NewInMemory creates a heap file backed by memory. data is the initial content and may be nil.
func NewInMemory(name string, desc *structures.TupleDesc, pageSize int, data []byte) (*File, error) {
	if len(data)%pageSize != 0 {
		return nil, fmt.Errorf("%s has %d bytes: %w", name, len(data), ErrCorruptFile)
	}

	return &File{
		id:       murmur3.Sum32([]byte("mem://" + name)),
		path:     name,
		desc:     desc,
		pageSize: pageSize,
		store:    memBackend{memfile.New(append([]byte(nil), data...))},
		sync:     func() error { return nil },
		logger:   zap.NewNop(),
		numPages: len(data) / pageSize,
	}, nil
}

func (f *File) ID() uint32 {
	return f.id
}

func (f *File) Path() string {
	return f.path
}

func (f *File) TupleDesc() *structures.TupleDesc {
	return f.desc
}

func (f *File) PageSize() int {
	return f.pageSize
}

func (f *File) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

func (f *File) checkPageID(pid structures.PageID) error {
	if pid.TableID != f.id {
		return fmt.Errorf("page %v requested from table %d: %w", pid, f.id, ErrInvalidPage)
	}

	if pid.PageNo < 0 || pid.PageNo >= f.NumPages() {
		return fmt.Errorf("page %v is out of %d pages: %w", pid, f.NumPages(), ErrInvalidPage)
	}

	return nil
}

// ReadPage reads the page from the backing store. It never consults the buffer pool.
func (f *File) ReadPage(pid structures.PageID) (*pages.HeapPage, error) {
	if err := f.checkPageID(pid); err != nil {
		return nil, err
	}

	data := make([]byte, f.pageSize)
	n, err := f.store.ReadAt(data, int64(pid.PageNo)*int64(f.pageSize))
	if n != f.pageSize {
		return nil, fmt.Errorf("read page %v, got %d bytes: %w: %v", pid, n, ErrIO, err)
	}

	return pages.NewHeapPage(pid, data, f.desc, f.pageSize)
}

// WritePage overwrites the block of the page. It does not grow the file.
func (f *File) WritePage(p *pages.HeapPage) error {
	if err := f.checkPageID(p.ID()); err != nil {
		return err
	}

	if _, err := f.store.WriteAt(p.PageData(), int64(p.ID().PageNo)*int64(f.pageSize)); err != nil {
		return fmt.Errorf("write page %v: %w: %w", p.ID(), ErrIO, err)
	}

	return nil
}

// appendEmptyPage writes a blank page at the end of the file and returns its id.
func (f *File) appendEmptyPage() (structures.PageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pid := structures.NewPageID(f.id, f.numPages)
	if _, err := f.store.WriteAt(pages.EmptyPageData(f.pageSize), int64(f.numPages)*int64(f.pageSize)); err != nil {
		return pid, fmt.Errorf("append page %v: %w: %w", pid, ErrIO, err)
	}

	f.numPages++
	f.logger.Debug("heap file grew", zap.Uint32("table", f.id), zap.Int("pages", f.numPages))
	return pid, nil
}

// InsertTuple stores t in the first page having an empty slot, appending a new page when all pages are full. Every
// scanned page is fetched for writing. It returns the modified pages.
func (f *File) InsertTuple(ctx context.Context, tid transaction.TxnID, t *structures.Tuple, fetcher PageFetcher) ([]*pages.HeapPage, error) {
	if !f.desc.Equals(t.Desc()) {
		return nil, fmt.Errorf("insert into table %d: %w", f.id, pages.ErrSchemaMismatch)
	}

	for i := 0; i < f.NumPages(); i++ {
		p, err := fetcher.GetPage(ctx, tid, structures.NewPageID(f.id, i), transaction.ReadWrite)
		if err != nil {
			return nil, err
		}

		if p.NumEmptySlots() == 0 {
			continue
		}

		if err := p.InsertTuple(t); err != nil {
			return nil, err
		}
		return []*pages.HeapPage{p}, nil
	}

	// a freshly appended page can only be full if another transaction filled it first
	for {
		pid, err := f.appendEmptyPage()
		if err != nil {
			return nil, err
		}

		p, err := fetcher.GetPage(ctx, tid, pid, transaction.ReadWrite)
		if err != nil {
			return nil, err
		}

		err = p.InsertTuple(t)
		if errors.Is(err, pages.ErrPageFull) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return []*pages.HeapPage{p}, nil
	}
}

// DeleteTuple removes t from the page its record id points to and returns that page.
func (f *File) DeleteTuple(ctx context.Context, tid transaction.TxnID, t *structures.Tuple, fetcher PageFetcher) (*pages.HeapPage, error) {
	if t.RecordID == nil {
		return nil, ErrNoRecordID
	}

	pid := t.RecordID.PageID
	if err := f.checkPageID(pid); err != nil {
		return nil, err
	}

	p, err := fetcher.GetPage(ctx, tid, pid, transaction.ReadWrite)
	if err != nil {
		return nil, err
	}

	if err := p.DeleteTuple(t); err != nil {
		return nil, err
	}

	return p, nil
}

type memBackend struct {
	*memfile.File
}

func (memBackend) Close() error {
	return nil
}

// Sync flushes the backing store to stable storage.
func (f *File) Sync() error {
	if err := f.sync(); err != nil {
		return fmt.Errorf("sync %s: %w: %w", f.path, ErrIO, err)
	}
	return nil
}

func (f *File) Close() error {
	return f.store.Close()
}
