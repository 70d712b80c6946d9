package catalog

import (
	"errors"
	"fmt"
	"pagedb/disk/structures"
	"pagedb/heap"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNoSuchTable    = errors.New("table does not exist")
	ErrDuplicateTable = errors.New("table already exists")
)

type TableInfo struct {
	Name       string
	PrimaryKey string
	File       *heap.File
}

// Catalog keeps track of the tables of a database. Lookups are lock free, additions are serialized.
type Catalog struct {
	tables  *xsync.MapOf[uint32, *TableInfo]
	names   *xsync.MapOf[string, uint32]
	addLock sync.Mutex
}

func NewCatalog() *Catalog {
	return &Catalog{
		tables: xsync.NewMapOf[uint32, *TableInfo](),
		names:  xsync.NewMapOf[string, uint32](),
	}
}

// AddTable registers file under name. An empty name is replaced by a random unique one. Names and table ids must be
// unique.
func (c *Catalog) AddTable(file *heap.File, name, pkey string) (string, error) {
	c.addLock.Lock()
	defer c.addLock.Unlock()

	if name == "" {
		name = uuid.New().String()
	}

	if _, ok := c.names.Load(name); ok {
		return "", fmt.Errorf("%q: %w", name, ErrDuplicateTable)
	}

	if existing, ok := c.tables.Load(file.ID()); ok {
		return "", fmt.Errorf("%s is already registered as %q: %w", file.Path(), existing.Name, ErrDuplicateTable)
	}

	c.tables.Store(file.ID(), &TableInfo{Name: name, PrimaryKey: pkey, File: file})
	c.names.Store(name, file.ID())
	return name, nil
}

func (c *Catalog) table(id uint32) (*TableInfo, error) {
	info, ok := c.tables.Load(id)
	if !ok {
		return nil, fmt.Errorf("table %d: %w", id, ErrNoSuchTable)
	}
	return info, nil
}

func (c *Catalog) TableID(name string) (uint32, error) {
	id, ok := c.names.Load(name)
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrNoSuchTable)
	}
	return id, nil
}

func (c *Catalog) TupleDesc(id uint32) (*structures.TupleDesc, error) {
	info, err := c.table(id)
	if err != nil {
		return nil, err
	}
	return info.File.TupleDesc(), nil
}

// DbFile returns the heap file of the table. It makes Catalog usable as the buffer pool's file resolver.
func (c *Catalog) DbFile(id uint32) (*heap.File, error) {
	info, err := c.table(id)
	if err != nil {
		return nil, err
	}
	return info.File, nil
}

func (c *Catalog) TableName(id uint32) (string, error) {
	info, err := c.table(id)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

func (c *Catalog) PrimaryKey(id uint32) (string, error) {
	info, err := c.table(id)
	if err != nil {
		return "", err
	}
	return info.PrimaryKey, nil
}

// TableIDs returns the ids of all tables in ascending order.
func (c *Catalog) TableIDs() []uint32 {
	res := make([]uint32, 0, c.tables.Size())
	c.tables.Range(func(id uint32, _ *TableInfo) bool {
		res = append(res, id)
		return true
	})
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Clear forgets every table without closing their files.
func (c *Catalog) Clear() {
	c.addLock.Lock()
	defer c.addLock.Unlock()

	c.tables.Clear()
	c.names.Clear()
}

// Close closes the files of all tables and clears the catalog.
func (c *Catalog) Close() error {
	var errs []error
	c.tables.Range(func(_ uint32, info *TableInfo) bool {
		if err := info.File.Close(); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	c.Clear()
	return errors.Join(errs...)
}
