package pages

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"pagedb/disk/structures"
	"pagedb/transaction"
	"sync"
)

/**
 * Heap page format:
 *  --------------------------------------------------------------
 *  | HEADER BITMAP | SLOT 0 | SLOT 1 | ... | SLOT N-1 | PADDING |
 *  --------------------------------------------------------------
 *
 *  numSlots = floor(pageSize*8 / (tupleSize*8 + 1))
 *  header   = ceil(numSlots/8) bytes, slot i is used iff bit (i%8) of byte (i/8) is set, least significant bit first.
 *  Every slot is tupleSize bytes wide. Empty slots and the padding are zero filled.
 */

var (
	ErrPageFull       = errors.New("no empty slot left in page")
	ErrTupleNotFound  = errors.New("tuple is not on this page")
	ErrSchemaMismatch = errors.New("tuple desc does not match page's tuple desc")
	ErrInvalidData    = errors.New("page data has wrong size")
)

// HeapPage is the single page kind stored in heap files. Slot contents are protected by the page locks taken through
// the buffer pool, dirty tag and before image are protected by the page's own mutex.
type HeapPage struct {
	pid      structures.PageID
	desc     *structures.TupleDesc
	pageSize int
	numSlots int
	header   []byte
	tuples   []*structures.Tuple

	mu      sync.Mutex
	dirty   bool
	dirtier transaction.TxnID
	oldData []byte
}

// NumSlots returns how many tuples of desc fit in a page of pageSize bytes, accounting one header bit per tuple.
func NumSlots(desc *structures.TupleDesc, pageSize int) int {
	return (pageSize * 8) / (desc.Size()*8 + 1)
}

func headerSize(numSlots int) int {
	return (numSlots + 7) / 8
}

// EmptyPageData returns the serialized form of a page with no tuples.
func EmptyPageData(pageSize int) []byte {
	return make([]byte, pageSize)
}

// NewHeapPage deserializes data into a page. data is also kept as the page's before image.
func NewHeapPage(pid structures.PageID, data []byte, desc *structures.TupleDesc, pageSize int) (*HeapPage, error) {
	if len(data) != pageSize {
		return nil, fmt.Errorf("page %v has %d bytes instead of %d: %w", pid, len(data), pageSize, ErrInvalidData)
	}

	numSlots := NumSlots(desc, pageSize)
	if numSlots <= 0 {
		return nil, fmt.Errorf("tuple of %d bytes does not fit a %d byte page: %w", desc.Size(), pageSize, ErrInvalidData)
	}

	hp := &HeapPage{
		pid:      pid,
		desc:     desc,
		pageSize: pageSize,
		numSlots: numSlots,
		header:   make([]byte, headerSize(numSlots)),
		tuples:   make([]*structures.Tuple, numSlots),
	}
	copy(hp.header, data)

	reader := bytes.NewReader(data[len(hp.header):])
	tupleSize := desc.Size()
	for i := 0; i < numSlots; i++ {
		if !hp.IsSlotUsed(i) {
			if _, err := reader.Seek(int64(tupleSize), io.SeekCurrent); err != nil {
				return nil, err
			}
			continue
		}

		t, err := structures.ParseTuple(desc, reader)
		if err != nil {
			return nil, fmt.Errorf("page %v slot %d: %w", pid, i, err)
		}
		rid := structures.NewRecordID(pid, i)
		t.RecordID = &rid
		hp.tuples[i] = t
	}

	hp.oldData = make([]byte, pageSize)
	copy(hp.oldData, data)
	return hp, nil
}

func (hp *HeapPage) ID() structures.PageID {
	return hp.pid
}

func (hp *HeapPage) TupleDesc() *structures.TupleDesc {
	return hp.desc
}

func (hp *HeapPage) NumSlots() int {
	return hp.numSlots
}

// PageData serializes the page. The result is exactly pageSize bytes long and NewHeapPage(ID(), PageData()) yields
// an equal page.
func (hp *HeapPage) PageData() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, hp.pageSize))
	buf.Write(hp.header)

	empty := make([]byte, hp.desc.Size())
	for _, t := range hp.tuples {
		if t == nil {
			buf.Write(empty)
			continue
		}

		// bytes.Buffer writes never fail
		if err := t.Serialize(buf); err != nil {
			panic(err)
		}
	}

	buf.Write(make([]byte, hp.pageSize-buf.Len()))
	return buf.Bytes()
}

// InsertTuple puts t into the first empty slot and sets its record id.
func (hp *HeapPage) InsertTuple(t *structures.Tuple) error {
	if !hp.desc.Equals(t.Desc()) {
		return fmt.Errorf("insert into page %v: %w", hp.pid, ErrSchemaMismatch)
	}

	for i := 0; i < hp.numSlots; i++ {
		if hp.IsSlotUsed(i) {
			continue
		}

		hp.markSlotUsed(i, true)
		hp.tuples[i] = t
		rid := structures.NewRecordID(hp.pid, i)
		t.RecordID = &rid
		return nil
	}

	return fmt.Errorf("insert into page %v: %w", hp.pid, ErrPageFull)
}

// DeleteTuple removes t from the slot its record id points to and clears the record id.
func (hp *HeapPage) DeleteTuple(t *structures.Tuple) error {
	rid := t.RecordID
	if rid == nil || rid.PageID != hp.pid {
		return fmt.Errorf("delete from page %v: %w", hp.pid, ErrTupleNotFound)
	}

	if rid.SlotNo < 0 || rid.SlotNo >= hp.numSlots || !hp.IsSlotUsed(rid.SlotNo) {
		return fmt.Errorf("delete slot %d from page %v: %w", rid.SlotNo, hp.pid, ErrTupleNotFound)
	}

	hp.markSlotUsed(rid.SlotNo, false)
	hp.tuples[rid.SlotNo] = nil
	t.RecordID = nil
	return nil
}

func (hp *HeapPage) NumEmptySlots() int {
	n := 0
	for i := 0; i < hp.numSlots; i++ {
		if !hp.IsSlotUsed(i) {
			n++
		}
	}
	return n
}

func (hp *HeapPage) IsSlotUsed(i int) bool {
	if i < 0 || i >= hp.numSlots {
		return false
	}
	return hp.header[i/8]&(1<<(i%8)) != 0
}

func (hp *HeapPage) markSlotUsed(i int, used bool) {
	if used {
		hp.header[i/8] |= 1 << (i % 8)
	} else {
		hp.header[i/8] &^= 1 << (i % 8)
	}
}

// Tuple returns the tuple stored at slot or nil if the slot is empty.
func (hp *HeapPage) Tuple(slot int) *structures.Tuple {
	if !hp.IsSlotUsed(slot) {
		return nil
	}
	return hp.tuples[slot]
}

// Tuples returns present tuples in slot order.
func (hp *HeapPage) Tuples() []*structures.Tuple {
	res := make([]*structures.Tuple, 0, hp.numSlots)
	for i, t := range hp.tuples {
		if hp.IsSlotUsed(i) {
			res = append(res, t)
		}
	}
	return res
}

// MarkDirty sets the dirty tag. tid is ignored when dirty is false.
func (hp *HeapPage) MarkDirty(dirty bool, tid transaction.TxnID) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	hp.dirty = dirty
	if dirty {
		hp.dirtier = tid
	} else {
		hp.dirtier = 0
	}
}

// IsDirty returns the transaction that last dirtied the page and whether the page is dirty.
func (hp *HeapPage) IsDirty() (transaction.TxnID, bool) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	return hp.dirtier, hp.dirty
}

// BeforeImage returns the page as it was at load time or at the last SetBeforeImage call.
func (hp *HeapPage) BeforeImage() (*HeapPage, error) {
	hp.mu.Lock()
	data := make([]byte, len(hp.oldData))
	copy(data, hp.oldData)
	hp.mu.Unlock()

	return NewHeapPage(hp.pid, data, hp.desc, hp.pageSize)
}

// SetBeforeImage snapshots the current contents as the new before image.
func (hp *HeapPage) SetBeforeImage() {
	data := hp.PageData()

	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.oldData = data
}
