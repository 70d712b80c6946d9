package structures

import "fmt"

// PageID addresses a page of a table's heap file. It is a comparable value and is used as a map key by the buffer
// pool and the lock manager.
type PageID struct {
	TableID uint32
	PageNo  int
}

func NewPageID(tableID uint32, pageNo int) PageID {
	return PageID{TableID: tableID, PageNo: pageNo}
}

func (p PageID) String() string {
	return fmt.Sprintf("%d:%d", p.TableID, p.PageNo)
}

// RecordID is the physical address of a stored tuple.
type RecordID struct {
	PageID PageID
	SlotNo int
}

func NewRecordID(pid PageID, slot int) RecordID {
	return RecordID{PageID: pid, SlotNo: slot}
}

func (r RecordID) String() string {
	return fmt.Sprintf("%v/%d", r.PageID, r.SlotNo)
}
