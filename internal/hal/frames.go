package hal

import (
	log "github.com/sirupsen/logrus"
)

// frameRecord tracks one buffer currently on loan to clients.
type frameRecord struct {
	id       BufferID
	refCount int
}

// frameTable is a fixed-capacity ring of recycled frame records. Capacity
// follows the last negotiated in-flight buffer count but is advisory:
// in-use records are never dropped to satisfy it.
type frameTable struct {
	capacity int
	records  []frameRecord
}

func newFrameTable(capacity int) *frameTable {
	if capacity < 1 {
		capacity = 1
	}
	return &frameTable{
		capacity: capacity,
		records:  make([]frameRecord, 0, capacity),
	}
}

// track records a freshly fanned-out buffer with its delivery count,
// reusing the first free slot or appending when none is free. Growing
// past the negotiated capacity is logged, not refused.
func (t *frameTable) track(id BufferID, refs int) {
	for i := range t.records {
		if t.records[i].refCount == 0 {
			t.records[i] = frameRecord{id: id, refCount: refs}
			return
		}
	}
	if len(t.records) >= t.capacity {
		log.Warnf("frame table exceeds negotiated capacity %d, tracking buffer %d anyway", t.capacity, id)
	}
	t.records = append(t.records, frameRecord{id: id, refCount: refs})
}

// done decrements the record for id. It reports whether the record was
// found at all, and whether this call released the last reference.
func (t *frameTable) done(id BufferID) (found, released bool) {
	for i := range t.records {
		if t.records[i].id == id && t.records[i].refCount > 0 {
			t.records[i].refCount--
			return true, t.records[i].refCount == 0
		}
	}
	return false, false
}

// resize adopts a new advisory capacity, compacting away every record no
// client still references. In-use records always survive, even when they
// outnumber the new capacity.
func (t *frameTable) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	kept := make([]frameRecord, 0, capacity)
	for _, rec := range t.records {
		if rec.refCount > 0 {
			kept = append(kept, rec)
		}
	}
	if len(kept) > capacity {
		log.Warnf("more frames in use (%d) than the requested capacity (%d)", len(kept), capacity)
	}
	t.capacity = capacity
	t.records = kept
}

// inUse counts records still referenced by at least one client.
func (t *frameTable) inUse() int {
	n := 0
	for _, rec := range t.records {
		if rec.refCount > 0 {
			n++
		}
	}
	return n
}
