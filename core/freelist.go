package core

// freeList is the in-memory stack of deleted record ids.
//
// It is derived from the record table (every slot whose size is the free
// sentinel) and rebuilt by a single scan the first time a record is created
// after open. Ids are reused last-in first-out.
type freeList struct {
	ids     []int
	scanned bool
}

func (f *freeList) push(id int) {
	f.ids = append(f.ids, id)
}

func (f *freeList) pop() (int, bool) {
	if len(f.ids) == 0 {
		return 0, false
	}
	id := f.ids[len(f.ids)-1]
	f.ids = f.ids[:len(f.ids)-1]
	return id, true
}

func (f *freeList) len() int {
	return len(f.ids)
}
