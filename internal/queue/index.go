package queue

import (
	"time"

	"github.com/google/btree"

	"github.com/aristath/taskengine/internal/task"
)

const btreeDegree = 16

// entry is what the ordered indexes hold. Records in the queue are
// replaced on every transition, never mutated, so an entry built from the
// stored record always matches the one that was inserted.
type entry struct {
	at  time.Time
	seq uint64
	id  string
}

func entryLess(a, b entry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

func readyEntry(r *task.Record) entry {
	return entry{at: r.EnqueuedAt, seq: r.Seq, id: r.ID}
}

func delayedEntry(r *task.Record) entry {
	return entry{at: r.AvailableAt, seq: r.Seq, id: r.ID}
}

func heldEntry(r *task.Record) entry {
	return entry{at: r.NotBefore, seq: r.Seq, id: r.ID}
}

// readySet keeps Ready tasks in one FIFO tree per priority.
type readySet struct {
	buckets map[int]*btree.BTreeG[entry]
	size    int
}

func newReadySet() *readySet {
	return &readySet{buckets: make(map[int]*btree.BTreeG[entry])}
}

func (s *readySet) insert(r *task.Record) {
	b, ok := s.buckets[r.Priority]
	if !ok {
		b = btree.NewG(btreeDegree, entryLess)
		s.buckets[r.Priority] = b
	}
	if _, replaced := b.ReplaceOrInsert(readyEntry(r)); !replaced {
		s.size++
	}
}

func (s *readySet) remove(r *task.Record) {
	b, ok := s.buckets[r.Priority]
	if !ok {
		return
	}
	if _, found := b.Delete(readyEntry(r)); found {
		s.size--
	}
	if b.Len() == 0 {
		delete(s.buckets, r.Priority)
	}
}

// head returns the oldest entry of a bucket that skip does not reject.
func head(b *btree.BTreeG[entry], skip func(id string) bool) (entry, bool) {
	var (
		found entry
		ok    bool
	)
	b.Ascend(func(e entry) bool {
		if skip != nil && skip(e.id) {
			return true
		}
		found, ok = e, true
		return false
	})
	return found, ok
}
