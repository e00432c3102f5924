package readindex

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/snowflk/kleiostore/internal/persistence"
)

const defaultDegree = 32

// IndexEntry points from an event number of some stream in bucket Hash to a log record.
// Nothing in the entry tells which stream the record belongs to.
type IndexEntry struct {
	Hash        uint64
	EventNumber int64
	Position    persistence.Position
}

func entryLess(a, b IndexEntry) bool {
	if a.Hash != b.Hash {
		return a.Hash < b.Hash
	}
	if a.EventNumber != b.EventNumber {
		return a.EventNumber < b.EventNumber
	}
	return a.Position.PreparePosition < b.Position.PreparePosition
}

// StreamHashIndex maps hash(streamID) to the (event number, position) pairs of every stream in that bucket.
// Entries are ordered by hash, event number, then position, so the entries of one bucket for an event
// number range are contiguous. Colliding streams interleave within a bucket.
//
// The writer mutates a private tree and publishes a lazy copy-on-write clone after each batch;
// lookups read the published clone and never block.
type StreamHashIndex struct {
	hasher Hasher

	mu       sync.Mutex
	tree     *btree.BTreeG[IndexEntry]
	snapshot atomic.Pointer[btree.BTreeG[IndexEntry]]
}

func NewStreamHashIndex(hasher Hasher) *StreamHashIndex {
	if hasher == nil {
		hasher = XXHasher{}
	}
	idx := &StreamHashIndex{
		hasher: hasher,
		tree:   btree.NewG[IndexEntry](defaultDegree, entryLess),
	}
	idx.snapshot.Store(idx.tree.Clone())
	return idx
}

func (idx *StreamHashIndex) Hash(streamID string) uint64 {
	return idx.hasher.Hash(streamID)
}

// Add indexes a single record of streamID and publishes it to readers
func (idx *StreamHashIndex) Add(streamID string, eventNumber int64, pos persistence.Position) IndexEntry {
	entry := IndexEntry{Hash: idx.Hash(streamID), EventNumber: eventNumber, Position: pos}
	idx.AddEntries([]IndexEntry{entry})
	return entry
}

// AddEntries indexes a batch and publishes it to readers at once.
func (idx *StreamHashIndex) AddEntries(entries []IndexEntry) {
	if len(entries) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range entries {
		idx.tree.ReplaceOrInsert(e)
	}
	idx.snapshot.Store(idx.tree.Clone())
}

// LookupRange returns the candidates of streamID's bucket whose recorded event number is within [from, to].
// Candidates may belong to a colliding stream and must be verified before use.
func (idx *StreamHashIndex) LookupRange(streamID string, from, to int64) []IndexEntry {
	hash := idx.Hash(streamID)
	result := make([]IndexEntry, 0)
	if from > to {
		return result
	}
	pivot := IndexEntry{Hash: hash, EventNumber: from, Position: persistence.NewPosition(math.MinInt64, math.MinInt64)}
	idx.snapshot.Load().AscendGreaterOrEqual(pivot, func(e IndexEntry) bool {
		if e.Hash != hash || e.EventNumber > to {
			return false
		}
		result = append(result, e)
		return true
	})
	return result
}

// LookupLast returns the entry with the highest event number in streamID's bucket.
func (idx *StreamHashIndex) LookupLast(streamID string) (IndexEntry, bool) {
	var last IndexEntry
	found := false
	idx.DescendBucket(streamID, func(e IndexEntry) bool {
		last = e
		found = true
		return false
	})
	return last, found
}

// DescendBucket visits the entries of streamID's bucket from the highest event number down
// until fn returns false.
func (idx *StreamHashIndex) DescendBucket(streamID string, fn func(e IndexEntry) bool) {
	hash := idx.Hash(streamID)
	pivot := IndexEntry{Hash: hash, EventNumber: math.MaxInt64, Position: persistence.NewPosition(math.MaxInt64, math.MaxInt64)}
	idx.snapshot.Load().DescendLessOrEqual(pivot, func(e IndexEntry) bool {
		if e.Hash != hash {
			return false
		}
		return fn(e)
	})
}

// Len returns the number of published entries
func (idx *StreamHashIndex) Len() int {
	return idx.snapshot.Load().Len()
}
