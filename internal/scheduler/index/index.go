package index

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/livinlefevreloca/deferral/internal/db"
)

// ItemIndex is a time-ordered index of scheduled items keyed by their
// millisecond timestamp. It uses an atomic pointer for lock-free concurrent
// reads; writers publish a fresh slice with compare-and-swap.
type ItemIndex struct {
	items atomic.Pointer[[]db.Item]
}

// NewItemIndex creates a new index from the given items.
// The input slice is copied and sorted, so the caller can safely reuse it.
func NewItemIndex(items []db.Item) *ItemIndex {
	idx := &ItemIndex{}
	idx.Swap(items)
	return idx
}

// Query returns all items in the window [start, end), oldest first.
func (idx *ItemIndex) Query(start, end int64) []db.Item {
	items := idx.items.Load()
	if items == nil || len(*items) == 0 {
		return nil
	}

	slice := *items
	startIdx := sort.Search(len(slice), func(i int) bool {
		return slice[i].TimeStamp >= start
	})

	results := []db.Item{}
	for i := startIdx; i < len(slice) && slice[i].TimeStamp < end; i++ {
		results = append(results, slice[i])
	}

	return results
}

// Due returns every item scheduled at or before now, oldest first.
func (idx *ItemIndex) Due(now int64) []db.Item {
	items := idx.items.Load()
	if items == nil || len(*items) == 0 {
		return nil
	}

	slice := *items
	end := sort.Search(len(slice), func(i int) bool {
		return slice[i].TimeStamp > now
	})
	if end == 0 {
		return nil
	}

	results := make([]db.Item, end)
	copy(results, slice[:end])
	return results
}

// Len returns the number of items in the index.
func (idx *ItemIndex) Len() int {
	items := idx.items.Load()
	if items == nil {
		return 0
	}
	return len(*items)
}

// Swap atomically replaces the index contents.
// When two items share a timestamp the later one in the input wins.
func (idx *ItemIndex) Swap(items []db.Item) {
	sorted := normalize(items)
	idx.items.Store(&sorted)
}

// Insert adds or replaces the item at item.TimeStamp.
func (idx *ItemIndex) Insert(item db.Item) {
	idx.update(func(slice []db.Item) []db.Item {
		pos := sort.Search(len(slice), func(i int) bool {
			return slice[i].TimeStamp >= item.TimeStamp
		})

		if pos < len(slice) && slice[pos].TimeStamp == item.TimeStamp {
			next := make([]db.Item, len(slice))
			copy(next, slice)
			next[pos] = item
			return next
		}

		next := make([]db.Item, 0, len(slice)+1)
		next = append(next, slice[:pos]...)
		next = append(next, item)
		next = append(next, slice[pos:]...)
		return next
	})
}

// Remove drops the item at timeStamp. It reports whether an item was removed.
func (idx *ItemIndex) Remove(timeStamp int64) bool {
	removed := false
	idx.update(func(slice []db.Item) []db.Item {
		pos := sort.Search(len(slice), func(i int) bool {
			return slice[i].TimeStamp >= timeStamp
		})

		if pos >= len(slice) || slice[pos].TimeStamp != timeStamp {
			removed = false
			return nil
		}

		removed = true
		next := make([]db.Item, 0, len(slice)-1)
		next = append(next, slice[:pos]...)
		next = append(next, slice[pos+1:]...)
		return next
	})
	return removed
}

// Rebuild loads a fresh snapshot and publishes it only if no insert or
// remove happened while loading. A concurrent change forces another load,
// up to attempts times.
func (idx *ItemIndex) Rebuild(load func() ([]db.Item, error), attempts int) error {
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		before := idx.items.Load()

		items, err := load()
		if err != nil {
			return err
		}

		sorted := normalize(items)
		if idx.items.CompareAndSwap(before, &sorted) {
			return nil
		}
	}

	return fmt.Errorf("index changed during %d rebuild attempts", attempts)
}

// update applies fn copy-on-write. A nil result from fn means no change.
func (idx *ItemIndex) update(fn func([]db.Item) []db.Item) {
	for {
		current := idx.items.Load()

		var slice []db.Item
		if current != nil {
			slice = *current
		}

		next := fn(slice)
		if next == nil {
			return
		}

		if idx.items.CompareAndSwap(current, &next) {
			return
		}
	}
}

// normalize copies, sorts by timestamp and collapses duplicate keys
func normalize(items []db.Item) []db.Item {
	sorted := make([]db.Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeStamp < sorted[j].TimeStamp
	})

	out := sorted[:0]
	for _, item := range sorted {
		if n := len(out); n > 0 && out[n-1].TimeStamp == item.TimeStamp {
			out[n-1] = item
			continue
		}
		out = append(out, item)
	}
	return out
}
