package store

import (
	"sort"
	"time"

	"billsync/backend/internal/domain"
)

// DiffState remembers the documents a subscription last delivered.
type DiffState map[string]time.Time

// Diff compares items against the previously delivered state. A nil prev
// means the first snapshot, where every item is reported as added.
func Diff[T domain.Document](prev DiffState, items []T) ([]domain.Change, DiffState) {
	next := make(DiffState, len(items))
	changes := make([]domain.Change, 0)
	for _, item := range items {
		id := item.DocID()
		updated := item.LastUpdated()
		next[id] = updated
		before, ok := prev[id]
		switch {
		case !ok:
			changes = append(changes, domain.Change{Type: domain.ChangeAdded, ID: id})
		case !before.Equal(updated):
			changes = append(changes, domain.Change{Type: domain.ChangeModified, ID: id})
		}
	}
	removed := make([]string, 0)
	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, domain.Change{Type: domain.ChangeRemoved, ID: id})
	}
	return changes, next
}
