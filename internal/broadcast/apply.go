package broadcast

import "slices"

// ApplyMove repositions ev.ItemID inside ids the way the sender did: the item
// is found by id, taken out, and put back right after ev.PrecedingID (at the
// head when PrecedingID is empty). When the receiver does not know
// PrecedingID it falls back to ev.Index, clamped to the list. An unknown item
// leaves ids as they are; the next full load repairs it.
func ApplyMove(ids []string, ev Event) []string {
	at := slices.Index(ids, ev.ItemID)
	if at < 0 {
		return slices.Clone(ids)
	}
	rest := slices.Delete(slices.Clone(ids), at, at+1)
	return insertAfter(rest, ev.ItemID, ev.PrecedingID, ev.Index)
}

func insertAfter(ids []string, itemID, precedingID string, index int) []string {
	pos := 0
	if precedingID != "" {
		if p := slices.Index(ids, precedingID); p >= 0 {
			pos = p + 1
		} else {
			pos = min(max(index, 0), len(ids))
		}
	}
	return slices.Insert(ids, pos, itemID)
}

func remove(ids []string, id string) []string {
	if at := slices.Index(ids, id); at >= 0 {
		return slices.Delete(ids, at, at+1)
	}
	return ids
}

// LocalBoard is a receiver's copy of a board's order: card ids and, per
// card, task ids. Apply folds one event into it.
type LocalBoard struct {
	BoardID string
	Cards   []string
	Tasks   map[string][]string
}

func NewLocalBoard(boardID string) *LocalBoard {
	return &LocalBoard{BoardID: boardID, Tasks: map[string][]string{}}
}

// Apply reports whether the event belonged to this board.
func (b *LocalBoard) Apply(ev Event) bool {
	if ev.BoardID != b.BoardID {
		return false
	}
	switch ev.Type {
	case CardCreated:
		if !slices.Contains(b.Cards, ev.ItemID) {
			b.Cards = append(b.Cards, ev.ItemID)
		}
	case CardDeleted:
		b.Cards = remove(b.Cards, ev.ItemID)
		delete(b.Tasks, ev.ItemID)
	case CardMoved:
		b.Cards = ApplyMove(b.Cards, ev)
	case TaskCreated:
		if !slices.Contains(b.Tasks[ev.ParentID], ev.ItemID) {
			b.Tasks[ev.ParentID] = append(b.Tasks[ev.ParentID], ev.ItemID)
		}
	case TaskDeleted:
		for card, tasks := range b.Tasks {
			b.Tasks[card] = remove(tasks, ev.ItemID)
		}
	case TaskMoved:
		if ev.OldParentID == "" || ev.OldParentID == ev.ParentID {
			b.Tasks[ev.ParentID] = ApplyMove(b.Tasks[ev.ParentID], ev)
			break
		}
		for card, tasks := range b.Tasks {
			b.Tasks[card] = remove(tasks, ev.ItemID)
		}
		b.Tasks[ev.ParentID] = insertAfter(b.Tasks[ev.ParentID], ev.ItemID, ev.PrecedingID, ev.Index)
	case CardUpdated, TaskUpdated:
		// Content only; order is unchanged.
	}
	return true
}
