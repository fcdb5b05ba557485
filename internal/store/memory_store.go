package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kanban/api/internal/orderkey"
	"kanban/api/internal/util"
)

// MemoryStore is the in-process store used when no database is configured.
// It keeps the same version and uniqueness rules as SQLStore.
type MemoryStore struct {
	mu       sync.Mutex
	boards   map[string]Board
	members  map[string]map[string]string
	items    map[Kind]map[string]Item
	versions map[Sequence]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		boards:   map[string]Board{},
		members:  map[string]map[string]string{},
		items:    map[Kind]map[string]Item{KindCard: {}, KindTask: {}},
		versions: map[Sequence]int64{},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) sorted(seq Sequence) []Item {
	items := []Item{}
	for _, item := range s.items[seq.Kind] {
		if item.ParentID == seq.ParentID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].OrderKey != items[j].OrderKey {
			return items[i].OrderKey < items[j].OrderKey
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (s *MemoryStore) keyTaken(seq Sequence, key orderkey.Key, except string) bool {
	for id, item := range s.items[seq.Kind] {
		if id != except && item.ParentID == seq.ParentID && item.OrderKey == key {
			return true
		}
	}
	return false
}

func (s *MemoryStore) boardOf(seq Sequence) (string, error) {
	switch seq.Kind {
	case KindCard:
		if _, ok := s.boards[seq.ParentID]; !ok {
			return "", ErrNotFound
		}
		return seq.ParentID, nil
	case KindTask:
		card, ok := s.items[KindCard][seq.ParentID]
		if !ok {
			return "", ErrNotFound
		}
		return card.BoardID, nil
	default:
		return "", fmt.Errorf("unknown item kind %q", seq.Kind)
	}
}

func (s *MemoryStore) ListOrdered(_ context.Context, seq Sequence) (Snapshot, error) {
	if !seq.Kind.Valid() {
		return Snapshot{}, fmt.Errorf("unknown item kind %q", seq.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Sequence: seq, Version: s.versions[seq], Items: s.sorted(seq)}, nil
}

func (s *MemoryStore) Neighbors(ctx context.Context, seq Sequence, itemID string) (prev, next *orderkey.Key, err error) {
	snap, err := s.ListOrdered(ctx, seq)
	if err != nil {
		return nil, nil, err
	}
	prev, next, ok := snap.Neighbors(itemID)
	if !ok {
		return nil, nil, ErrNotFound
	}
	return prev, next, nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[kind][id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) Append(_ context.Context, seq Sequence, item Item, gap orderkey.Key) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boardID, err := s.boardOf(seq)
	if err != nil {
		return Item{}, err
	}
	if item.ID == "" {
		item.ID = util.NewID(string(seq.Kind))
	}
	if _, exists := s.items[seq.Kind][item.ID]; exists {
		return Item{}, ErrStale
	}
	if seq.Kind == KindTask && item.Status == "" {
		item.Status = DefaultTaskStatus
	}
	var tail *orderkey.Key
	if items := s.sorted(seq); len(items) > 0 {
		tail = orderkey.Ptr(items[len(items)-1].OrderKey)
	}
	key, err := orderkey.Between(tail, nil, gap)
	if err != nil {
		return Item{}, err
	}

	item.Kind = seq.Kind
	item.BoardID = boardID
	item.ParentID = seq.ParentID
	item.OrderKey = key
	item.CreatedAt = now()
	item.UpdatedAt = item.CreatedAt
	s.items[seq.Kind][item.ID] = item
	s.versions[seq]++
	return item, nil
}

func (s *MemoryStore) Reposition(_ context.Context, seq Sequence, itemID string, key orderkey.Key, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.versions[seq] != expectVersion {
		return ErrStale
	}
	item, ok := s.items[seq.Kind][itemID]
	if !ok || item.ParentID != seq.ParentID {
		return ErrNotFound
	}
	if s.keyTaken(seq, key, itemID) {
		return ErrStale
	}
	item.OrderKey = key
	item.UpdatedAt = now()
	s.items[seq.Kind][itemID] = item
	s.versions[seq]++
	return nil
}

func (s *MemoryStore) Move(ctx context.Context, from Sequence, fromVersion int64, to Sequence, toVersion int64, itemID string, key orderkey.Key) error {
	if from.Kind != KindTask || to.Kind != KindTask {
		return fmt.Errorf("only tasks move between parents, got %s -> %s", from.Kind, to.Kind)
	}
	if from == to {
		return s.Reposition(ctx, to, itemID, key, toVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	boardID, err := s.boardOf(to)
	if err != nil {
		return err
	}
	if s.versions[from] != fromVersion || s.versions[to] != toVersion {
		return ErrStale
	}
	item, ok := s.items[KindTask][itemID]
	if !ok || item.ParentID != from.ParentID {
		return ErrNotFound
	}
	if s.keyTaken(to, key, itemID) {
		return ErrStale
	}
	item.ParentID = to.ParentID
	item.BoardID = boardID
	item.OrderKey = key
	item.UpdatedAt = now()
	s.items[KindTask][itemID] = item
	s.versions[from]++
	s.versions[to]++
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, seq Sequence, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[seq.Kind][itemID]
	if !ok || item.ParentID != seq.ParentID {
		return ErrNotFound
	}
	delete(s.items[seq.Kind], itemID)
	if seq.Kind == KindCard {
		s.dropTasks(itemID)
	}
	s.versions[seq]++
	return nil
}

func (s *MemoryStore) dropTasks(cardID string) {
	for id, task := range s.items[KindTask] {
		if task.ParentID == cardID {
			delete(s.items[KindTask], id)
		}
	}
	delete(s.versions, Tasks(cardID))
}

func (s *MemoryStore) UpdateContent(_ context.Context, kind Kind, id, name, description, status string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[kind][id]
	if !ok {
		return Item{}, ErrNotFound
	}
	item.Name = name
	item.Description = description
	if kind == KindTask {
		if status == "" {
			status = DefaultTaskStatus
		}
		item.Status = status
	}
	item.UpdatedAt = now()
	s.items[kind][id] = item
	return item, nil
}

func (s *MemoryStore) Rebalance(_ context.Context, seq Sequence, gap orderkey.Key) (Snapshot, error) {
	if !(gap > 0) {
		return Snapshot{}, orderkey.ErrInvertedBounds
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.sorted(seq) {
		item.OrderKey = gap * orderkey.Key(i+1)
		s.items[seq.Kind][item.ID] = item
	}
	s.versions[seq]++
	return Snapshot{Sequence: seq, Version: s.versions[seq], Items: s.sorted(seq)}, nil
}

func (s *MemoryStore) CreateBoard(_ context.Context, board Board) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if board.ID == "" {
		board.ID = util.NewID("board")
	}
	if _, exists := s.boards[board.ID]; exists {
		return Board{}, fmt.Errorf("board %s already exists", board.ID)
	}
	board.CreatedAt = now()
	s.boards[board.ID] = board
	s.members[board.ID] = map[string]string{board.Owner: RoleOwner}
	return board, nil
}

func (s *MemoryStore) GetBoard(_ context.Context, id string) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	board, ok := s.boards[id]
	if !ok {
		return Board{}, ErrNotFound
	}
	return board, nil
}

func (s *MemoryStore) ListBoardsForMember(_ context.Context, member string) ([]Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	boards := []Board{}
	for id, members := range s.members {
		if _, ok := members[member]; ok {
			boards = append(boards, s.boards[id])
		}
	}
	sort.Slice(boards, func(i, j int) bool {
		if !boards[i].CreatedAt.Equal(boards[j].CreatedAt) {
			return boards[i].CreatedAt.Before(boards[j].CreatedAt)
		}
		return boards[i].ID < boards[j].ID
	})
	return boards, nil
}

func (s *MemoryStore) UpdateBoard(_ context.Context, id, name, description string) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.boards[id]
	if !ok {
		return Board{}, ErrNotFound
	}
	board.Name = name
	board.Description = description
	s.boards[id] = board
	return board, nil
}

func (s *MemoryStore) DeleteBoard(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards[id]; !ok {
		return ErrNotFound
	}
	for cardID, card := range s.items[KindCard] {
		if card.BoardID == id {
			s.dropTasks(cardID)
			delete(s.items[KindCard], cardID)
		}
	}
	delete(s.versions, Cards(id))
	delete(s.members, id)
	delete(s.boards, id)
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, boardID, member, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards[boardID]; !ok {
		return ErrNotFound
	}
	s.members[boardID][member] = role
	return nil
}

func (s *MemoryStore) MemberRole(_ context.Context, boardID, member string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.members[boardID][member]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, boardID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := []Member{}
	for member, role := range s.members[boardID] {
		members = append(members, Member{BoardID: boardID, Member: member, Role: role})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Member < members[j].Member })
	return members, nil
}
