package store

import (
	"context"
	"errors"
	"time"

	"kanban/api/internal/orderkey"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale is returned by conditional writes when the sequence changed
	// after the caller's snapshot was taken.
	ErrStale = errors.New("sequence changed since read")
)

// Kind names the two ordered collections a board holds.
type Kind string

const (
	KindCard Kind = "card"
	KindTask Kind = "task"
)

func (k Kind) Valid() bool {
	return k == KindCard || k == KindTask
}

// Sequence identifies one ordered collection: a board's cards or a card's tasks.
type Sequence struct {
	Kind     Kind
	ParentID string
}

func Cards(boardID string) Sequence { return Sequence{Kind: KindCard, ParentID: boardID} }

func Tasks(cardID string) Sequence { return Sequence{Kind: KindTask, ParentID: cardID} }

type Item struct {
	ID          string
	Kind        Kind
	BoardID     string
	ParentID    string
	OrderKey    orderkey.Key
	Name        string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Sequence returns the collection the item currently belongs to.
func (i Item) Sequence() Sequence {
	return Sequence{Kind: i.Kind, ParentID: i.ParentID}
}

type Board struct {
	ID          string
	Name        string
	Description string
	Owner       string
	CreatedAt   time.Time
}

type Member struct {
	BoardID string
	Member  string
	Role    string
}

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

const DefaultTaskStatus = "pending"

// BoardStore is implemented by SQLStore and MemoryStore.
type BoardStore interface {
	Ping(ctx context.Context) error
	ListOrdered(ctx context.Context, seq Sequence) (Snapshot, error)
	Neighbors(ctx context.Context, seq Sequence, itemID string) (prev, next *orderkey.Key, err error)
	Get(ctx context.Context, kind Kind, id string) (Item, error)
	Append(ctx context.Context, seq Sequence, item Item, gap orderkey.Key) (Item, error)
	Reposition(ctx context.Context, seq Sequence, itemID string, key orderkey.Key, expectVersion int64) error
	Move(ctx context.Context, from Sequence, fromVersion int64, to Sequence, toVersion int64, itemID string, key orderkey.Key) error
	Remove(ctx context.Context, seq Sequence, itemID string) error
	UpdateContent(ctx context.Context, kind Kind, id, name, description, status string) (Item, error)
	Rebalance(ctx context.Context, seq Sequence, gap orderkey.Key) (Snapshot, error)
	CreateBoard(ctx context.Context, board Board) (Board, error)
	GetBoard(ctx context.Context, id string) (Board, error)
	ListBoardsForMember(ctx context.Context, member string) ([]Board, error)
	UpdateBoard(ctx context.Context, id, name, description string) (Board, error)
	DeleteBoard(ctx context.Context, id string) error
	AddMember(ctx context.Context, boardID, member, role string) error
	MemberRole(ctx context.Context, boardID, member string) (string, error)
	ListMembers(ctx context.Context, boardID string) ([]Member, error)
}

var (
	_ BoardStore = (*SQLStore)(nil)
	_ BoardStore = (*MemoryStore)(nil)
)
