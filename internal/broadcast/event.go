// Package broadcast tells the other viewers of a board what changed so their
// local copies converge without a full refetch. Delivery is at-most-once;
// a client that misses an event recovers by reloading the board.
package broadcast

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

const (
	CardCreated EventType = "create card"
	CardUpdated EventType = "update card"
	CardDeleted EventType = "delete card"
	CardMoved   EventType = "move card"
	TaskCreated EventType = "create task"
	TaskUpdated EventType = "update task"
	TaskDeleted EventType = "delete task"
	TaskMoved   EventType = "move task"
)

// Event is one change on a board. Moves name the item that now precedes the
// moved item; Index is the position the server computed and is only a
// fallback for receivers that do not know PrecedingID.
type Event struct {
	Type        EventType              `json:"type"`
	BoardID     string                 `json:"boardId"`
	Origin      string                 `json:"origin,omitempty"`
	ItemID      string                 `json:"itemId"`
	ParentID    string                 `json:"parentId,omitempty"`
	OldParentID string                 `json:"oldParentId,omitempty"`
	PrecedingID string                 `json:"precedingId,omitempty"`
	Index       int                    `json:"index"`
	Payload     sonic.NoCopyRawMessage `json:"payload,omitempty"`
}

// Publisher hands an event to every other session watching the board.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func Encode(ev Event) ([]byte, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Event, error) {
	var ev Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.BoardID == "" || ev.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type or board")
	}
	return ev, nil
}

// WithPayload attaches v, encoded as JSON, to the event.
func (e Event) WithPayload(v any) (Event, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return e, fmt.Errorf("encode payload: %w", err)
	}
	e.Payload = data
	return e, nil
}
