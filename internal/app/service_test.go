package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanban/api/internal/broadcast"
	"kanban/api/internal/config"
	"kanban/api/internal/reorder"
	"kanban/api/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
	err    error
	next   broadcast.Publisher
}

func (p *recordingPublisher) Publish(ctx context.Context, ev broadcast.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if p.next != nil {
		return p.next.Publish(ctx, ev)
	}
	return nil
}

func (p *recordingPublisher) Events() []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broadcast.Event(nil), p.events...)
}

type fixtureStore interface {
	dataStore
	reorder.Store
}

type fixture struct {
	cfg     config.Config
	service *Service
	server  *HTTPServer
	hub     *broadcast.Hub
	events  *recordingPublisher
	logs    *test.Hook
}

func newFixture() *fixture {
	return newFixtureWithStore(store.NewMemoryStore())
}

func newFixtureWithStore(st fixtureStore) *fixture {
	cfg := config.Defaults()
	logger, hook := test.NewNullLogger()
	hub := broadcast.NewHub(0, logger)
	events := &recordingPublisher{next: hub}
	svc := New(cfg, st, reorder.New(st, reorder.WithLogger(logger)), events, logger)
	return &fixture{
		cfg:     cfg,
		service: svc,
		server:  NewHTTPServer(svc, hub, cfg.CORSOrigin, logger),
		hub:     hub,
		events:  events,
		logs:    hook,
	}
}

func asMember(member string) Session {
	return Session{Member: member, Name: member, SessionID: "tab-" + member}
}

func (f *fixture) board(t *testing.T, owner string) string {
	t.Helper()
	board, err := f.service.CreateBoard(context.Background(), asMember(owner), "Roadmap", "")
	require.NoError(t, err)
	return board["id"].(string)
}

func (f *fixture) cards(t *testing.T, owner, boardID string, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		card, err := f.service.CreateCard(context.Background(), asMember(owner), boardID, CardInput{Name: name})
		require.NoError(t, err)
		ids = append(ids, card["id"].(string))
	}
	return ids
}

func (f *fixture) tasks(t *testing.T, owner, boardID, cardID string, names ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(names))
	for _, name := range names {
		task, err := f.service.CreateTask(context.Background(), asMember(owner), boardID, cardID, TaskInput{Name: name})
		require.NoError(t, err)
		ids = append(ids, task["id"].(string))
	}
	return ids
}

func viewNames(items []map[string]any) []string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item["name"].(string))
	}
	return names
}

func requireDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, status, domainErr.Status)
}

func TestCreateCardPublishesWithOrigin(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	ids := f.cards(t, "ada", boardID, "Todo")

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.CardCreated, events[0].Type)
	assert.Equal(t, boardID, events[0].BoardID)
	assert.Equal(t, "tab-ada", events[0].Origin)
	assert.Equal(t, ids[0], events[0].ItemID)
	assert.Contains(t, string(events[0].Payload), `"name":"Todo"`)
}

func TestViewsDoNotExposeOrderKeys(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	f.cards(t, "ada", boardID, "Todo")

	cards, err := f.service.ListCards(context.Background(), asMember("ada"), boardID)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.NotContains(t, cards[0], "orderKey")
	assert.NotContains(t, cards[0], "key")
}

func TestMoveCardBetweenNeighbours(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	ids := f.cards(t, "ada", boardID, "Todo", "Doing", "Done")

	moved, err := f.service.MoveCard(ctx, asMember("ada"), boardID, ids[2], MoveInput{BeforeID: ids[0], AfterID: ids[1]})
	require.NoError(t, err)
	assert.Equal(t, true, moved["changed"])
	assert.Equal(t, 1, moved["index"])

	cards, err := f.service.ListCards(ctx, asMember("ada"), boardID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Todo", "Done", "Doing"}, viewNames(cards))

	events := f.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, broadcast.CardMoved, last.Type)
	assert.Equal(t, ids[2], last.ItemID)
	assert.Equal(t, ids[0], last.PrecedingID)
	assert.Equal(t, 1, last.Index)
}

func TestMoveWithoutNeighboursIsNoop(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	ids := f.cards(t, "ada", boardID, "Todo", "Doing")
	published := len(f.events.Events())

	moved, err := f.service.MoveCard(context.Background(), asMember("ada"), boardID, ids[1], MoveInput{})
	require.NoError(t, err)
	assert.Equal(t, false, moved["changed"])
	assert.Equal(t, 1, moved["index"])
	assert.Len(t, f.events.Events(), published)
}

func TestMoveTaskOntoEmptyCard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo", "Done")
	todo := f.tasks(t, "ada", boardID, cards[0], "write", "review")

	moved, err := f.service.MoveTask(ctx, asMember("ada"), boardID, cards[0], todo[1], MoveInput{NewCardID: cards[1]})
	require.NoError(t, err)
	assert.Equal(t, true, moved["changed"])
	assert.Equal(t, cards[1], moved["cardId"])
	assert.Equal(t, 0, moved["index"])

	right, err := f.service.ListTasks(ctx, asMember("ada"), boardID, cards[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"review"}, viewNames(right))

	events := f.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, broadcast.TaskMoved, last.Type)
	assert.Equal(t, cards[0], last.OldParentID)
	assert.Equal(t, cards[1], last.ParentID)
	assert.Equal(t, 0, last.Index)

	// Done now holds a task, so a second drop without neighbours is stale.
	_, err = f.service.MoveTask(ctx, asMember("ada"), boardID, cards[0], todo[0], MoveInput{NewCardID: cards[1]})
	assert.ErrorIs(t, err, reorder.ErrConflict)
}

func TestMoveCardRejectsInconsistentRequests(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	ids := f.cards(t, "ada", boardID, "Todo", "Doing", "Done")

	_, err := f.service.MoveCard(ctx, asMember("ada"), boardID, ids[0], MoveInput{BeforeID: ids[0]})
	assert.ErrorIs(t, err, reorder.ErrPreconditionFailed)

	_, err = f.service.MoveCard(ctx, asMember("ada"), boardID, ids[0], MoveInput{BeforeID: ids[2], AfterID: ids[1]})
	assert.ErrorIs(t, err, reorder.ErrPreconditionFailed)

	_, err = f.service.MoveCard(ctx, asMember("ada"), boardID, ids[0], MoveInput{BeforeID: "card_gone"})
	assert.ErrorIs(t, err, reorder.ErrNotFound)
}

func TestMoveTaskAcrossCards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo", "Done")
	todo := f.tasks(t, "ada", boardID, cards[0], "write", "review")
	done := f.tasks(t, "ada", boardID, cards[1], "ship")

	moved, err := f.service.MoveTask(ctx, asMember("ada"), boardID, cards[0], todo[1], MoveInput{NewCardID: cards[1], AfterID: done[0]})
	require.NoError(t, err)
	assert.Equal(t, cards[1], moved["cardId"])
	assert.Equal(t, 0, moved["index"])

	left, err := f.service.ListTasks(ctx, asMember("ada"), boardID, cards[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"write"}, viewNames(left))
	right, err := f.service.ListTasks(ctx, asMember("ada"), boardID, cards[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"review", "ship"}, viewNames(right))

	events := f.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, broadcast.TaskMoved, last.Type)
	assert.Equal(t, cards[0], last.OldParentID)
	assert.Equal(t, cards[1], last.ParentID)
	assert.Empty(t, last.PrecedingID)
}

func TestMoveTaskToCardOnAnotherBoard(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.board(t, "ada")
	second := f.board(t, "ada")
	source := f.cards(t, "ada", first, "Todo")
	foreign := f.cards(t, "ada", second, "Elsewhere")
	tasks := f.tasks(t, "ada", first, source[0], "write")

	_, err := f.service.MoveTask(ctx, asMember("ada"), first, source[0], tasks[0], MoveInput{NewCardID: foreign[0]})
	requireDomainStatus(t, err, http.StatusNotFound)

	left, err := f.service.ListTasks(ctx, asMember("ada"), first, source[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"write"}, viewNames(left))
}

func TestTaskStatusDefaultsToPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo")

	task, err := f.service.CreateTask(ctx, asMember("ada"), boardID, cards[0], TaskInput{Name: "write"})
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTaskStatus, task["status"])

	updated, err := f.service.UpdateTask(ctx, asMember("ada"), boardID, cards[0], task["id"].(string), TaskInput{Name: "write", Status: "done"})
	require.NoError(t, err)
	assert.Equal(t, "done", updated["status"])
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture()
	boardID := f.board(t, "ada")
	f.events.err = errors.New("redis down")

	_, err := f.service.CreateCard(context.Background(), asMember("ada"), boardID, CardInput{Name: "Todo"})
	require.NoError(t, err)

	entry := f.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "broadcast failed", entry.Message)
}

func TestMembershipGatesBoards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")

	_, err := f.service.GetBoard(ctx, asMember("grace"), boardID)
	requireDomainStatus(t, err, http.StatusNotFound)

	_, err = f.service.AddMember(ctx, asMember("ada"), boardID, "grace")
	require.NoError(t, err)

	board, err := f.service.GetBoard(ctx, asMember("grace"), boardID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", board["name"])

	_, err = f.service.CreateCard(ctx, asMember("grace"), boardID, CardInput{Name: "Todo"})
	require.NoError(t, err)

	err = f.service.DeleteBoard(ctx, asMember("grace"), boardID)
	requireDomainStatus(t, err, http.StatusForbidden)

	_, err = f.service.AddMember(ctx, asMember("ada"), boardID, "ada")
	requireDomainStatus(t, err, http.StatusConflict)
}

func TestGetBoardNestsOrderedTasks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo", "Done")
	tasks := f.tasks(t, "ada", boardID, cards[0], "a", "b", "c")

	_, err := f.service.MoveTask(ctx, asMember("ada"), boardID, cards[0], tasks[2], MoveInput{AfterID: tasks[0]})
	require.NoError(t, err)

	board, err := f.service.GetBoard(ctx, asMember("ada"), boardID)
	require.NoError(t, err)
	nested := board["cards"].([]map[string]any)
	require.Len(t, nested, 2)
	assert.Equal(t, []string{"c", "a", "b"}, viewNames(nested[0]["tasks"].([]map[string]any)))
	assert.Empty(t, nested[1]["tasks"])
}

func TestRebalanceKeepsOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	ids := f.cards(t, "ada", boardID, "a", "b", "c")
	_, err := f.service.MoveCard(ctx, asMember("ada"), boardID, ids[2], MoveInput{BeforeID: ids[0], AfterID: ids[1]})
	require.NoError(t, err)

	snap, err := f.service.Rebalance(ctx, boardID, "")
	require.NoError(t, err)
	require.Len(t, snap.Items, 3)
	assert.Equal(t, []string{ids[0], ids[2], ids[1]}, snap.IDs())
	for i, item := range snap.Items {
		assert.Equal(t, float64(1000*(i+1)), float64(item.OrderKey))
	}

	_, err = f.service.Rebalance(ctx, "board_missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteCardPublishesAndDropsTasks(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	boardID := f.board(t, "ada")
	cards := f.cards(t, "ada", boardID, "Todo")
	tasks := f.tasks(t, "ada", boardID, cards[0], "write")

	require.NoError(t, f.service.DeleteCard(ctx, asMember("ada"), boardID, cards[0]))

	_, err := f.service.GetTask(ctx, asMember("ada"), boardID, cards[0], tasks[0])
	requireDomainStatus(t, err, http.StatusNotFound)

	events := f.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, broadcast.CardDeleted, last.Type)
	assert.Equal(t, cards[0], last.ItemID)
}
