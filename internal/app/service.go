package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"kanban/api/internal/auth"
	"kanban/api/internal/broadcast"
	"kanban/api/internal/config"
	"kanban/api/internal/orderkey"
	"kanban/api/internal/rbac"
	"kanban/api/internal/reorder"
	"kanban/api/internal/store"
)

// Session is the caller of one request. SessionID identifies the browser tab
// so broadcasts skip the tab that made the change.
type Session struct {
	Member    string
	Name      string
	SessionID string
	ExpiresAt time.Time
}

type CardInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type TaskInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// MoveInput names the items the moved item should end up between. NewCardID
// is only meaningful for tasks.
type MoveInput struct {
	NewCardID string `json:"newCardId"`
	BeforeID  string `json:"beforeId"`
	AfterID   string `json:"afterId"`
}

type dataStore interface {
	Ping(context.Context) error
	ListOrdered(context.Context, store.Sequence) (store.Snapshot, error)
	Get(context.Context, store.Kind, string) (store.Item, error)
	Append(context.Context, store.Sequence, store.Item, orderkey.Key) (store.Item, error)
	Remove(context.Context, store.Sequence, string) error
	UpdateContent(context.Context, store.Kind, string, string, string, string) (store.Item, error)
	Rebalance(context.Context, store.Sequence, orderkey.Key) (store.Snapshot, error)
	CreateBoard(context.Context, store.Board) (store.Board, error)
	GetBoard(context.Context, string) (store.Board, error)
	ListBoardsForMember(context.Context, string) ([]store.Board, error)
	UpdateBoard(context.Context, string, string, string) (store.Board, error)
	DeleteBoard(context.Context, string) error
	AddMember(context.Context, string, string, string) error
	MemberRole(context.Context, string, string) (string, error)
	ListMembers(context.Context, string) ([]store.Member, error)
}

type mover interface {
	Move(context.Context, reorder.MoveRequest) (reorder.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	mover    mover
	events   broadcast.Publisher
	verifier *auth.Verifier
	logger   *log.Logger
}

// New checks bearer tokens against the configured shared secret.
func New(cfg config.Config, dataStore dataStore, reconciler mover, events broadcast.Publisher, logger *log.Logger) *Service {
	return NewWithVerifier(cfg, dataStore, reconciler, events, auth.NewSecretVerifier([]byte(cfg.JWTSecret)), logger)
}

func NewWithVerifier(cfg config.Config, dataStore dataStore, reconciler mover, events broadcast.Publisher, verifier *auth.Verifier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		mover:    reconciler,
		events:   events,
		verifier: verifier,
		logger:   logger,
	}
}

func (s *Service) gap() orderkey.Key {
	if s.cfg.OrderGap > 0 {
		return orderkey.Key(s.cfg.OrderGap)
	}
	return orderkey.DefaultGap
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(token, sessionID string) (Session, error) {
	claims, err := s.verifier.Parse(token)
	if err != nil {
		return Session{}, err
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Session{
		Member:    claims.Subject,
		Name:      name,
		SessionID: sessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// authorize loads the board and checks the caller's role on it. Boards the
// caller cannot see at all answer 404 rather than 403.
func (s *Service) authorize(ctx context.Context, session Session, boardID string, action rbac.Action) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, err
	}
	role, err := s.store.MemberRole(ctx, boardID, session.Member)
	if errors.Is(err, store.ErrNotFound) {
		return store.Board{}, notFound("Board")
	}
	if err != nil {
		return store.Board{}, err
	}
	if !rbac.Can(rbac.Normalize(role), action) {
		return store.Board{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
	}
	return board, nil
}

// Authorize is the read check used by the event stream.
func (s *Service) Authorize(ctx context.Context, session Session, boardID string) error {
	_, err := s.authorize(ctx, session, boardID, rbac.ActionRead)
	return err
}

func (s *Service) publish(ctx context.Context, ev broadcast.Event, payload any) {
	if payload != nil {
		withPayload, err := ev.WithPayload(payload)
		if err != nil {
			s.logger.WithError(err).Warn("encode broadcast payload")
		} else {
			ev = withPayload
		}
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"board_id": ev.BoardID,
			"event":    ev.Type,
			"item_id":  ev.ItemID,
		}).Warn("broadcast failed")
	}
}

// =============================================================================
// Boards
// =============================================================================

func (s *Service) CreateBoard(ctx context.Context, session Session, name, description string) (map[string]any, error) {
	boardName, err := requiredName(name)
	if err != nil {
		return nil, err
	}
	board, err := s.store.CreateBoard(ctx, store.Board{
		Name:        boardName,
		Description: strings.TrimSpace(description),
		Owner:       session.Member,
	})
	if err != nil {
		return nil, err
	}
	return boardView(board), nil
}

func (s *Service) ListBoards(ctx context.Context, session Session) ([]map[string]any, error) {
	boards, err := s.store.ListBoardsForMember(ctx, session.Member)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(boards))
	for _, board := range boards {
		items = append(items, boardView(board))
	}
	return items, nil
}

// GetBoard returns the board with its cards and their tasks in order: the
// full reload a client falls back to after missing events.
func (s *Service) GetBoard(ctx context.Context, session Session, boardID string) (map[string]any, error) {
	board, err := s.authorize(ctx, session, boardID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	cards, err := s.store.ListOrdered(ctx, store.Cards(boardID))
	if err != nil {
		return nil, err
	}
	cardViews := make([]map[string]any, 0, len(cards.Items))
	for _, card := range cards.Items {
		tasks, err := s.store.ListOrdered(ctx, store.Tasks(card.ID))
		if err != nil {
			return nil, err
		}
		view := cardView(card)
		view["tasks"] = taskViews(tasks)
		cardViews = append(cardViews, view)
	}
	view := boardView(board)
	view["cards"] = cardViews
	return view, nil
}

func (s *Service) UpdateBoard(ctx context.Context, session Session, boardID, name, description string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionManage); err != nil {
		return nil, err
	}
	boardName, err := requiredName(name)
	if err != nil {
		return nil, err
	}
	board, err := s.store.UpdateBoard(ctx, boardID, boardName, strings.TrimSpace(description))
	if err != nil {
		return nil, err
	}
	return boardView(board), nil
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionManage); err != nil {
		return err
	}
	return s.store.DeleteBoard(ctx, boardID)
}

func (s *Service) AddMember(ctx context.Context, session Session, boardID, member string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionManage); err != nil {
		return nil, err
	}
	member = strings.TrimSpace(member)
	if member == "" {
		return nil, invalid("member is required")
	}
	if role, err := s.store.MemberRole(ctx, boardID, member); err == nil && role == store.RoleOwner {
		return nil, domainError(http.StatusConflict, "ALREADY_OWNER", "Member already owns this board", nil)
	}
	if err := s.store.AddMember(ctx, boardID, member, store.RoleMember); err != nil {
		return nil, err
	}
	return s.ListMembers(ctx, session, boardID)
}

func (s *Service) ListMembers(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, boardID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, map[string]any{"member": m.Member, "role": m.Role})
	}
	return items, nil
}

// =============================================================================
// Cards
// =============================================================================

func (s *Service) card(ctx context.Context, boardID, cardID string) (store.Item, error) {
	card, err := s.store.Get(ctx, store.KindCard, cardID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && card.BoardID != boardID) {
		return store.Item{}, notFound("Card")
	}
	return card, err
}

func (s *Service) ListCards(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	snap, err := s.store.ListOrdered(ctx, store.Cards(boardID))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snap.Items))
	for _, card := range snap.Items {
		items = append(items, cardView(card))
	}
	return items, nil
}

func (s *Service) CreateCard(ctx context.Context, session Session, boardID string, input CardInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name, err := requiredName(input.Name)
	if err != nil {
		return nil, err
	}
	card, err := s.store.Append(ctx, store.Cards(boardID), store.Item{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
	}, s.gap())
	if err != nil {
		return nil, err
	}
	view := cardView(card)
	s.publish(ctx, broadcast.Event{
		Type:     broadcast.CardCreated,
		BoardID:  boardID,
		Origin:   session.SessionID,
		ItemID:   card.ID,
		ParentID: boardID,
	}, view)
	return view, nil
}

func (s *Service) GetCard(ctx context.Context, session Session, boardID, cardID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	card, err := s.card(ctx, boardID, cardID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListOrdered(ctx, store.Tasks(cardID))
	if err != nil {
		return nil, err
	}
	view := cardView(card)
	view["tasks"] = taskViews(tasks)
	return view, nil
}

func (s *Service) UpdateCard(ctx context.Context, session Session, boardID, cardID string, input CardInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, err := s.card(ctx, boardID, cardID); err != nil {
		return nil, err
	}
	name, err := requiredName(input.Name)
	if err != nil {
		return nil, err
	}
	card, err := s.store.UpdateContent(ctx, store.KindCard, cardID, name, strings.TrimSpace(input.Description), "")
	if err != nil {
		return nil, err
	}
	view := cardView(card)
	s.publish(ctx, broadcast.Event{
		Type:     broadcast.CardUpdated,
		BoardID:  boardID,
		Origin:   session.SessionID,
		ItemID:   cardID,
		ParentID: boardID,
	}, view)
	return view, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, boardID, cardID string) error {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return err
	}
	if _, err := s.card(ctx, boardID, cardID); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, store.Cards(boardID), cardID); err != nil {
		return err
	}
	s.publish(ctx, broadcast.Event{
		Type:     broadcast.CardDeleted,
		BoardID:  boardID,
		Origin:   session.SessionID,
		ItemID:   cardID,
		ParentID: boardID,
	}, nil)
	return nil
}

// MoveCard repositions a card within its board.
func (s *Service) MoveCard(ctx context.Context, session Session, boardID, cardID string, input MoveInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, err := s.card(ctx, boardID, cardID); err != nil {
		return nil, err
	}
	res, err := s.mover.Move(ctx, reorder.MoveRequest{
		Kind:           store.KindCard,
		ItemID:         cardID,
		SourceParentID: boardID,
		BeforeID:       strings.TrimSpace(input.BeforeID),
		AfterID:        strings.TrimSpace(input.AfterID),
	})
	if err != nil {
		return nil, err
	}
	card, err := s.card(ctx, boardID, cardID)
	if err != nil {
		return nil, err
	}
	view := cardView(card)
	view["index"] = res.Index
	view["changed"] = res.Changed
	if res.Changed {
		s.publish(ctx, broadcast.Event{
			Type:        broadcast.CardMoved,
			BoardID:     boardID,
			Origin:      session.SessionID,
			ItemID:      cardID,
			ParentID:    boardID,
			PrecedingID: res.BeforeID,
			Index:       res.Index,
		}, nil)
	}
	return view, nil
}

// =============================================================================
// Tasks
// =============================================================================

func (s *Service) task(ctx context.Context, boardID, cardID, taskID string) (store.Item, error) {
	task, err := s.store.Get(ctx, store.KindTask, taskID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (task.BoardID != boardID || task.ParentID != cardID)) {
		return store.Item{}, notFound("Task")
	}
	return task, err
}

func (s *Service) ListTasks(ctx context.Context, session Session, boardID, cardID string) ([]map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.card(ctx, boardID, cardID); err != nil {
		return nil, err
	}
	snap, err := s.store.ListOrdered(ctx, store.Tasks(cardID))
	if err != nil {
		return nil, err
	}
	return taskViews(snap), nil
}

func (s *Service) CreateTask(ctx context.Context, session Session, boardID, cardID string, input TaskInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, err := s.card(ctx, boardID, cardID); err != nil {
		return nil, err
	}
	name, err := requiredName(input.Name)
	if err != nil {
		return nil, err
	}
	task, err := s.store.Append(ctx, store.Tasks(cardID), store.Item{
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Status:      strings.TrimSpace(input.Status),
	}, s.gap())
	if err != nil {
		return nil, err
	}
	view := taskView(task)
	s.publish(ctx, broadcast.Event{
		Type:     broadcast.TaskCreated,
		BoardID:  boardID,
		Origin:   session.SessionID,
		ItemID:   task.ID,
		ParentID: cardID,
	}, view)
	return view, nil
}

func (s *Service) GetTask(ctx context.Context, session Session, boardID, cardID, taskID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	task, err := s.task(ctx, boardID, cardID, taskID)
	if err != nil {
		return nil, err
	}
	return taskView(task), nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, boardID, cardID, taskID string, input TaskInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, err := s.task(ctx, boardID, cardID, taskID); err != nil {
		return nil, err
	}
	name, err := requiredName(input.Name)
	if err != nil {
		return nil, err
	}
	task, err := s.store.UpdateContent(ctx, store.KindTask, taskID, name, strings.TrimSpace(input.Description), strings.TrimSpace(input.Status))
	if err != nil {
		return nil, err
	}
	view := taskView(task)
	s.publish(ctx, broadcast.Event{
		Type:     broadcast.TaskUpdated,
		BoardID:  boardID,
		Origin:   session.SessionID,
		ItemID:   taskID,
		ParentID: cardID,
	}, view)
	return view, nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, boardID, cardID, taskID string) error {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return err
	}
	if _, err := s.task(ctx, boardID, cardID, taskID); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, store.Tasks(cardID), taskID); err != nil {
		return err
	}
	s.publish(ctx, broadcast.Event{
		Type:     broadcast.TaskDeleted,
		BoardID:  boardID,
		Origin:   session.SessionID,
		ItemID:   taskID,
		ParentID: cardID,
	}, nil)
	return nil
}

// MoveTask repositions a task within its card or onto another card of the
// same board. Nothing is detached until the neighbours have been resolved.
func (s *Service) MoveTask(ctx context.Context, session Session, boardID, cardID, taskID string, input MoveInput) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if _, err := s.task(ctx, boardID, cardID, taskID); err != nil {
		return nil, err
	}
	target := strings.TrimSpace(input.NewCardID)
	if target != "" && target != cardID {
		if _, err := s.card(ctx, boardID, target); err != nil {
			return nil, err
		}
	}
	res, err := s.mover.Move(ctx, reorder.MoveRequest{
		Kind:           store.KindTask,
		ItemID:         taskID,
		SourceParentID: cardID,
		TargetParentID: target,
		BeforeID:       strings.TrimSpace(input.BeforeID),
		AfterID:        strings.TrimSpace(input.AfterID),
	})
	if err != nil {
		return nil, err
	}
	task, err := s.store.Get(ctx, store.KindTask, taskID)
	if err != nil {
		return nil, err
	}
	view := taskView(task)
	view["index"] = res.Index
	view["changed"] = res.Changed
	if res.Changed {
		ev := broadcast.Event{
			Type:        broadcast.TaskMoved,
			BoardID:     boardID,
			Origin:      session.SessionID,
			ItemID:      taskID,
			ParentID:    res.ParentID,
			PrecedingID: res.BeforeID,
			Index:       res.Index,
		}
		if res.CrossParent() {
			ev.OldParentID = res.OldParentID
		}
		s.publish(ctx, ev, nil)
	}
	return view, nil
}

// Rebalance renumbers a board's cards, or one card's tasks, back to evenly
// gapped keys. Order is unchanged, so nothing is broadcast.
func (s *Service) Rebalance(ctx context.Context, boardID, cardID string) (store.Snapshot, error) {
	if _, err := s.store.GetBoard(ctx, boardID); err != nil {
		return store.Snapshot{}, err
	}
	seq := store.Cards(boardID)
	if cardID != "" {
		if _, err := s.card(ctx, boardID, cardID); err != nil {
			return store.Snapshot{}, err
		}
		seq = store.Tasks(cardID)
	}
	return s.store.Rebalance(ctx, seq, s.gap())
}

// =============================================================================
// Views. Order keys stay internal: lists are returned already sorted.
// =============================================================================

func boardView(board store.Board) map[string]any {
	return map[string]any{
		"id":          board.ID,
		"name":        board.Name,
		"description": board.Description,
		"owner":       board.Owner,
		"createdAt":   board.CreatedAt,
	}
}

func cardView(card store.Item) map[string]any {
	return map[string]any{
		"id":          card.ID,
		"boardId":     card.BoardID,
		"name":        card.Name,
		"description": card.Description,
		"createdAt":   card.CreatedAt,
		"updatedAt":   card.UpdatedAt,
	}
}

func taskView(task store.Item) map[string]any {
	return map[string]any{
		"id":          task.ID,
		"boardId":     task.BoardID,
		"cardId":      task.ParentID,
		"name":        task.Name,
		"description": task.Description,
		"status":      task.Status,
		"createdAt":   task.CreatedAt,
		"updatedAt":   task.UpdatedAt,
	}
}

func taskViews(snap store.Snapshot) []map[string]any {
	items := make([]map[string]any, 0, len(snap.Items))
	for _, task := range snap.Items {
		items = append(items, taskView(task))
	}
	return items
}
