package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"kanban/api/internal/orderkey"
	"kanban/api/internal/util"
)

// SQLStore keeps boards, cards and tasks in Postgres or SQLite. Every write to
// an ordered collection goes through its sequence_versions row: appends and
// removals bump it (taking the row lock), repositions compare-and-swap it.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type table struct {
	name      string
	parentCol string
	columns   string
}

var tables = map[Kind]table{
	KindCard: {name: "cards", parentCol: "board_id", columns: "id, board_id, board_id, name, description, '', order_key, created_at, updated_at"},
	KindTask: {name: "tasks", parentCol: "card_id", columns: "id, board_id, card_id, name, description, status, order_key, created_at, updated_at"},
}

func tableFor(kind Kind) (table, error) {
	t, ok := tables[kind]
	if !ok {
		return table{}, fmt.Errorf("unknown item kind %q", kind)
	}
	return t, nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrStale
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ============================================================================
// Sequence versions
// ============================================================================

func (s *SQLStore) ensureSequence(ctx context.Context, tx *sql.Tx, seq Sequence) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO sequence_versions (kind, parent_id, version)
		VALUES (?, ?, 0)
		ON CONFLICT (kind, parent_id) DO NOTHING
	`), string(seq.Kind), seq.ParentID)
	if err != nil {
		return fmt.Errorf("ensure sequence %s/%s: %w", seq.Kind, seq.ParentID, err)
	}
	return nil
}

func (s *SQLStore) bumpSequence(ctx context.Context, tx *sql.Tx, seq Sequence) error {
	if err := s.ensureSequence(ctx, tx, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, s.q(`
		UPDATE sequence_versions SET version = version + 1
		WHERE kind = ? AND parent_id = ?
	`), string(seq.Kind), seq.ParentID)
	if err != nil {
		return fmt.Errorf("bump sequence %s/%s: %w", seq.Kind, seq.ParentID, err)
	}
	return nil
}

// casSequence advances the version only if it still equals expect.
func (s *SQLStore) casSequence(ctx context.Context, tx *sql.Tx, seq Sequence, expect int64) error {
	if err := s.ensureSequence(ctx, tx, seq); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE sequence_versions SET version = version + 1
		WHERE kind = ? AND parent_id = ? AND version = ?
	`), string(seq.Kind), seq.ParentID, expect)
	if err != nil {
		return fmt.Errorf("cas sequence %s/%s: %w", seq.Kind, seq.ParentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas sequence %s/%s: %w", seq.Kind, seq.ParentID, err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (s *SQLStore) readVersion(ctx context.Context, q querier, seq Sequence) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, s.q(`SELECT version FROM sequence_versions WHERE kind = ? AND parent_id = ?`),
		string(seq.Kind), seq.ParentID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence version: %w", err)
	}
	return version, nil
}

// ============================================================================
// Sequence operations
// ============================================================================

func scanItem(kind Kind, row interface{ Scan(...any) error }) (Item, error) {
	item := Item{Kind: kind}
	var key float64
	err := row.Scan(&item.ID, &item.BoardID, &item.ParentID, &item.Name, &item.Description, &item.Status,
		&key, timeColumn{&item.CreatedAt}, timeColumn{&item.UpdatedAt})
	if err != nil {
		return Item{}, err
	}
	item.OrderKey = orderkey.Key(key)
	return item, nil
}

func (s *SQLStore) listItems(ctx context.Context, q querier, seq Sequence) ([]Item, error) {
	t, err := tableFor(seq.Kind)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, s.q(`SELECT `+t.columns+` FROM `+t.name+` WHERE `+t.parentCol+` = ? ORDER BY order_key ASC, id ASC`), seq.ParentID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.name, err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(seq.Kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOrdered reads the version before the items: a write that lands between
// the two reads leaves the snapshot with an older version, so a conditional
// write based on it fails instead of acting on items it never saw.
func (s *SQLStore) ListOrdered(ctx context.Context, seq Sequence) (Snapshot, error) {
	version, err := s.readVersion(ctx, s.db, seq)
	if err != nil {
		return Snapshot{}, err
	}
	items, err := s.listItems(ctx, s.db, seq)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Sequence: seq, Version: version, Items: items}, nil
}

func (s *SQLStore) Neighbors(ctx context.Context, seq Sequence, itemID string) (prev, next *orderkey.Key, err error) {
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

func (s *SQLStore) Get(ctx context.Context, kind Kind, id string) (Item, error) {
	t, err := tableFor(kind)
	if err != nil {
		return Item{}, err
	}
	item, err := scanItem(kind, s.db.QueryRowContext(ctx, s.q(`SELECT `+t.columns+` FROM `+t.name+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get %s: %w", kind, err)
	}
	return item, nil
}

func (s *SQLStore) boardOf(ctx context.Context, q querier, seq Sequence) (string, error) {
	var boardID string
	var err error
	switch seq.Kind {
	case KindCard:
		err = q.QueryRowContext(ctx, s.q(`SELECT id FROM boards WHERE id = ?`), seq.ParentID).Scan(&boardID)
	case KindTask:
		err = q.QueryRowContext(ctx, s.q(`SELECT board_id FROM cards WHERE id = ?`), seq.ParentID).Scan(&boardID)
	default:
		return "", fmt.Errorf("unknown item kind %q", seq.Kind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve parent %s: %w", seq.ParentID, err)
	}
	return boardID, nil
}

// Append stores item at the tail of seq, one gap past the current maximum.
func (s *SQLStore) Append(ctx context.Context, seq Sequence, item Item, gap orderkey.Key) (Item, error) {
	t, err := tableFor(seq.Kind)
	if err != nil {
		return Item{}, err
	}
	if item.ID == "" {
		item.ID = util.NewID(string(seq.Kind))
	}
	if seq.Kind == KindTask && item.Status == "" {
		item.Status = DefaultTaskStatus
	}
	item.Kind = seq.Kind
	item.ParentID = seq.ParentID
	item.CreatedAt = now()
	item.UpdatedAt = item.CreatedAt

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		boardID, err := s.boardOf(ctx, tx, seq)
		if err != nil {
			return err
		}
		item.BoardID = boardID

		if err := s.bumpSequence(ctx, tx, seq); err != nil {
			return err
		}

		var max sql.NullFloat64
		if err := tx.QueryRowContext(ctx, s.q(`SELECT MAX(order_key) FROM `+t.name+` WHERE `+t.parentCol+` = ?`), seq.ParentID).Scan(&max); err != nil {
			return fmt.Errorf("read max key: %w", err)
		}
		var tail *orderkey.Key
		if max.Valid {
			tail = orderkey.Ptr(orderkey.Key(max.Float64))
		}
		key, err := orderkey.Between(tail, nil, gap)
		if err != nil {
			return err
		}
		item.OrderKey = key

		switch seq.Kind {
		case KindCard:
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO cards (id, board_id, name, description, order_key, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`), item.ID, item.BoardID, item.Name, item.Description, float64(key), item.CreatedAt, item.UpdatedAt)
		case KindTask:
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO tasks (id, board_id, card_id, name, description, status, order_key, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`), item.ID, item.BoardID, item.ParentID, item.Name, item.Description, item.Status, float64(key), item.CreatedAt, item.UpdatedAt)
		}
		if isUniqueViolation(err) {
			return ErrStale
		}
		if err != nil {
			return fmt.Errorf("insert %s: %w", seq.Kind, err)
		}
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

// Reposition writes a new key for itemID provided seq is still at expectVersion.
func (s *SQLStore) Reposition(ctx context.Context, seq Sequence, itemID string, key orderkey.Key, expectVersion int64) error {
	t, err := tableFor(seq.Kind)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.casSequence(ctx, tx, seq, expectVersion); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE `+t.name+` SET order_key = ?, updated_at = ? WHERE id = ? AND `+t.parentCol+` = ?`),
			float64(key), now(), itemID, seq.ParentID)
		if isUniqueViolation(err) {
			return ErrStale
		}
		if err != nil {
			return fmt.Errorf("reposition %s: %w", seq.Kind, err)
		}
		return requireAffected(res)
	})
}

// Move relocates a task to another card with its new key in one transaction.
// Both sequences must still be at the versions the caller read.
func (s *SQLStore) Move(ctx context.Context, from Sequence, fromVersion int64, to Sequence, toVersion int64, itemID string, key orderkey.Key) error {
	if from.Kind != KindTask || to.Kind != KindTask {
		return fmt.Errorf("only tasks move between parents, got %s -> %s", from.Kind, to.Kind)
	}
	if from == to {
		return s.Reposition(ctx, to, itemID, key, toVersion)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		boardID, err := s.boardOf(ctx, tx, to)
		if err != nil {
			return err
		}

		// Lock both version rows in a fixed order so opposing moves cannot deadlock.
		type check struct {
			seq    Sequence
			expect int64
		}
		checks := []check{{from, fromVersion}, {to, toVersion}}
		sort.Slice(checks, func(i, j int) bool { return checks[i].seq.ParentID < checks[j].seq.ParentID })
		for _, c := range checks {
			if err := s.casSequence(ctx, tx, c.seq, c.expect); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET card_id = ?, board_id = ?, order_key = ?, updated_at = ?
			WHERE id = ? AND card_id = ?
		`), to.ParentID, boardID, float64(key), now(), itemID, from.ParentID)
		if isUniqueViolation(err) {
			return ErrStale
		}
		if err != nil {
			return fmt.Errorf("move task: %w", err)
		}
		return requireAffected(res)
	})
}

// Remove deletes the item; siblings keep their keys. Removing a card removes
// its tasks.
func (s *SQLStore) Remove(ctx context.Context, seq Sequence, itemID string) error {
	t, err := tableFor(seq.Kind)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.bumpSequence(ctx, tx, seq); err != nil {
			return err
		}
		if seq.Kind == KindCard {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE card_id = ?`), itemID); err != nil {
				return fmt.Errorf("delete card tasks: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM sequence_versions WHERE kind = ? AND parent_id = ?`), string(KindTask), itemID); err != nil {
				return fmt.Errorf("delete task sequence: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+t.name+` WHERE id = ? AND `+t.parentCol+` = ?`), itemID, seq.ParentID)
		if err != nil {
			return fmt.Errorf("delete %s: %w", seq.Kind, err)
		}
		return requireAffected(res)
	})
}

func (s *SQLStore) UpdateContent(ctx context.Context, kind Kind, id, name, description, status string) (Item, error) {
	var res sql.Result
	var err error
	switch kind {
	case KindCard:
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE cards SET name = ?, description = ?, updated_at = ? WHERE id = ?`),
			name, description, now(), id)
	case KindTask:
		if status == "" {
			status = DefaultTaskStatus
		}
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE tasks SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`),
			name, description, status, now(), id)
	default:
		return Item{}, fmt.Errorf("unknown item kind %q", kind)
	}
	if err != nil {
		return Item{}, fmt.Errorf("update %s: %w", kind, err)
	}
	if err := requireAffected(res); err != nil {
		return Item{}, err
	}
	return s.Get(ctx, kind, id)
}

// Rebalance renumbers seq to gap, 2*gap, ... keeping the current order. Keys
// first move above both the old and the new range so no intermediate write
// collides under the unique (parent, order_key) constraint.
func (s *SQLStore) Rebalance(ctx context.Context, seq Sequence, gap orderkey.Key) (Snapshot, error) {
	t, err := tableFor(seq.Kind)
	if err != nil {
		return Snapshot{}, err
	}
	if !(gap > 0) {
		return Snapshot{}, orderkey.ErrInvertedBounds
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.bumpSequence(ctx, tx, seq); err != nil {
			return err
		}
		items, err := s.listItems(ctx, tx, seq)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		final := make([]orderkey.Key, len(items))
		for i := range items {
			final[i] = gap * orderkey.Key(i+1)
		}
		base := items[len(items)-1].OrderKey
		if last := final[len(final)-1]; last > base {
			base = last
		}
		update := s.q(`UPDATE ` + t.name + ` SET order_key = ? WHERE id = ?`)
		for i, item := range items {
			if _, err := tx.ExecContext(ctx, update, float64(base+gap*orderkey.Key(i+1)), item.ID); err != nil {
				return fmt.Errorf("rebalance stage: %w", err)
			}
		}
		for i, item := range items {
			if _, err := tx.ExecContext(ctx, update, float64(final[i]), item.ID); err != nil {
				return fmt.Errorf("rebalance write: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return s.ListOrdered(ctx, seq)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// Boards and membership
// ============================================================================

func (s *SQLStore) CreateBoard(ctx context.Context, board Board) (Board, error) {
	if board.ID == "" {
		board.ID = util.NewID("board")
	}
	board.CreatedAt = now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO boards (id, name, description, owner, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), board.ID, board.Name, board.Description, board.Owner, board.CreatedAt); err != nil {
			return fmt.Errorf("insert board: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO board_members (board_id, member, role) VALUES (?, ?, ?)
		`), board.ID, board.Owner, RoleOwner); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *SQLStore) GetBoard(ctx context.Context, id string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, description, owner, created_at FROM boards WHERE id = ?`), id).
		Scan(&board.ID, &board.Name, &board.Description, &board.Owner, timeColumn{&board.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("get board: %w", err)
	}
	return board, nil
}

func (s *SQLStore) ListBoardsForMember(ctx context.Context, member string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT b.id, b.name, b.description, b.owner, b.created_at
		FROM boards b
		JOIN board_members m ON m.board_id = b.id
		WHERE m.member = ?
		ORDER BY b.created_at ASC, b.id ASC
	`), member)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	boards := []Board{}
	for rows.Next() {
		var board Board
		if err := rows.Scan(&board.ID, &board.Name, &board.Description, &board.Owner, timeColumn{&board.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, board)
	}
	return boards, rows.Err()
}

func (s *SQLStore) UpdateBoard(ctx context.Context, id, name, description string) (Board, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE boards SET name = ?, description = ? WHERE id = ?`), name, description, id)
	if err != nil {
		return Board{}, fmt.Errorf("update board: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return Board{}, err
	}
	return s.GetBoard(ctx, id)
}

func (s *SQLStore) DeleteBoard(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM sequence_versions
			WHERE (kind = ? AND parent_id = ?)
				OR (kind = ? AND parent_id IN (SELECT id FROM cards WHERE board_id = ?))
		`), string(KindCard), id, string(KindTask), id); err != nil {
			return fmt.Errorf("delete board sequences: %w", err)
		}
		for _, stmt := range []string{
			`DELETE FROM tasks WHERE board_id = ?`,
			`DELETE FROM cards WHERE board_id = ?`,
			`DELETE FROM board_members WHERE board_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return fmt.Errorf("delete board contents: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM boards WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete board: %w", err)
		}
		return requireAffected(res)
	})
}

func (s *SQLStore) AddMember(ctx context.Context, boardID, member, role string) error {
	if _, err := s.GetBoard(ctx, boardID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO board_members (board_id, member, role) VALUES (?, ?, ?)
		ON CONFLICT (board_id, member) DO UPDATE SET role = excluded.role
	`), boardID, member, role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *SQLStore) MemberRole(ctx context.Context, boardID, member string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT role FROM board_members WHERE board_id = ? AND member = ?`), boardID, member).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read membership: %w", err)
	}
	return role, nil
}

func (s *SQLStore) ListMembers(ctx context.Context, boardID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT board_id, member, role FROM board_members WHERE board_id = ? ORDER BY member`), boardID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.BoardID, &m.Member, &m.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
