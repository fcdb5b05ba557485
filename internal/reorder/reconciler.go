// Package reorder turns "put this item between those two" requests into key
// assignments on a store that supports conditional writes.
package reorder

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kanban/api/internal/orderkey"
	"kanban/api/internal/store"
)

var (
	// ErrNotFound means the item or a named neighbour is not in the sequence.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the move lost to concurrent writers or no key fits
	// between the neighbours. The client should refetch and retry.
	ErrConflict = errors.New("conflict")
	// ErrPreconditionFailed means the request itself is inconsistent.
	ErrPreconditionFailed = errors.New("precondition failed")
)

const DefaultMaxAttempts = 5

// Store is the part of the sequence store the reconciler writes through.
type Store interface {
	Get(ctx context.Context, kind store.Kind, id string) (store.Item, error)
	ListOrdered(ctx context.Context, seq store.Sequence) (store.Snapshot, error)
	Reposition(ctx context.Context, seq store.Sequence, itemID string, key orderkey.Key, expectVersion int64) error
	Move(ctx context.Context, from store.Sequence, fromVersion int64, to store.Sequence, toVersion int64, itemID string, key orderkey.Key) error
}

// MoveRequest asks for ItemID to sit after BeforeID and ahead of AfterID. An
// empty BeforeID means the head of the sequence, an empty AfterID the tail.
// TargetParentID moves a task to another card; empty keeps the current parent.
type MoveRequest struct {
	Kind           store.Kind
	ItemID         string
	SourceParentID string
	TargetParentID string
	BeforeID       string
	AfterID        string
}

type Result struct {
	ItemID      string
	OldParentID string
	ParentID    string
	Key         orderkey.Key
	BeforeID    string
	AfterID     string
	// Index is the item's position in its sequence after the move.
	Index    int
	Attempts int
	Changed  bool
}

// CrossParent reports whether the item changed parent.
func (r Result) CrossParent() bool {
	return r.OldParentID != "" && r.OldParentID != r.ParentID
}

type Reconciler struct {
	store       Store
	gap         orderkey.Key
	maxAttempts int
	logger      *log.Logger
	tracer      trace.Tracer
}

type Option func(*Reconciler)

func WithGap(gap orderkey.Key) Option {
	return func(r *Reconciler) {
		if gap > 0 {
			r.gap = gap
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Reconciler) {
		if tp != nil {
			r.tracer = tp.Tracer("kanban/api/reorder")
		}
	}
}

func New(s Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		gap:         orderkey.DefaultGap,
		maxAttempts: DefaultMaxAttempts,
		logger:      log.StandardLogger(),
		tracer:      otel.GetTracerProvider().Tracer("kanban/api/reorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Move places the item and returns where it landed. Stale snapshots are
// re-read and the key recomputed, up to the attempt budget.
func (r *Reconciler) Move(ctx context.Context, req MoveRequest) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "reorder.move", trace.WithAttributes(
		attribute.String("reorder.kind", string(req.Kind)),
		attribute.String("reorder.item_id", req.ItemID),
		attribute.Bool("reorder.cross_parent", req.TargetParentID != "" && req.TargetParentID != req.SourceParentID),
	))
	defer span.End()

	entry := r.logger.WithFields(log.Fields{
		"kind":    req.Kind,
		"item_id": req.ItemID,
		"before":  req.BeforeID,
		"after":   req.AfterID,
	})

	res, err := r.move(ctx, req, entry)

	span.SetAttributes(
		attribute.Int("reorder.attempts", res.Attempts),
		attribute.String("reorder.outcome", outcome(res, err)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).WithField("attempts", res.Attempts).Info("move rejected")
		return res, err
	}
	entry.WithFields(log.Fields{
		"attempts":  res.Attempts,
		"changed":   res.Changed,
		"parent_id": res.ParentID,
		"index":     res.Index,
	}).Debug("move applied")
	return res, nil
}

func (r *Reconciler) move(ctx context.Context, req MoveRequest, entry *log.Entry) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: unknown item kind %q", ErrPreconditionFailed, req.Kind)
	}
	if req.ItemID != "" && (req.BeforeID == req.ItemID || req.AfterID == req.ItemID) {
		return Result{}, fmt.Errorf("%w: item cannot be its own neighbour", ErrPreconditionFailed)
	}
	if req.BeforeID != "" && req.BeforeID == req.AfterID {
		return Result{}, fmt.Errorf("%w: before and after name the same item", ErrPreconditionFailed)
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := r.attempt(ctx, req)
		res.Attempts = attempt
		if !errors.Is(err, store.ErrStale) {
			return res, err
		}
		entry.WithField("attempt", attempt).Debug("sequence changed during move, retrying")
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return Result{ItemID: req.ItemID, Attempts: r.maxAttempts},
		fmt.Errorf("%w: sequence kept changing after %d attempts", ErrConflict, r.maxAttempts)
}

// attempt runs one read-compute-write round. store.ErrStale asks for another.
func (r *Reconciler) attempt(ctx context.Context, req MoveRequest) (Result, error) {
	item, err := r.store.Get(ctx, req.Kind, req.ItemID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s %s", ErrNotFound, req.Kind, req.ItemID)
	}
	if err != nil {
		return Result{}, err
	}
	if req.SourceParentID != "" && item.ParentID != req.SourceParentID {
		return Result{}, fmt.Errorf("%w: %s %s is not in %s", ErrNotFound, req.Kind, req.ItemID, req.SourceParentID)
	}

	source := item.Sequence()
	target := source
	if req.TargetParentID != "" && req.TargetParentID != source.ParentID {
		if req.Kind != store.KindTask {
			return Result{}, fmt.Errorf("%w: only tasks change parent", ErrPreconditionFailed)
		}
		target = store.Sequence{Kind: req.Kind, ParentID: req.TargetParentID}
	}

	src, err := r.store.ListOrdered(ctx, source)
	if err != nil {
		return Result{}, err
	}
	if src.Index(item.ID) < 0 {
		// Moved away between the two reads.
		return Result{}, store.ErrStale
	}
	dst := src
	if target != source {
		if dst, err = r.store.ListOrdered(ctx, target); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		ItemID:      item.ID,
		OldParentID: source.ParentID,
		ParentID:    target.ParentID,
		Key:         item.OrderKey,
		BeforeID:    req.BeforeID,
		AfterID:     req.AfterID,
	}

	// Without neighbours a request only means something when it changes the
	// parent, and then only for an empty target: resolveSlot sees head and
	// tail as adjacent there and nowhere else.
	if req.BeforeID == "" && req.AfterID == "" && target == source {
		res.Index = src.Index(item.ID)
		return res, nil
	}

	slot, err := resolveSlot(dst, item.ID, req.BeforeID, req.AfterID)
	if err != nil {
		return Result{}, err
	}
	res.Index = slot.index

	if target == source && slot.current {
		res.Index = src.Index(item.ID)
		return res, nil
	}

	key, err := orderkey.Between(slot.before, slot.after, r.gap)
	switch {
	case errors.Is(err, orderkey.ErrExhausted):
		return Result{}, fmt.Errorf("%w: no key left between %s and %s", ErrConflict, req.BeforeID, req.AfterID)
	case errors.Is(err, orderkey.ErrInvertedBounds):
		return Result{}, fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
	case err != nil:
		return Result{}, err
	}

	if target == source {
		err = r.store.Reposition(ctx, source, item.ID, key, src.Version)
	} else {
		err = r.store.Move(ctx, source, src.Version, target, dst.Version, item.ID, key)
	}
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return Result{}, err
	}

	res.Key = key
	res.Changed = true
	return res, nil
}

type slot struct {
	before, after *orderkey.Key
	// index is the position the item takes in the target sequence.
	index int
	// current is set when the item already occupies the slot.
	current bool
}

// resolveSlot finds the gap named by beforeID and afterID in snap, ignoring
// itemID itself. The two ids must be adjacent there; a head or tail request
// must name the current head or tail. Anything else was computed from an
// order that has since changed.
func resolveSlot(snap store.Snapshot, itemID, beforeID, afterID string) (slot, error) {
	others := make([]store.Item, 0, len(snap.Items))
	for _, it := range snap.Items {
		if it.ID != itemID {
			others = append(others, it)
		}
	}
	indexOf := func(id string) int {
		for i := range others {
			if others[i].ID == id {
				return i
			}
		}
		return -1
	}

	bi, ai := -1, len(others)
	if beforeID != "" {
		if bi = indexOf(beforeID); bi < 0 {
			return slot{}, fmt.Errorf("%w: before item %s", ErrNotFound, beforeID)
		}
	}
	if afterID != "" {
		if ai = indexOf(afterID); ai < 0 {
			return slot{}, fmt.Errorf("%w: after item %s", ErrNotFound, afterID)
		}
	}

	var s slot
	if bi >= 0 {
		s.before = orderkey.Ptr(others[bi].OrderKey)
	}
	if ai < len(others) {
		s.after = orderkey.Ptr(others[ai].OrderKey)
	}
	if s.before != nil && s.after != nil && !(*s.before < *s.after) {
		return slot{}, fmt.Errorf("%w: %s does not order before %s", ErrPreconditionFailed, beforeID, afterID)
	}
	if ai != bi+1 {
		return slot{}, fmt.Errorf("%w: %s and %s are no longer adjacent", ErrConflict, orEnd(beforeID, "head"), orEnd(afterID, "tail"))
	}
	s.index = bi + 1

	if at := snap.Index(itemID); at >= 0 {
		s.current = at == s.index
	}
	return s, nil
}

func orEnd(id, end string) string {
	if id == "" {
		return end
	}
	return id
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && !res.Changed:
		return "noop"
	case err == nil:
		return "moved"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	default:
		return "error"
	}
}
