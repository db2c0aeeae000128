package uow

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-lang/odm/internal/events"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"go.uber.org/zap"
)

// CommitOption configures a single Commit call
type CommitOption func(*commitOptions)

type commitOptions struct {
	storage   storage.DocumentStorage
	batchSize int
}

// WithStorage writes through st instead of the storage the unit of work
// reads from, typically a transaction spanning the whole commit
func WithStorage(st storage.DocumentStorage) CommitOption {
	return func(o *commitOptions) {
		if st != nil {
			o.storage = st
		}
	}
}

// WithBatchSize limits the number of documents per storage call. Zero
// means unlimited.
func WithBatchSize(n int) CommitOption {
	return func(o *commitOptions) {
		if n >= 0 {
			o.batchSize = n
		}
	}
}

// ComputeChangeSets cascades persist to newly reachable documents and
// computes the change set of every managed document
func (u *UnitOfWork) ComputeChangeSets(ctx context.Context) error {
	if err := u.persistReachable(ctx); err != nil {
		return err
	}

	u.changeSets = make(map[any]*ChangeSet)
	for _, e := range u.documents() {
		if e.state != StateManaged || e.ghost {
			continue
		}
		var cs *ChangeSet
		var err error
		switch {
		case e.insert:
			cs, err = u.insertChangeSet(e.obj, e.meta)
		case e.meta.IsReadOnly:
			continue
		default:
			cs, err = u.diff(ctx, e.obj, e.meta, e.original)
		}
		if err != nil {
			return err
		}
		if cs != nil {
			u.changeSets[e.obj] = cs
		}
	}
	u.phase = PhaseChangesComputed
	return nil
}

// persistReachable persists new documents reached through cascade-persist
// references until no new document appears. A new document reached
// through an owning reference that does not cascade cannot be written.
func (u *UnitOfWork) persistReachable(ctx context.Context) error {
	checked := make(map[any]bool)
	for {
		progressed := false
		for _, e := range u.documents() {
			if checked[e.obj] || e.state != StateManaged || e.ghost {
				continue
			}
			checked[e.obj] = true
			progressed = true

			err := u.walkReferences(ctx, e.obj, e.meta, loadDirty, func(owner *mapping.ClassMetadata, f *mapping.FieldMapping, target any) error {
				if u.StateOf(target) != StateNew {
					return nil
				}
				if f.Cascade.Has(mapping.CascadePersist) {
					return u.persist(ctx, target, make(map[any]bool))
				}
				if !f.IsOwningSide() {
					return nil
				}
				return &CommitOrderError{
					Type:    owner.Name,
					Field:   f.Name,
					Message: fmt.Sprintf("new %T is not persisted and the reference does not cascade persist", target),
				}
			})
			if err != nil {
				return err
			}
		}
		if !progressed {
			return nil
		}
	}
}

// Commit writes every pending change: inserts in dependency order, then
// updates, then deletes, each batched per collection. A failed write stops
// the commit; batches already written are not rolled back but are marked
// clean, so a retry only writes what is still pending.
func (u *UnitOfWork) Commit(ctx context.Context, opts ...CommitOption) error {
	if u.phase == PhaseWriting {
		return ErrCommitInProgress
	}
	o := commitOptions{storage: u.storage}
	for _, opt := range u.commitDefaults {
		opt(&o)
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := u.commit(ctx, o); err != nil {
		u.phase = PhaseFailed
		return err
	}
	return nil
}

func (u *UnitOfWork) commit(ctx context.Context, o commitOptions) error {
	if err := u.events.Dispatch(ctx, events.PreFlush, nil); err != nil {
		return err
	}
	if err := u.ComputeChangeSets(ctx); err != nil {
		return err
	}
	if err := u.events.Dispatch(ctx, events.OnFlush, nil); err != nil {
		return err
	}

	var inserts, updates, deletes []*entry
	for _, e := range u.documents() {
		switch {
		case e.state == StateRemoved:
			deletes = append(deletes, e)
		case e.insert:
			inserts = append(inserts, e)
		case u.changeSets[e.obj] != nil:
			updates = append(updates, e)
		}
	}

	waves, err := u.orderInserts(inserts)
	if err != nil {
		return err
	}

	if len(inserts)+len(updates)+len(deletes) > 0 {
		u.phase = PhaseWriting
		u.logger.Debug("committing unit of work",
			zap.Int("inserts", len(inserts)),
			zap.Int("updates", len(updates)),
			zap.Int("deletes", len(deletes)),
			zap.Int("insert_waves", len(waves)),
			zap.Int("batch_size", o.batchSize),
		)

		for _, wave := range waves {
			if err := u.executeInserts(ctx, o, wave); err != nil {
				return err
			}
		}
		updated, err := u.executeUpdates(ctx, o, updates)
		if err != nil {
			return err
		}
		if err := u.executeDeletes(ctx, o, deletes); err != nil {
			return err
		}

		for _, e := range inserts {
			if err := u.dispatch(ctx, events.PostPersist, e.obj, e.meta, nil); err != nil {
				return err
			}
		}
		for _, e := range updated {
			if err := u.dispatch(ctx, events.PostUpdate, e.obj, e.meta, u.changeSets[e.obj].Changes()); err != nil {
				return err
			}
		}
		for _, e := range deletes {
			if err := u.dispatch(ctx, events.PostRemove, e.obj, e.meta, nil); err != nil {
				return err
			}
		}
	}

	u.changeSets = make(map[any]*ChangeSet)
	u.phase = PhaseCommitted
	return u.events.Dispatch(ctx, events.PostFlush, nil)
}

// orderInserts groups new documents into waves. A document waits for the
// new documents it references whose identifier is assigned by storage.
func (u *UnitOfWork) orderInserts(inserts []*entry) ([][]*entry, error) {
	if len(inserts) == 0 {
		return nil, nil
	}
	index := make(map[any]int, len(inserts))
	for i, e := range inserts {
		index[e.obj] = i
	}

	inDegree := make([]int, len(inserts))
	dependents := make([][]int, len(inserts))
	for i, e := range inserts {
		seen := make(map[int]bool)
		err := u.walkReferences(context.Background(), e.obj, e.meta, loadNever, func(_ *mapping.ClassMetadata, f *mapping.FieldMapping, target any) error {
			if !f.IsOwningSide() {
				return nil
			}
			j, ok := index[target]
			if !ok || seen[j] {
				return nil
			}
			tm := inserts[j].meta
			if tm.IDStrategy != mapping.IDStorage || tm.GetID(target) != nil {
				return nil
			}
			seen[j] = true
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var waves [][]*entry
	var queue []int
	for i := range inserts {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	done := 0
	for len(queue) > 0 {
		wave := make([]*entry, 0, len(queue))
		var next []int
		for _, i := range queue {
			wave = append(wave, inserts[i])
			done++
			for _, d := range dependents[i] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		waves = append(waves, wave)
		queue = next
	}

	if done < len(inserts) {
		var cycle []string
		for i, e := range inserts {
			if inDegree[i] > 0 {
				cycle = append(cycle, e.meta.Name)
			}
		}
		return nil, &CommitOrderError{
			Message: "new documents reference each other and their identifiers are assigned by storage",
			Cycle:   cycle,
		}
	}
	return waves, nil
}

// batches splits entries into per-collection chunks, keeping the order in
// which collections first appear
func batches(entries []*entry, size int) [][]*entry {
	var order []string
	groups := make(map[string][]*entry)
	for _, e := range entries {
		coll := e.meta.Collection
		if _, ok := groups[coll]; !ok {
			order = append(order, coll)
		}
		groups[coll] = append(groups[coll], e)
	}

	var out [][]*entry
	for _, coll := range order {
		group := groups[coll]
		if size <= 0 {
			out = append(out, group)
			continue
		}
		for start := 0; start < len(group); start += size {
			end := start + size
			if end > len(group) {
				end = len(group)
			}
			out = append(out, group[start:end])
		}
	}
	return out
}

// failedItem returns the item that caused a batch to fail
func failedItem(results []storage.Result) (int, error) {
	for i, r := range results {
		if r.Err != nil && !errors.Is(r.Err, storage.ErrBatchAborted) {
			return i, r.Err
		}
	}
	return storage.FirstError(results)
}

func (u *UnitOfWork) writeFailed(op string, e *entry, err error) error {
	var id any
	if e != nil {
		id = e.meta.GetID(e.obj)
	}
	pe := &PersistenceError{Op: op, ID: id, Err: err}
	if e != nil {
		pe.Type = e.meta.Name
	}
	u.logger.Error("commit write failed",
		zap.String("op", op),
		zap.String("type", pe.Type),
		zap.Any("id", id),
		zap.Error(err),
	)
	return pe
}

// checkResults turns the outcome of a batch into a PersistenceError
func (u *UnitOfWork) checkResults(op string, batch []*entry, results []storage.Result, err error) error {
	if err != nil {
		return u.writeFailed(op, batch[0], err)
	}
	if len(results) != len(batch) {
		return u.writeFailed(op, batch[0], fmt.Errorf("storage returned %d results for %d documents", len(results), len(batch)))
	}
	if i, err := failedItem(results); err != nil {
		return u.writeFailed(op, batch[i], err)
	}
	return nil
}

func (u *UnitOfWork) executeInserts(ctx context.Context, o commitOptions, wave []*entry) error {
	for _, batch := range batches(wave, o.batchSize) {
		docs := make([]document.Raw, len(batch))
		for i, e := range batch {
			raw, err := u.hydrator.Extract(e.obj)
			if err != nil {
				return u.writeFailed("insert", e, err)
			}
			docs[i] = raw
		}

		coll := batch[0].meta.Collection
		u.logger.Debug("inserting documents", zap.String("collection", coll), zap.Int("count", len(docs)))
		results, err := o.storage.Insert(ctx, coll, docs)
		if err := u.checkResults("insert", batch, results, err); err != nil {
			return err
		}

		for i, e := range batch {
			if e.meta.GetID(e.obj) != nil {
				continue
			}
			if err := e.meta.SetID(e.obj, results[i].ID); err != nil {
				return u.writeFailed("insert", e, err)
			}
			if err := u.register(e.meta, e.obj); err != nil {
				return u.writeFailed("insert", e, err)
			}
		}
		for _, e := range batch {
			e.insert = false
			u.takeSnapshot(e.obj, e.meta)
		}
	}
	return nil
}

func (u *UnitOfWork) executeUpdates(ctx context.Context, o commitOptions, pending []*entry) ([]*entry, error) {
	var written []*entry
	var all []*entry
	updates := make(map[any]storage.Update, len(pending))
	for _, e := range pending {
		if err := u.dispatch(ctx, events.PreUpdate, e.obj, e.meta, u.changeSets[e.obj].Changes()); err != nil {
			return nil, err
		}
		cs, err := u.diff(ctx, e.obj, e.meta, e.original)
		if err != nil {
			return nil, err
		}
		if cs == nil {
			delete(u.changeSets, e.obj)
			continue
		}
		u.changeSets[e.obj] = cs

		sid, err := e.meta.StorageID(e.meta.GetID(e.obj))
		if err != nil {
			return nil, u.writeFailed("update", e, err)
		}
		upd := storage.Update{ID: sid}
		if err := u.buildUpdate(cs, "", &upd); err != nil {
			return nil, u.writeFailed("update", e, err)
		}
		if upd.IsEmpty() {
			continue
		}
		updates[e.obj] = upd
		all = append(all, e)
	}

	for _, batch := range batches(all, o.batchSize) {
		list := make([]storage.Update, len(batch))
		for i, e := range batch {
			list[i] = updates[e.obj]
		}
		coll := batch[0].meta.Collection
		u.logger.Debug("updating documents", zap.String("collection", coll), zap.Int("count", len(list)))
		results, err := o.storage.Update(ctx, coll, list)
		if err := u.checkResults("update", batch, results, err); err != nil {
			return nil, err
		}
		for _, e := range batch {
			u.takeSnapshot(e.obj, e.meta)
		}
		written = append(written, batch...)
	}
	return written, nil
}

func (u *UnitOfWork) executeDeletes(ctx context.Context, o commitOptions, pending []*entry) error {
	for _, batch := range batches(pending, o.batchSize) {
		ids := make([]any, len(batch))
		for i, e := range batch {
			sid, err := e.meta.StorageID(e.meta.GetID(e.obj))
			if err != nil {
				return u.writeFailed("delete", e, err)
			}
			ids[i] = sid
		}
		coll := batch[0].meta.Collection
		u.logger.Debug("deleting documents", zap.String("collection", coll), zap.Int("count", len(ids)))
		results, err := o.storage.Delete(ctx, coll, ids)
		if err := u.checkResults("delete", batch, results, err); err != nil {
			return err
		}
		for _, e := range batch {
			u.forget(e.obj)
		}
	}
	return nil
}
