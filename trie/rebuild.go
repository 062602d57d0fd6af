package trie

import (
	"bytes"
	"context"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/logger"
	"github.com/teranos/hub/syncid"
)

// Source enumerates the authoritative records a rebuild derives ids from.
type Source interface {
	// Scan calls fn for every record whose key sorts after the given key
	// (nil = from the start), in key order.
	Scan(ctx context.Context, after []byte, fn func(key []byte, id syncid.ID) error) error

	// Has reports whether the record behind id still exists. Sources
	// answer false for id kinds they do not own.
	Has(id syncid.ID) (bool, error)
}

// Sources combines sources with disjoint, ordered key ranges
type Sources []Source

func (s Sources) Scan(ctx context.Context, after []byte, fn func([]byte, syncid.ID) error) error {
	for _, src := range s {
		if err := src.Scan(ctx, after, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s Sources) Has(id syncid.ID) (bool, error) {
	for _, src := range s {
		ok, err := src.Has(id)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// RebuildStatus reports progress of the current or last rebuild
type RebuildStatus struct {
	Running   bool      `json:"running"`
	Processed int       `json:"processed"`
	Inserted  int       `json:"inserted"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Cursor    []byte    `json:"cursor,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type rebuildState struct {
	status RebuildStatus
}

// RebuildStatus returns a copy of the rebuild progress
func (t *Trie) RebuildStatus() RebuildStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.rebuild.status
	s.Cursor = bytes.Clone(s.Cursor)
	return s
}

// RebuildPending reports whether an interrupted rebuild left a staging
// generation behind
func (t *Trie) RebuildPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.staging != nil && !t.rebuild.status.Running
}

// Rebuild builds a fresh generation from src while the live generation
// keeps serving. Merges committed during the rebuild are mirrored into the
// staging generation. Progress is checkpointed every RebuildLogEvery
// records; a cancelled rebuild resumes from its checkpoint on the next
// call. On completion the staging generation becomes live atomically.
func (t *Trie) Rebuild(ctx context.Context, src Source) error {
	cursor, err := t.beginRebuild()
	if err != nil {
		return err
	}

	var pending []syncid.ID
	var lastKey []byte
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := t.checkpoint(src, pending, lastKey); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	err = src.Scan(ctx, cursor, func(key []byte, id syncid.ID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending = append(pending, id)
		lastKey = bytes.Clone(key)
		if len(pending) >= t.opts.RebuildLogEvery {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		t.mu.Lock()
		t.rebuild.status.Running = false
		t.rebuild.status.LastError = err.Error()
		t.mu.Unlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			t.log.Infow("Trie rebuild interrupted, will resume from checkpoint",
				"processed", t.RebuildStatus().Processed)
		}
		return errors.Wrap(err, "trie rebuild")
	}

	return t.finishRebuild()
}

// beginRebuild creates or resumes the staging generation and returns the
// cursor to scan from
func (t *Trie) beginRebuild() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rebuild.status.Running {
		return nil, errors.Unavailablef("trie rebuild already running")
	}

	var cursor []byte
	if t.staging == nil {
		gen := t.live.gen ^ 1
		// leftovers of an earlier generation flip
		if _, err := t.db.DeletePrefix(generationPrefix(gen), 10000); err != nil {
			return nil, err
		}
		b := new(leveldb.Batch)
		b.Put(stagingGenerationKey, []byte{gen})
		b.Delete(rebuildCursorKey)
		if err := t.db.Write(b); err != nil {
			return nil, err
		}
		staging, err := openTree(t.db, gen)
		if err != nil {
			return nil, err
		}
		t.staging = staging
		t.rebuild.status = RebuildStatus{}
	} else {
		v, err := t.db.Get(rebuildCursorKey)
		if err != nil && !errors.IsNotFoundError(err) {
			return nil, err
		}
		cursor = v
	}

	t.rebuild.status.Running = true
	t.rebuild.status.LastError = ""
	t.rebuild.status.Cursor = bytes.Clone(cursor)
	if t.rebuild.status.StartedAt.IsZero() {
		t.rebuild.status.StartedAt = time.Now()
	}
	t.log.Infow("Trie rebuild started",
		"generation", t.staging.gen,
		"resume", cursor != nil)
	return cursor, nil
}

// checkpoint inserts a chunk of scanned ids into the staging generation
// and records the cursor in the same batch. Each id is re-checked under
// the lock so a record removed after it was scanned is not resurrected.
func (t *Trie) checkpoint(src Source, ids []syncid.ID, cursor []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := make([]syncid.ID, 0, len(ids))
	for _, id := range ids {
		ok, err := src.Has(id)
		if err != nil {
			return err
		}
		if ok {
			live = append(live, id)
		}
	}

	b := new(leveldb.Batch)
	inserted, _, err := t.staging.apply(b, live, nil)
	if err != nil {
		t.discardLocked()
		return err
	}
	b.Put(rebuildCursorKey, cursor)
	if err := t.db.Write(b); err != nil {
		t.discardLocked()
		return err
	}

	for _, ok := range inserted {
		if ok {
			t.rebuild.status.Inserted++
		}
	}
	t.rebuild.status.Processed += len(ids)
	t.rebuild.status.Cursor = bytes.Clone(cursor)
	t.log.Infow("Trie rebuild progress",
		"processed", t.rebuild.status.Processed,
		logger.FieldNumItems, t.staging.root.items)
	return nil
}

// finishRebuild flips the generation pointer and drops the old generation
func (t *Trie) finishRebuild() error {
	t.mu.Lock()
	b := new(leveldb.Batch)
	b.Put(liveGenerationKey, []byte{t.staging.gen})
	b.Delete(stagingGenerationKey)
	b.Delete(rebuildCursorKey)
	if err := t.db.Write(b); err != nil {
		t.rebuild.status.Running = false
		t.rebuild.status.LastError = err.Error()
		t.mu.Unlock()
		return err
	}
	old := t.live
	t.live = t.staging
	t.staging = nil
	t.rebuild.status.Running = false
	t.rebuild.status.Cursor = nil
	items, hash := t.live.root.items, bytes.Clone(t.live.root.hash)
	started := t.rebuild.status.StartedAt
	t.mu.Unlock()

	t.log.Infow("Trie rebuild complete",
		logger.FieldNumItems, items,
		logger.FieldRootHash, hash,
		logger.FieldDurationMS, time.Since(started).Milliseconds())

	// the old generation is unreachable now; a crash here only leaves garbage
	// that the next rebuild clears
	if _, err := t.db.DeletePrefix(generationPrefix(old.gen), 10000); err != nil {
		t.log.Warnw("Failed to delete previous trie generation",
			"generation", old.gen,
			"error", err)
	}
	return nil
}
