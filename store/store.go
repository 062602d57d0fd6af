// Package store holds the durable message sets: one record table per set
// plus its live-add, live-remove and by-signer indexes. Stores only read
// and stage writes into a caller batch; deciding what to write is the merge
// engine's job.
package store

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/teranos/hub/am"
	"github.com/teranos/hub/errors"
	"github.com/teranos/hub/kv"
	"github.com/teranos/hub/message"
	"github.com/teranos/hub/syncid"
)

// Store is one message set
type Store struct {
	db         *kv.DB
	set        message.Set
	pruneLimit int
}

// Set returns which set the store holds
func (s *Store) Set() message.Set {
	return s.set
}

// PruneLimit returns the per-fid record cap, 0 meaning unlimited
func (s *Store) PruneLimit() int {
	return s.pruneLimit
}

func (s *Store) getAt(fid uint64, tsHash []byte) (*message.Message, error) {
	v, err := s.db.Get(recordKey(fid, s.set, tsHash))
	if err != nil {
		return nil, err
	}
	m, err := message.Unmarshal(v)
	if err != nil {
		return nil, errors.WrapStorage(err, "decode stored message")
	}
	return m, nil
}

func (s *Store) live(prefix byte, fid uint64, bucket []byte) (*message.Message, error) {
	tsHash, err := s.db.Get(liveKey(prefix, fid, s.set, bucket))
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := s.getAt(fid, tsHash)
	if errors.IsNotFoundError(err) {
		return nil, errors.Mark(errors.Newf("%s index points at missing record %x", s.set, tsHash), errors.ErrStorage)
	}
	return m, err
}

// LiveAdd returns the winning add in the bucket, or nil
func (s *Store) LiveAdd(fid uint64, bucket []byte) (*message.Message, error) {
	return s.live(kv.PrefixLiveAdd, fid, bucket)
}

// LiveRemove returns the winning remove in the bucket, or nil
func (s *Store) LiveRemove(fid uint64, bucket []byte) (*message.Message, error) {
	return s.live(kv.PrefixLiveRemove, fid, bucket)
}

func indexPrefix(m *message.Message) byte {
	if m.Type().IsRemove() {
		return kv.PrefixLiveRemove
	}
	return kv.PrefixLiveAdd
}

// Put stages m as the live value of its bucket
func (s *Store) Put(b *leveldb.Batch, m *message.Message, bucket []byte) {
	fid, tsHash := m.Fid(), m.TsHash()
	b.Put(recordKey(fid, s.set, tsHash), message.Marshal(m))
	b.Put(liveKey(indexPrefix(m), fid, s.set, bucket), tsHash)
	b.Put(signerKey(fid, m.Signer, s.set, tsHash), nil)
}

// Remove stages deletion of m's record and indexes. The live index entry
// is deleted only if it still points at m.
func (s *Store) Remove(b *leveldb.Batch, m *message.Message, bucket []byte) error {
	fid, tsHash := m.Fid(), m.TsHash()
	b.Delete(recordKey(fid, s.set, tsHash))
	b.Delete(signerKey(fid, m.Signer, s.set, tsHash))

	idx := liveKey(indexPrefix(m), fid, s.set, bucket)
	cur, err := s.db.Get(idx)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if bytes.Equal(cur, tsHash) {
		b.Delete(idx)
	}
	return nil
}

// Messages returns every record of fid in the set, oldest first
func (s *Store) Messages(fid uint64) ([]*message.Message, error) {
	it := s.db.NewIterator(recordPrefix(fid, s.set))
	defer it.Release()

	var out []*message.Message
	for it.Next() {
		m, err := message.Unmarshal(it.Value())
		if err != nil {
			return nil, errors.WrapStorage(err, "decode stored message")
		}
		out = append(out, m)
	}
	return out, errors.WrapStorage(it.Error(), "iterate "+s.set.String())
}

// Count returns the number of records of fid in the set
func (s *Store) Count(fid uint64) (int, error) {
	return s.db.Count(recordPrefix(fid, s.set))
}

// Oldest returns fid's oldest record in the set, or nil
func (s *Store) Oldest(fid uint64) (*message.Message, error) {
	it := s.db.NewIterator(recordPrefix(fid, s.set))
	defer it.Release()
	if !it.Next() {
		return nil, errors.WrapStorage(it.Error(), "iterate "+s.set.String())
	}
	m, err := message.Unmarshal(it.Value())
	if err != nil {
		return nil, errors.WrapStorage(err, "decode stored message")
	}
	return m, nil
}

// PruneCandidates returns the oldest records of fid beyond the prune
// limit, oldest first. Adds and removes count alike.
func (s *Store) PruneCandidates(fid uint64) ([]*message.Message, error) {
	if s.pruneLimit <= 0 {
		return nil, nil
	}
	n, err := s.Count(fid)
	if err != nil || n <= s.pruneLimit {
		return nil, err
	}
	excess := n - s.pruneLimit

	it := s.db.NewIterator(recordPrefix(fid, s.set))
	defer it.Release()
	out := make([]*message.Message, 0, excess)
	for len(out) < excess && it.Next() {
		m, err := message.Unmarshal(it.Value())
		if err != nil {
			return nil, errors.WrapStorage(err, "decode stored message")
		}
		out = append(out, m)
	}
	return out, errors.WrapStorage(it.Error(), "iterate "+s.set.String())
}

// Stores groups every set over one database
type Stores struct {
	db   *kv.DB
	sets map[message.Set]*Store
}

// LimitsFromConfig maps configured prune limits to sets
func LimitsFromConfig(c am.PruneLimitsConfig) map[message.Set]int {
	return map[message.Set]int{
		message.SetCasts:         c.Casts,
		message.SetReactions:     c.Reactions,
		message.SetLinks:         c.Links,
		message.SetVerifications: c.Verifications,
		message.SetUserData:      c.UserData,
		message.SetSigners:       c.Signers,
	}
}

// New creates the set stores. limits maps a set to its per-fid prune
// limit; missing entries are unlimited.
func New(db *kv.DB, limits map[message.Set]int) *Stores {
	s := &Stores{db: db, sets: make(map[message.Set]*Store, len(message.Sets))}
	for _, set := range message.Sets {
		s.sets[set] = &Store{db: db, set: set, pruneLimit: limits[set]}
	}
	return s
}

// For returns the store of a set, or nil for SetNone
func (s *Stores) For(set message.Set) *Store {
	return s.sets[set]
}

// Get returns the record behind a message sync id
func (s *Stores) Get(id syncid.ID) (*message.Message, error) {
	if id.Kind() != syncid.KindMessage {
		return nil, errors.Validationf("sync id %s is not a message", id)
	}
	v, err := s.db.Get(id.PrimaryKey())
	if err != nil {
		return nil, err
	}
	m, err := message.Unmarshal(v)
	if err != nil {
		return nil, errors.WrapStorage(err, "decode stored message")
	}
	return m, nil
}

// GetMany returns the records behind ids, skipping ids with no record
func (s *Stores) GetMany(ids []syncid.ID) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		if id.Kind() != syncid.KindMessage {
			continue
		}
		m, err := s.Get(id)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// IsSignerLive reports whether fid has a live SignerAdd for key
func (s *Stores) IsSignerLive(fid uint64, key []byte) (bool, error) {
	m, err := s.sets[message.SetSigners].LiveAdd(fid, key)
	return m != nil, err
}

// LiveSigners returns fid's SignerAdd messages that are the live value
// of their bucket
func (s *Stores) LiveSigners(fid uint64) ([]*message.Message, error) {
	signers := s.sets[message.SetSigners]
	all, err := signers.Messages(fid)
	if err != nil {
		return nil, err
	}
	var out []*message.Message
	for _, m := range all {
		if m.Type() != message.TypeSignerAdd || m.Data.Signer == nil {
			continue
		}
		cur, err := signers.LiveAdd(fid, m.Data.Signer.Signer)
		if err != nil {
			return nil, err
		}
		if cur != nil && bytes.Equal(cur.Hash, m.Hash) {
			out = append(out, m)
		}
	}
	return out, nil
}

// SignedBy returns fid's records across every set signed by signer
func (s *Stores) SignedBy(fid uint64, signer []byte) ([]*message.Message, error) {
	it := s.db.NewIterator(signerPrefix(fid, signer))
	defer it.Release()

	prefixLen := len(signerPrefix(fid, signer))
	var out []*message.Message
	for it.Next() {
		k := it.Key()
		if len(k) != prefixLen+1+tsHashLength {
			continue
		}
		set := message.Set(k[prefixLen])
		st := s.sets[set]
		if st == nil {
			continue
		}
		m, err := st.getAt(fid, k[prefixLen+1:])
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, errors.WrapStorage(it.Error(), "iterate by-signer index")
}

// Fids returns every fid with at least one record, ascending
func (s *Stores) Fids() ([]uint64, error) {
	it := s.db.NewIterator([]byte{kv.PrefixMessage})
	defer it.Release()

	var fids []uint64
	for ok := it.First(); ok; {
		k := it.Key()
		if len(k) < 9 {
			ok = it.Next()
			continue
		}
		fid := binary.BigEndian.Uint64(k[1:9])
		fids = append(fids, fid)
		if fid == ^uint64(0) {
			break
		}
		// skip the rest of this fid's records
		ok = it.Seek(kv.Key(kv.PrefixMessage, fidBytes(fid+1)))
	}
	return fids, errors.WrapStorage(it.Error(), "iterate fids")
}

// Scan implements trie.Source over message records
func (s *Stores) Scan(ctx context.Context, after []byte, fn func([]byte, syncid.ID) error) error {
	it := s.db.NewIteratorAfter([]byte{kv.PrefixMessage}, after)
	defer it.Release()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok := idFromRecordKey(it.Key())
		if !ok {
			continue
		}
		if err := fn(bytes.Clone(it.Key()), id); err != nil {
			return err
		}
	}
	return errors.WrapStorage(it.Error(), "scan message records")
}

// Has implements trie.Source: whether the record behind a message id exists
func (s *Stores) Has(id syncid.ID) (bool, error) {
	if id.Kind() != syncid.KindMessage {
		return false, nil
	}
	return s.db.Has(id.PrimaryKey())
}
