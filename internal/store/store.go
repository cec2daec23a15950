// Package store persists evaluator results across runs in BadgerDB, so a
// restarted server or the next self-play game does not pay for positions it
// has already seen.
package store

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/mcts"
)

const keyPrefix = "e/"

var ErrCorrupt = errors.New("corrupt archive record")

// Options configures an Archive.
type Options struct {
	Dir      string
	InMemory bool
	// PolicySize > 0 rejects records of any other policy length.
	PolicySize int
}

func DefaultOptions(dir string) Options {
	return Options{Dir: dir}
}

// Archive maps position keys to evaluator outputs. Policies are stored as
// zstd-compressed little-endian float32s.
type Archive struct {
	db         *badger.DB
	enc        *zstd.Encoder
	dec        *zstd.Decoder
	policySize int

	hits, misses, writes atomic.Int64
}

func Open(opt Options) (*Archive, error) {
	bopts := badger.DefaultOptions(opt.Dir)
	if opt.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	return &Archive{db: db, enc: enc, dec: dec, policySize: opt.PolicySize}, nil
}

func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	a.enc.Close()
	a.dec.Close()
	err := a.db.Close()
	a.db = nil
	return err
}

func dbKey(key uint64) []byte {
	b := make([]byte, len(keyPrefix)+8)
	copy(b, keyPrefix)
	binary.BigEndian.PutUint64(b[len(keyPrefix):], key)
	return b
}

func (a *Archive) encode(o mcts.Output) []byte {
	raw := make([]byte, 4*len(o.Policy))
	for i, p := range o.Policy {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(p))
	}
	rec := make([]byte, 4, 4+len(raw)/2)
	binary.LittleEndian.PutUint32(rec, math.Float32bits(o.Value))
	return a.enc.EncodeAll(raw, rec)
}

func (a *Archive) decode(rec []byte) (mcts.Output, error) {
	if len(rec) < 4 {
		return mcts.Output{}, errors.Wrapf(ErrCorrupt, "%d bytes", len(rec))
	}
	raw, err := a.dec.DecodeAll(rec[4:], nil)
	if err != nil {
		return mcts.Output{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	if len(raw)%4 != 0 || (a.policySize > 0 && len(raw) != 4*a.policySize) {
		return mcts.Output{}, errors.Wrapf(ErrCorrupt, "policy of %d bytes", len(raw))
	}
	o := mcts.Output{
		Value:  math.Float32frombits(binary.LittleEndian.Uint32(rec)),
		Policy: make([]float32, len(raw)/4),
	}
	for i := range o.Policy {
		o.Policy[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return o, nil
}

// Get returns the archived output for key.
func (a *Archive) Get(key uint64) (mcts.Output, bool, error) {
	var out mcts.Output
	found := false
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			o, err := a.decode(val)
			if err != nil {
				return err
			}
			out, found = o, true
			return nil
		})
	})
	if found {
		a.hits.Add(1)
	} else if err == nil {
		a.misses.Add(1)
	}
	return out, found, err
}

// Put archives one output.
func (a *Archive) Put(key uint64, o mcts.Output) error {
	return a.PutBatch([]uint64{key}, []mcts.Output{o})
}

// PutBatch archives outputs in one write batch.
func (a *Archive) PutBatch(keys []uint64, outs []mcts.Output) error {
	if len(keys) != len(outs) {
		return errors.Errorf("put batch: %d keys, %d outputs", len(keys), len(outs))
	}
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for i, k := range keys {
		if err := wb.Set(dbKey(k), a.encode(outs[i])); err != nil {
			return errors.Wrap(err, "archive write")
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "archive flush")
	}
	a.writes.Add(int64(len(keys)))
	return nil
}

// Len counts archived records.
func (a *Archive) Len() (int, error) {
	n := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Stats reports lookups and writes since Open.
type Stats struct {
	Hits, Misses, Writes int64
}

func (a *Archive) Stats() Stats {
	return Stats{Hits: a.hits.Load(), Misses: a.misses.Load(), Writes: a.writes.Load()}
}

// ArchivedEvaluator answers from the archive where it can and forwards the
// rest to Inner, archiving what comes back.
type ArchivedEvaluator struct {
	Archive *Archive
	Inner   mcts.Evaluator
}

var _ mcts.Evaluator = (*ArchivedEvaluator)(nil)

func (e *ArchivedEvaluator) EvaluateBatch(ctx context.Context, reqs []mcts.Request) ([]mcts.Output, error) {
	out := make([]mcts.Output, len(reqs))
	var missIdx []int
	var miss []mcts.Request
	for i, r := range reqs {
		o, ok, err := e.Archive.Get(r.Key)
		if err != nil {
			log.Warn().Err(err).Uint64("key", r.Key).Msg("archive-read-failed")
		}
		if ok {
			out[i] = o
			continue
		}
		missIdx = append(missIdx, i)
		miss = append(miss, r)
	}
	if len(miss) == 0 {
		return out, nil
	}

	res, err := e.Inner.EvaluateBatch(ctx, miss)
	if err != nil {
		return nil, err
	}
	if len(res) != len(miss) {
		return nil, errors.Errorf("inner evaluator returned %d results for %d requests", len(res), len(miss))
	}
	keys := make([]uint64, len(miss))
	for j, i := range missIdx {
		out[i] = res[j]
		keys[j] = miss[j].Key
	}
	if err := e.Archive.PutBatch(keys, res); err != nil {
		log.Warn().Err(err).Int("records", len(keys)).Msg("archive-write-failed")
	}
	return out, nil
}
