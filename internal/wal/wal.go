// Package wal implements the optional per-partition write-ahead log of
// SPEC_FULL.md's domain-stack expansion: a bbolt-backed durable record of
// applied commit payloads plus a one-shot metadata record written at
// startup, supplementing the in-memory-only replay path described by
// spec §4.7.
//
// Grounded on github.com/hashicorp/raft-boltdb/v2, whose entire purpose
// is wrapping go.etcd.io/bbolt as a raft.LogStore/raft.StableStore; this
// package uses the same library directly for a second, independent bbolt
// file per partition that records applied (not just proposed) entries,
// which raft's own log store does not give us once log compaction runs.
package wal

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dreamware/shardkv/internal/kverrors"
)

var (
	bucketEntries  = []byte("entries")
	bucketMeta     = []byte("meta")
	keyMetaRecord  = []byte("record")
)

// MetaRecord is the one-shot startup record spec's original_source keeps
// per partition database: enough to detect a topology mismatch (a WAL
// opened by a process with a different shard/partition count than the
// one that created it) before replay begins.
type MetaRecord struct {
	Epoch         uint8
	ShardID       int
	NumShards     int
	NumPartitions int
	NumWorkers    int
	Timestamp     int64 // unix seconds, stamped by the caller (this package never calls time.Now on its own per the no-nondeterminism rule used elsewhere)
}

// WAL wraps one bbolt file holding one partition's durable applied-entry
// log plus its metadata record.
type WAL struct {
	db   *bbolt.DB
	path string
}

// Open opens (creating if needed) the bbolt file at path and ensures both
// buckets exist.
func Open(path string) (*WAL, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wal: init buckets: %w", err)
	}
	return &WAL{db: db, path: path}, nil
}

// Close closes the underlying bbolt file.
func (w *WAL) Close() error {
	return w.db.Close()
}

// WriteMeta persists the partition's metadata record, overwriting any
// prior record — called once at process startup before replay begins.
func (w *WAL) WriteMeta(m MetaRecord) error {
	return w.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put(keyMetaRecord, encodeMeta(m))
	})
}

// ReadMeta returns the previously written metadata record, or
// (MetaRecord{}, false) if none exists yet (a fresh partition).
func (w *WAL) ReadMeta() (MetaRecord, bool, error) {
	var m MetaRecord
	var found bool
	err := w.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		raw := b.Get(keyMetaRecord)
		if raw == nil {
			return nil
		}
		var err error
		m, err = decodeMeta(raw)
		found = err == nil
		return err
	})
	if err != nil {
		return MetaRecord{}, false, fmt.Errorf("wal: read meta: %w", err)
	}
	return m, found, nil
}

// Append durably records one applied entry keyed by its commit timestamp
// (ts*10+epoch encoding, per spec §3), so recovery can replay from the
// highest ts persisted rather than from the start of the raft log.
func (w *WAL) Append(encodedTS uint32, payload []byte) error {
	return w.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, encodedTS) // big-endian key so bbolt's byte-order cursor iterates in ts order
		return b.Put(key, payload)
	})
}

// HighestTS returns the highest encoded timestamp durably recorded, or
// (0, false) if the log is empty — the disk_ts input to
// internal/watermark.Tracker.SetDisk.
func (w *WAL) HighestTS() (uint32, bool, error) {
	var ts uint32
	var found bool
	err := w.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		ts = binary.BigEndian.Uint32(k)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("wal: %w: %v", kverrors.ErrCorrupt, err)
	}
	return ts, found, nil
}

// Replay calls fn for every durable entry in ascending timestamp order,
// for recovery-time replay into a fresh Executor.
func (w *WAL) Replay(fn func(encodedTS uint32, payload []byte) error) error {
	return w.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(binary.BigEndian.Uint32(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeMeta(m MetaRecord) []byte {
	buf := make([]byte, 1+8*4+8)
	buf[0] = m.Epoch
	binary.LittleEndian.PutUint64(buf[1:], uint64(m.ShardID))
	binary.LittleEndian.PutUint64(buf[9:], uint64(m.NumShards))
	binary.LittleEndian.PutUint64(buf[17:], uint64(m.NumPartitions))
	binary.LittleEndian.PutUint64(buf[25:], uint64(m.NumWorkers))
	binary.LittleEndian.PutUint64(buf[33:], uint64(m.Timestamp))
	return buf
}

func decodeMeta(buf []byte) (MetaRecord, error) {
	if len(buf) < 41 {
		return MetaRecord{}, fmt.Errorf("wal: %w: meta record too short", kverrors.ErrCorrupt)
	}
	return MetaRecord{
		Epoch:         buf[0],
		ShardID:       int(binary.LittleEndian.Uint64(buf[1:])),
		NumShards:     int(binary.LittleEndian.Uint64(buf[9:])),
		NumPartitions: int(binary.LittleEndian.Uint64(buf[17:])),
		NumWorkers:    int(binary.LittleEndian.Uint64(buf[25:])),
		Timestamp:     int64(binary.LittleEndian.Uint64(buf[33:])),
	}, nil
}
