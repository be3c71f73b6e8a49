package storage

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the on-disk KV backend. One instance owns its directory; the
// file lock keeps a second process out.
type LevelDB struct {
	db  *leveldb.DB
	log hclog.Logger
}

// OpenLevelDB opens (or creates) the database directory, recovering from a
// dirty shutdown if needed.
func OpenLevelDB(path string, logger hclog.Logger) (*LevelDB, error) {
	options := &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     16 * opt.MiB,
		WriteBuffer:            16 * opt.MiB,
	}
	db, err := leveldb.OpenFile(path, options)
	if ldberrors.IsCorrupted(err) {
		logger.Warn("database corrupted, attempting recovery", "path", path)
		db, err = leveldb.RecoverFile(path, options)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	logger.Info("database opened", "path", path)
	return &LevelDB{db: db, log: logger}, nil
}

func (l *LevelDB) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return value, err
}

func (l *LevelDB) Put(key, value []byte) error {
	return l.db.Put(key, value, nil)
}

func (l *LevelDB) Delete(key []byte) error {
	return l.db.Delete(key, nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &ldbBatch{db: l.db, b: new(leveldb.Batch)}
}

func (l *LevelDB) NewIterator(prefix, start []byte) Iterator {
	return l.db.NewIterator(prefixRange(prefix, start), nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

// prefixRange limits iteration to keys with the prefix, beginning at
// prefix+start.
func prefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

type ldbBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *ldbBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	return nil
}

func (b *ldbBatch) Delete(key []byte) error {
	b.b.Delete(key)
	return nil
}

func (b *ldbBatch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *ldbBatch) Reset() {
	b.b.Reset()
}
