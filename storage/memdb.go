package storage

import (
	"github.com/hashicorp/go-hclog"
	"github.com/syndtr/goleveldb/leveldb"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// NewMemDB opens a database on leveldb's in-memory storage, giving tests and
// ephemeral runs the exact semantics of the disk backend.
func NewMemDB() *LevelDB {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return &LevelDB{db: db, log: hclog.NewNullLogger()}
}
