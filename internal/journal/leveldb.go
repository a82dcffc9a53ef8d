package journal

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBackend stores entries in a LevelDB directory.
type LevelDBBackend struct {
	db   *leveldb.DB
	path string
}

// NewLevelDBBackend opens (creating if missing) a LevelDB at cfg.Path.
func NewLevelDBBackend(cfg *Config) (Backend, error) {
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", cfg.Path, err)
	}
	return &LevelDBBackend{db: db, path: cfg.Path}, nil
}

func (l *LevelDBBackend) Name() string {
	return fmt.Sprintf("leveldb(%s)", l.path)
}

func (l *LevelDBBackend) Append(e Entry) error {
	return l.db.Put(encodeKey(e.Index), encodeValue(e), &opt.WriteOptions{Sync: true})
}

func (l *LevelDBBackend) Iterate(from uint64, fn func(Entry) error) error {
	iter := l.db.NewIterator(&util.Range{Start: encodeKey(from)}, nil)
	defer iter.Release()

	for iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (l *LevelDBBackend) Last() (uint64, bool, error) {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	index, err := decodeKey(iter.Key())
	if err != nil {
		return 0, false, err
	}
	return index, true, nil
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}
