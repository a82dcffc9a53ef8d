package journal

import (
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// PebbleBackend stores entries in a PebbleDB directory.
type PebbleBackend struct {
	db   *pebble.DB
	path string
}

// NewPebbleBackend opens (creating if missing) a PebbleDB at cfg.Path.
func NewPebbleBackend(cfg *Config) (Backend, error) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", cfg.Path, err)
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Path, err)
	}
	return &PebbleBackend{db: db, path: cfg.Path}, nil
}

func (p *PebbleBackend) Name() string {
	return fmt.Sprintf("pebble(%s)", p.path)
}

func (p *PebbleBackend) Append(e Entry) error {
	return p.db.Set(encodeKey(e.Index), encodeValue(e), pebble.Sync)
}

func (p *PebbleBackend) Iterate(from uint64, fn func(Entry) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: encodeKey(from)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
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

func (p *PebbleBackend) Last() (uint64, bool, error) {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	index, err := decodeKey(iter.Key())
	if err != nil {
		return 0, false, err
	}
	return index, true, nil
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}
