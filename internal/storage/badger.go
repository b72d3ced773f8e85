package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	logx "zclaw/pkg/logx"
)

// badgerStore persists the keyspace in an embedded badger database.
// Suited for deployments with frequent small writes (cron slots, memory).
type badgerStore struct {
	db  *badger.DB
	log logx.Logger

	stopGC   chan struct{}
	gcDone   chan struct{}
	stopOnce sync.Once
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.CompactL0OnClose = true
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &badgerStore{
		db:     db,
		log:    log,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

// runGC periodically reclaims value-log space.
func (s *badgerStore) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *badgerStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopGC) })
	<-s.gcDone
	return s.db.Close()
}

func (s *badgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = make([]byte, len(val))
			copy(out, val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *badgerStore) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	if key == "" {
		return errors.New("empty key")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *badgerStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	if key == "" {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *badgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
