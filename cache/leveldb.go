package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a Provider backed by an on-disk LSM database. It suits large
// derivative sets well: cache tasks write entries in bulk and lookups scan
// by prefix, both of which LevelDB handles without a schema.
type LevelDB struct {
	db *leveldb.DB
}

func NewLevelDB(dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", dir, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(key string) ([]byte, bool, error) {
	val, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_, bytes := decodeValue(val)
	return bytes, true, nil
}

func (l *LevelDB) Put(key string, bytes []byte) error {
	return l.db.Put([]byte(key), encodeValue(time.Now(), bytes), nil)
}

func (l *LevelDB) Delete(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDB) All(prefix string) ([]Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	entries := make([]Entry, 0)
	for iter.Next() {
		stored, bytes := decodeValue(iter.Value())
		entries = append(entries, Entry{
			Key:      string(iter.Key()),
			StoredAt: stored,
			// the iterator reuses its buffers
			Bytes: append([]byte(nil), bytes...),
		})
	}
	return entries, iter.Error()
}

func (l *LevelDB) Keys(prefix string, fn func(string)) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		fn(string(iter.Key()))
	}
	return iter.Error()
}

func (l *LevelDB) Has(key string) bool {
	ok, err := l.db.Has([]byte(key), nil)
	return err == nil && ok
}

func (l *LevelDB) Close() error { return l.db.Close() }
