package cache

import (
	"encoding/binary"
	"time"
)

// Provider stores and retrieves []byte values, which here are serialized
// HTTP responses. Keys carry a generation prefix so several cache
// generations can live in the same database; operating on key prefixes is
// therefore essential.
//
// Entries have no expiry. They live until deleted or until their
// generation is orphaned by a rename.
//
// Implementations must be thread-safe!
type Provider interface {
	// Keys calls fn for each stored key with the given prefix. The
	// callback form keeps very large key sets processable (an
	// implementation might page).
	Keys(prefix string, fn func(key string)) error
	// All returns every entry whose key starts with prefix.
	All(prefix string) ([]Entry, error)
	// Get returns the value stored under key, if it exists. The boolean
	// reports whether the key was found.
	Get(key string) ([]byte, bool, error)
	// Put stores bytes under key, replacing any previous value.
	Put(key string, bytes []byte) error
	// Delete removes the entry for key. Deleting a missing key is not an
	// error.
	Delete(key string) error
	// Has checks if the specified key exists.
	Has(key string) bool
	// Close releases the underlying database handles.
	Close() error
}

// Entry is one stored value together with its bookkeeping.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// The byte-oriented providers carry the store time in an 8-byte value
// header so listings can report it.

func encodeValue(storedAt time.Time, bytes []byte) []byte {
	val := make([]byte, 8+len(bytes))
	binary.BigEndian.PutUint64(val, uint64(storedAt.Unix()))
	copy(val[8:], bytes)
	return val
}

func decodeValue(val []byte) (time.Time, []byte) {
	if len(val) < 8 {
		return time.Time{}, val
	}
	sec := int64(binary.BigEndian.Uint64(val))
	return time.Unix(sec, 0), val[8:]
}
