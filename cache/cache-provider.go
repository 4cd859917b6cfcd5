package cache

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP response
// snapshots, grouped into versioned generations. A generation comes into
// existence with its first write and is only ever removed as a whole via
// DeleteGeneration. A later Put for an existing key replaces the entry.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the stored snapshot for the given key in the given
	// generation, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(generation, key string) ([]byte, bool, error)
	// Put stores the given snapshot under the given key in the given
	// generation, replacing any previous entry for the key.
	Put(generation, key string, bytes []byte) error
	// Keys calls the given callback for each key in the given generation.
	Keys(generation string, cb func(string))
	// Generations returns the identifiers of all generations that hold at
	// least one entry.
	Generations() ([]string, error)
	// DeleteGeneration removes the given generation and all of its entries.
	// Deleting a generation that does not exist is not an error.
	DeleteGeneration(generation string) error
}

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string]memEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string]memEntry),
	}
}

func (m MemCache) Get(generation, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[generation]
	if !ok {
		return nil, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(generation, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[generation]
	if !ok {
		entries = make(map[string]memEntry)
		m.db[generation] = entries
	}
	entries[key] = memEntry{storedAt: time.Now(), bytes: bytes}
	return nil
}

func (m MemCache) Keys(generation string, cb func(string)) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for key := range m.db[generation] {
		cb(key)
	}
}

func (m MemCache) Generations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	generations := make([]string, 0, len(m.db))
	for generation := range m.db {
		generations = append(generations, generation)
	}
	sort.Strings(generations)
	return generations, nil
}

func (m MemCache) DeleteGeneration(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, generation)
	return nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteCache(filename string) SQLiteCache {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS cache (generation TEXT, key TEXT, stored_at INTEGER, bytes BLOB, PRIMARY KEY (generation, key))")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS generation_idx ON cache (generation)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteCache) Get(generation, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE generation = ? AND key = ?", generation, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(generation, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		generation, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Keys(generation string, cb func(string)) {
	rows, err := s.db.Query("SELECT key FROM cache WHERE generation = ?", generation)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}

func (s SQLiteCache) Generations() ([]string, error) {
	generations := make([]string, 0)
	rows, err := s.db.Query("SELECT DISTINCT generation FROM cache ORDER BY generation")
	if err != nil {
		return generations, err
	}
	defer rows.Close()

	for rows.Next() {
		var generation string
		if err := rows.Scan(&generation); err != nil {
			return generations, err
		}
		generations = append(generations, generation)
	}
	return generations, nil
}

func (s SQLiteCache) DeleteGeneration(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE generation = ?", generation)
	return err
}
