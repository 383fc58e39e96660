package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"decloud/internal/model"
)

// Event describes a committed write under a subscribed path.
type Event struct {
	Path    string
	Deleted bool
}

// Store is the replicated key/value capability consumed by the core.
// Paths are "/"-separated; values are JSON objects. Lists are modelled as
// keyed children of a path.
type Store interface {
	Get(path string, v any) error
	Put(path string, v any) error
	Delete(path string) error
	Children(path string) ([]string, error)
	Subscribe(prefix string, fn func(Event)) (cancel func())
	Close() error
}

// LevelStore is a Store backed by goleveldb.
type LevelStore struct {
	db *leveldb.DB

	mu   sync.RWMutex
	subs map[uint64]subscription
	next uint64
}

type subscription struct {
	prefix string
	fn     func(Event)
}

var _ Store = (*LevelStore)(nil)

// Open opens (or creates) a store rooted at dir.
func Open(dir string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		WriteBuffer: 4 * 1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dir, err)
	}
	return newLevelStore(db), nil
}

// OpenMemory opens a store that lives only in memory.
func OpenMemory() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return newLevelStore(db), nil
}

func newLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db, subs: make(map[uint64]subscription)}
}

// Get decodes the value at path into v.
func (s *LevelStore) Get(path string, v any) error {
	key, err := cleanPath(path)
	if err != nil {
		return err
	}
	data, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, model.ErrNotFound)
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Put replaces the value at path.
func (s *LevelStore) Put(path string, v any) error {
	key, err := cleanPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.notify(Event{Path: key})
	return nil
}

// Delete removes path and everything below it. Missing paths are not an error.
func (s *LevelStore) Delete(path string) error {
	key, err := cleanPath(path)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(key))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(key+"/")), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan %s: %w", key, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.notify(Event{Path: key, Deleted: true})
	return nil
}

// Children lists the immediate child segments under path, in key order.
func (s *LevelStore) Children(path string) ([]string, error) {
	key, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	prefix := key + "/"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []string
	seen := map[string]bool{}
	for iter.Next() {
		rest := string(iter.Key()[len(prefix):])
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, rest)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("children %s: %w", key, err)
	}
	return out, nil
}

// Subscribe registers fn for writes at prefix or below it. An empty prefix
// matches every path. Callbacks run on the writer's goroutine after commit
// and must not block.
func (s *LevelStore) Subscribe(prefix string, fn func(Event)) func() {
	prefix = strings.Trim(prefix, "/")

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscription{prefix: prefix, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Close closes the underlying database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) notify(ev Event) {
	s.mu.RLock()
	matched := make([]func(Event), 0, len(s.subs))
	for _, sub := range s.subs {
		if matches(sub.prefix, ev.Path) {
			matched = append(matched, sub.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range matched {
		fn(ev)
	}
}

func matches(prefix, path string) bool {
	if prefix == "" || prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func cleanPath(path string) (string, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		return "", errors.New("store: empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			return "", fmt.Errorf("store: empty segment in %q", path)
		}
	}
	return p, nil
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
