package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// entry is the in-memory metadata for one resident blob.
type entry struct {
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	refs       int
}

// indexFile is the on-disk shape of store_info.
type indexFile struct {
	Items map[string]indexItem `json:"items"`
}

type indexItem struct {
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// Config configures a Store.
type Config struct {
	BaseDir        string
	HighWaterBytes uint64
	LowWaterBytes  uint64
}

// Store is the content-addressed blob store of spec §4.A. One process may
// hold a Store open on a given BaseDir at a time; Open acquires an
// exclusive OS-level lock to enforce this (spec §5, "Shared resources").
type Store struct {
	cfg Config
	log *zap.SugaredLogger

	mu       sync.Mutex
	order    *lru.Cache[Key, struct{}] // recency order, oldest-first via Keys()
	entries  map[Key]*entry
	size     uint64
	lockFile *os.File
}

// Open opens or creates the store rooted at cfg.BaseDir. It locks the
// store directory exclusively; a second Open on the same directory from
// another process blocks until the first is Closed (spec §5).
func Open(cfg Config, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}

	lockPath := filepath.Join(cfg.BaseDir, "lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open lock file: %w", err)
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		log.Warnw("store directory locked, waiting", "path", cfg.BaseDir)
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			lf.Close()
			return nil, fmt.Errorf("store: acquire exclusive lock: %w", err)
		}
	}

	// A very large capacity: eviction is driven by byte-size accounting
	// below, not by the cache's own count-based policy. We only use
	// lru.Cache for its recency-ordered Keys().
	order, _ := lru.New[Key, struct{}](1 << 30)

	s := &Store{cfg: cfg, log: log, order: order, entries: map[Key]*entry{}, lockFile: lf}
	if err := s.loadIndex(); err != nil {
		lf.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the exclusive lock. It does not flush; call Flush first
// if pending metadata should be persisted.
func (s *Store) Close() error {
	syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	return s.lockFile.Close()
}

func (s *Store) shardPath(key Key) string {
	h := key.String()
	return filepath.Join(s.cfg.BaseDir, h[0:2], h[2:4], h)
}

func (s *Store) loadIndex() error {
	path := filepath.Join(s.cfg.BaseDir, "store_info")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: read index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		s.log.Warnw("store index corrupt, starting empty", "error", err)
		return nil
	}
	for hexKey, item := range idx.Items {
		key, err := ParseKey(hexKey)
		if err != nil {
			continue
		}
		// Drop orphan index entries whose blob no longer exists on disk
		// (spec §8, property 4: no dangling keys after a load).
		if _, err := os.Stat(s.shardPath(key)); err != nil {
			continue
		}
		s.entries[key] = &entry{Size: item.Size, LastAccess: item.LastAccess}
		s.order.Add(key, struct{}{})
		s.size += uint64(item.Size)
	}
	return nil
}

// Flush persists the in-memory index to store_info under the exclusive
// lock acquired in Open (spec §4.A).
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	idx := indexFile{Items: map[string]indexItem{}}
	for k, e := range s.entries {
		idx.Items[k.String()] = indexItem{Size: e.Size, LastAccess: e.LastAccess}
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("store: marshal index: %w", err)
	}
	tmp := filepath.Join(s.cfg.BaseDir, "store_info.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write temp index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.cfg.BaseDir, "store_info"))
}

// Has reports whether key is resident, without pinning it or bumping its
// recency (spec §4.A, "has").
func (s *Store) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Store writes data under key, verifying the digest matches, atomically
// (write-to-temp then rename, spec §3 invariant 5). Store is idempotent:
// writing the same key twice is a cheap no-op after the first write.
func (s *Store) Store(key Key, data []byte) error {
	if got := HashBytes(data); got != key {
		return fmt.Errorf("store: digest mismatch: expected %s got %s", key, got)
	}

	path := s.shardPath(key)
	if _, err := os.Stat(path); err == nil {
		s.touch(key, int64(len(data)))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir shard: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write temp blob: %w", err)
	}
	if err := os.Chmod(tmp, 0o444); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: mark readonly: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename into place: %w", err)
	}

	s.touch(key, int64(len(data)))
	s.maybeEvict()
	return nil
}

// StoreReader is like Store but for streamed content: it copies the
// stream to a temp file while hashing it, then hard-links the file into
// place under the computed key, which it returns. Used when the caller
// does not know the key ahead of time, or
// wants to avoid double-buffering large files.
func (s *Store) StoreReader(r io.Reader) (Key, error) {
	tmp, err := os.CreateTemp(s.cfg.BaseDir, "incoming-*")
	if err != nil {
		return Key{}, fmt.Errorf("store: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	key, n, err := HashReader(io.TeeReader(r, tmp))
	tmp.Close()
	if err != nil {
		return Key{}, fmt.Errorf("store: hash stream: %w", err)
	}

	path := s.shardPath(key)
	if _, err := os.Stat(path); err == nil {
		s.touch(key, n)
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Key{}, fmt.Errorf("store: mkdir shard: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return Key{}, fmt.Errorf("store: mark readonly: %w", err)
	}
	if err := os.Link(tmpPath, path); err != nil {
		return Key{}, fmt.Errorf("store: link into place: %w", err)
	}
	s.touch(key, n)
	s.maybeEvict()
	return key, nil
}

func (s *Store) touch(key Key, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.LastAccess = time.Now()
	} else {
		s.entries[key] = &entry{Size: size, LastAccess: time.Now()}
		s.size += uint64(size)
	}
	s.order.Add(key, struct{}{})
}

// Handle is a reference-counted pin against a resident entry. As long as
// a Handle is live, eviction will never remove the entry it pins (spec §3,
// "Ownership").
type Handle struct {
	store *Store
	key   Key
	path  string
}

// Key returns the content hash this handle refers to.
func (h Handle) Key() Key { return h.key }

// Path returns the on-disk path of the pinned blob.
func (h Handle) Path() string { return h.path }

// Release unpins the entry. It is safe to call multiple times; only the
// first call has an effect.
func (h *Handle) Release() {
	if h.store == nil {
		return
	}
	h.store.mu.Lock()
	if e, ok := h.store.entries[h.key]; ok && e.refs > 0 {
		e.refs--
	}
	h.store.mu.Unlock()
	h.store = nil
}

// Get returns a pinned Handle to key if resident, bumping its recency. It
// performs an integrity check (digest recompute) and evicts the entry on
// mismatch, returning (nil, false) — store corruption never panics, it
// degrades to a miss (spec §4.A "Failure semantics").
func (s *Store) Get(key Key) (*Handle, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	path := s.shardPath(key)
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		s.dropCorrupt(key)
		return nil, false
	}
	got, _, err := HashReader(f)
	f.Close()
	if err != nil || got != key {
		s.log.Warnw("store entry failed integrity check, evicting", "key", key)
		s.dropCorrupt(key)
		return nil, false
	}

	s.mu.Lock()
	e.LastAccess = time.Now()
	e.refs++
	s.order.Add(key, struct{}{})
	s.mu.Unlock()

	return &Handle{store: s, key: key, path: path}, true
}

func (s *Store) dropCorrupt(key Key) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.size -= uint64(e.Size)
		delete(s.entries, key)
	}
	s.order.Remove(key)
	s.mu.Unlock()
	os.Remove(s.shardPath(key))
}

// maybeEvict runs LRU eviction down to the low-water mark whenever usage
// exceeds the high-water mark (spec §4.A, §8 property 5). Pinned entries
// (refs > 0) are never evicted.
func (s *Store) maybeEvict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.HighWaterBytes == 0 || s.size <= s.cfg.HighWaterBytes {
		return
	}
	for _, key := range s.order.Keys() {
		if s.size <= s.cfg.LowWaterBytes {
			break
		}
		e, ok := s.entries[key]
		if !ok || e.refs > 0 {
			continue
		}
		s.size -= uint64(e.Size)
		delete(s.entries, key)
		s.order.Remove(key)
		os.Remove(s.shardPath(key))
	}
}

// Size returns the current total size, in bytes, of all resident blobs.
func (s *Store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
