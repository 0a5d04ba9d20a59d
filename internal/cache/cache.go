package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/dreamware/taskexec/internal/dag"
	"github.com/dreamware/taskexec/internal/store"
)

const (
	magic      = "task-maker-cache"
	versionLen = 16
	// Version is bumped on any breaking change to the entry encoding.
	// Changing it invalidates every existing cache file outright.
	Version = "1"
)

// Entry records one past result for a cache key: the execution result
// (status and resource usage) and the store keys of each produced
// output, so a hit can be served without re-running the group (spec
// §4.B).
type Entry struct {
	Result  dag.ExecutionResult `msgpack:"result"`
	Outputs map[string]string   `msgpack:"outputs"` // path -> hex store key
}

// onDiskEntries is the serialized shape of the whole cache file.
type onDiskEntries map[string][]Entry

// Cache is the persistent execution cache (spec §4.B). It is owned
// exclusively by the scheduler goroutine once loaded (spec §5).
type Cache struct {
	path string
	log  *zap.SugaredLogger

	mu      sync.Mutex
	entries map[Key][]Entry
	dirty   bool
}

// Load reads path, rejecting it wholesale on a magic or version mismatch
// (spec §4.B, §9) and starting with an empty cache in that case. Load
// logs such a rejection itself as a warning and returns a nil error; only
// a failure to read an existing file is returned as an error.
func Load(path string, log *zap.SugaredLogger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Cache{path: path, log: log, entries: map[Key][]Entry{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read file: %w", err)
	}

	header := len(magic) + versionLen
	if len(data) < header {
		log.Warnw("cache file too short, starting empty", "path", path)
		return c, nil
	}
	if string(data[:len(magic)]) != magic {
		log.Warnw("cache magic mismatch, discarding cache", "path", path)
		return c, nil
	}
	versionField := string(trimZero(data[len(magic):header]))
	if versionField != Version {
		log.Warnw("cache version mismatch, discarding cache", "path", path, "found", versionField, "want", Version)
		return c, nil
	}

	var onDisk onDiskEntries
	if err := msgpack.Unmarshal(data[header:], &onDisk); err != nil {
		log.Warnw("cache content corrupt, discarding cache", "path", path, "error", err)
		return c, nil
	}
	for keyStr, entries := range onDisk {
		key, err := parseKeyString(keyStr)
		if err != nil {
			continue
		}
		c.entries[key] = entries
	}
	return c, nil
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func parseKeyString(s string) (Key, error) {
	data, variant, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("cache: malformed key string %q", s)
	}
	dataKey, err := store.ParseKey(data)
	if err != nil {
		return Key{}, err
	}
	variantKey, err := store.ParseKey(variant)
	if err != nil {
		return Key{}, err
	}
	return Key{Data: dataKey, Variant: variantKey}, nil
}

// Lookup returns the most recently inserted entry for key whose output
// store keys are all still resident, per isResident (spec §4.B,
// "Lookup"). Entries passed over because their outputs are no longer
// resident are pruned, and the cache is marked dirty.
func (c *Cache) Lookup(key Key, isResident func(hexKey string) bool) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.entries[key]
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		allResident := true
		for _, outKey := range e.Outputs {
			if !isResident(outKey) {
				allResident = false
				break
			}
		}
		if allResident {
			return e, true
		}
		entries = append(entries[:i], entries[i+1:]...)
		c.entries[key] = entries
		c.dirty = true
	}
	return Entry{}, false
}

// Insert appends a new entry for key and marks the cache dirty (spec
// §4.B, "Insertion: append, mark the file dirty").
func (c *Cache) Insert(key Key, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append(c.entries[key], e)
	c.dirty = true
}

// Flush persists the cache to disk via write-to-temp-then-rename, only if
// dirty (spec §4.B).
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	return c.flushLocked()
}

func (c *Cache) flushLocked() error {
	onDisk := onDiskEntries{}
	for k, entries := range c.entries {
		onDisk[k.String()] = entries
	}
	body, err := msgpack.Marshal(onDisk)
	if err != nil {
		return fmt.Errorf("cache: marshal entries: %w", err)
	}

	header := make([]byte, len(magic)+versionLen)
	copy(header, magic)
	copy(header[len(magic):], Version)

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("cache: write header: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("cache: write body: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("cache: rename into place: %w", err)
	}
	c.dirty = false
	return nil
}
