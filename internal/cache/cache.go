package cache

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/octobuild/octobuild"
)

// Cache is a directory of LZ4-framed cache entries, keyed by a hex
// content hash, stored two levels deep (key[0:2]/key[2:].lz4) the way
// distri's package store fans build artifacts out across
// subdirectories to keep any one directory small.
type Cache struct {
	dir        string
	limitBytes int64
	stat       *octobuild.Statistic

	// keyLocks serializes concurrent Store/Lookup on the same key
	// within this process. The rename from Store is already atomic, so
	// a reader never observes a half-written file either way; two
	// Stores of the same key still each compress and write their own
	// frame, one after the other, and the last rename wins.
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New opens (and creates, if necessary) a cache rooted at dir.
func New(dir string, limitBytes int64, stat *octobuild.Statistic) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("creating cache dir: %w", err)
	}
	return &Cache{
		dir:        dir,
		limitBytes: limitBytes,
		stat:       stat,
		keyLocks:   make(map[string]*sync.Mutex),
	}, nil
}

func (c *Cache) path(key string) string {
	if len(key) < 3 {
		return filepath.Join(c.dir, key+".lz4")
	}
	return filepath.Join(c.dir, key[:2], key[2:]+".lz4")
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLocks[key] = l
	}
	return l
}

// Lookup returns the cached entry for key, or ok=false on a miss.
// ErrCacheInvalid is returned (not a miss) when a frame exists on
// disk but fails to parse -- the caller should treat that the same as
// a miss but may want to log it, since it indicates either disk
// corruption or a cache-format skew across octobuild versions.
func (c *Cache) Lookup(key string) (entry *Entry, ok bool, err error) {
	l := c.lockFor(key)
	l.Lock()
	defer l.Unlock()

	path := c.path(key)
	ra, err := mmap.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer ra.Close()

	lzr := lz4.NewReader(io.NewSectionReader(ra, 0, int64(ra.Len())))
	entry, err = ReadFrame(lzr)
	if err != nil {
		return nil, false, xerrors.Errorf("%w: %v", octobuild.ErrCacheInvalid, err)
	}

	touch(path)

	size := int64(len(entry.Stdout) + len(entry.Stderr))
	for _, f := range entry.Files {
		size += int64(len(f))
	}
	if c.stat != nil {
		c.stat.AddHit(size)
	}
	return entry, true, nil
}

// Store writes entry under key, replacing any previous value
// atomically (sibling tempfile + rename, via renameio, so a reader
// never observes a partially written frame).
func (c *Cache) Store(key string, entry *Entry) error {
	l := c.lockFor(key)
	l.Lock()
	defer l.Unlock()

	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()

	zw := lz4.NewWriter(f)
	if err := WriteFrame(zw, entry); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	size, err := f.Seek(0, io.SeekCurrent) // compressed bytes written
	if err != nil {
		return err
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return err
	}

	if c.stat != nil {
		c.stat.AddMiss(size)
	}
	return nil
}

// touch bumps a file's mtime to now so Cleanup's LRU ordering reflects
// recent use; failures are not fatal to a cache lookup.
func touch(path string) {
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

type cacheFile struct {
	path  string
	size  int64
	mtime int64
}

// Cleanup evicts least-recently-used entries until the cache's total
// size is at or below limitBytes.
func (c *Cache) Cleanup() error {
	if c.limitBytes <= 0 {
		return nil
	}
	var files []cacheFile
	var total int64
	err := filepath.Walk(c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".lz4" {
			return nil
		}
		files = append(files, cacheFile{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return err
	}
	if total <= c.limitBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })
	for _, f := range files {
		if total <= c.limitBytes {
			break
		}
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		total -= f.size
	}
	return nil
}
