package storagecache

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/vidfilter/server/storage"
)

// StorageCache caches blob store files on the local disk so that
// clients can seek inside them. Without seeking we can't use
// http.ServeContent, and range requests from video players
// would all fail.
// Items that are currently open are never evicted, so the cache
// can temporarily grow beyond maxBytes.
type StorageCache struct {
	log       logs.Log
	upstream  storage.Storage
	cacheRoot string
	maxBytes  int64

	itemsLock sync.Mutex // Guards everything below
	bytesUsed int64
	items     map[string]*cacheItem
	tick      int64
}

type cacheItem struct {
	filename   string
	size       int64
	modifiedAt time.Time
	lock       int
	lastUsed   int64
}

// CacheItemReader is an open handle to a cached file
type CacheItemReader struct {
	store *StorageCache
	item  *cacheItem
	f     io.ReadSeekCloser // OS file in our cache
}

func (r *CacheItemReader) Read(p []byte) (n int, err error) {
	return r.f.Read(p)
}

func (r *CacheItemReader) Seek(offset int64, whence int) (int64, error) {
	return r.f.Seek(offset, whence)
}

func (r *CacheItemReader) Close() error {
	r.store.itemsLock.Lock()
	r.item.lock--
	r.store.itemsLock.Unlock()
	return r.f.Close()
}

func (r *CacheItemReader) Size() int64 {
	return r.item.size
}

func (r *CacheItemReader) ModifiedAt() time.Time {
	return r.item.modifiedAt
}

// NewStorageCache wipes cacheRoot and starts empty
func NewStorageCache(log logs.Log, upstream storage.Storage, cacheRoot string, maxBytes int64) (*StorageCache, error) {
	os.RemoveAll(cacheRoot)
	if err := os.MkdirAll(cacheRoot, 0755); err != nil {
		return nil, err
	}
	return &StorageCache{
		log:       logs.NewPrefixLogger(log, "StorageCache"),
		upstream:  upstream,
		cacheRoot: cacheRoot,
		maxBytes:  maxBytes,
		items:     map[string]*cacheItem{},
	}, nil
}

// Open returns a seekable reader for a storage file, downloading it first if necessary.
// Errors from the upstream storage are returned unchanged, so errors.Is(err, storage.ErrNotExist) works.
func (s *StorageCache) Open(filename string) (*CacheItemReader, error) {
	if err := storage.ValidateName(filename); err != nil {
		return nil, err
	}
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	item := s.items[filename]
	if item == nil {
		s.purgeStale()
		if err := s.acquire(filename); err != nil {
			return nil, err
		}
		item = s.items[filename]
	}
	f, err := os.Open(s.diskPath(filename))
	if err != nil {
		return nil, err
	}
	item.lock++
	item.lastUsed = s.tick
	s.tick++
	return &CacheItemReader{
		store: s,
		item:  item,
		f:     f,
	}, nil
}

// BytesUsed returns the total size of all files in the cache
func (s *StorageCache) BytesUsed() int64 {
	s.itemsLock.Lock()
	defer s.itemsLock.Unlock()
	return s.bytesUsed
}

func (s *StorageCache) diskPath(filename string) string {
	return filepath.Join(s.cacheRoot, filepath.FromSlash(filename))
}

func (s *StorageCache) acquire(filename string) error {
	src, err := s.upstream.ReadFile(filename)
	if err != nil {
		return err
	}
	defer src.Reader.Close()
	s.log.Debugf("Fetching %v (%v bytes)", filename, src.Size)
	ondiskFilename := s.diskPath(filename)
	if err := os.MkdirAll(filepath.Dir(ondiskFilename), 0755); err != nil {
		return err
	}
	dst, err := os.Create(ondiskFilename)
	if err != nil {
		return err
	}
	size, err := io.Copy(dst, src.Reader)
	if err == nil {
		err = dst.Close()
	} else {
		dst.Close()
	}
	if err != nil {
		os.Remove(ondiskFilename)
		return err
	}
	s.items[filename] = &cacheItem{
		filename:   filename,
		size:       size,
		modifiedAt: src.ModifiedAt,
		lastUsed:   s.tick,
	}
	s.bytesUsed += size
	return nil
}

// Evict least recently used items until we're under budget
func (s *StorageCache) purgeStale() {
	if s.bytesUsed <= s.maxBytes {
		return
	}
	unused := []*cacheItem{}
	for _, item := range s.items {
		if item.lock == 0 {
			unused = append(unused, item)
		}
	}
	sort.Slice(unused, func(i, j int) bool {
		return unused[i].lastUsed < unused[j].lastUsed
	})
	for _, item := range unused {
		if s.bytesUsed <= s.maxBytes {
			break
		}
		s.bytesUsed -= item.size
		delete(s.items, item.filename)
		os.Remove(s.diskPath(item.filename))
	}
}
