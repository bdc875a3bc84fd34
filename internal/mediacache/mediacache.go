// Package mediacache stores generated/downloaded image and video bytes on
// local disk and serves them back through gateway-local URLs, so a client
// never needs direct upstream credentials to fetch an asset (spec.md §4.3,
// §6 "/v1/files/..."). Grounded on the teacher's internal/client/gemini-web
// media download flow for content-type sniffing, generalized from
// write-once-to-a-named-file to a content-addressed store with an LRU index
// backed by hashicorp/golang-lru (a pack dependency with no teacher
// equivalent, adopted because the teacher's media handling never needed
// bounded in-memory indexing of a disk cache).
package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// entry is the LRU index's value: enough to serve a HTTP GET without
// re-reading the file's content type off disk each time.
type entry struct {
	path        string
	contentType string
	size        int64
}

// Cache is a content-addressed, size-bounded local media store.
type Cache struct {
	dir        string
	publicBase string
	log        *logrus.Entry

	mu    sync.Mutex
	index *lru.Cache[string, entry]

	httpClient *http.Client
}

// New builds a Cache rooted at dir, creating it if necessary. maxEntries
// bounds how many distinct assets are tracked; eviction from the index also
// removes the backing file, per the LRU-over-disk contract in spec.md §4.3.
func New(dir string, maxEntries int, publicBaseURL string, log *logrus.Entry) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mediacache: mkdir %s: %w", dir, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Cache{dir: dir, publicBase: publicBaseURL, log: log.WithField("component", "mediacache"), httpClient: &http.Client{}}
	idx, err := lru.NewWithEvict(maxEntries, func(id string, e entry) {
		if rmErr := os.Remove(e.path); rmErr != nil && !os.IsNotExist(rmErr) {
			c.log.WithError(rmErr).WithField("id", id).Warn("mediacache: evict failed to remove file")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("mediacache: new lru: %w", err)
	}
	c.index = idx
	return c, nil
}

// id returns the content-addressed identifier for data, so identical bytes
// submitted twice resolve to the identical URL (spec.md §8 media-URL
// stability property) without a second disk write.
func id(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func extFor(kind string) string {
	switch kind {
	case "video":
		return ".mp4"
	default:
		return ".bin"
	}
}

// Put writes data to the content-addressed store under kind's subdirectory
// ("image" or "video") and returns the gateway-local URL clients should use
// to retrieve it. A second Put of identical bytes is a no-op write and
// returns the same URL.
func (c *Cache) Put(ctx context.Context, data []byte, kind string) (string, error) {
	assetID := id(data)
	c.mu.Lock()
	if e, ok := c.index.Get(assetID); ok {
		c.mu.Unlock()
		return c.urlFor(kind, assetID, e), nil
	}
	c.mu.Unlock()

	contentType := http.DetectContentType(data)
	subdir := filepath.Join(c.dir, kind)
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return "", fmt.Errorf("mediacache: mkdir %s: %w", subdir, err)
	}
	path := filepath.Join(subdir, assetID+extFor(kind))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return "", fmt.Errorf("mediacache: write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return "", fmt.Errorf("mediacache: rename %s: %w", tmp, err)
		}
	}

	e := entry{path: path, contentType: contentType, size: int64(len(data))}
	c.mu.Lock()
	c.index.Add(assetID, e)
	c.mu.Unlock()
	return c.urlFor(kind, assetID, e), nil
}

// FetchAndStore downloads remoteURL and stores it the same way Put would,
// used when upstream returns an asset by URL rather than inline bytes
// (spec.md §4.3 image/video response_format == "url").
func (c *Cache) FetchAndStore(ctx context.Context, remoteURL string, kind string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("mediacache: build fetch request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mediacache: fetch %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mediacache: fetch %s: status %d", remoteURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("mediacache: read %s: %w", remoteURL, err)
	}
	return c.Put(ctx, data, kind)
}

func (c *Cache) urlFor(kind, assetID string, e entry) string {
	name := assetID + extFor(kind)
	if c.publicBase != "" {
		return c.publicBase + "/v1/files/" + kind + "/" + name
	}
	return "/v1/files/" + kind + "/" + name
}

// Open resolves a previously-stored asset by its file name (the last path
// segment of the URL Put/FetchAndStore returned), for the media proxy
// handler. It reports os.ErrNotExist when the name isn't tracked.
func (c *Cache) Open(kind, name string) (io.ReadCloser, string, int64, error) {
	assetID := name
	if ext := filepath.Ext(name); ext != "" {
		assetID = name[:len(name)-len(ext)]
	}
	c.mu.Lock()
	e, ok := c.index.Get(assetID)
	c.mu.Unlock()
	if !ok {
		return nil, "", 0, os.ErrNotExist
	}
	f, err := os.Open(e.path)
	if err != nil {
		return nil, "", 0, err
	}
	return f, e.contentType, e.size, nil
}

// Stat reports the number of tracked assets, for the admin surface.
func (c *Cache) Stat() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Clear removes every tracked asset, or only those under kind when kind is
// non-empty, for the admin cache-clear endpoint.
func (c *Cache) Clear(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, assetID := range c.index.Keys() {
		e, ok := c.index.Peek(assetID)
		if !ok {
			continue
		}
		if kind != "" && filepath.Base(filepath.Dir(e.path)) != kind {
			continue
		}
		c.index.Remove(assetID)
		removed++
	}
	return removed
}
