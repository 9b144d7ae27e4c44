// Package session remembers the last classified image per browser session so
// that refreshing the page or re-submitting the same photo does not run the
// model again.
package session

import (
	"sync"
	"time"

	"github.com/Brownie44l1/banana-api/internal/classifier"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxSessions = 1024
)

// Entry is what a session remembers about its last upload.
type Entry struct {
	Digest      digest.Digest
	Image       []byte
	Format      string // sniffed content type, used to echo the image back
	Prediction  classifier.Prediction
	lastTouched time.Time
}

// ClassifyFunc produces a prediction for image bytes.
type ClassifyFunc func(data []byte) (classifier.Prediction, error)

type Cache struct {
	mu          sync.Mutex
	entries     map[string]*Entry
	ttl         time.Duration
	maxSessions int
	now         func() time.Time
	group       singleflight.Group
}

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	TTL         time.Duration
	MaxSessions int
	Now         func() time.Time
}

func NewCache(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:     make(map[string]*Entry),
		ttl:         opts.TTL,
		maxSessions: opts.MaxSessions,
		now:         opts.Now,
	}
}

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like an identifier issued by NewID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Last returns the session's remembered entry, if it has one that has not
// expired.
func (c *Cache) Last(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.lastTouched) > c.ttl {
		delete(c.entries, id)
		return Entry{}, false
	}
	e.lastTouched = c.now()
	return *e, true
}

// Classify returns the session's cached prediction when data matches the last
// upload, and otherwise runs classify and remembers the result. Concurrent
// calls for identical bytes share one classify call. The second return value
// reports whether the result came from the session's cache.
func (c *Cache) Classify(id string, data []byte, format string, classify ClassifyFunc) (classifier.Prediction, bool, error) {
	dgst := digest.FromBytes(data)

	if e, ok := c.Last(id); ok && e.Digest == dgst {
		return e.Prediction, true, nil
	}

	v, err, _ := c.group.Do(dgst.String(), func() (any, error) {
		return classify(data)
	})
	if err != nil {
		return classifier.Prediction{}, false, err
	}
	p := v.(classifier.Prediction)

	c.store(id, &Entry{
		Digest:     dgst,
		Image:      data,
		Format:     format,
		Prediction: p,
	})
	return p, false, nil
}

// Forget drops a session's entry.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len is the number of live sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) store(id string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e.lastTouched = now
	c.entries[id] = e

	for sid, old := range c.entries {
		if now.Sub(old.lastTouched) > c.ttl {
			delete(c.entries, sid)
		}
	}
	for len(c.entries) > c.maxSessions {
		c.evictOldest(id)
	}
}

func (c *Cache) evictOldest(keep string) {
	var oldestID string
	var oldest time.Time
	for sid, e := range c.entries {
		if sid == keep {
			continue
		}
		if oldestID == "" || e.lastTouched.Before(oldest) {
			oldestID, oldest = sid, e.lastTouched
		}
	}
	delete(c.entries, oldestID)
}
