package boombox

import (
	"sort"

	"github.com/petervdpas/boombox/internal/audio"
)

// Entry is a cached download. Clip is nil when only the title is known.
type Entry struct {
	Key   string
	Clip  *audio.Clip
	Title string
}

// Cache maps media keys to fetched clips and their titles. It is owned by
// the reactor goroutine and does no locking of its own.
type Cache struct {
	clips  map[string]*audio.Clip
	titles map[string]string
}

func NewCache() *Cache {
	return &Cache{
		clips:  make(map[string]*audio.Clip),
		titles: make(map[string]string),
	}
}

// Get is a pure lookup; it hits only when a clip is present.
func (c *Cache) Get(key string) (Entry, bool) {
	clip, ok := c.clips[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Key: key, Clip: clip, Title: c.titles[key]}, true
}

// Put stores clip under key, taking over the caller's reference. A previous
// clip for the same key is released.
func (c *Cache) Put(key string, clip *audio.Clip, title string) {
	if old, ok := c.clips[key]; ok && old != clip {
		old.Release()
	}
	c.clips[key] = clip
	if title != "" {
		c.titles[key] = title
	}
}

// SetTitle records a replicated title whether or not the clip is cached.
func (c *Cache) SetTitle(key, title string) {
	c.titles[key] = title
}

func (c *Cache) Title(key string) string {
	return c.titles[key]
}

// Evict drops the cache's reference to the clip and forgets the title.
func (c *Cache) Evict(key string) bool {
	clip, ok := c.clips[key]
	if ok {
		delete(c.clips, key)
		clip.Release()
	}
	delete(c.titles, key)
	return ok
}

// Keys lists cached keys, sorted.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, len(c.clips))
	for k := range c.clips {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear evicts everything.
func (c *Cache) Clear() {
	for k := range c.clips {
		c.Evict(k)
	}
	c.titles = make(map[string]string)
}
