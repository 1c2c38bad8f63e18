package service

import (
	"container/list"
	"sync"
	"time"
)

// AudioCache 解码后音频的 LRU+TTL 缓存，由调用方构造并持有
type AudioCache struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	ll         *list.List
	items      map[string]*list.Element
}

type audioCacheEntry struct {
	key     string
	audio   *DecodedAudio
	savedAt time.Time
}

// NewAudioCache maxEntries<=0 表示不限条数，ttl<=0 表示不过期
func NewAudioCache(maxEntries int, ttl time.Duration) *AudioCache {
	return &AudioCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
		ll:         list.New(),
		items:      map[string]*list.Element{},
	}
}

func (c *AudioCache) Get(key string) (*DecodedAudio, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*audioCacheEntry)
	if c.ttl > 0 && c.now().Sub(e.savedAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.audio, true
}

func (c *AudioCache) Put(key string, audio *DecodedAudio) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		e := el.Value.(*audioCacheEntry)
		e.audio, e.savedAt = audio, c.now()
		return
	}
	c.items[key] = c.ll.PushFront(&audioCacheEntry{key: key, audio: audio, savedAt: c.now()})
	for c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		c.removeLocked(c.ll.Back())
	}
}

func (c *AudioCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *AudioCache) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*audioCacheEntry).key)
}
