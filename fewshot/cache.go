package fewshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	iface "OwlDetServer/interface"
	"OwlDetServer/logger"
	"OwlDetServer/monitor"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultCacheSize = 20

// ImageKey is the content hash of img: SHA-256 over its shape followed by its pixels.
func ImageKey(img iface.Image) string {
	h := sha256.New()
	var hdr [24]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(img.Width))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(img.Height))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(img.Channels))
	h.Write(hdr[:])
	h.Write(img.Pixels)
	return hex.EncodeToString(h.Sum(nil))
}

const nilSlot = -1

type cacheEntry struct {
	key       string
	proposals *iface.Proposals
	prev      int
	next      int
}

// Cache memoizes extractor output per image content. Entries live in a fixed
// arena linked in recency order; head is the most recent, tail the eviction victim.
// The mutex is not held while extracting; misses on the same content are
// collapsed into one extractor call.
type Cache struct {
	mu        sync.Mutex
	extractor iface.FeatureExtractor
	capacity  int
	entries   []cacheEntry
	index     map[string]int
	head      int
	tail      int
	flight    singleflight.Group
	log       *zap.Logger
}

func NewCache(extractor iface.FeatureExtractor, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		extractor: extractor,
		capacity:  capacity,
		entries:   make([]cacheEntry, 0, capacity),
		index:     make(map[string]int, capacity),
		head:      nilSlot,
		tail:      nilSlot,
		log:       logger.Named("cache"),
	}
}

// Embed returns the key of img, running the extractor only on a miss.
// A failed extraction leaves the cache untouched.
func (c *Cache) Embed(img iface.Image) (string, error) {
	key := ImageKey(img)

	c.mu.Lock()
	if slot, ok := c.index[key]; ok {
		c.moveToFront(slot)
		c.mu.Unlock()
		monitor.CacheLookups.WithLabelValues("hit").Inc()
		return key, nil
	}
	c.mu.Unlock()
	monitor.CacheLookups.WithLabelValues("miss").Inc()

	// Concurrent misses on the same content share one extraction.
	_, err, _ := c.flight.Do(key, func() (any, error) {
		if c.Contains(key) {
			return nil, nil
		}
		proposals, err := c.extractor.Extract(img)
		if err != nil {
			if errors.Is(err, iface.ErrExtractionFailure) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", iface.ErrExtractionFailure, err)
		}
		if err := validateProposals(proposals); err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.insert(key, proposals)
		monitor.CacheEntries.Set(float64(len(c.index)))
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// Proposals returns the region proposals stored under key and marks it as recently used.
func (c *Cache) Proposals(key string) (*iface.Proposals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", iface.ErrImageNotEmbedded, key)
	}
	c.moveToFront(slot)
	return c.entries[slot].proposals, nil
}

// Contains reports membership without touching recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[key]
	return ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) insert(key string, proposals *iface.Proposals) {
	if slot, ok := c.index[key]; ok {
		// Same content computed twice; the first result stays.
		c.moveToFront(slot)
		return
	}

	var slot int
	if len(c.entries) < c.capacity {
		c.entries = append(c.entries, cacheEntry{})
		slot = len(c.entries) - 1
	} else {
		slot = c.tail
		evicted := c.entries[slot].key
		c.unlink(slot)
		delete(c.index, evicted)
		c.log.Debug("evicted image embedding", zap.String("key", evicted))
	}

	c.entries[slot] = cacheEntry{key: key, proposals: proposals, prev: nilSlot, next: nilSlot}
	c.index[key] = slot
	c.pushFront(slot)
}

func (c *Cache) moveToFront(slot int) {
	if c.head == slot {
		return
	}
	c.unlink(slot)
	c.pushFront(slot)
}

func (c *Cache) pushFront(slot int) {
	e := &c.entries[slot]
	e.prev = nilSlot
	e.next = c.head
	if c.head != nilSlot {
		c.entries[c.head].prev = slot
	}
	c.head = slot
	if c.tail == nilSlot {
		c.tail = slot
	}
}

func (c *Cache) unlink(slot int) {
	e := &c.entries[slot]
	if e.prev != nilSlot {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nilSlot {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nilSlot, nilSlot
}

func validateProposals(p *iface.Proposals) error {
	if p == nil {
		return fmt.Errorf("%w: extractor returned no proposals", iface.ErrExtractionFailure)
	}
	n := len(p.Boxes)
	if len(p.Objectness) != n || len(p.Embeddings) != n || len(p.LogitShift) != n || len(p.LogitScale) != n {
		return fmt.Errorf("%w: inconsistent proposal count (boxes=%d objectness=%d embeddings=%d shift=%d scale=%d)",
			iface.ErrExtractionFailure, n, len(p.Objectness), len(p.Embeddings), len(p.LogitShift), len(p.LogitScale))
	}
	dim := p.Dim()
	for i, e := range p.Embeddings {
		if len(e) != dim {
			return fmt.Errorf("%w: region %d has dimension %d, want %d", iface.ErrExtractionFailure, i, len(e), dim)
		}
	}
	return nil
}
