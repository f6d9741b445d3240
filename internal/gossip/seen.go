package gossip

import (
	"container/list"
	"time"

	"opengrid/internal/proto"
)

const DefaultSeenCap = 4096

// SeenCache remembers message IDs in arrival order and evicts the oldest one
// once full. It is not safe for concurrent use.
type SeenCache struct {
	cap     int
	entries map[proto.MessageID]*list.Element
	order   *list.List
}

type seenEntry struct {
	id        proto.MessageID
	firstSeen time.Time
}

func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = DefaultSeenCap
	}
	return &SeenCache{
		cap:     capacity,
		entries: make(map[proto.MessageID]*list.Element, capacity),
		order:   list.New(),
	}
}

func (c *SeenCache) Seen(id proto.MessageID) bool {
	_, ok := c.entries[id]
	return ok
}

// FirstSeen reports when id was first inserted.
func (c *SeenCache) FirstSeen(id proto.MessageID) (time.Time, bool) {
	el, ok := c.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return el.Value.(*seenEntry).firstSeen, true
}

// Add inserts id and returns false when it was already present. A repeat does
// not refresh its position.
func (c *SeenCache) Add(id proto.MessageID, now time.Time) bool {
	if _, ok := c.entries[id]; ok {
		return false
	}
	if len(c.entries) >= c.cap {
		c.evictOldest()
	}
	c.entries[id] = c.order.PushBack(&seenEntry{id: id, firstSeen: now})
	return true
}

func (c *SeenCache) Len() int { return len(c.entries) }

func (c *SeenCache) Cap() int { return c.cap }

func (c *SeenCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	delete(c.entries, front.Value.(*seenEntry).id)
	c.order.Remove(front)
}
