package policy

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lruEntry is a doubly-linked list node for the decision cache.
type lruEntry struct {
	key      uint64
	decision Decision
	prev     *lruEntry
	next     *lruEntry
}

// decisionCache is a bounded LRU over evaluation results. Evaluation is a
// pure function of (context, rule list), so entries stay valid until the
// rule list is swapped; Reload clears the cache.
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// get returns the cached decision and promotes the entry on a hit.
func (c *decisionCache) get(key uint64) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return Decision{}, false
}

// put stores a decision, evicting the least recently used entry at capacity.
func (c *decisionCache) put(key uint64, decision Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// clear empties the cache. Called whenever the rule list changes.
func (c *decisionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *decisionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *decisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// cacheKey hashes the evaluation context. Keys carry the rule-list
// generation so a late put from an evaluation that raced a reload can never
// serve readers of the new rule list. Tags must already be normalized and
// sorted so equivalent contexts collide.
func cacheKey(gen uint64, pctx Context, normalizedTags []string) uint64 {
	var genBytes [8]byte
	binary.LittleEndian.PutUint64(genBytes[:], gen)
	h := xxhash.New()
	_, _ = h.Write(genBytes[:])
	_, _ = h.WriteString(string(pctx.Boundary))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(pctx.AgentID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(pctx.ToolName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(pctx.ActionType)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strings.Join(normalizedTags, ","))
	return h.Sum64()
}
