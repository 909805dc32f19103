// Package prepared implements the proxy-wide prepared-statement cache
// (spec.md C3): client-chosen statement names are rewritten to a stable
// proxy-internal name shared across every server connection in the pool, so
// a prepared statement survives the client moving between backend
// connections under transaction-mode pooling. Capacity is bounded with LRU
// eviction, following the donor's map+mutex catalog idiom in
// pkg/catalog/catalog.go.
package prepared

import (
	"container/list"
	"fmt"
	"sync"
)

// Entry is one cached prepared statement.
type Entry struct {
	ClientName string
	ProxyName  string
	SQL        string
	ParamTypes []int32
}

// Cache maps client-visible prepared-statement names to a stable
// proxy-internal name and the SQL/parameter-type metadata needed to
// re-Parse it against a freshly checked-out server connection.
type Cache struct {
	mu       sync.Mutex
	capacity int
	counter  uint64
	entries  map[string]*list.Element // client name -> LRU element
	order    *list.List               // front = most recently used
}

// New returns a Cache bounded to capacity entries. capacity <= 0 means
// unbounded.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Lookup returns the cached entry for a client-chosen statement name, if
// still present, bumping its LRU recency.
func (c *Cache) Lookup(clientName string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[clientName]
	if !ok {
		return Entry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*Entry).clone(), true
}

// Prepare registers a new client statement name, assigning it a stable
// proxy-internal name. If the client re-uses a name with byte-identical SQL
// and parameter types, the existing proxy name is returned unchanged
// (idempotent re-PARSE, which PostgreSQL clients routinely do). A name
// reused with different SQL replaces the old entry (the client implicitly
// redefines it, matching backend semantics for unnamed/overwritten
// statements).
func (c *Cache) Prepare(clientName, sql string, paramTypes []int32) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[clientName]; ok {
		existing := el.Value.(*Entry)
		if existing.SQL == sql && sameTypes(existing.ParamTypes, paramTypes) {
			c.order.MoveToFront(el)
			return existing.clone()
		}
		c.order.Remove(el)
		delete(c.entries, clientName)
	}

	c.counter++
	entry := &Entry{
		ClientName: clientName,
		ProxyName:  fmt.Sprintf("__pgdog_%d", c.counter),
		SQL:        sql,
		ParamTypes: append([]int32(nil), paramTypes...),
	}
	el := c.order.PushFront(entry)
	c.entries[clientName] = el

	c.evictIfNeeded()
	return entry.clone()
}

// Deallocate removes a single client-chosen name, mirroring a DEALLOCATE
// statement.
func (c *Cache) Deallocate(clientName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[clientName]; ok {
		c.order.Remove(el)
		delete(c.entries, clientName)
	}
}

// DeallocateAll clears the cache, mirroring DEALLOCATE ALL.
func (c *Cache) DeallocateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictIfNeeded() {
	if c.capacity <= 0 {
		return
	}
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*Entry)
		c.order.Remove(back)
		delete(c.entries, entry.ClientName)
	}
}

func (e *Entry) clone() Entry { return *e }

func sameTypes(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
