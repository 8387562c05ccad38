package relorm

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
)

// StmtCache is an LRU cache of prepared statements keyed by SQL text.
// Entries are reference counted: an evicted statement stays open until its
// last user releases it.
type StmtCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*stmtEntry
	lruList  *list.List
}

type stmtEntry struct {
	stmt     *sql.Stmt
	element  *list.Element
	refCount int32
	evicted  bool
	query    string
}

// NewStmtCache creates a cache holding at most capacity statements.
// A capacity of 0 or less defaults to 100.
func NewStmtCache(capacity int) *StmtCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &StmtCache{
		capacity: capacity,
		items:    make(map[string]*stmtEntry),
		lruList:  list.New(),
	}
}

// WithStatementCache prepares statements once per SQL text on the primary
// connection and reuses them outside transactions.
func WithStatementCache(capacity int) Option {
	return func(d *Database) {
		d.stmtCache = NewStmtCache(capacity)
	}
}

// Get returns the cached statement for query with a release function the
// caller must invoke when done, or nil, nil on a miss.
func (c *StmtCache) Get(query string) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[query]; exists {
		c.lruList.MoveToFront(entry.element)
		atomic.AddInt32(&entry.refCount, 1)
		return entry.stmt, func() {
			c.release(entry)
		}
	}

	return nil, nil
}

// Put stores stmt for query, replacing any existing entry.
func (c *StmtCache) Put(query string, stmt *sql.Stmt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.putLocked(query, stmt)
}

func (c *StmtCache) putLocked(query string, stmt *sql.Stmt) *stmtEntry {
	if entry, exists := c.items[query]; exists {
		c.evictEntry(entry)
	}

	if len(c.items) >= c.capacity {
		c.evictLRU()
	}

	entry := &stmtEntry{stmt: stmt, query: query}
	entry.element = c.lruList.PushFront(entry)
	c.items[query] = entry
	return entry
}

// PutAndGet stores stmt and returns it already referenced, so it cannot be
// evicted and closed between the store and the first use.
func (c *StmtCache) PutAndGet(query string, stmt *sql.Stmt) (*sql.Stmt, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.putLocked(query, stmt)
	atomic.AddInt32(&entry.refCount, 1)
	return entry.stmt, func() {
		c.release(entry)
	}
}

// prepare returns a referenced statement for query, preparing it on db on
// a miss.
func (c *StmtCache) prepare(ctx context.Context, db *sql.DB, query string) (*sql.Stmt, func(), error) {
	if stmt, release := c.Get(query); stmt != nil {
		return stmt, release, nil
	}
	stmt, err := db.PrepareContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	stmt, release := c.PutAndGet(query, stmt)
	return stmt, release, nil
}

func (c *StmtCache) evictLRU() {
	element := c.lruList.Back()
	if element == nil {
		return
	}
	c.evictEntry(element.Value.(*stmtEntry))
}

func (c *StmtCache) evictEntry(entry *stmtEntry) {
	c.lruList.Remove(entry.element)
	delete(c.items, entry.query)
	entry.evicted = true

	if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
		_ = entry.stmt.Close()
	}
}

func (c *StmtCache) release(entry *stmtEntry) {
	if atomic.AddInt32(&entry.refCount, -1) == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.evicted && atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
			_ = entry.stmt.Close()
		}
	}
}

// Clear closes every idle statement and empties the cache. Statements still
// in use are closed on release.
func (c *StmtCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.items {
		entry.evicted = true
		if atomic.LoadInt32(&entry.refCount) == 0 && entry.stmt != nil {
			_ = entry.stmt.Close()
		}
	}

	c.items = make(map[string]*stmtEntry)
	c.lruList.Init()
}

// Close clears the cache.
func (c *StmtCache) Close() error {
	c.Clear()
	return nil
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
