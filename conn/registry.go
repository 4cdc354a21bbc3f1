package conn

import "sync"

// The process-wide registry of live connections: a doubly-linked list
// guarded by one mutex plus one condition variable. Enumeration bumps a
// per-connection counter so that visitors can run without the registry
// lock held while removal is guaranteed not to race ahead of them.

var registry struct {
	mu    sync.Mutex
	cv    *sync.Cond
	head  *Conn
	tail  *Conn
	count int
}

func init() {
	registry.cv = sync.NewCond(&registry.mu)
}

// Count returns the number of registered connections.
func Count() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.count
}

func registryInsert(c *Conn) {
	registry.mu.Lock()
	if c.onList {
		registry.mu.Unlock()
		panic("conn: connection already on registry")
	}
	c.prev = registry.tail
	c.next = nil
	if registry.tail != nil {
		registry.tail.next = c
	} else {
		registry.head = c
	}
	registry.tail = c
	c.onList = true
	registry.count++
	registry.cv.Broadcast()
	registry.mu.Unlock()
}

func registryRemove(c *Conn) {
	registry.mu.Lock()
	if !c.onList {
		registry.mu.Unlock()
		return
	}
	// A connection may be destroyed only once nobody is enumerating it.
	for c.enumCount != 0 {
		registry.cv.Wait()
	}
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		registry.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		registry.tail = c.prev
	}
	c.prev, c.next = nil, nil
	c.onList = false
	registry.count--
	registry.cv.Broadcast()
	registry.mu.Unlock()
}

// Enumerate walks the registered connections calling fn on each one. The
// registry lock is dropped while fn runs; the visited connection cannot
// be unlinked until fn returns. Enumeration stops early, returning
// false, as soon as fn returns false. Visitors must not insert or remove
// connections themselves.
func Enumerate(fn func(*Conn) bool) bool {
	rv := true

	registry.mu.Lock()
	for c := registry.head; c != nil; c = c.next {
		c.enumCount++
		registry.mu.Unlock()
		if !fn(c) {
			rv = false
		}
		registry.mu.Lock()
		c.enumCount--
		registry.cv.Broadcast()
		if !rv {
			break
		}
	}
	registry.mu.Unlock()

	return rv
}

// Shutdown cancels every registered connection and waits for their
// workers to destroy them.
func Shutdown() {
	Enumerate(func(c *Conn) bool {
		c.Cancel()
		return true
	})

	registry.mu.Lock()
	for registry.head != nil {
		registry.cv.Wait()
	}
	registry.mu.Unlock()
}
