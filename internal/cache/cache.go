// Package cache holds the attention key/value state for the blocks a node
// owns. One Cache belongs to exactly one session at a time.
package cache

import (
	"fmt"
	"sync"

	"github.com/samcharles93/strata/internal/protocol"
	"github.com/samcharles93/strata/internal/topology"
)

// Cache tracks per-block K/V rows and the number of token positions already
// processed by the owning node.
type Cache struct {
	mu      sync.Mutex
	blocks  topology.Range
	kvDim   int
	maxSeq  int
	pos     int
	entries []*Entry
}

// New allocates empty entries for every block in r. maxSeq <= 0 means
// unbounded.
func New(r topology.Range, kvDim, maxSeq int) *Cache {
	c := &Cache{
		blocks:  r,
		kvDim:   kvDim,
		maxSeq:  maxSeq,
		entries: make([]*Entry, r.Len()),
	}
	for i := range c.entries {
		c.entries[i] = &Entry{kvDim: kvDim}
	}
	return c
}

// Range returns the block range the cache was built for.
func (c *Cache) Range() topology.Range { return c.blocks }

// Owns reports whether block i has an entry here.
func (c *Cache) Owns(i int) bool { return c.blocks.Contains(i) }

// Position is the number of token positions consumed so far.
func (c *Cache) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Check reports an ErrPosition error unless pos is the next expected
// position and n more tokens fit.
func (c *Cache) Check(pos, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos != c.pos {
		return fmt.Errorf("%w: got position %d, cache at %d", protocol.ErrPosition, pos, c.pos)
	}
	if n <= 0 {
		return fmt.Errorf("%w: empty step at position %d", protocol.ErrPosition, pos)
	}
	if c.maxSeq > 0 && c.pos+n > c.maxSeq {
		return fmt.Errorf("%w: %d tokens at position %d exceed context of %d", protocol.ErrPosition, n, pos, c.maxSeq)
	}
	return nil
}

// Advance moves the position forward by n tokens after every owned block has
// appended its rows.
func (c *Cache) Advance(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return fmt.Errorf("%w: advance by %d", protocol.ErrPosition, n)
	}
	if c.maxSeq > 0 && c.pos+n > c.maxSeq {
		return fmt.Errorf("%w: position %d exceeds context of %d", protocol.ErrPosition, c.pos+n, c.maxSeq)
	}
	for i, e := range c.entries {
		if e.Len() != c.pos+n {
			return fmt.Errorf("%w: block %d holds %d rows, want %d", protocol.ErrPosition, c.blocks.Start+i, e.Len(), c.pos+n)
		}
	}
	c.pos += n
	return nil
}

// Reset discards every entry and rewinds to position zero. Backing arrays are
// kept for the next session.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = 0
	for _, e := range c.entries {
		e.truncate(0)
	}
}

// Rollback truncates every entry back to the current position, dropping rows
// appended by a step that failed part way.
func (c *Cache) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.truncate(c.pos)
	}
}

// Block returns the entry for absolute block index i.
func (c *Cache) Block(i int) (*Entry, error) {
	if !c.blocks.Contains(i) {
		return nil, fmt.Errorf("cache: block %d outside %s", i, c.blocks)
	}
	return c.entries[i-c.blocks.Start], nil
}

// Entry stores the keys and values of one block as flat row-major buffers of
// kvDim floats per position.
type Entry struct {
	kvDim int
	k     []float32
	v     []float32
}

// Append adds one position worth of keys and values.
func (e *Entry) Append(k, v []float32) error {
	if len(k) != e.kvDim || len(v) != e.kvDim {
		return fmt.Errorf("cache: append k=%d v=%d, want %d", len(k), len(v), e.kvDim)
	}
	e.k = append(e.k, k...)
	e.v = append(e.v, v...)
	return nil
}

// Len is the number of positions stored.
func (e *Entry) Len() int {
	if e.kvDim == 0 {
		return 0
	}
	return len(e.k) / e.kvDim
}

// Dim is the width of one stored row.
func (e *Entry) Dim() int { return e.kvDim }

// Keys returns the stored keys; row t starts at t*Dim().
func (e *Entry) Keys() []float32 { return e.k }

// Values returns the stored values, laid out like Keys.
func (e *Entry) Values() []float32 { return e.v }

func (e *Entry) truncate(n int) {
	e.k = e.k[:n*e.kvDim]
	e.v = e.v[:n*e.kvDim]
}
