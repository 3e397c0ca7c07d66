// Package memory is an in-process storage.CAS.
//
// Besides serving as a scratch backend it can simulate the failure modes the
// content resolver has to cope with: an unreachable store and a store that
// acknowledges writes before it can serve them.
package memory

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/audex/cidutil"
	"xdao.co/audex/storage"
)

type object struct {
	data      []byte
	mediaHint string
}

type CAS struct {
	mu      sync.RWMutex
	objects map[cid.Cid]object

	puts        int
	unavailable bool
	readLag     int
	lagging     map[cid.Cid]int
}

var _ storage.CAS = (*CAS)(nil)

func New() *CAS {
	return &CAS{
		objects: make(map[cid.Cid]object),
		lagging: make(map[cid.Cid]int),
	}
}

func (c *CAS) Put(ctx context.Context, data []byte, mediaHint string) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return cid.Undef, storage.ErrUnavailable
	}
	c.puts++
	if existing, ok := c.objects[id]; ok {
		if string(existing.data) != string(data) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	}
	c.objects[id] = object{data: append([]byte(nil), data...), mediaHint: mediaHint}
	if c.readLag > 0 {
		c.lagging[id] = c.readLag
	}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return nil, storage.ErrUnavailable
	}
	if n := c.lagging[id]; n > 0 {
		c.lagging[id] = n - 1
		return nil, storage.ErrNotFound
	}
	obj, ok := c.objects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !id.Defined() {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.unavailable {
		return false, storage.ErrUnavailable
	}
	_, ok := c.objects[id]
	return ok, nil
}

// Puts returns how many Put calls reached the store.
func (c *CAS) Puts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.puts
}

// MediaHint returns the hint recorded with the first write of id.
func (c *CAS) MediaHint(id cid.Cid) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.objects[id].mediaHint
}

// SetUnavailable makes every call fail with storage.ErrUnavailable.
func (c *CAS) SetUnavailable(v bool) {
	c.mu.Lock()
	c.unavailable = v
	c.mu.Unlock()
}

// SetReadLag makes the first n Gets of each newly written object report
// ErrNotFound.
func (c *CAS) SetReadLag(n int) {
	c.mu.Lock()
	c.readLag = n
	c.mu.Unlock()
}
