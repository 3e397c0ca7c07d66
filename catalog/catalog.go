// Package catalog is a local, eventually consistent projection of the
// ledger's listings. The ledger stays authoritative: every entry carries the
// (height, index) it was synced at and a staleness marker, and anything not
// fresh is re-read before it is trusted.
package catalog

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"xdao.co/audex/content"
	"xdao.co/audex/fault"
	"xdao.co/audex/ledger"
	"xdao.co/audex/metrics"
	"xdao.co/audex/money"
)

var log = logging.Logger("catalog")

type Staleness int

const (
	Fresh Staleness = iota
	Stale
	// Unknown means a transition that touched the entry was orphaned.
	Unknown
)

func (s Staleness) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Source is the read side of the ledger gateway.
type Source interface {
	ReadState(ctx context.Context, id ledger.ListingID) (ledger.Listing, ledger.Height, error)
	MaxListingID(ctx context.Context) (ledger.ListingID, ledger.Height, error)
}

// Feed is the confirmed event feed of the ledger gateway.
type Feed interface {
	Subscribe(ctx context.Context, from ledger.Height) (<-chan ledger.TransitionEvent, error)
}

type Config struct {
	// StalenessHorizon is how many finalized blocks an entry may lag the
	// observed head before it counts as stale. Zero disables the horizon.
	StalenessHorizon uint64
	// RebuildConcurrency bounds parallel reads during Rebuild.
	RebuildConcurrency int
	// ReadTimeout bounds one shared ledger read.
	ReadTimeout time.Duration
}

type entry struct {
	mu      sync.RWMutex
	listing ledger.Listing
	height  ledger.Height
	index   uint32
	state   Staleness
}

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Listing      ledger.Listing
	SyncedHeight ledger.Height
	Staleness    Staleness
}

type Filter struct {
	Owner       ledger.Party
	ForSaleOnly bool
	Artist      string
	Media       content.MediaClass
	// MaxPrice, when set, excludes listings priced above it.
	MaxPrice *money.Amount
}

func (f Filter) match(l ledger.Listing) bool {
	switch {
	case f.Owner != "" && l.Owner != f.Owner:
		return false
	case f.ForSaleOnly && !l.ForSale:
		return false
	case f.Artist != "" && !strings.EqualFold(f.Artist, l.Artist):
		return false
	case f.Media != content.Unknown && l.Content.Media != f.Media:
		return false
	case f.MaxPrice != nil && l.Price.Cmp(*f.MaxPrice) > 0:
		return false
	}
	return true
}

type Cache struct {
	src     Source
	cfg     Config
	entries *xsync.MapOf[ledger.ListingID, *entry]
	reads   singleflight.Group
	head    atomic.Uint64
}

func New(src Source, cfg Config) *Cache {
	if cfg.RebuildConcurrency <= 0 {
		cfg.RebuildConcurrency = 8
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Cache{
		src:     src,
		cfg:     cfg,
		entries: xsync.NewIntegerMapOf[ledger.ListingID, *entry](),
	}
}

// Head is the highest finalized height the cache has observed.
func (c *Cache) Head() ledger.Height { return ledger.Height(c.head.Load()) }

func (c *Cache) observe(h ledger.Height) {
	for {
		cur := c.head.Load()
		if uint64(h) <= cur || c.head.CompareAndSwap(cur, uint64(h)) {
			return
		}
	}
}

func (c *Cache) staleness(e *entry) Staleness {
	if e.state != Fresh {
		return e.state
	}
	if c.cfg.StalenessHorizon > 0 {
		if head := c.Head(); head > e.height && uint64(head-e.height) > c.cfg.StalenessHorizon {
			return Stale
		}
	}
	return Fresh
}

// Lookup returns the cached entry without any I/O.
func (c *Cache) Lookup(id ledger.ListingID) (Entry, bool) {
	e, ok := c.entries.Load(id)
	if !ok {
		return Entry{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Entry{Listing: e.listing, SyncedHeight: e.height, Staleness: c.staleness(e)}, true
}

func (c *Cache) Len() int { return c.entries.Size() }

// apply replaces the entry for l.ID with l if (h, idx) is not older than what
// the entry already reflects, and returns the listing the entry holds
// afterwards. A different content digest for an existing id is an integrity
// fault: the entry is invalidated and nothing is applied.
func (c *Cache) apply(l ledger.Listing, h ledger.Height, idx uint32) (ledger.Listing, error) {
	e, loaded := c.entries.LoadOrStore(l.ID, &entry{listing: l, height: h, index: idx, state: Fresh})
	if !loaded {
		metrics.Measures.CatalogEntries.Set(float64(c.entries.Size()))
		metrics.Measures.CatalogEvents.WithLabelValues("applied").Inc()
		return l, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if h < e.height || (h == e.height && idx < e.index) {
		metrics.Measures.CatalogEvents.WithLabelValues("discarded").Inc()
		log.Debugw("discarding out of order snapshot", "id", l.ID, "height", h, "index", idx, "have", e.height)
		return e.listing, nil
	}
	if !e.listing.Content.Equal(l.Content) {
		e.state = Stale
		metrics.Measures.CatalogEvents.WithLabelValues("invalidated").Inc()
		log.Errorw("content digest changed", "id", l.ID, "had", e.listing.Content, "got", l.Content, "height", h)
		return ledger.Listing{}, fault.Integrity(fault.DigestChanged, "listing %d content changed from %s to %s at height %d",
			l.ID, e.listing.Content.Digest, l.Content.Digest, h)
	}
	e.listing = l
	e.height = h
	e.index = idx
	e.state = Fresh
	metrics.Measures.CatalogEvents.WithLabelValues("applied").Inc()
	return l, nil
}

func (c *Cache) mark(id ledger.ListingID, s Staleness) {
	e, ok := c.entries.Load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state < s {
		e.state = s
	}
	e.mu.Unlock()
	metrics.Measures.CatalogEvents.WithLabelValues("invalidated").Inc()
}

// Invalidate marks id stale so the next read goes to the ledger.
func (c *Cache) Invalidate(id ledger.ListingID) {
	c.mark(id, Stale)
}

// ApplyEvent folds one confirmed feed event into the cache.
func (c *Cache) ApplyEvent(ev ledger.TransitionEvent) error {
	switch ev.Type {
	case ledger.EventApplied:
		c.observe(ev.Height)
		if ev.Listing == nil {
			return nil
		}
		_, err := c.apply(*ev.Listing, ev.Height, ev.Index)
		return err
	case ledger.EventOrphaned:
		if ev.ListingID != 0 {
			log.Warnw("listing touched by orphaned transition", "id", ev.ListingID, "handle", ev.Handle, "height", ev.Height)
			c.mark(ev.ListingID, Unknown)
		}
	case ledger.EventHead:
		c.observe(ev.Height)
	}
	return nil
}

// Refresh reads id from the ledger, applies the result and returns the
// listing the cache holds afterwards. Concurrent refreshes of the same id
// share one read, which is bounded by ReadTimeout rather than by whichever
// caller started it.
func (c *Cache) Refresh(ctx context.Context, id ledger.ListingID) (ledger.Listing, error) {
	ch := c.reads.DoChan(id.String(), func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ReadTimeout)
		defer cancel()
		l, h, err := c.src.ReadState(rctx, id)
		if err != nil {
			if fault.Is(err, fault.ListingNotFound) {
				c.forgetUnknown(id)
			}
			return nil, err
		}
		c.observe(h)
		return c.apply(l, h, math.MaxUint32)
	})
	select {
	case <-ctx.Done():
		return ledger.Listing{}, fault.Transient(fault.Cancelled, ctx.Err(), "refreshing listing %d", id)
	case r := <-ch:
		if r.Err != nil {
			return ledger.Listing{}, r.Err
		}
		return r.Val.(ledger.Listing), nil
	}
}

// forgetUnknown drops an entry whose creating transition was orphaned and
// that the ledger no longer has.
func (c *Cache) forgetUnknown(id ledger.ListingID) {
	c.entries.Compute(id, func(e *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e, e.state == Unknown
	})
	metrics.Measures.CatalogEntries.Set(float64(c.entries.Size()))
}

// Get returns the listing, going to the ledger unless the entry is fresh.
func (c *Cache) Get(ctx context.Context, id ledger.ListingID) (ledger.Listing, error) {
	if e, ok := c.Lookup(id); ok && e.Staleness == Fresh {
		return e.Listing, nil
	}
	return c.Refresh(ctx, id)
}

// List returns the listings matching f, ascending by id. Entries that are not
// fresh are refreshed on a best-effort basis; unknown entries that cannot be
// refreshed are left out.
func (c *Cache) List(ctx context.Context, f Filter) ([]ledger.Listing, error) {
	var ids []ledger.ListingID
	c.entries.Range(func(id ledger.ListingID, _ *entry) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]ledger.Listing, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, fault.Transient(fault.Cancelled, err, "list catalog")
		}
		e, ok := c.Lookup(id)
		if !ok {
			continue
		}
		l := e.Listing
		if e.Staleness != Fresh {
			fresh, err := c.Refresh(ctx, id)
			switch {
			case err == nil:
				l = fresh
			case e.Staleness == Unknown:
				log.Debugw("dropping unresolved entry from listing", "id", id, "error", err)
				continue
			default:
				log.Debugw("serving stale entry", "id", id, "error", err)
			}
		}
		if f.match(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Rebuild reads every listing id up to the ledger's finalized maximum.
func (c *Cache) Rebuild(ctx context.Context) error {
	maxID, h, err := c.src.MaxListingID(ctx)
	if err != nil {
		return err
	}
	c.observe(h)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.RebuildConcurrency)
	for id := ledger.ListingID(1); id <= maxID; id++ {
		id := id
		g.Go(func() error {
			_, err := c.Refresh(gctx, id)
			switch {
			case err == nil, fault.Is(err, fault.ListingNotFound):
				return nil
			case fault.IsKind(err, fault.KindIntegrity):
				log.Errorw("integrity fault during rebuild", "id", id, "error", err)
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infow("catalog rebuilt", "entries", c.Len(), "maxID", maxID, "height", h)
	return nil
}

// Follow consumes the confirmed feed from height from until ctx is done. It
// is the only writer driven by the feed.
func (c *Cache) Follow(ctx context.Context, feed Feed, from ledger.Height) error {
	events, err := feed.Subscribe(ctx, from)
	if err != nil {
		return err
	}
	for ev := range events {
		if err := c.ApplyEvent(ev); err != nil {
			log.Errorw("applying feed event", "type", ev.Type, "id", ev.ListingID, "height", ev.Height, "error", err)
		}
	}
	return ctx.Err()
}
